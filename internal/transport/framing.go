package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream framing used by the TCP and serial links:
//
//	0x94 0xC3 <len:uint16 BE> <payload>
const (
	frameStart1     = 0x94
	frameStart2     = 0xC3
	frameHeaderLen  = 4
	MaxFramePayload = 512
)

// ErrFrameTooLarge is returned when a payload exceeds MaxFramePayload.
var ErrFrameTooLarge = errors.New("frame payload too large")

// EncodeFrame prepends the frame header to payload.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), MaxFramePayload)
	}
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = frameStart1
	buf[1] = frameStart2
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	return buf, nil
}

// FrameReader splits a byte stream into frame payloads. Bytes outside a
// frame (boot logs, debug console output) are skipped and counted.
type FrameReader struct {
	r       *bufio.Reader
	skipped uint64
}

// NewFrameReader reads frames from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 2*(frameHeaderLen+MaxFramePayload))}
}

// Skipped returns the number of bytes discarded while resynchronising.
func (fr *FrameReader) Skipped() uint64 { return fr.skipped }

// ReadFrame returns the next payload. A header announcing more than
// MaxFramePayload bytes is treated as noise and scanning resumes after it.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart1 {
			fr.skipped++
			continue
		}
		next, err := fr.r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] != frameStart2 {
			// Could be the first magic byte of the real frame; rescan from it.
			fr.skipped++
			continue
		}
		fr.r.Discard(1)

		var lenBuf [2]byte
		if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint16(lenBuf[:]))
		if n > MaxFramePayload {
			fr.skipped += frameHeaderLen
			continue
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}
