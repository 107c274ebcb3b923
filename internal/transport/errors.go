package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"meshlink/internal/async"
)

// Kind classifies a transport failure. Callers match on Kind, never on text.
type Kind uint8

const (
	KindTransportUnavailable Kind = iota + 1
	KindConnectionFailed
	KindLinkLayer
)

func (k Kind) String() string {
	switch k {
	case KindTransportUnavailable:
		return "transport_unavailable"
	case KindConnectionFailed:
		return "connection_failed"
	case KindLinkLayer:
		return "link_layer"
	default:
		return "unknown"
	}
}

// Link-layer codes. The numbering matches the codes Bluetooth stacks report
// to applications, so the same values are used for every transport.
const (
	CodeTimeout                = 6
	CodePeripheralDisconnected = 7
	CodePeerRemovedPairing     = 14
)

// LinkCategory groups link-layer codes by the remedy the user should try.
type LinkCategory uint8

const (
	CategoryOther LinkCategory = iota
	CategoryTimeout
	CategoryPeripheralAsleep
	CategoryStalePairing
)

// Error is the only error type Connect and ManuallyConnect return.
type Error struct {
	Kind   Kind
	Reason string // set for KindConnectionFailed and KindTransportUnavailable
	Code   int    // set for KindLinkLayer
	Err    error
}

// ErrManualUnsupported is returned by transports that cannot be dialed from
// a user-supplied string.
var ErrManualUnsupported = &Error{Kind: KindConnectionFailed, Reason: "manual connection not supported"}

// Unavailable reports that the transport subsystem itself cannot be used.
func Unavailable(reason string, err error) *Error {
	return &Error{Kind: KindTransportUnavailable, Reason: reason, Err: err}
}

// ConnectionFailed reports a failed or aborted connection attempt.
func ConnectionFailed(reason string, err error) *Error {
	return &Error{Kind: KindConnectionFailed, Reason: reason, Err: err}
}

// LinkLayer reports a numeric failure from the physical link.
func LinkLayer(code int, err error) *Error {
	return &Error{Kind: KindLinkLayer, Code: code, Err: err}
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindTransportUnavailable:
		msg = "transport unavailable"
		if e.Reason != "" {
			msg += ": " + e.Reason
		}
	case KindConnectionFailed:
		msg = "connection failed: " + e.Reason
	case KindLinkLayer:
		msg = fmt.Sprintf("link layer error %d", e.Code)
	default:
		msg = "transport error"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind and reason so wrapped copies of
// ErrManualUnsupported still compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Reason == t.Reason && e.Code == t.Code
}

// LinkCategory maps the link-layer code to a remediation category.
func (e *Error) LinkCategory() LinkCategory {
	if e.Kind != KindLinkLayer {
		return CategoryOther
	}
	switch e.Code {
	case CodeTimeout:
		return CategoryTimeout
	case CodePeripheralDisconnected:
		return CategoryPeripheralAsleep
	case CodePeerRemovedPairing:
		return CategoryStalePairing
	default:
		return CategoryOther
	}
}

// Remediation is the next step offered to the user.
func (e *Error) Remediation() string {
	switch e.Kind {
	case KindTransportUnavailable:
		return "Turn Bluetooth on and allow access, then try again."
	case KindConnectionFailed:
		return "Check the address and that the radio is powered on."
	}
	switch e.LinkCategory() {
	case CategoryTimeout:
		return "The radio stopped responding. Move closer and it will reconnect when it advertises again."
	case CategoryPeripheralAsleep:
		return "The radio may be asleep or waiting for a PIN. Wake it and try again."
	case CategoryStalePairing:
		return "The radio forgot this pairing. Remove it from the system Bluetooth settings and pair again."
	default:
		return "Try reconnecting. Restart the radio if the problem persists."
	}
}

// Description is the user-visible text for the error. Raw codes only appear
// alongside a category sentence.
func (e *Error) Description() string {
	switch e.Kind {
	case KindTransportUnavailable:
		if e.Reason != "" {
			return "Bluetooth is unavailable. " + e.Reason
		}
		return "Bluetooth is unavailable."
	case KindConnectionFailed:
		return "Connection failed. " + e.Reason
	}
	switch e.LinkCategory() {
	case CategoryTimeout:
		return "The connection timed out."
	case CategoryPeripheralAsleep:
		return "The radio disconnected."
	case CategoryStalePairing:
		return "The radio removed its pairing information."
	default:
		return fmt.Sprintf("The link failed (code %d).", e.Code)
	}
}

// StateReason is the short reason recorded in ConnectionState.Error.
func (e *Error) StateReason() string {
	switch e.Kind {
	case KindConnectionFailed:
		return e.Reason
	case KindTransportUnavailable:
		return "transport unavailable"
	}
	switch e.LinkCategory() {
	case CategoryTimeout:
		return "timeout"
	case CategoryPeripheralAsleep:
		return "peripheral disconnected"
	case CategoryStalePairing:
		return "pairing removed"
	default:
		return fmt.Sprintf("link error %d", e.Code)
	}
}

// IsCancellation reports whether err is a cancellation rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, async.ErrCancelled)
}

// AsError returns err as a *Error, wrapping anything else as a connection
// failure with reason. Timeouts from the context become link timeouts.
func AsError(err error, reason string) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return LinkLayer(CodeTimeout, err)
	}
	if code, ok := linkCodeFromDBus(err); ok {
		return LinkLayer(code, err)
	}
	return ConnectionFailed(reason, err)
}

// dbusError extracts the BlueZ error name and message from err.
func dbusError(err error) (name, message string, ok bool) {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name, dbusErrorMessage(v), true
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name, dbusErrorMessage(*p), true
	}
	return "", "", false
}

func dbusErrorMessage(e dbus.Error) string {
	if len(e.Body) > 0 {
		if s, ok := e.Body[0].(string); ok {
			return s
		}
	}
	return ""
}

// linkCodeFromDBus maps BlueZ failures onto link-layer codes.
func linkCodeFromDBus(err error) (int, bool) {
	name, message, ok := dbusError(err)
	if !ok {
		return 0, false
	}
	message = strings.ToLower(message)
	switch name {
	case "org.freedesktop.DBus.Error.NoReply", "org.freedesktop.DBus.Error.Timeout", "org.bluez.Error.Timeout":
		return CodeTimeout, true
	case "org.bluez.Error.NotConnected":
		return CodePeripheralDisconnected, true
	case "org.bluez.Error.AuthenticationFailed", "org.bluez.Error.AuthenticationRejected",
		"org.bluez.Error.AuthenticationCanceled":
		return CodePeerRemovedPairing, true
	case "org.bluez.Error.Failed":
		switch {
		case strings.Contains(message, "timed out") || strings.Contains(message, "timeout"):
			return CodeTimeout, true
		case strings.Contains(message, "host is down"),
			strings.Contains(message, "connection-abort"),
			strings.Contains(message, "software caused connection abort"):
			return CodePeripheralDisconnected, true
		case strings.Contains(message, "key missing"), strings.Contains(message, "authentication"):
			return CodePeerRemovedPairing, true
		}
	}
	return 0, false
}
