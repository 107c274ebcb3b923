// Package async provides the coordination primitives shared by the connection
// layer: a reusable open/close Gate, a ResettableTimer and a Debouncer.
// Each type serialises its own state, so callers never need external locking.
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCancelled is returned to waiters that were resumed without the awaited
// event happening, either by their own context or by Gate.CancelAll.
// It marks an expected shutdown, not a failure.
var ErrCancelled = errors.New("async: cancelled")

// Gate lets any number of goroutines block until a single event occurs.
// The zero value is a closed gate ready for use.
type Gate struct {
	mu      sync.Mutex
	open    bool
	nextID  uint64
	waiters map[uint64]chan error
}

// NewGate returns a closed gate.
func NewGate() *Gate {
	return &Gate{waiters: make(map[uint64]chan error)}
}

// Wait blocks until the gate is opened, ctx is done, or CancelAll is called.
// It returns nil immediately when the gate is already open.
// On cancellation the returned error matches both ErrCancelled and ctx.Err().
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.open {
		g.mu.Unlock()
		return nil
	}
	if err := ctx.Err(); err != nil {
		g.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if g.waiters == nil {
		g.waiters = make(map[uint64]chan error)
	}
	id := g.nextID
	g.nextID++
	ch := make(chan error, 1)
	g.waiters[id] = ch
	g.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		g.mu.Lock()
		if _, ok := g.waiters[id]; ok {
			delete(g.waiters, id)
			g.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		g.mu.Unlock()
		// Open or CancelAll removed us first and already queued the result.
		return <-ch
	}
}

// Open resumes every current waiter successfully and keeps the gate open for
// later callers until Reset.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = true
	g.resumeLocked(nil)
}

// Reset closes the gate. Already resumed waiters are unaffected.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.open = false
	g.mu.Unlock()
}

// CancelAll resumes every current waiter with ErrCancelled without changing
// the open/closed flag.
func (g *Gate) CancelAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resumeLocked(ErrCancelled)
}

// IsOpen reports whether Wait would return immediately.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Waiters returns the number of goroutines currently blocked in Wait.
func (g *Gate) Waiters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// resumeLocked removes each waiter and delivers err in the same critical
// section, so a waiter can never be resumed twice.
func (g *Gate) resumeLocked(err error) {
	for id, ch := range g.waiters {
		delete(g.waiters, id)
		ch <- err
	}
}
