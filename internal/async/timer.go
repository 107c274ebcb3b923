package async

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TimerOption configures a ResettableTimer.
type TimerOption func(*ResettableTimer)

// WithRepeat makes the timer fire at every interval until cancelled.
func WithRepeat() TimerOption {
	return func(t *ResettableTimer) {
		t.repeat = true
	}
}

// WithName sets the name used in debug logs.
func WithName(name string) TimerOption {
	return func(t *ResettableTimer) {
		t.name = name
	}
}

// WithTimerLogger sets the logger for reset/cancel tracing.
func WithTimerLogger(logger *slog.Logger) TimerOption {
	return func(t *ResettableTimer) {
		t.logger = logger
	}
}

// WithTimerErrorHandler receives errors returned by the action. The action's
// owner decides what a failure means; the timer only forwards it.
func WithTimerErrorHandler(fn func(error)) TimerOption {
	return func(t *ResettableTimer) {
		t.onError = fn
	}
}

// ResettableTimer runs an action after a delay. Reset pushes the deadline
// out by cancelling the pending wait and starting a new one.
type ResettableTimer struct {
	action  func(ctx context.Context) error
	repeat  bool
	name    string
	logger  *slog.Logger
	onError func(error)

	mu     sync.Mutex
	cancel context.CancelFunc

	// running counts wait goroutines of every generation, including ones a
	// Reset has superseded but whose action has not returned yet.
	running sync.WaitGroup
}

// NewResettableTimer creates an idle timer. Nothing fires until Reset.
func NewResettableTimer(action func(ctx context.Context) error, opts ...TimerOption) *ResettableTimer {
	t := &ResettableTimer{
		action: action,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Reset cancels any in-flight wait and schedules the action after delay.
// A repeating timer re-arms with the same delay after every firing.
func (t *ResettableTimer) Reset(delay time.Duration, reason ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.name != "" {
		t.logger.Debug("timer reset", "timer", t.name, "delay", delay, "reason", firstOr(reason, ""))
	}
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.running.Add(1)
	go t.run(ctx, delay)
}

// Cancel stops any pending or future firing. Safe to call repeatedly.
func (t *ResettableTimer) Cancel(reason ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel == nil {
		return
	}
	if t.name != "" {
		t.logger.Debug("timer cancelled", "timer", t.name, "reason", firstOr(reason, ""))
	}
	t.cancel()
	t.cancel = nil
}

// Stop cancels the timer and waits until no action of any earlier Reset is
// still running. Must not be called from inside the action.
func (t *ResettableTimer) Stop() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()
	t.running.Wait()
}

// Pending reports whether a wait is scheduled.
func (t *ResettableTimer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *ResettableTimer) run(ctx context.Context, delay time.Duration) {
	defer t.running.Done()
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			// Cancelled or superseded by Reset: the expected shutdown path.
			timer.Stop()
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		if err := t.action(ctx); err != nil {
			t.handleError(err)
		}
		if !t.repeat {
			t.clearIfCurrent(ctx)
			return
		}
	}
}

// clearIfCurrent marks a finished one-shot as idle unless a newer Reset
// already replaced it.
func (t *ResettableTimer) clearIfCurrent(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil && ctx.Err() == nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *ResettableTimer) handleError(err error) {
	if t.onError != nil {
		t.onError(err)
		return
	}
	t.logger.Warn("timer action failed", "timer", t.name, "err", err)
}

func firstOr(s []string, def string) string {
	if len(s) > 0 {
		return s[0]
	}
	return def
}
