package async

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DebounceOption configures a Debouncer.
type DebounceOption func(*debounceConfig)

type debounceConfig struct {
	logger  *slog.Logger
	onError func(error)
}

// WithDebounceLogger sets the logger used when no error handler is set.
func WithDebounceLogger(logger *slog.Logger) DebounceOption {
	return func(c *debounceConfig) {
		c.logger = logger
	}
}

// WithDebounceErrorHandler receives errors returned by the downstream action.
func WithDebounceErrorHandler(fn func(error)) DebounceOption {
	return func(c *debounceConfig) {
		c.onError = fn
	}
}

// Debouncer collapses bursts of values into one call of the downstream action
// with the most recent value, once no new value has arrived for the window.
//
// At most one waiter goroutine exists per instance. While it sleeps, Emit only
// replaces the value and pushes the due time out; the waiter notices on wake
// and sleeps again until the new due time.
type Debouncer[T any] struct {
	window time.Duration
	action func(ctx context.Context, v T) error
	cfg    debounceConfig

	mu         sync.Mutex
	debouncing bool
	value      T
	due        time.Time
	arrived    bool // a value came in while the waiter slept
	kick       chan struct{}
	episodes   uint64
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDebouncer returns an idle debouncer.
func NewDebouncer[T any](window time.Duration, action func(ctx context.Context, v T) error, opts ...DebounceOption) *Debouncer[T] {
	cfg := debounceConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer[T]{
		window: window,
		action: action,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Emit stores v as the latest value and (re)starts the quiescence window.
func (d *Debouncer[T]) Emit(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.value = v
	d.due = time.Now().Add(d.window)
	if d.debouncing {
		d.arrived = true
		return
	}
	d.debouncing = true
	d.arrived = false
	d.kick = make(chan struct{}, 1)
	d.episodes++
	d.wg.Add(1)
	go d.wait(d.due, d.kick)
}

// Flush fires the pending value now instead of at its due time.
// It is a no-op when idle.
func (d *Debouncer[T]) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.debouncing {
		return
	}
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Pending reports whether a value is waiting to be emitted.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.debouncing
}

// Episodes returns how many idle-to-debouncing transitions have occurred,
// which equals the number of waiter goroutines ever started.
func (d *Debouncer[T]) Episodes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.episodes
}

// Stop drops any pending value and waits for the waiter goroutine to exit.
// Call Flush first to deliver the pending value.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

// Close delivers any pending value immediately, then stops the debouncer.
// Later calls to Emit are ignored.
func (d *Debouncer[T]) Close() {
	d.mu.Lock()
	if d.debouncing && !d.stopped {
		select {
		case d.kick <- struct{}{}:
		default:
		}
	}
	d.stopped = true
	d.mu.Unlock()
	d.wg.Wait()
	d.cancel()
}

func (d *Debouncer[T]) wait(due time.Time, kick chan struct{}) {
	defer d.wg.Done()
	for {
		timer := time.NewTimer(time.Until(due))
		select {
		case <-d.ctx.Done():
			timer.Stop()
			d.mu.Lock()
			d.debouncing = false
			d.mu.Unlock()
			return
		case <-kick:
			timer.Stop()
			d.mu.Lock()
		case <-timer.C:
			// The arrival check and the switch back to idle share one
			// critical section, so a late Emit either re-arms this
			// waiter or starts a new episode.
			d.mu.Lock()
			if d.arrived {
				d.arrived = false
				due = d.due
				d.mu.Unlock()
				continue
			}
		}
		v := d.takeLocked()
		d.mu.Unlock()
		d.fire(v)
		return
	}
}

func (d *Debouncer[T]) takeLocked() T {
	v := d.value
	var zero T
	d.value = zero
	d.debouncing = false
	d.arrived = false
	return v
}

func (d *Debouncer[T]) fire(v T) {
	if err := d.action(d.ctx, v); err != nil {
		if d.cfg.onError != nil {
			d.cfg.onError(err)
			return
		}
		d.cfg.logger.Warn("debounced action failed", "err", err)
	}
}
