package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder[T any] struct {
	mu    sync.Mutex
	calls []T
	times []time.Time
}

func (r *recorder[T]) action(_ context.Context, v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, v)
	r.times = append(r.times, time.Now())
	return nil
}

func (r *recorder[T]) snapshot() ([]T, []time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.calls...), append([]time.Time(nil), r.times...)
}

func TestDebounceCoalescesBurst(t *testing.T) {
	rec := &recorder[string]{}
	d := NewDebouncer(50*time.Millisecond, rec.action)
	defer d.Stop()

	d.Emit("v1")
	d.Emit("v2")
	d.Emit("v3")

	time.Sleep(150 * time.Millisecond)
	calls, _ := rec.snapshot()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0] != "v3" {
		t.Errorf("value = %q, want %q", calls[0], "v3")
	}
}

func TestDebounceRearmsOnNewValue(t *testing.T) {
	rec := &recorder[int]{}
	window := 80 * time.Millisecond
	d := NewDebouncer(window, rec.action)
	defer d.Stop()

	d.Emit(1)
	time.Sleep(window / 2)
	second := time.Now()
	d.Emit(2)

	// v1's due time passes here; nothing may fire yet.
	time.Sleep(window/2 + 15*time.Millisecond)
	if calls, _ := rec.snapshot(); len(calls) != 0 {
		t.Fatalf("fired at v1's due time with %v", calls)
	}

	time.Sleep(window)
	calls, times := rec.snapshot()
	if len(calls) != 1 || calls[0] != 2 {
		t.Fatalf("calls = %v, want [2]", calls)
	}
	if elapsed := times[0].Sub(second); elapsed < window {
		t.Errorf("fired %v after second emit, want >= %v", elapsed, window)
	}
}

func TestDebounceSingleTaskPerEpisode(t *testing.T) {
	rec := &recorder[int]{}
	d := NewDebouncer(40*time.Millisecond, rec.action)
	defer d.Stop()

	for i := 0; i < 20; i++ {
		d.Emit(i)
		time.Sleep(time.Millisecond)
	}
	if got := d.Episodes(); got != 1 {
		t.Fatalf("episodes during burst = %d, want 1", got)
	}

	time.Sleep(120 * time.Millisecond)
	calls, _ := rec.snapshot()
	if len(calls) != 1 || calls[0] != 19 {
		t.Fatalf("calls = %v, want [19]", calls)
	}

	d.Emit(100)
	if got := d.Episodes(); got != 2 {
		t.Errorf("episodes after quiescence = %d, want 2", got)
	}
}

func TestDebounceFlush(t *testing.T) {
	rec := &recorder[string]{}
	d := NewDebouncer(time.Hour, rec.action)
	defer d.Stop()

	d.Flush() // idle: no-op
	d.Emit("a")
	d.Emit("b")
	d.Flush()

	deadline := time.Now().Add(time.Second)
	for {
		calls, _ := rec.snapshot()
		if len(calls) == 1 {
			if calls[0] != "b" {
				t.Errorf("value = %q, want %q", calls[0], "b")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("flush did not fire")
		}
		time.Sleep(time.Millisecond)
	}
	if d.Pending() {
		t.Error("Pending = true after flush")
	}
}

func TestDebounceStopDropsPending(t *testing.T) {
	rec := &recorder[int]{}
	d := NewDebouncer(30*time.Millisecond, rec.action)
	d.Emit(1)
	d.Stop()
	d.Emit(2)
	time.Sleep(60 * time.Millisecond)
	if calls, _ := rec.snapshot(); len(calls) != 0 {
		t.Errorf("calls after stop = %v, want none", calls)
	}
}

func TestDebounceActionErrorForwarded(t *testing.T) {
	errSave := errors.New("save failed")
	got := make(chan error, 1)
	d := NewDebouncer(5*time.Millisecond, func(context.Context, int) error {
		return errSave
	}, WithDebounceErrorHandler(func(err error) { got <- err }))
	defer d.Stop()

	d.Emit(1)
	select {
	case err := <-got:
		if !errors.Is(err, errSave) {
			t.Errorf("err = %v, want %v", err, errSave)
		}
	case <-time.After(time.Second):
		t.Fatal("error handler not called")
	}
}

func TestDebounceCloseDeliversPending(t *testing.T) {
	rec := &recorder[int]{}
	d := NewDebouncer(time.Hour, rec.action)

	d.Emit(1)
	d.Emit(2)
	d.Close()

	calls, _ := rec.snapshot()
	if len(calls) != 1 || calls[0] != 2 {
		t.Fatalf("calls = %v, want [2]", calls)
	}
	d.Emit(3)
	if d.Pending() {
		t.Error("emit after close started an episode")
	}
}

func TestDebounceLateEmitGetsFullWindow(t *testing.T) {
	rec := &recorder[int]{}
	window := 5 * time.Millisecond
	d := NewDebouncer(window, rec.action)
	defer d.Stop()

	for round := 0; round < 50; round++ {
		first, late := 2*round, 2*round+1
		d.Emit(first)
		// Land the second value as close to the first's due time as the
		// scheduler allows.
		time.Sleep(window)
		emitted := time.Now()
		d.Emit(late)

		deadline := time.Now().Add(time.Second)
		for {
			calls, times := rec.snapshot()
			if n := len(calls); n > 0 && calls[n-1] == late {
				if gap := times[n-1].Sub(emitted); gap < window {
					t.Fatalf("round %d: value fired %s after its Emit, want >= %s", round, gap, window)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("round %d: value %d never delivered", round, late)
			}
			time.Sleep(time.Millisecond)
		}
	}
}
