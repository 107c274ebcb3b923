package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitForWaiters(t *testing.T, g *Gate, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for g.Waiters() != n {
		if time.Now().After(deadline) {
			t.Fatalf("waiters = %d, want %d", g.Waiters(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGateOpenResumesAllWaiters(t *testing.T) {
	g := NewGate()
	const n = 16

	var resolved atomic.Int32
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			err := g.Wait(context.Background())
			resolved.Add(1)
			errs <- err
		}()
	}
	waitForWaiters(t, g, n)

	if got := resolved.Load(); got != 0 {
		t.Fatalf("resolved before open = %d, want 0", got)
	}

	g.Open()
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Errorf("waiter err = %v, want nil", err)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter not resumed after open")
		}
	}
	if got := resolved.Load(); got != n {
		t.Errorf("resolved = %d, want %d", got, n)
	}
	if g.Waiters() != 0 {
		t.Errorf("waiters after open = %d, want 0", g.Waiters())
	}
}

func TestGateOpenStaysOpen(t *testing.T) {
	g := NewGate()
	g.Open()
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("wait on open gate: %v", err)
	}
	if !g.IsOpen() {
		t.Error("IsOpen = false, want true")
	}
}

func TestGateResetClosesAgain(t *testing.T) {
	g := NewGate()
	g.Open()
	g.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := g.Wait(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("wait after reset = %v, want ErrCancelled", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("wait after reset = %v, want to wrap DeadlineExceeded", err)
	}
}

func TestGateCancellationIsolation(t *testing.T) {
	g := NewGate()

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- g.Wait(ctxA) }()
	go func() { errB <- g.Wait(context.Background()) }()
	waitForWaiters(t, g, 2)

	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("A err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("A not resumed after cancel")
	}

	select {
	case err := <-errB:
		t.Fatalf("B resumed by A's cancellation: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if g.Waiters() != 1 {
		t.Errorf("waiters = %d, want 1", g.Waiters())
	}

	g.Open()
	if err := <-errB; err != nil {
		t.Errorf("B err = %v, want nil", err)
	}
}

func TestGateCancelAllKeepsFlag(t *testing.T) {
	g := NewGate()
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { errs <- g.Wait(context.Background()) }()
	}
	waitForWaiters(t, g, 3)

	g.CancelAll()
	for i := 0; i < 3; i++ {
		if err := <-errs; !errors.Is(err, ErrCancelled) {
			t.Errorf("err = %v, want ErrCancelled", err)
		}
	}
	if g.IsOpen() {
		t.Error("CancelAll opened the gate")
	}
}

func TestGateWaitWithDoneContext(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if g.Waiters() != 0 {
		t.Errorf("waiters = %d, want 0", g.Waiters())
	}
}

func TestGateZeroValue(t *testing.T) {
	var g Gate
	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()
	waitForWaiters(t, &g, 1)
	g.Open()
	if err := <-done; err != nil {
		t.Fatalf("err = %v", err)
	}
}

// Races Open against per-waiter cancellation; every waiter must resolve exactly once.
func TestGateOpenCancelRace(t *testing.T) {
	for round := 0; round < 50; round++ {
		g := NewGate()
		var wg sync.WaitGroup
		var resolved atomic.Int32
		for i := 0; i < 8; i++ {
			ctx, cancel := context.WithCancel(context.Background())
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = g.Wait(ctx)
				resolved.Add(1)
			}()
			go cancel()
		}
		g.Open()
		wg.Wait()
		if got := resolved.Load(); got != 8 {
			t.Fatalf("round %d: resolved = %d, want 8", round, got)
		}
	}
}
