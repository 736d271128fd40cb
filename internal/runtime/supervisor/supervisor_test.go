package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanicAndCancelsOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(ctx context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatalf("expected first error to surface from Wait")
	}
	if s.Context().Err() == nil {
		t.Fatalf("supervisor context should be canceled after failure")
	}
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Name != "boom" {
		t.Fatalf("Wait = %v, want *PanicError for boom", err)
	}
	snap := s.Snapshot()
	if len(snap.Routines) != 1 || snap.Routines[0].Panics != 1 || snap.Routines[0].Active != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := New(context.Background())
	var calls int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	snap := s.Snapshot()
	if len(snap.Routines) != 1 || snap.Routines[0].Runs != 3 || snap.Routines[0].Restarts != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.FirstError != "" {
		t.Fatalf("restarted failures should not be recorded: %q", snap.FirstError)
	}
}

func TestGoRecordsFirstErrorOnly(t *testing.T) {
	s := New(context.Background())
	first := make(chan struct{})
	s.Go("a", func(ctx context.Context) error { defer close(first); return errors.New("first") })
	s.Go("b", func(ctx context.Context) error { <-first; return errors.New("second") })
	s.Go("c", func(ctx context.Context) error { return context.Canceled })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || err.Error() != "a: first" {
		t.Fatalf("Wait = %v, want a: first", err)
	}
	if s.Context().Err() != nil {
		t.Fatalf("context canceled without WithCancelOnError")
	}
}

func TestStopCancelsLongRunning(t *testing.T) {
	s := New(context.Background())
	s.Go0("loop", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
