package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(context.Context) error { return errors.New("boom") })
	s.Go0("waits", func(ctx context.Context) { <-ctx.Done() })

	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "fails: boom") {
		t.Fatalf("Wait = %v, want fails: boom", err)
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 2 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go0("panics", func(context.Context) { panic("kaboom") })
	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("Wait = %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCanceledIsClean(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop = %v", err)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := NewSupervisor(context.Background())
	s.GoRestart("flaky", func(context.Context) error {
		runs.Add(1)
		return errors.New("lost session")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(2), WithFatalOnFinalError(true))

	err := s.Wait(waitCtx(t))
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if err == nil || !strings.Contains(err.Error(), "flaky: lost session") {
		t.Fatalf("Wait = %v", err)
	}

	var flaky GoroutineStats
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "flaky" {
			flaky = g
		}
	}
	if flaky.Started != 3 || flaky.Restarts != 2 || flaky.LastErr == "" {
		t.Fatalf("stats = %+v", flaky)
	}
}

func TestGoRestartRecoversPanicUntilClean(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := NewSupervisor(context.Background())
	s.GoRestart0("browser", func(context.Context) {
		if runs.Add(1) < 3 {
			panic("crashed")
		}
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	block := make(chan struct{})
	s.Go0("stuck", func(context.Context) { <-block })
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v", err)
	}
}
