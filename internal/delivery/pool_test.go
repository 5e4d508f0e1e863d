package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "raspbot/pkg/logx"
)

func startPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 10000
	}
	p := New(cfg, logx.Nop())
	p.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	return p
}

func TestBatchIsolatesFailures(t *testing.T) {
	t.Parallel()
	p := startPool(t, Config{Workers: 4})

	var sent atomic.Int32
	boom := errors.New("chat not found")
	tasks := []Task{
		{RecipientID: 1, Run: func(context.Context) error { sent.Add(1); return nil }},
		{RecipientID: 2, Run: func(context.Context) error { return boom }},
		{RecipientID: 3, Run: func(context.Context) error { panic("bad template") }},
		{RecipientID: 4, Run: func(context.Context) error { sent.Add(1); return nil }},
	}
	b, err := p.Submit(context.Background(), "pairs", tasks)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))

	require.EqualValues(t, 2, sent.Load())
	st := b.Status()
	require.Equal(t, 4, st.Total)
	require.Equal(t, 4, st.Done)
	require.Equal(t, 2, st.Failed)
	require.False(t, st.DoneAt.IsZero())

	fails := b.Failures()
	require.Len(t, fails, 2)
	ids := map[int64]bool{}
	for _, f := range fails {
		ids[f.RecipientID] = true
	}
	require.Equal(t, map[int64]bool{2: true, 3: true}, ids)
	var derr *DeliveryError
	require.ErrorAs(t, fails[0], &derr)

	got, ok := p.Status(b.ID)
	require.True(t, ok)
	require.Equal(t, 2, got.Failed)
}

func TestWorkersBoundConcurrency(t *testing.T) {
	t.Parallel()
	p := startPool(t, Config{Workers: 3})

	var (
		mu        sync.Mutex
		cur, peak int
	)
	tasks := make([]Task, 12)
	for i := range tasks {
		tasks[i] = Task{RecipientID: int64(i), Run: func(context.Context) error {
			mu.Lock()
			cur++
			if cur > peak {
				peak = cur
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			cur--
			mu.Unlock()
			return nil
		}}
	}
	b, err := p.Submit(context.Background(), "digest", tasks)
	require.NoError(t, err)
	require.NoError(t, b.Wait(context.Background()))
	if peak > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", peak)
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()
	p := startPool(t, Config{Workers: 1, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})

	var calls atomic.Int32
	b, err := p.Submit(context.Background(), "retry", []Task{{RecipientID: 7, Run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	}}})
	require.NoError(t, err)
	require.NoError(t, b.Wait(context.Background()))
	require.EqualValues(t, 3, calls.Load())
	require.Zero(t, b.Status().Failed)
}

func TestStopDrainsAndRejects(t *testing.T) {
	t.Parallel()
	p := New(Config{Workers: 2, RatePerSec: 10000}, logx.Nop())

	_, err := p.Submit(context.Background(), "early", nil)
	require.ErrorIs(t, err, ErrNotRunning)

	p.Start(context.Background())
	var done atomic.Int32
	tasks := make([]Task, 6)
	for i := range tasks {
		tasks[i] = Task{RecipientID: int64(i), Run: func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
			return nil
		}}
	}
	b, err := p.Submit(context.Background(), "late", tasks)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Stop(ctx)

	require.EqualValues(t, 6, done.Load())
	require.NoError(t, b.Wait(ctx))
	require.Equal(t, 6, b.Status().Done)

	_, err = p.Submit(context.Background(), "after", tasks)
	require.ErrorIs(t, err, ErrStopping)
}

func TestStopAfterParentCancelFinishesBatch(t *testing.T) {
	t.Parallel()
	parent, cancelParent := context.WithCancel(context.Background())
	p := New(Config{Workers: 1, RatePerSec: 10000}, logx.Nop())
	p.Start(parent)

	var delivered atomic.Int32
	tasks := make([]Task, 5)
	for i := range tasks {
		tasks[i] = Task{RecipientID: int64(i), Run: func(ctx context.Context) error {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			delivered.Add(1)
			return nil
		}}
	}
	b, err := p.Submit(context.Background(), "pairs", tasks)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	cancelParent()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Stop(ctx)

	require.EqualValues(t, 5, delivered.Load())
	st := b.Status()
	require.Equal(t, 5, st.Done)
	require.Zero(t, st.Failed)
}

func TestStopDeadlineFailsQueued(t *testing.T) {
	t.Parallel()
	p := New(Config{Workers: 1, RatePerSec: 10000}, logx.Nop())
	p.Start(context.Background())

	tasks := make([]Task, 3)
	for i := range tasks {
		tasks[i] = Task{RecipientID: int64(i), Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}}
	}
	b, err := p.Submit(context.Background(), "stuck", tasks)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.Stop(ctx)

	st := b.Status()
	require.Equal(t, 3, st.Done)
	require.Equal(t, 3, st.Failed)
}

func TestEmptyBatchCompletes(t *testing.T) {
	t.Parallel()
	p := startPool(t, Config{Workers: 1})
	b, err := p.Submit(context.Background(), "nobody", nil)
	require.NoError(t, err)
	require.NoError(t, b.Wait(context.Background()))
	require.Zero(t, b.Status().Total)
}
