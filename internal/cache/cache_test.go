package cache

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

type strs []string

func (s strs) Clone() strs {
	if s == nil {
		return nil
	}
	return append(strs(nil), s...)
}

func (s strs) IsNil() bool { return s == nil }

type memDurable struct {
	mu   sync.Mutex
	recs map[string]Record
}

func newMemDurable() *memDurable { return &memDurable{recs: map[string]Record{}} }

func (m *memDurable) Snapshot(_ context.Context, key string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[key]
	return r, ok, nil
}

func (m *memDurable) Update(_ context.Context, key string, fn func(Record, bool) (Record, bool, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recs[key]
	next, write, err := fn(cur, ok)
	if err != nil || !write {
		return err
	}
	m.recs[key] = next
	return nil
}

func (m *memDurable) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.recs, key)
	m.mu.Unlock()
	return nil
}

func (m *memDurable) Clear(context.Context) error {
	m.mu.Lock()
	m.recs = map[string]Record{}
	m.mu.Unlock()
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, cfg Config) (*Cache, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 9, 16, 8, 0, 0, 0, time.UTC)}
	cfg.Now = clk.Now
	return New(cfg, newMemDurable(), logx.Nop()), clk
}

func TestFetchSingleFlight(t *testing.T) {
	t.Parallel()
	for _, mode := range []LockMode{LockGlobal, LockPerKey} {
		c, _ := newTestCache(t, Config{Lock: mode})
		var calls atomic.Int32
		gen := func(context.Context) (strs, error) {
			calls.Add(1)
			time.Sleep(20 * time.Millisecond)
			return strs{"a"}, nil
		}

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := Fetch(context.Background(), c, "k", Options{TTL: time.Hour}, gen)
				require.NoError(t, err)
				require.Equal(t, strs{"a"}, v)
			}()
		}
		wg.Wait()
		require.EqualValues(t, 1, calls.Load(), "mode %d", mode)
	}
}

func TestFetchReturnsCopies(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	v, err := Fetch(ctx, c, "k", Options{TTL: Forever}, func(context.Context) (strs, error) { return strs{"a", "b"}, nil })
	require.NoError(t, err)
	v[0] = "mutated"

	got, ok, err := Get[strs](ctx, c, "k", Memory)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, strs{"a", "b"}, got)

	got[1] = "again"
	again, _, _ := Get[strs](ctx, c, "k", Memory)
	require.Equal(t, strs{"a", "b"}, again)
}

func TestFetchTTL(t *testing.T) {
	t.Parallel()
	c, clk := newTestCache(t, Config{})
	ctx := context.Background()
	n := 0
	gen := func(context.Context) (strs, error) {
		n++
		return strs{"v"}, nil
	}
	opt := Options{TTL: time.Minute}

	_, _ = Fetch(ctx, c, "k", opt, gen)
	_, _ = Fetch(ctx, c, "k", opt, gen)
	require.Equal(t, 1, n)

	clk.Advance(time.Minute)
	ok, err := c.Actual(ctx, "k", opt)
	require.NoError(t, err)
	require.False(t, ok)
	_, _ = Fetch(ctx, c, "k", opt, gen)
	require.Equal(t, 2, n)

	_, _ = Fetch(ctx, c, "k", Options{TTL: 0}, gen)
	require.Equal(t, 3, n, "TTL 0 always regenerates")

	clk.Advance(1000 * time.Hour)
	_, _ = Fetch(ctx, c, "k", Options{TTL: Forever}, gen)
	require.Equal(t, 3, n, "Forever never expires")
}

func TestFetchAllowNil(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()
	n := 0
	gen := func(context.Context) (strs, error) {
		n++
		return nil, nil
	}

	for _, tier := range []Tier{Memory, Durable} {
		n = 0
		key := "nil-" + tier.String()
		_, _ = Fetch(ctx, c, key, Options{TTL: time.Hour, Tier: tier}, gen)
		_, _ = Fetch(ctx, c, key, Options{TTL: time.Hour, Tier: tier}, gen)
		require.Equal(t, 2, n, "nil is not usable without AllowNil (%s)", tier)

		_, _ = Fetch(ctx, c, key, Options{TTL: time.Hour, Tier: tier, AllowNil: true}, gen)
		require.Equal(t, 2, n, "nil is usable with AllowNil (%s)", tier)
	}
}

func TestFetchDisabledBypassesTiers(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, Config{Disabled: true})
	ctx := context.Background()

	v, err := Fetch(ctx, c, "k", Options{TTL: 0}, func(context.Context) (strs, error) { return strs{"x"}, nil })
	require.NoError(t, err)
	require.Equal(t, strs{"x"}, v)

	_, ok, err := Get[strs](ctx, c, "k", Memory)
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, c.Stats().Entries)
}

func TestFailingGeneratorKeepsEntry(t *testing.T) {
	t.Parallel()
	c, clk := newTestCache(t, Config{})
	ctx := context.Background()
	boom := errors.New("boom")

	for _, tier := range []Tier{Memory, Durable} {
		opt := Options{TTL: time.Minute, Tier: tier}
		_, err := Fetch(ctx, c, "k", opt, func(context.Context) (strs, error) { return strs{"old"}, nil })
		require.NoError(t, err)

		clk.Advance(2 * time.Minute)
		_, err = Fetch(ctx, c, "k", opt, func(context.Context) (strs, error) { return nil, boom })
		require.ErrorIs(t, err, boom)

		v, ok, err := Get[strs](ctx, c, "k", tier)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, strs{"old"}, v)
	}
	require.EqualValues(t, 2, c.Stats().Errors)
}

func TestNestedFetchDoesNotDeadlock(t *testing.T) {
	t.Parallel()
	for _, mode := range []LockMode{LockGlobal, LockPerKey} {
		c, _ := newTestCache(t, Config{Lock: mode})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)

		done := make(chan error, 1)
		go func() {
			_, err := Fetch(ctx, c, "outer", Options{TTL: time.Hour}, func(ctx context.Context) (strs, error) {
				inner, err := Fetch(ctx, c, "inner", Options{TTL: time.Hour, Tier: Durable}, func(ctx context.Context) (strs, error) {
					// Re-entering the outer key must not block either.
					ok, err := c.Actual(ctx, "outer", Options{TTL: time.Hour})
					if err != nil || ok {
						return nil, errors.New("outer should not be cached yet")
					}
					return strs{"in"}, nil
				})
				if err != nil {
					return nil, err
				}
				return append(inner, "out"), nil
			})
			done <- err
		}()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatalf("nested fetch deadlocked (mode %d)", mode)
		}
		cancel()

		v, ok, err := Get[strs](context.Background(), c, "outer", Memory)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, strs{"in", "out"}, v)
	}
}

func TestDurableRoundTripAndClear(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	_, err := Set(ctx, c, "d", strs{"x", "y"}, Durable)
	require.NoError(t, err)
	ok, err := c.Actual(ctx, "d", Options{TTL: time.Hour, Tier: Durable})
	require.NoError(t, err)
	require.True(t, ok)

	v, ok, err := Get[strs](ctx, c, "d", Durable)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, strs{"x", "y"}, v)

	require.NoError(t, c.Delete(ctx, "d", Durable))
	_, ok, err = Get[strs](ctx, c, "d", Durable)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, c.Delete(ctx, "d", Durable))

	_, err = Set(ctx, c, "d", strs{"z"}, Durable)
	require.NoError(t, err)
	require.NoError(t, c.Clear(ctx))
	_, ok, err = Get[strs](ctx, c, "d", Durable)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDurableFetchKeepsConcurrentWrite(t *testing.T) {
	t.Parallel()
	clk := &clock{now: time.Date(2024, 9, 16, 8, 0, 0, 0, time.UTC)}
	store := newMemDurable()
	c := New(Config{Now: clk.Now}, store, logx.Nop())
	ctx := context.Background()
	opt := Options{TTL: time.Hour, Tier: Durable}

	v, err := Fetch(ctx, c, "sched", opt, func(context.Context) (strs, error) {
		// Another process finishes the same key first.
		store.mu.Lock()
		store.recs["sched"] = Record{Value: []byte(`["theirs"]`), Timestamp: clk.Now()}
		store.mu.Unlock()
		return strs{"ours"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, strs{"theirs"}, v)

	got, ok, err := Get[strs](ctx, c, "sched", Durable)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, strs{"theirs"}, got)

	clk.Advance(2 * time.Hour)
	v, err = Fetch(ctx, c, "sched", opt, func(context.Context) (strs, error) { return strs{"fresh"}, nil })
	require.NoError(t, err)
	require.Equal(t, strs{"fresh"}, v)
}

func TestMemorySetReturnsIsolatedCopy(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	v := strs{"Алгебра", "Физика"}
	got, err := Set(ctx, c, "k", v, Memory)
	require.NoError(t, err)
	require.Equal(t, v, got)

	v[0] = "mutated"
	out, ok, err := Get[strs](ctx, c, "k", Memory)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, strs{"Алгебра", "Физика"}, out)

	out[1] = "also mutated"
	again, _, err := Get[strs](ctx, c, "k", Memory)
	require.NoError(t, err)
	require.Equal(t, strs{"Алгебра", "Физика"}, again)
}

func TestDurableWithoutStore(t *testing.T) {
	t.Parallel()
	c := New(Config{}, nil, logx.Logger{})
	_, err := Fetch(context.Background(), c, "k", Options{TTL: time.Hour, Tier: Durable}, func(context.Context) (strs, error) { return strs{}, nil })
	require.ErrorIs(t, err, ErrNoDurable)
}
