// Package cache is a single-flight memoization store with per-key
// time-to-live and two backings: a volatile in-memory tier and an optional
// durable tier that survives restarts.
//
// The main entry point is Fetch, a compute-if-stale-or-absent operation.
// Values cross the cache boundary as copies (Value.Clone), so callers may
// mutate whatever they get back.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logx "raspbot/pkg/logx"
)

// Forever is a TTL that never expires.
const Forever time.Duration = -1

// Tier selects the backing of an entry.
type Tier int

const (
	Memory Tier = iota
	Durable
)

func (t Tier) String() string {
	if t == Durable {
		return "durable"
	}
	return "memory"
}

// LockMode selects the single-flight granularity of Fetch.
type LockMode int

const (
	// LockGlobal lets one generator run at a time across all keys.
	LockGlobal LockMode = iota
	// LockPerKey lets generators of different keys run in parallel.
	LockPerKey
)

// ErrNoDurable is returned for durable-tier operations on a cache built
// without a durable store.
var ErrNoDurable = errors.New("cache: durable tier not configured")

// Value is what the cache can hold: something that can deep-copy itself and
// tell whether it is absent (nil map/slice).
type Value[T any] interface {
	Clone() T
	IsNil() bool
}

// Options are the per-call knobs of Fetch and Actual.
type Options struct {
	// TTL is the maximum entry age. Forever never expires; 0 always regenerates.
	TTL time.Duration
	// AllowNil accepts a stored nil value as usable.
	AllowNil bool
	Tier     Tier
}

// Record is the durable representation of an entry.
type Record struct {
	Value     []byte
	Timestamp time.Time
}

// DurableStore is the durable tier. Snapshot must be a consistent read;
// Update must apply fn's result atomically with respect to other Updates.
type DurableStore interface {
	Snapshot(ctx context.Context, key string) (Record, bool, error)
	Update(ctx context.Context, key string, fn func(cur Record, ok bool) (next Record, write bool, err error)) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Config configures a Cache.
type Config struct {
	// Disabled makes TTL 0 calls bypass both tiers entirely.
	Disabled bool
	Lock     LockMode
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// Stats are best-effort counters.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Generations uint64 `json:"generations"`
	Errors      uint64 `json:"errors"`
	Entries     int    `json:"entries"`
}

type memEntry struct {
	value any
	isNil bool
	ts    time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg     Config
	log     logx.Logger
	durable DurableStore

	mu  sync.RWMutex
	mem map[string]memEntry

	global sync.Mutex
	keysMu sync.Mutex
	keys   map[string]*keyLock

	hits, misses, generations, errs atomic.Uint64
}

// New creates a cache. durable may be nil; durable-tier calls then fail with
// ErrNoDurable.
func New(cfg Config, durable DurableStore, log logx.Logger) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		cfg:     cfg,
		log:     log,
		durable: durable,
		mem:     map[string]memEntry{},
		keys:    map[string]*keyLock{},
	}
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.mem)
	c.mu.RUnlock()
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Generations: c.generations.Load(),
		Errors:      c.errs.Load(),
		Entries:     n,
	}
}

func (c *Cache) usable(ts time.Time, isNil bool, opt Options) bool {
	if isNil && !opt.AllowNil {
		return false
	}
	if opt.TTL < 0 {
		return true
	}
	return c.cfg.Now().Sub(ts) < opt.TTL
}

// Fetch returns the cached value for key when it is usable, otherwise runs
// gen, stores its result and returns it.
//
// Only one generator runs at a time (per cache, or per key with LockPerKey).
// A Fetch issued from inside a generator with the generator's context does
// not block on the lock already held by its caller. A failing generator
// leaves the previous entry untouched.
func Fetch[T Value[T]](ctx context.Context, c *Cache, key string, opt Options, gen func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if opt.TTL == 0 && c.cfg.Disabled {
		return gen(ctx)
	}
	if opt.Tier == Durable && c.durable == nil {
		return zero, ErrNoDurable
	}

	ctx, unlock := c.lock(ctx, key)
	defer unlock()

	if opt.TTL != 0 {
		v, ok, err := lookup[T](ctx, c, key, opt)
		if err != nil {
			c.log.Warn("cache read failed; regenerating", logx.String("key", key), logx.String("tier", opt.Tier.String()), logx.Err(err))
		} else if ok {
			c.hits.Add(1)
			return v, nil
		}
	}
	c.misses.Add(1)

	start := c.cfg.Now()
	v, err := gen(ctx)
	if err != nil {
		c.errs.Add(1)
		return zero, err
	}
	c.generations.Add(1)
	c.log.Debug("cache entry generated", logx.String("key", key), logx.String("tier", opt.Tier.String()), logx.Duration("took", c.cfg.Now().Sub(start)))

	if opt.Tier == Durable && opt.TTL != 0 {
		return settle(ctx, c, key, v, opt)
	}
	if err := store(ctx, c, key, v, opt.Tier); err != nil {
		return zero, err
	}
	return v, nil
}

// settle writes a generated durable value unless the record became usable
// while the generator ran (another process sharing the store). The check
// and the write are one Update, and the record that wins is returned.
func settle[T Value[T]](ctx context.Context, c *Cache, key string, v T, opt Options) (T, error) {
	var zero T
	b, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("encode %s: %w", key, err)
	}
	now := c.cfg.Now()

	var (
		kept   bool
		winner []byte
	)
	err = c.durable.Update(ctx, key, func(cur Record, ok bool) (Record, bool, error) {
		if ok && c.usable(cur.Timestamp, isNullJSON(cur.Value), opt) {
			kept, winner = true, cur.Value
			return cur, false, nil
		}
		kept, winner = false, nil
		return Record{Value: b, Timestamp: now}, true, nil
	})
	if err != nil {
		return zero, err
	}
	if !kept {
		return v, nil
	}
	var w T
	if err := json.Unmarshal(winner, &w); err != nil {
		return zero, fmt.Errorf("decode %s: %w", key, err)
	}
	c.log.Debug("cache entry written concurrently; keeping it", logx.String("key", key))
	return w, nil
}

// Actual reports whether key holds a usable entry under opt.
func (c *Cache) Actual(ctx context.Context, key string, opt Options) (bool, error) {
	if opt.TTL == 0 {
		return false, nil
	}
	switch opt.Tier {
	case Durable:
		if c.durable == nil {
			return false, ErrNoDurable
		}
		rec, ok, err := c.durable.Snapshot(ctx, key)
		if err != nil || !ok {
			return false, err
		}
		return c.usable(rec.Timestamp, isNullJSON(rec.Value), opt), nil
	default:
		c.mu.RLock()
		e, ok := c.mem[key]
		c.mu.RUnlock()
		return ok && c.usable(e.ts, e.isNil, opt), nil
	}
}

// Get returns a copy of the stored value regardless of its age.
func Get[T Value[T]](ctx context.Context, c *Cache, key string, tier Tier) (T, bool, error) {
	return lookup[T](ctx, c, key, Options{TTL: Forever, AllowNil: true, Tier: tier})
}

// Set stores a copy of v under key and returns v.
func Set[T Value[T]](ctx context.Context, c *Cache, key string, v T, tier Tier) (T, error) {
	if tier == Durable && c.durable == nil {
		var zero T
		return zero, ErrNoDurable
	}
	if err := store(ctx, c, key, v, tier); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// Delete drops key from tier. A missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string, tier Tier) error {
	if tier == Durable {
		if c.durable == nil {
			return ErrNoDurable
		}
		return c.durable.Delete(ctx, key)
	}
	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()
	return nil
}

// Clear drops every entry of both tiers.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.mem = map[string]memEntry{}
	c.mu.Unlock()
	if c.durable != nil {
		return c.durable.Clear(ctx)
	}
	return nil
}

func lookup[T Value[T]](ctx context.Context, c *Cache, key string, opt Options) (T, bool, error) {
	var zero T
	switch opt.Tier {
	case Durable:
		if c.durable == nil {
			return zero, false, ErrNoDurable
		}
		rec, ok, err := c.durable.Snapshot(ctx, key)
		if err != nil || !ok {
			return zero, false, err
		}
		if !c.usable(rec.Timestamp, isNullJSON(rec.Value), opt) {
			return zero, false, nil
		}
		var v T
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return zero, false, fmt.Errorf("decode %s: %w", key, err)
		}
		return v, true, nil
	default:
		c.mu.RLock()
		e, ok := c.mem[key]
		c.mu.RUnlock()
		if !ok || !c.usable(e.ts, e.isNil, opt) {
			return zero, false, nil
		}
		v, ok := e.value.(T)
		if !ok {
			return zero, false, fmt.Errorf("cache entry %s holds %T", key, e.value)
		}
		return v.Clone(), true, nil
	}
}

func store[T Value[T]](ctx context.Context, c *Cache, key string, v T, tier Tier) error {
	now := c.cfg.Now()
	if tier == Durable {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		// Entries are replaced wholesale; the previous record is not merged.
		return c.durable.Update(ctx, key, func(Record, bool) (Record, bool, error) {
			return Record{Value: b, Timestamp: now}, true, nil
		})
	}
	c.mu.Lock()
	c.mem[key] = memEntry{value: v.Clone(), isNil: v.IsNil(), ts: now}
	c.mu.Unlock()
	return nil
}

func isNullJSON(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) == 0 || bytes.Equal(b, []byte("null"))
}
