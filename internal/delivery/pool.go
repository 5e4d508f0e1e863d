// Package delivery fans messages out to recipients through a fixed pool of
// workers sharing one send rate limit.
//
// A Submit call becomes a Batch. Every task of a batch runs on its own;
// a failing or panicking task is recorded as a DeliveryError and the rest of
// the batch carries on.
package delivery

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	rtsup "raspbot/internal/runtime/supervisor"
	logx "raspbot/pkg/logx"
)

type job struct {
	batch *Batch
	task  Task
}

// Pool is safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter

	accepting bool
	started   bool
	// submits counts Submit calls that are still enqueueing.
	submits  sync.WaitGroup
	inflight sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	statusMu  sync.Mutex
	batches   map[string]*Batch
	statusMax int
	statusTTL time.Duration
}

func New(cfg Config, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		log:       log,
		batches:   map[string]*Batch{},
		statusMax: 200,
		statusTTL: 24 * time.Hour,
	}
	p.applyLocked(cfg)
	return p
}

// Apply updates the rate limit and retry policy. Worker count and queue
// size take effect on the next Start.
func (p *Pool) Apply(cfg Config) {
	p.mu.Lock()
	p.applyLocked(cfg)
	p.mu.Unlock()
}

func (p *Pool) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	p.cfg = cfg
	if p.limiter == nil {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
		return
	}
	p.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	p.limiter.SetBurst(cfg.Burst)
}

// Start launches the workers. It is idempotent. Cancelling ctx does not
// reach the workers; only Stop ends them, so a batch in flight when the
// caller shuts down still completes.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		p.mu.Lock()
	}
	if p.queue != nil {
		p.mu.Unlock()
		return
	}

	cfg := p.cfg
	p.queue = make(chan job, cfg.QueueSize)
	p.accepting = true
	p.started = true
	p.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q := p.sup, p.queue
	p.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("delivery.worker.%d", i), func(c context.Context) error {
			p.workerLoop(c, q)
			return nil
		})
	}
	p.log.Info("delivery pool started", logx.Int("workers", cfg.Workers), logx.Float64("rps", cfg.RatePerSec))
}

// Stop rejects new batches, waits for queued tasks to finish and joins the
// workers. When ctx expires first the workers are cancelled.
func (p *Pool) Stop(ctx context.Context) {
	start := time.Now()
	p.mu.Lock()
	q, sup := p.queue, p.sup
	if q == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	p.accepting = false
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.submits.Wait()
		p.inflight.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		p.mu.Lock()
		p.queue = nil
		p.sup = nil
		p.stopDone = nil
		p.mu.Unlock()
		p.log.Info("delivery pool stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

// Submit queues tasks as one batch. It blocks while the queue is full.
func (p *Pool) Submit(ctx context.Context, name string, tasks []Task) (*Batch, error) {
	p.mu.Lock()
	if !p.accepting {
		started := p.started
		p.mu.Unlock()
		if started {
			return nil, ErrStopping
		}
		return nil, ErrNotRunning
	}
	q := p.queue
	p.submits.Add(1)
	p.inflight.Add(len(tasks))
	p.mu.Unlock()
	defer p.submits.Done()

	now := time.Now()
	b := newBatch(uuid.NewString(), name, len(tasks), now)
	p.track(b, now)
	p.log.Debug("batch submitted", logx.String("batch", b.ID), logx.String("name", name), logx.Int("total", len(tasks)))

	for i, t := range tasks {
		select {
		case q <- job{batch: b, task: t}:
		case <-ctx.Done():
			// The rest of the batch is never queued.
			for _, rest := range tasks[i:] {
				b.finish(&DeliveryError{Batch: b.ID, RecipientID: rest.RecipientID, Err: ctx.Err()})
				p.inflight.Done()
			}
			return b, ctx.Err()
		}
	}
	return b, nil
}

// Status returns a tracked batch by id.
func (p *Pool) Status(id string) (BatchStatus, bool) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	b, ok := p.batches[id]
	if !ok {
		return BatchStatus{}, false
	}
	return b.Status(), true
}

// Recent returns the statuses of tracked batches.
func (p *Pool) Recent() []BatchStatus {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	out := make([]BatchStatus, 0, len(p.batches))
	for _, b := range p.batches {
		out = append(out, b.Status())
	}
	return out
}

func (p *Pool) track(b *Batch, now time.Time) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.batches[b.ID] = b
	for id, old := range p.batches {
		if st := old.Status(); !st.DoneAt.IsZero() && now.Sub(st.DoneAt) > p.statusTTL {
			delete(p.batches, id)
		}
	}
	for len(p.batches) > p.statusMax {
		var (
			oldest string
			at     time.Time
		)
		for id, old := range p.batches {
			if st := old.Status(); oldest == "" || st.CreatedAt.Before(at) {
				oldest, at = id, st.CreatedAt
			}
		}
		delete(p.batches, oldest)
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
