package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrStopping is returned by Submit once Stop has begun.
	ErrStopping = errors.New("delivery: pool stopping")
	// ErrNotRunning is returned by Submit before Start.
	ErrNotRunning = errors.New("delivery: pool not running")
)

// Config controls the worker pool.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    float64
	Burst         int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout bounds one task attempt.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 20
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.Burst <= 0 {
		c.Burst = int(c.RatePerSec)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	return c
}

// Task delivers one message to one recipient.
type Task struct {
	RecipientID int64
	Run         func(ctx context.Context) error
}

// DeliveryError is a failed task. It never aborts the rest of its batch.
type DeliveryError struct {
	Batch       string
	RecipientID int64
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %d: %v", e.Batch, e.RecipientID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// BatchStatus is a point-in-time view of a batch.
type BatchStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	Failed    int       `json:"failed"`
	CreatedAt time.Time `json:"created_at"`
	DoneAt    time.Time `json:"done_at,omitzero"`
}

// Batch tracks the tasks of one Submit call.
type Batch struct {
	ID   string
	Name string

	wg   sync.WaitGroup
	done chan struct{}

	mu     sync.Mutex
	status BatchStatus
	errs   []*DeliveryError
}

func newBatch(id, name string, total int, now time.Time) *Batch {
	b := &Batch{
		ID:     id,
		Name:   name,
		done:   make(chan struct{}),
		status: BatchStatus{ID: id, Name: name, Total: total, CreatedAt: now},
	}
	b.wg.Add(total)
	go func() {
		b.wg.Wait()
		b.mu.Lock()
		b.status.DoneAt = time.Now()
		b.mu.Unlock()
		close(b.done)
	}()
	return b
}

func (b *Batch) finish(err *DeliveryError) {
	b.mu.Lock()
	b.status.Done++
	if err != nil {
		b.status.Failed++
		b.errs = append(b.errs, err)
	}
	b.mu.Unlock()
	b.wg.Done()
}

// Done is closed when every task of the batch has finished.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until the batch finishes or ctx is done.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batch) Status() BatchStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Failures returns the failed tasks so far.
func (b *Batch) Failures() []*DeliveryError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*DeliveryError(nil), b.errs...)
}
