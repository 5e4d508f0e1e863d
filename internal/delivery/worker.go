package delivery

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "raspbot/pkg/logx"
)

// workerLoop runs until the queue is closed. Once Stop gives up waiting and
// cancels ctx, the remaining jobs are failed without running.
func (p *Pool) workerLoop(ctx context.Context, q <-chan job) {
	for j := range q {
		var derr *DeliveryError
		if err := ctx.Err(); err != nil {
			derr = &DeliveryError{Batch: j.batch.ID, RecipientID: j.task.RecipientID, Err: err}
		} else {
			derr = p.runWithRetry(ctx, j)
		}
		j.batch.finish(derr)
		p.inflight.Done()
	}
}

func (p *Pool) runWithRetry(ctx context.Context, j job) *DeliveryError {
	p.mu.Lock()
	cfg := p.cfg
	lim := p.limiter
	p.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var last error
loop:
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			last = err
			break
		}
		last = p.runOnce(ctx, cfg, j)
		if last == nil {
			return nil
		}
		p.log.Debug("delivery attempt failed",
			logx.String("batch", j.batch.ID),
			logx.Int64("recipient", j.task.RecipientID),
			logx.Int("attempt", attempt),
			logx.Err(last),
		)
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			last = ctx.Err()
			break loop
		}
	}
	p.log.Warn("delivery failed",
		logx.String("batch", j.batch.ID),
		logx.String("name", j.batch.Name),
		logx.Int64("recipient", j.task.RecipientID),
		logx.Err(last),
	)
	return &DeliveryError{Batch: j.batch.ID, RecipientID: j.task.RecipientID, Err: last}
}

func (p *Pool) runOnce(ctx context.Context, cfg Config, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic in delivery task",
				logx.Int64("recipient", j.task.RecipientID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if j.task.Run == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	return j.task.Run(cctx)
}
