// Package report is the fire-and-forget operator alert channel: fetch
// failures, identity repairs and error-level log records end up here.
package report

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	kit "raspbot/internal/transport"
	logx "raspbot/pkg/logx"
)

// Attachment is a file sent along with a report.
type Attachment struct {
	Name string
	Data []byte
}

// Sink accepts reports. Report never blocks and never fails.
type Sink interface {
	Report(text string, attachments ...Attachment)
}

// Nop discards every report.
type Nop struct{}

func (Nop) Report(string, ...Attachment) {}

// LogAdapter lets a Sink receive logx records.
type LogAdapter struct{ Sink Sink }

func (a LogAdapter) Report(text string) {
	if a.Sink != nil {
		a.Sink.Report(text)
	}
}

// Config configures a Chat sink.
type Config struct {
	ChatID     int64
	ThreadID   int
	QueueSize  int
	RatePerSec float64
	Burst      int
}

type item struct {
	text  string
	files []Attachment
}

// Chat delivers reports to one chat through a transport. Reports are queued
// and dropped when the queue is full.
type Chat struct {
	cfg Config
	tr  kit.Transport
	doc kit.DocumentSender
	log logx.Logger

	queue   chan item
	limiter *rate.Limiter
	dropped atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

var _ Sink = (*Chat)(nil)

// NewChat creates a chat sink. Attachments are sent as documents when tr
// implements transport.DocumentSender and dropped otherwise.
func NewChat(cfg Config, tr kit.Transport, log logx.Logger) *Chat {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 0.5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Chat{
		cfg:     cfg,
		tr:      tr,
		log:     log,
		queue:   make(chan item, cfg.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.doc, _ = tr.(kit.DocumentSender)
	return c
}

func (c *Chat) Report(text string, attachments ...Attachment) {
	select {
	case c.queue <- item{text: text, files: attachments}:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns how many reports were discarded because the queue was full.
func (c *Chat) Dropped() uint64 { return c.dropped.Load() }

// Start launches the delivery worker.
func (c *Chat) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.run(ctx)
	})
}

// Stop flushes what is already queued (bounded by ctx) and stops the worker.
func (c *Chat) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Chat) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			c.drain(ctx)
			return
		case it := <-c.queue:
			c.send(ctx, it)
		}
	}
}

func (c *Chat) drain(ctx context.Context) {
	for {
		select {
		case it := <-c.queue:
			c.send(ctx, it)
		default:
			return
		}
	}
}

func (c *Chat) send(ctx context.Context, it item) {
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	to := kit.ChatTarget{ChatID: c.cfg.ChatID, ThreadID: c.cfg.ThreadID}
	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if _, err := c.tr.SendText(sctx, to, it.text, &kit.SendOptions{DisablePreview: true}); err != nil {
		// Debug only: warn-level records would be reported again.
		c.log.Debug("report send failed", logx.Err(err))
		return
	}
	if c.doc == nil {
		return
	}
	for _, f := range it.files {
		if _, err := c.doc.SendDocument(sctx, to, f.Name, f.Data, &kit.SendOptions{Silent: true}); err != nil {
			c.log.Debug("report attachment failed", logx.String("name", f.Name), logx.Err(err))
		}
	}
}
