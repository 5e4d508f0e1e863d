package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	logx "raspbot/pkg/logx"
)

// State is the lifecycle of the browser session.
type State int32

const (
	StateUninitialized State = iota
	StateLaunching
	StateReady
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateLaunching:
		return "launching"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	default:
		return "uninitialized"
	}
}

// BrowserConfig configures the headless browser.
type BrowserConfig struct {
	// ExecPath overrides the browser binary lookup.
	ExecPath  string
	Headless  bool
	NoSandbox bool
	// LaunchTimeout bounds the first page target allocation.
	LaunchTimeout time.Duration
}

type loadCall struct {
	ctx  context.Context
	req  LoadRequest
	resp chan loadResult
}

type loadResult struct {
	page Page
	err  error
}

// Browser owns one headless browser session. Run drives it; page loads are
// handed to Run through a channel, so at most one load runs at a time.
type Browser struct {
	cfg BrowserConfig
	log logx.Logger

	state atomic.Int32
	calls chan loadCall

	mu      sync.Mutex
	readyCh chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ Navigator = (*Browser)(nil)

func NewBrowser(cfg BrowserConfig, log logx.Logger) *Browser {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Browser{
		cfg:     cfg,
		log:     log,
		calls:   make(chan loadCall),
		readyCh: make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

func (b *Browser) State() State { return State(b.state.Load()) }

func (b *Browser) Ready() bool { return b.State() == StateReady }

func (b *Browser) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := State(b.state.Swap(int32(s)))
	switch {
	case s == StateReady && prev != StateReady:
		close(b.readyCh)
	case s != StateReady && prev == StateReady:
		b.readyCh = make(chan struct{})
	}
}

func (b *Browser) ready() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readyCh
}

// WaitReady blocks until the session is ready, ctx is done or the browser
// is stopped.
func (b *Browser) WaitReady(ctx context.Context) error {
	select {
	case <-b.ready():
		return nil
	case <-b.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ErrNotReady
	}
}

// Stop shuts the session down. Pending and future loads fail with ErrStopped.
func (b *Browser) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Run launches the browser and serves loads until ctx is done or Stop is
// called. A crashed browser makes Run return an error so a supervisor can
// restart it.
func (b *Browser) Run(ctx context.Context) error {
	select {
	case <-b.stopCh:
		b.setState(StateStopped)
		return nil
	default:
	}
	b.setState(StateLaunching)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 768),
	)
	if b.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		b.log.Debug("chromedp", logx.String("msg", fmt.Sprintf(format, args...)))
	}))
	defer cancelBrowser()

	launchCtx, cancelLaunch := context.WithTimeout(browserCtx, b.cfg.LaunchTimeout)
	stop := context.AfterFunc(browserCtx, cancelLaunch)
	err := chromedp.Run(launchCtx)
	stop()
	cancelLaunch()
	if err != nil {
		b.setState(StateUninitialized)
		return fmt.Errorf("launch browser: %w", err)
	}
	b.setState(StateReady)
	b.log.Info("browser ready")

	for {
		select {
		case <-ctx.Done():
			b.setState(StateUninitialized)
			return nil
		case <-b.stopCh:
			b.setState(StateStopped)
			b.log.Info("browser stopped")
			return nil
		case call := <-b.calls:
			page, err := b.load(browserCtx, call)
			call.resp <- loadResult{page: page, err: err}
			if browserCtx.Err() != nil && ctx.Err() == nil {
				b.setState(StateUninitialized)
				return errors.New("browser session lost")
			}
		}
	}
}

// Load renders req.URL in a fresh tab of the shared session.
func (b *Browser) Load(ctx context.Context, req LoadRequest) (Page, error) {
	if b.State() == StateStopped {
		return Page{}, ErrStopped
	}
	if err := b.WaitReady(ctx); err != nil {
		if errors.Is(err, ErrStopped) {
			return Page{}, err
		}
		return Page{}, &TransientFetchError{URL: req.URL, Err: err}
	}

	call := loadCall{ctx: ctx, req: req, resp: make(chan loadResult, 1)}
	select {
	case b.calls <- call:
	case <-b.stopCh:
		return Page{}, ErrStopped
	case <-ctx.Done():
		return Page{}, ctx.Err()
	}
	select {
	case res := <-call.resp:
		return res.page, res.err
	case <-ctx.Done():
		return Page{}, ctx.Err()
	}
}

func (b *Browser) load(browserCtx context.Context, call loadCall) (Page, error) {
	req := call.req
	if err := call.ctx.Err(); err != nil {
		return Page{}, err
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	if err := chromedp.Run(tabCtx); err != nil {
		return Page{}, &TransientFetchError{URL: req.URL, Err: err}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancelRun := context.WithTimeout(tabCtx, timeout)
	defer cancelRun()
	stop := context.AfterFunc(call.ctx, cancelRun)
	defer stop()

	actions := []chromedp.Action{network.Enable()}
	if req.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(req.UserAgent))
	}
	if len(req.Headers) > 0 {
		h := network.Headers{}
		for k, v := range req.Headers {
			h[k] = v
		}
		actions = append(actions, network.SetExtraHTTPHeaders(h))
	}
	actions = append(actions, chromedp.Navigate(req.URL))
	if req.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(req.WaitSelector, chromedp.ByQuery))
	} else {
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	if req.Settle > 0 {
		actions = append(actions, chromedp.Sleep(req.Settle))
	}

	var html string
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	started := time.Now()
	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		b.log.Debug("page loaded", logx.String("url", req.URL), logx.Duration("took", time.Since(started)))
		return Page{URL: req.URL, HTML: html}, nil
	}

	if cerr := call.ctx.Err(); cerr != nil {
		return Page{}, cerr
	}
	// Whatever rendered so far is kept for the debug dump.
	partial := b.snapshot(tabCtx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return Page{URL: req.URL, HTML: partial}, &TransientFetchError{URL: req.URL, Err: err}
}

func (b *Browser) snapshot(tabCtx context.Context) string {
	ctx, cancel := context.WithTimeout(tabCtx, 3*time.Second)
	defer cancel()
	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return ""
	}
	return html
}
