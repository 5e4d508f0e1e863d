// Package app builds the component graph from the configuration and owns
// its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"

	"raspbot/internal/cache"
	"raspbot/internal/config"
	"raspbot/internal/delivery"
	"raspbot/internal/fetcher"
	"raspbot/internal/notifier"
	"raspbot/internal/observability/status"
	"raspbot/internal/report"
	rtsup "raspbot/internal/runtime/supervisor"
	"raspbot/internal/storage"
	telegram "raspbot/internal/transport/telegram/adapter"
	logx "raspbot/pkg/logx"
)

// Options select what New builds and Start runs.
type Options struct {
	// Daemon runs the pair triggers, the digest loop, backups, the status
	// server and the config watcher. One-shot commands leave it off.
	Daemon bool
	// NeedToken makes a missing telegram token a configuration error.
	NeedToken bool
}

type App struct {
	opts Options
	cfgm *config.ConfigManager
	loc  *time.Location

	log  logx.Logger
	logs *logx.Service

	tr     *telegram.Adapter
	chat   *report.Chat
	sink   report.Sink
	store  storage.Store
	backup storage.BackupConfig
	cache  *cache.Cache

	browser        *fetcher.Browser
	browserBackoff time.Duration
	fetch          *fetcher.Fetcher

	pool   *delivery.Pool
	notif  *notifier.Service
	status *status.Server

	sup *rtsup.Supervisor
	sd  *systemdNotifier
}

func New(cfgPath string, opts Options) (_ *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg, opts.NeedToken); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg.Logging), nil)
	a := &App{
		opts: opts,
		cfgm: cfgm,
		loc:  loc,
		log:  log.With(logx.String("comp", "app")),
		logs: logs,
		sink: report.Nop{},
		sd:   newSystemdNotifier(log.With(logx.String("comp", "systemd"))),
	}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 30*time.Second)
		if err != nil {
			return nil, err
		}
		a.tr, err = telegram.New(telegram.Config{
			Token:   cfg.Telegram.Token,
			Offline: !opts.Daemon,
			Timeout: timeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		if cfg.Report.ChatID != 0 {
			a.chat = report.NewChat(mapReport(cfg.Report), a.tr, log.With(logx.String("comp", "report")))
			a.sink = a.chat
			logs.SetReporter(report.LogAdapter{Sink: a.chat})
		}
	}

	sc, bc, err := mapStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.backup = bc

	cc, scheduleTTL := mapCache(cfg.Cache)
	a.cache = cache.New(cc, a.store, log.With(logx.String("comp", "cache")))

	brc, backoff, err := mapBrowser(cfg.Browser)
	if err != nil {
		return nil, err
	}
	a.browser = fetcher.NewBrowser(brc, log.With(logx.String("comp", "browser")))
	a.browserBackoff = backoff

	fc, err := mapFetcher(cfg.Fetcher, scheduleTTL, loc)
	if err != nil {
		return nil, err
	}
	a.fetch = fetcher.New(fc, a.browser, a.cache, a.store, a.sink, afero.NewOsFs(), log.With(logx.String("comp", "fetcher")))

	dc, err := mapDelivery(cfg.Delivery)
	if err != nil {
		return nil, err
	}
	a.pool = delivery.New(dc, log.With(logx.String("comp", "delivery")))

	if a.tr != nil {
		nc, err := mapNotifier(cfg.Notifier, loc)
		if err != nil {
			return nil, err
		}
		a.notif, err = notifier.New(nc, a.fetch, a.store, a.tr, a.pool,
			log.With(logx.String("comp", "notifier")),
			notifier.WithReport(a.sink),
		)
		if err != nil {
			return nil, err
		}
	}

	a.status = status.New(mapStatus(cfg.Status), status.Sources{
		Health: a.health,
		Status: a.statusDoc,
	}, log.With(logx.String("comp", "status")))

	a.log.Info("app configured",
		logx.String("storage", sc.Driver),
		logx.String("tz", loc.String()),
		logx.Bool("report", a.chat != nil),
		logx.Bool("daemon", opts.Daemon),
	)
	return a, nil
}

func (a *App) Log() logx.Logger            { return a.log }
func (a *App) Location() *time.Location    { return a.loc }
func (a *App) Fetcher() *fetcher.Fetcher   { return a.fetch }
func (a *App) Store() storage.Store        { return a.store }
func (a *App) Browser() *fetcher.Browser   { return a.browser }
func (a *App) Notifier() *notifier.Service { return a.notif }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	// The report chat and the delivery pool outlive the supervisor context;
	// Stop flushes them after the loops that feed them have ended.
	if a.chat != nil {
		a.chat.Start(context.WithoutCancel(c))
	}
	a.sup.GoRestart("browser", a.browser.Run,
		rtsup.WithRestartBackoff(a.browserBackoff, 2*time.Minute),
	)
	a.pool.Start(c)

	if !a.opts.Daemon {
		return nil
	}
	if a.notif == nil {
		return errors.New("notifier needs a telegram transport")
	}

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg, a.opts.NeedToken)
	})

	if err := a.notif.Start(c); err != nil {
		return err
	}
	a.sup.GoRestart("notifier.digest", a.notif.RunDigest)
	a.sup.GoRestart("storage.backup", func(c context.Context) error {
		return storage.BackupLoop(c, a.store, afero.NewOsFs(), a.backup, a.log.With(logx.String("comp", "backup")))
	})
	a.status.Start(c)

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				newCfg = coalesce(sub, newCfg)
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.ready(a.sup)
	a.log.Info("app started")
	return nil
}

// coalesce keeps only the latest config of a burst.
func coalesce(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(newCfg.Logging))
	if dc, err := mapDelivery(newCfg.Delivery); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.pool.Apply(dc)
	}
	a.status.Reconfigure(ctx, mapStatus(newCfg.Status))

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("notifier", 2*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("delivery", 5*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	step("browser", 2*time.Second, func(context.Context) error { a.browser.Stop(); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("report", 2*time.Second, func(c context.Context) error {
		if a.chat != nil {
			return a.chat.Stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// close releases what New acquired when Start never ran.
func (a *App) close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
