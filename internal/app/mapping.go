package app

import (
	"strings"
	"time"

	"raspbot/internal/cache"
	"raspbot/internal/config"
	"raspbot/internal/delivery"
	"raspbot/internal/fetcher"
	"raspbot/internal/notifier"
	"raspbot/internal/observability/status"
	"raspbot/internal/report"
	"raspbot/internal/storage"
	logx "raspbot/pkg/logx"
)

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled:    c.File.Enabled,
			Path:       c.File.Path,
			MaxSizeMB:  c.File.MaxSizeMB,
			MaxBackups: c.File.MaxBackups,
			MaxAgeDays: c.File.MaxAgeDays,
			Compress:   c.File.Compress,
		},
		Report: logx.ReportConfig{
			Enabled:    c.Report.Enabled,
			MinLevel:   c.Report.MinLevel,
			RatePerSec: c.Report.RatePerSec,
		},
	}
}

func mapReport(c config.ReportConfig) report.Config {
	return report.Config{
		ChatID:     c.ChatID,
		ThreadID:   c.ThreadID,
		QueueSize:  c.QueueSize,
		RatePerSec: c.RatePerSec,
	}
}

func mapStorage(c config.StorageConfig) (storage.Config, storage.BackupConfig, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, storage.BackupConfig{}, err
	}
	every, err := config.ParseDurationField("storage.backup.every", c.Backup.Every)
	if err != nil {
		return storage.Config{}, storage.BackupConfig{}, err
	}
	keep := c.Backup.Keep
	if keep <= 0 {
		keep = 7
	}
	sc := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:        strings.TrimSpace(c.Path),
		BusyTimeout: busy,
	}
	return sc, storage.BackupConfig{Dir: strings.TrimSpace(c.Backup.Dir), Every: every, Keep: keep}, nil
}

// mapCache returns the cache config and the schedule TTL it implies.
func mapCache(c config.CacheConfig) (cache.Config, time.Duration) {
	cc := cache.Config{Disabled: c.TTL.Disabled}
	if strings.TrimSpace(c.Lock) == "per_key" {
		cc.Lock = cache.LockPerKey
	}
	return cc, c.TTL.Value()
}

func mapFetcher(c config.FetcherConfig, scheduleTTL time.Duration, loc *time.Location) (fetcher.Config, error) {
	retryUnit, err := config.ParseDurationField("fetcher.retry_unit", c.RetryUnit)
	if err != nil {
		return fetcher.Config{}, err
	}
	settleMin, err := config.ParseDurationField("fetcher.settle_min", c.SettleMin)
	if err != nil {
		return fetcher.Config{}, err
	}
	settleMax, err := config.ParseDurationField("fetcher.settle_max", c.SettleMax)
	if err != nil {
		return fetcher.Config{}, err
	}
	listTTL, err := config.ParseDurationField("fetcher.list_ttl", c.ListTTL)
	if err != nil {
		return fetcher.Config{}, err
	}
	return fetcher.Config{
		DepartmentsURL:     strings.TrimSpace(c.DepartmentsURL),
		ScheduleURL:        strings.TrimSpace(c.ScheduleURL),
		DepartmentMarker:   strings.TrimSpace(c.DepartmentMarker),
		Timeout:            c.Timeout.Duration,
		RetryUnit:          retryUnit,
		Attempts:           c.Attempts,
		SettleMin:          settleMin,
		SettleMax:          settleMax,
		UserAgents:         c.UserAgents,
		StealthProbability: c.StealthProbability,
		DebugDumpPath:      strings.TrimSpace(c.DebugDumpPath),
		ScheduleTTL:        scheduleTTL,
		ListTTL:            listTTL,
		Location:           loc,
	}, nil
}

// mapBrowser returns the browser config and the relaunch backoff.
func mapBrowser(c config.BrowserConfig) (fetcher.BrowserConfig, time.Duration, error) {
	launch, err := config.ParseDurationField("browser.launch_timeout", c.LaunchTimeout)
	if err != nil {
		return fetcher.BrowserConfig{}, 0, err
	}
	backoff, err := config.ParseDurationOrDefault("browser.restart_backoff", c.RestartBackoff, 5*time.Second)
	if err != nil {
		return fetcher.BrowserConfig{}, 0, err
	}
	return fetcher.BrowserConfig{
		ExecPath:      strings.TrimSpace(c.ExecPath),
		Headless:      !c.Headful,
		NoSandbox:     c.NoSandbox,
		LaunchTimeout: launch,
	}, backoff, nil
}

func mapDelivery(c config.DeliveryConfig) (delivery.Config, error) {
	retryBase, err := config.ParseDurationField("delivery.retry_base", c.RetryBase)
	if err != nil {
		return delivery.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("delivery.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return delivery.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("delivery.send_timeout", c.SendTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		Workers:       c.Workers,
		QueueSize:     c.QueueSize,
		RatePerSec:    c.RatePerSec,
		Burst:         c.Burst,
		RetryMax:      c.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func mapNotifier(c config.NotifierConfig, loc *time.Location) (notifier.Config, error) {
	lead, err := config.ParseDurationField("notifier.lead", c.Lead)
	if err != nil {
		return notifier.Config{}, err
	}
	interval, err := config.ParseDurationField("notifier.digest_interval", c.DigestInterval)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		LessonStarts:   c.LessonStarts,
		Lead:           lead,
		DigestInterval: interval,
		Location:       loc,
		PrepareLimit:   c.PrepareLimit,
		DeletePrevious: c.DeletePrevious,
	}, nil
}

func mapStatus(c config.StatusConfig) status.Config {
	return status.Config{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
		ReadTimeout:   10 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}
