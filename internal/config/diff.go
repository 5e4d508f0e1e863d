package config

import (
	"reflect"
	"sort"
	"strings"

	logx "raspbot/pkg/logx"
)

// liveSections are applied without a restart.
var liveSections = map[string]bool{
	"logging":  true,
	"delivery": true,
	"status":   true,
}

// SummarizeConfigChange returns the changed top-level sections, safe log
// attributes for them (never secrets), and the subset of changed sections
// that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.Timeout) != strings.TrimSpace(newCfg.Telegram.Timeout) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.timeout", strings.TrimSpace(newCfg.Telegram.Timeout)),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	if oldCfg.Report != newCfg.Report {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.Bool("report.enabled", newCfg.Report.ChatID != 0),
			logx.Float64("report.rate_per_sec", newCfg.Report.RatePerSec),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.report_enabled", newCfg.Logging.Report.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	if oldCfg.Cache.TTL.Value() != newCfg.Cache.TTL.Value() ||
		oldCfg.Cache.TTL.Disabled != newCfg.Cache.TTL.Disabled ||
		oldCfg.Cache.Lock != newCfg.Cache.Lock {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.Bool("cache.disabled", newCfg.Cache.TTL.Disabled),
			logx.Duration("cache.ttl", newCfg.Cache.TTL.Value()),
			logx.String("cache.lock", newCfg.Cache.Lock),
		)
	}

	if !reflect.DeepEqual(oldCfg.Fetcher, newCfg.Fetcher) {
		changed = append(changed, "fetcher")
		attrs = append(attrs,
			logx.Duration("fetcher.timeout", newCfg.Fetcher.Timeout.Duration),
			logx.Int("fetcher.user_agents", len(newCfg.Fetcher.UserAgents)),
			logx.Bool("fetcher.debug_dump", strings.TrimSpace(newCfg.Fetcher.DebugDumpPath) != ""),
		)
	}

	if oldCfg.Browser != newCfg.Browser {
		changed = append(changed, "browser")
		attrs = append(attrs, logx.Bool("browser.headful", newCfg.Browser.Headful))
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.workers", newCfg.Delivery.Workers),
			logx.Float64("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.Int("delivery.burst", newCfg.Delivery.Burst),
		)
		// only the rate applies live
		if oldCfg.Delivery.Workers != newCfg.Delivery.Workers || oldCfg.Delivery.QueueSize != newCfg.Delivery.QueueSize {
			restart = append(restart, "delivery")
		}
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.lesson_starts", len(newCfg.Notifier.LessonStarts)),
			logx.String("notifier.lead", strings.TrimSpace(newCfg.Notifier.Lead)),
			logx.Bool("notifier.delete_previous", newCfg.Notifier.DeletePrevious),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.backup_every", strings.TrimSpace(newCfg.Storage.Backup.Every)),
		)
	}

	// Status (never log token)
	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
		)
	}

	sort.Strings(changed)
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	sort.Strings(restart)
	return changed, attrs, restart
}
