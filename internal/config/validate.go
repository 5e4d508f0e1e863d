package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ConfigurationError is a missing or invalid setting. It is fatal at
// startup; on hot reload the new file is rejected and the old one kept.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Location resolves scheduler.timezone. Empty means the host zone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, invalid("scheduler.timezone", "unknown zone %q", tz)
	}
	return loc, nil
}

// Validate checks everything that can be checked without side effects.
// needToken is false for CLI commands that never talk to Telegram.
func Validate(c *Config, needToken bool) error {
	if c == nil {
		return invalid("config", "is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if needToken && strings.TrimSpace(c.Telegram.Token) == "" {
		add(invalid("telegram.token", "missing (set RASPBOT_TELEGRAM_TOKEN)"))
	}
	if _, err := c.Location(); err != nil {
		add(err)
	}
	if strings.TrimSpace(c.Fetcher.DepartmentsURL) == "" {
		add(invalid("fetcher.departments_url", "missing"))
	}
	if strings.TrimSpace(c.Fetcher.ScheduleURL) == "" {
		add(invalid("fetcher.schedule_url", "missing"))
	}
	if p := c.Fetcher.StealthProbability; p < 0 || p > 1 {
		add(invalid("fetcher.stealth_probability", "must be within [0,1]"))
	}
	switch strings.TrimSpace(c.Cache.Lock) {
	case "", "global", "per_key":
	default:
		add(invalid("cache.lock", "unknown mode %q (want global|per_key)", c.Cache.Lock))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "sqlite", "file":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(invalid("storage.path", "missing"))
		}
	case "memory":
	default:
		add(invalid("storage.driver", "unknown driver %q (want sqlite|file|memory)", c.Storage.Driver))
	}

	durations := map[string]string{
		"telegram.timeout":         c.Telegram.Timeout,
		"fetcher.retry_unit":       c.Fetcher.RetryUnit,
		"fetcher.settle_min":       c.Fetcher.SettleMin,
		"fetcher.settle_max":       c.Fetcher.SettleMax,
		"fetcher.list_ttl":         c.Fetcher.ListTTL,
		"browser.launch_timeout":   c.Browser.LaunchTimeout,
		"browser.restart_backoff":  c.Browser.RestartBackoff,
		"delivery.retry_base":      c.Delivery.RetryBase,
		"delivery.retry_max_delay": c.Delivery.RetryMaxDelay,
		"delivery.send_timeout":    c.Delivery.SendTimeout,
		"notifier.lead":            c.Notifier.Lead,
		"notifier.digest_interval": c.Notifier.DigestInterval,
		"storage.busy_timeout":     c.Storage.BusyTimeout,
		"storage.backup.every":     c.Storage.Backup.Every,
	}
	for field, raw := range durations {
		if _, err := ParseDurationField(field, raw); err != nil {
			add(&ConfigurationError{Field: field, Reason: err.Error()})
		}
	}
	settleMin, _ := ParseDurationField("", c.Fetcher.SettleMin)
	settleMax, _ := ParseDurationField("", c.Fetcher.SettleMax)
	if settleMax > 0 && settleMin > settleMax {
		add(invalid("fetcher.settle_min", "greater than settle_max"))
	}

	for i, s := range c.Notifier.LessonStarts {
		if !validClock(s) {
			add(invalid(fmt.Sprintf("notifier.lesson_starts[%d]", i), "invalid time %q (want HH:MM)", s))
		}
	}

	if c.Status.Enabled {
		add(validateStatus(c.Status))
	}
	return errors.Join(errs...)
}

func validClock(s string) bool {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	return err == nil && t.Format("15:04") == strings.TrimSpace(s)
}

func validateStatus(s StatusConfig) error {
	addr := strings.TrimSpace(s.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return invalid("status.addr", "%v", err)
	}
	if isLoopback(host) || strings.TrimSpace(s.Token) != "" || s.AllowInsecure {
		return nil
	}
	return invalid("status.addr", "non-loopback bind %q needs status.token or status.allow_insecure", addr)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
