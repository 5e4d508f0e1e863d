package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m") unless noted otherwise.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Report    ReportConfig    `json:"report,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Cache     CacheConfig     `json:"cache"`
	Fetcher   FetcherConfig   `json:"fetcher"`
	Browser   BrowserConfig   `json:"browser,omitempty"`
	Delivery  DeliveryConfig  `json:"delivery,omitempty"`
	Notifier  NotifierConfig  `json:"notifier,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	Status    StatusConfig    `json:"status,omitempty"`
}

// TelegramConfig configures the outbound bot. The token is usually taken
// from RASPBOT_TELEGRAM_TOKEN instead of the file.
type TelegramConfig struct {
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// ReportConfig routes operator alerts to one chat. ChatID 0 disables it.
type ReportConfig struct {
	ChatID     int64   `json:"chat_id,omitempty"`
	ThreadID   int     `json:"thread_id,omitempty"`
	QueueSize  int     `json:"queue_size,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Report  LoggingReport `json:"report,omitempty"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingReport forwards log records at or above MinLevel to the report chat.
type LoggingReport struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig holds the timezone every wall-clock computation runs in.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// CacheConfig controls the schedule cache.
//
//	"cache": { "ttl": 3600 }           // seconds
//	"cache": { "ttl": "1h" }
//	"cache": { "ttl": "disabled" }     // every call fetches
type CacheConfig struct {
	TTL TTL `json:"ttl"`
	// Lock is "global" (default) or "per_key".
	Lock string `json:"lock,omitempty"`
}

type FetcherConfig struct {
	DepartmentsURL   string `json:"departments_url"`
	ScheduleURL      string `json:"schedule_url"`
	DepartmentMarker string `json:"department_marker,omitempty"`

	// Timeout bounds one navigation attempt. A bare number is seconds.
	Timeout   Seconds `json:"timeout,omitempty"`
	RetryUnit string  `json:"retry_unit,omitempty"`
	Attempts  uint    `json:"attempts,omitempty"`

	SettleMin          string   `json:"settle_min,omitempty"`
	SettleMax          string   `json:"settle_max,omitempty"`
	UserAgents         []string `json:"user_agents,omitempty"`
	StealthProbability float64  `json:"stealth_probability,omitempty"`

	DebugDumpPath string `json:"debug_dump_path,omitempty"`
	ListTTL       string `json:"list_ttl,omitempty"`
}

type BrowserConfig struct {
	ExecPath      string `json:"exec_path,omitempty"`
	Headful       bool   `json:"headful,omitempty"`
	NoSandbox     bool   `json:"no_sandbox,omitempty"`
	LaunchTimeout string `json:"launch_timeout,omitempty"`
	// RestartBackoff is the delay before relaunching a lost session.
	RestartBackoff string `json:"restart_backoff,omitempty"`
}

// DeliveryConfig controls the fan-out worker pool. Rate and burst apply
// live; the rest needs a restart.
type DeliveryConfig struct {
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
}

type NotifierConfig struct {
	LessonStarts   []string `json:"lesson_starts,omitempty"`
	Lead           string   `json:"lead,omitempty"`
	DigestInterval string   `json:"digest_interval,omitempty"`
	DeletePrevious bool     `json:"delete_previous,omitempty"`
	PrepareLimit   int      `json:"prepare_limit,omitempty"`
}

// StorageConfig selects the durable backend.
//
//	"storage": { "driver": "sqlite", "path": "./raspbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	Backup BackupConfig `json:"backup,omitempty"`
}

type BackupConfig struct {
	Dir   string `json:"dir,omitempty"`
	Every string `json:"every,omitempty"`
	Keep  int    `json:"keep,omitempty"`
}

// StatusConfig controls the local HTTP status server.
//
// Prefer a loopback address; a non-loopback bind requires a token or
// allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6061"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
