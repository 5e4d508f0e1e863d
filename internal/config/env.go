package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvTelegramToken = "RASPBOT_TELEGRAM_TOKEN"
	EnvReportChatID  = "RASPBOT_REPORT_CHAT_ID"
)

// LoadDotenv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotenv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ApplyEnv overrides secrets from the environment.
func ApplyEnv(c *Config) error {
	return applyEnv(c, os.LookupEnv)
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvTelegramToken); ok && strings.TrimSpace(v) != "" {
		c.Telegram.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvReportChatID); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return invalid(EnvReportChatID, "not a chat id: %q", v)
		}
		c.Report.ChatID = id
	}
	return nil
}
