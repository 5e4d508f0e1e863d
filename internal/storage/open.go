package storage

import (
	"errors"
	"strings"

	"github.com/spf13/afero"

	logx "raspbot/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(afero.NewOsFs(), cfg, log)
	case "memory", "none":
		if cfg.Path == "" {
			cfg.Path = "/raspbot.json"
		}
		return openFile(afero.NewMemMapFs(), cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
