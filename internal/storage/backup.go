package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	logx "raspbot/pkg/logx"
)

// BackupConfig configures the periodic backup loop.
type BackupConfig struct {
	Dir   string
	Every time.Duration
	// Keep is how many backups to retain; older ones are removed.
	Keep int
}

const backupPrefix = "raspbot-"

// BackupLoop writes a backup every cfg.Every until ctx is done. It is meant to
// run under the supervisor; a failed backup is logged and retried on the next
// tick.
func BackupLoop(ctx context.Context, st Store, fs afero.Fs, cfg BackupConfig, log logx.Logger) error {
	if cfg.Every <= 0 || strings.TrimSpace(cfg.Dir) == "" {
		<-ctx.Done()
		return nil
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	t := time.NewTicker(cfg.Every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			dst := filepath.Join(cfg.Dir, backupPrefix+now.UTC().Format("20060102-150405")+".bak")
			if err := st.Backup(ctx, dst); err != nil {
				log.Warn("backup failed", logx.String("dst", dst), logx.Err(err))
				continue
			}
			log.Debug("backup written", logx.String("dst", dst))
			if err := pruneBackups(fs, cfg.Dir, cfg.Keep); err != nil {
				log.Warn("backup prune failed", logx.Err(err))
			}
		}
	}
}

func pruneBackups(fs afero.Fs, dir string, keep int) error {
	if keep <= 0 {
		return nil
	}
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return nil
	}
	// Names embed a sortable timestamp.
	sort.Strings(names)
	for _, n := range names[:len(names)-keep] {
		if err := fs.Remove(filepath.Join(dir, n)); err != nil {
			return fmt.Errorf("remove %s: %w", n, err)
		}
	}
	return nil
}
