package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"raspbot/internal/cache"
	"raspbot/internal/timetable"
	logx "raspbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also serializes Update.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return st, nil
}

func (s *sqliteStore) migrate() error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(s.db, "migrations")
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Snapshot(ctx context.Context, key string) (cache.Record, bool, error) {
	var (
		rec cache.Record
		ms  int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, ts FROM kv WHERE key = ?`, key).Scan(&rec.Value, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Record{}, false, nil
	}
	if err != nil {
		return cache.Record{}, false, err
	}
	rec.Timestamp = time.UnixMilli(ms)
	return rec, true, nil
}

func (s *sqliteStore) Update(ctx context.Context, key string, fn func(cache.Record, bool) (cache.Record, bool, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		cur cache.Record
		ms  int64
		ok  = true
	)
	err = tx.QueryRowContext(ctx, `SELECT value, ts FROM kv WHERE key = ?`, key).Scan(&cur.Value, &ms)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		ok = false
	case err != nil:
		return err
	default:
		cur.Timestamp = time.UnixMilli(ms)
	}

	next, write, err := fn(cur, ok)
	if err != nil {
		return err
	}
	if !write {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv(key, value, ts) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, ts=excluded.ts`,
		key, next.Value, next.Timestamp.UnixMilli(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv`)
	return err
}

const recipientColumns = `id, department_id, group_id, department_name, group_name, correspondence, daily_at, pair_notifications`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecipient(row rowScanner) (Recipient, error) {
	var r Recipient
	err := row.Scan(&r.ID, &r.Group.DepartmentID, &r.Group.GroupID, &r.Group.DepartmentName,
		&r.Group.GroupName, &r.Group.IsCorrespondence, &r.DailyAt, &r.PairNotifications)
	return r, err
}

func (s *sqliteStore) AllRecipients(ctx context.Context) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recipientColumns+` FROM recipients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetRecipient(ctx context.Context, id int64) (Recipient, error) {
	r, err := scanRecipient(s.db.QueryRowContext(ctx, `SELECT `+recipientColumns+` FROM recipients WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Recipient{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) UpsertRecipient(ctx context.Context, r Recipient) error {
	g := r.Group
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(`+recipientColumns+`, updated_at) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   department_id=excluded.department_id, group_id=excluded.group_id,
		   department_name=excluded.department_name, group_name=excluded.group_name,
		   correspondence=excluded.correspondence, daily_at=excluded.daily_at,
		   pair_notifications=excluded.pair_notifications, updated_at=excluded.updated_at`,
		r.ID, g.DepartmentID, g.GroupID, g.DepartmentName, g.GroupName, g.IsCorrespondence,
		r.DailyAt, r.PairNotifications, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteRecipient(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recipients WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) PatchIdentity(ctx context.Context, from, to timetable.GroupIdentity) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET department_id = ?, group_id = ?, updated_at = ?
		 WHERE department_id = ? AND group_id = ? AND correspondence = ?`,
		to.DepartmentID, to.GroupID, time.Now().UnixMilli(),
		from.DepartmentID, from.GroupID, from.IsCorrespondence,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if n > 0 {
		s.log.Info("recipients repointed",
			logx.String("group", to.GroupName),
			logx.String("from", from.DepartmentID+":"+from.GroupID),
			logx.String("to", to.DepartmentID+":"+to.GroupID),
			logx.Int64("count", n))
	}
	return int(n), err
}

func (s *sqliteStore) Backup(ctx context.Context, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst)
	return err
}
