package storage

import (
	"context"
	"errors"
	"time"

	"raspbot/internal/cache"
	"raspbot/internal/timetable"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": single JSON snapshot file
//   - "memory": file layout kept in memory, lost on restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Recipient is one chat that receives notifications.
type Recipient struct {
	ID    int64                   `json:"id"`
	Group timetable.GroupIdentity `json:"group"`
	// DailyAt is the digest time as "HH:MM"; empty disables the digest.
	DailyAt           string `json:"daily_at,omitempty"`
	PairNotifications bool   `json:"pair_notifications"`
}

// KV is the durable cache tier.
type KV interface {
	Snapshot(ctx context.Context, key string) (cache.Record, bool, error)
	Update(ctx context.Context, key string, fn func(cur cache.Record, ok bool) (cache.Record, bool, error)) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Recipients is the recipient directory.
type Recipients interface {
	AllRecipients(ctx context.Context) ([]Recipient, error)
	GetRecipient(ctx context.Context, id int64) (Recipient, error)
	UpsertRecipient(ctx context.Context, r Recipient) error
	DeleteRecipient(ctx context.Context, id int64) error
	// PatchIdentity rewrites the department/group ids of every recipient that
	// still references from's ids and returns how many were changed.
	PatchIdentity(ctx context.Context, from, to timetable.GroupIdentity) (int, error)
}

// Store is the full persistence API.
type Store interface {
	KV
	Recipients
	// Backup writes a consistent copy of the store to dst.
	Backup(ctx context.Context, dst string) error
	Close() error
}
