package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"raspbot/internal/cache"
	"raspbot/internal/timetable"
	logx "raspbot/pkg/logx"
)

// fileStore keeps everything in one JSON snapshot that is rewritten through a
// temp file and rename on every mutation. Reads are served from memory.
type fileStore struct {
	fs   afero.Fs
	path string
	log  logx.Logger

	mu     sync.Mutex
	closed bool
	state  fileState
}

type fileState struct {
	KV         map[string]fileRecord `json:"kv"`
	Recipients map[string]Recipient  `json:"recipients"`
}

type fileRecord struct {
	Value json.RawMessage `json:"value"`
	TS    int64           `json:"ts"`
}

func openFile(fs afero.Fs, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{fs: fs, path: path, log: log}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	s.state = fileState{KV: map[string]fileRecord{}, Recipients: map[string]Recipient{}}
	b, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &s.state); err != nil {
		return err
	}
	if s.state.KV == nil {
		s.state.KV = map[string]fileRecord{}
	}
	if s.state.Recipients == nil {
		s.state.Recipients = map[string]Recipient{}
	}
	return nil
}

func (s *fileStore) flushLocked() error {
	b, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o600); err != nil {
		return err
	}
	return s.fs.Rename(tmp, s.path)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fileStore) Snapshot(_ context.Context, key string) (cache.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cache.Record{}, false, ErrClosed
	}
	r, ok := s.state.KV[key]
	if !ok {
		return cache.Record{}, false, nil
	}
	return cache.Record{Value: append([]byte(nil), r.Value...), Timestamp: time.UnixMilli(r.TS)}, true, nil
}

func (s *fileStore) Update(_ context.Context, key string, fn func(cache.Record, bool) (cache.Record, bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var cur cache.Record
	r, ok := s.state.KV[key]
	if ok {
		cur = cache.Record{Value: append([]byte(nil), r.Value...), Timestamp: time.UnixMilli(r.TS)}
	}
	next, write, err := fn(cur, ok)
	if err != nil || !write {
		return err
	}
	if !json.Valid(next.Value) {
		return errors.New("storage: file driver stores JSON values only")
	}

	prev, had := s.state.KV[key]
	s.state.KV[key] = fileRecord{Value: append(json.RawMessage(nil), next.Value...), TS: next.Timestamp.UnixMilli()}
	if err := s.flushLocked(); err != nil {
		if had {
			s.state.KV[key] = prev
		} else {
			delete(s.state.KV, key)
		}
		return err
	}
	return nil
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.state.KV[key]; !ok {
		return nil
	}
	delete(s.state.KV, key)
	return s.flushLocked()
}

func (s *fileStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.state.KV = map[string]fileRecord{}
	return s.flushLocked()
}

func recipientKey(id int64) string { return strconv.FormatInt(id, 10) }

func (s *fileStore) AllRecipients(context.Context) ([]Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Recipient, 0, len(s.state.Recipients))
	for _, r := range s.state.Recipients {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) GetRecipient(_ context.Context, id int64) (Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Recipient{}, ErrClosed
	}
	r, ok := s.state.Recipients[recipientKey(id)]
	if !ok {
		return Recipient{}, ErrNotFound
	}
	return r, nil
}

func (s *fileStore) UpsertRecipient(_ context.Context, r Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.state.Recipients[recipientKey(r.ID)] = r
	return s.flushLocked()
}

func (s *fileStore) DeleteRecipient(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	k := recipientKey(id)
	if _, ok := s.state.Recipients[k]; !ok {
		return ErrNotFound
	}
	delete(s.state.Recipients, k)
	return s.flushLocked()
}

func (s *fileStore) PatchIdentity(_ context.Context, from, to timetable.GroupIdentity) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for k, r := range s.state.Recipients {
		if !r.Group.SameIDs(from) {
			continue
		}
		r.Group.DepartmentID = to.DepartmentID
		r.Group.GroupID = to.GroupID
		s.state.Recipients[k] = r
		n++
	}
	if n == 0 {
		return 0, nil
	}
	s.log.Info("recipients repointed",
		logx.String("group", to.GroupName),
		logx.String("from", from.DepartmentID+":"+from.GroupID),
		logx.String("to", to.DepartmentID+":"+to.GroupID),
		logx.Int("count", n))
	return n, s.flushLocked()
}

func (s *fileStore) Backup(_ context.Context, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	b, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(s.fs, dst, b, 0o600)
}
