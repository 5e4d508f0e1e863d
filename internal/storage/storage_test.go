package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"raspbot/internal/cache"
	"raspbot/internal/timetable"
	logx "raspbot/pkg/logx"
)

type opener func(t *testing.T) Store

func drivers() map[string]opener {
	return map[string]opener{
		"file": func(t *testing.T) Store {
			st, err := openFile(afero.NewMemMapFs(), Config{Path: "/data/raspbot.json"}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "raspbot.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
}

func group(dep, grp, name string) timetable.GroupIdentity {
	return timetable.GroupIdentity{DepartmentID: dep, GroupID: grp, DepartmentName: "Факультет", GroupName: name}
}

func TestKV(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			_, ok, err := st.Snapshot(ctx, "k")
			require.NoError(t, err)
			require.False(t, ok)

			ts := time.UnixMilli(1726473600000)
			err = st.Update(ctx, "k", func(cur cache.Record, ok bool) (cache.Record, bool, error) {
				require.False(t, ok)
				return cache.Record{Value: []byte(`["a"]`), Timestamp: ts}, true, nil
			})
			require.NoError(t, err)

			rec, ok, err := st.Snapshot(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			require.JSONEq(t, `["a"]`, string(rec.Value))
			require.True(t, rec.Timestamp.Equal(ts))

			boom := errors.New("boom")
			err = st.Update(ctx, "k", func(cache.Record, bool) (cache.Record, bool, error) {
				return cache.Record{}, false, boom
			})
			require.ErrorIs(t, err, boom)
			rec, _, _ = st.Snapshot(ctx, "k")
			require.JSONEq(t, `["a"]`, string(rec.Value), "failed update must not change the record")

			require.NoError(t, st.Delete(ctx, "k"))
			_, ok, _ = st.Snapshot(ctx, "k")
			require.False(t, ok)

			require.NoError(t, st.Update(ctx, "x", func(cache.Record, bool) (cache.Record, bool, error) {
				return cache.Record{Value: []byte(`1`), Timestamp: ts}, true, nil
			}))
			require.NoError(t, st.Clear(ctx))
			_, ok, _ = st.Snapshot(ctx, "x")
			require.False(t, ok)
		})
	}
}

func TestRecipients(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			old := group("10", "200", "ИВТ-21")
			other := group("10", "201", "ИВТ-22")
			require.NoError(t, st.UpsertRecipient(ctx, Recipient{ID: 2, Group: old, DailyAt: "07:30"}))
			require.NoError(t, st.UpsertRecipient(ctx, Recipient{ID: 1, Group: old, PairNotifications: true}))
			require.NoError(t, st.UpsertRecipient(ctx, Recipient{ID: 3, Group: other}))

			all, err := st.AllRecipients(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			require.EqualValues(t, 1, all[0].ID)
			require.True(t, all[0].PairNotifications)

			fresh := old
			fresh.DepartmentID, fresh.GroupID = "11", "300"
			n, err := st.PatchIdentity(ctx, old, fresh)
			require.NoError(t, err)
			require.Equal(t, 2, n)

			r, err := st.GetRecipient(ctx, 2)
			require.NoError(t, err)
			require.Equal(t, fresh, r.Group)
			require.Equal(t, "07:30", r.DailyAt)

			r, err = st.GetRecipient(ctx, 3)
			require.NoError(t, err)
			require.Equal(t, other, r.Group)

			n, err = st.PatchIdentity(ctx, old, fresh)
			require.NoError(t, err)
			require.Zero(t, n)

			require.NoError(t, st.DeleteRecipient(ctx, 3))
			_, err = st.GetRecipient(ctx, 3)
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, st.DeleteRecipient(ctx, 3), ErrNotFound)
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	cfg := Config{Path: "/data/raspbot.json"}

	st, err := openFile(fs, cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.UpsertRecipient(ctx, Recipient{ID: 7, Group: group("1", "2", "A")}))
	require.NoError(t, st.Update(ctx, "departments", func(cache.Record, bool) (cache.Record, bool, error) {
		return cache.Record{Value: []byte(`{"a":"b"}`), Timestamp: time.Now()}, true, nil
	}))
	require.NoError(t, st.Close())

	st, err = openFile(fs, cfg, logx.Nop())
	require.NoError(t, err)
	r, err := st.GetRecipient(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "A", r.Group.GroupName)
	_, ok, err := st.Snapshot(ctx, "departments")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStoreIsCacheDurableTier(t *testing.T) {
	t.Parallel()
	var _ cache.DurableStore = Store(nil)
}

func TestPruneBackups(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	for _, n := range []string{"raspbot-20240101-000000.bak", "raspbot-20240102-000000.bak", "raspbot-20240103-000000.bak", "notes.txt"} {
		require.NoError(t, afero.WriteFile(fs, "/b/"+n, []byte("x"), 0o600))
	}
	require.NoError(t, pruneBackups(fs, "/b", 2))

	entries, err := afero.ReadDir(fs, "/b")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.ElementsMatch(t, []string{"raspbot-20240102-000000.bak", "raspbot-20240103-000000.bak", "notes.txt"}, names)
}

func TestFileBackup(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	st, err := openFile(fs, Config{Path: "/data/raspbot.json"}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.UpsertRecipient(context.Background(), Recipient{ID: 1}))
	require.NoError(t, st.Backup(context.Background(), "/backups/one.bak"))

	ok, err := afero.Exists(fs, "/backups/one.bak")
	require.NoError(t, err)
	require.True(t, ok)
}
