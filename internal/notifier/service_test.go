package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"raspbot/internal/delivery"
	"raspbot/internal/report"
	"raspbot/internal/storage"
	"raspbot/internal/timetable"
	kit "raspbot/internal/transport"
	logx "raspbot/pkg/logx"
)

// monday is 2026-09-14, a Monday.
func monday(hh, mm int) time.Time {
	return time.Date(2026, 9, 14, hh, mm, 0, 0, time.UTC)
}

// week builds a Sunday-first week where Monday holds the given slots and
// every other day is empty.
func week(slots ...timetable.RawDayEntry) timetable.Raw {
	ranges := []string{"08:00-09:35", "09:45-11:20", "11:30-13:05"}
	raw := make(timetable.Raw, len(ranges))
	for i, tr := range ranges {
		raw[i] = timetable.RawTimeSlot{PairNumber: strconv.Itoa(i + 1), TimeRange: tr}
		for d := 0; d < 7; d++ {
			e := timetable.RawDayEntry{Kind: timetable.KindEmpty}
			if d == 1 && i < len(slots) {
				e = slots[i]
			}
			e.DayHeader = timetable.DayHeader{Date: fmt.Sprintf("%02d.09.2026", 13+d), Weekday: "день"}
			raw[i].Days = append(raw[i].Days, e)
		}
	}
	return raw
}

func subject(discipline, teacher, room string) timetable.RawDayEntry {
	return timetable.RawDayEntry{Kind: timetable.KindSubject, Content: timetable.Content{Lesson: timetable.Lesson{
		Discipline: discipline, Teacher: teacher, Classroom: room,
	}}}
}

var (
	groupA = timetable.GroupIdentity{DepartmentID: "1", GroupID: "10", DepartmentName: "ФИТ", GroupName: "ИВТ-21"}
	groupB = timetable.GroupIdentity{DepartmentID: "1", GroupID: "11", DepartmentName: "ФИТ", GroupName: "ПИ-22"}
)

type fakeSchedules struct {
	mu     sync.Mutex
	raw    map[timetable.GroupIdentity]timetable.Raw
	cached map[timetable.GroupIdentity]timetable.Raw
	calls  map[timetable.GroupIdentity]int
}

func (f *fakeSchedules) Schedule(_ context.Context, g timetable.GroupIdentity) (timetable.Raw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[timetable.GroupIdentity]int{}
	}
	f.calls[g]++
	if raw, ok := f.raw[g]; ok {
		return raw.Clone(), nil
	}
	return nil, errors.New("fetch timeout")
}

func (f *fakeSchedules) Cached(_ context.Context, g timetable.GroupIdentity) (timetable.Raw, bool) {
	raw, ok := f.cached[g]
	return raw, ok
}

type fakeDir []storage.Recipient

func (d fakeDir) AllRecipients(context.Context) ([]storage.Recipient, error) {
	return append([]storage.Recipient(nil), d...), nil
}

type sent struct {
	to    int64
	text  string
	image string
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sent
	deleted []kit.MessageRef
	fail    map[int64]bool
	nextID  int
}

func (f *fakeTransport) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[to.ChatID] {
		return kit.MessageRef{}, errors.New("bot was blocked by the user")
	}
	f.nextID++
	f.sent = append(f.sent, sent{to: to.ChatID, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeTransport) SendImage(_ context.Context, to kit.ChatTarget, path string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sent{to: to.ChatID, image: path})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeTransport) byChat() map[int64][]sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[int64][]sent{}
	for _, s := range f.sent {
		out[s.to] = append(out[s.to], s)
	}
	return out
}

type fakeSink struct {
	mu      sync.Mutex
	reports []string
}

func (s *fakeSink) Report(text string, _ ...report.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, text)
}

func newService(t *testing.T, cfg Config, sched Schedules, dir Directory, tr kit.Transport, opts ...Option) *Service {
	t.Helper()
	pool := delivery.New(delivery.Config{Workers: 4, RatePerSec: 10000}, logx.Nop())
	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s, err := New(cfg, sched, dir, tr, pool, logx.Nop(), opts...)
	require.NoError(t, err)
	return s
}

func TestFirePairsAnnouncesLesson(t *testing.T) {
	t.Parallel()

	sched := &fakeSchedules{raw: map[timetable.GroupIdentity]timetable.Raw{
		groupA: week(subject("Алгебра", "Иванов Иван Иванович", "204")),
	}}
	dir := fakeDir{
		{ID: 1, Group: groupA, PairNotifications: true},
		{ID: 2, Group: groupA, PairNotifications: true},
		{ID: 3, Group: groupA, PairNotifications: false},
		{ID: 4, Group: groupB, PairNotifications: true},
	}
	tr := &fakeTransport{fail: map[int64]bool{2: true}}
	s := newService(t, Config{}, sched, dir, tr)

	res, err := s.FirePairs(context.Background(), monday(8, 0))
	require.NoError(t, err)
	require.Equal(t, 2, res.Groups)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 2, res.Notified)
	require.Equal(t, 1, res.Batch.Status().Failed)

	got := tr.byChat()
	require.Len(t, got[1], 1)
	msg := got[1][0].text
	for _, want := range []string{"Алгебра", "Иванов И.И.", "204", "15 мин"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q lacks %q", msg, want)
		}
	}
	require.Empty(t, got[3])
	require.Empty(t, got[4])
	// one fetch per group, not per recipient
	require.Equal(t, 1, sched.calls[groupA])
}

func TestFirePairsSkipsNonTeachingSlots(t *testing.T) {
	t.Parallel()

	event := timetable.RawDayEntry{Kind: timetable.KindEvent, Content: timetable.Content{Text: "День открытых дверей"}}
	sched := &fakeSchedules{raw: map[timetable.GroupIdentity]timetable.Raw{
		groupA: week(event, subject("Физика", "Петров П.П.", "101")),
	}}
	tr := &fakeTransport{}
	s := newService(t, Config{}, sched, fakeDir{{ID: 1, Group: groupA, PairNotifications: true}}, tr)

	res, err := s.FirePairs(context.Background(), monday(8, 0))
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Empty(t, tr.byChat())

	// 11:30 has no pair at all
	res, err = s.FirePairs(context.Background(), monday(11, 30))
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)

	_, err = s.FirePairs(context.Background(), monday(9, 45))
	require.NoError(t, err)
	require.Len(t, tr.byChat()[1], 1)
	require.Contains(t, tr.byChat()[1][0].text, "Физика")
}

func TestFirePairsDeletesPrevious(t *testing.T) {
	t.Parallel()

	sched := &fakeSchedules{raw: map[timetable.GroupIdentity]timetable.Raw{
		groupA: week(subject("Алгебра", "", ""), subject("Физика", "", "")),
	}}
	tr := &fakeTransport{}
	s := newService(t, Config{DeletePrevious: true}, sched, fakeDir{{ID: 1, Group: groupA, PairNotifications: true}}, tr)

	_, err := s.FirePairs(context.Background(), monday(8, 0))
	require.NoError(t, err)
	_, err = s.FirePairs(context.Background(), monday(9, 45))
	require.NoError(t, err)
	require.Equal(t, []kit.MessageRef{{ChatID: 1, MessageID: 1}}, tr.deleted)
}

func TestTriggerAnnouncesUpcomingLesson(t *testing.T) {
	t.Parallel()

	sched := &fakeSchedules{raw: map[timetable.GroupIdentity]timetable.Raw{
		groupA: week(subject("Алгебра", "", "204"), subject("Физика", "", "101")),
	}}
	var (
		mu  sync.Mutex
		now time.Time
	)
	setNow := func(at time.Time) { mu.Lock(); now = at; mu.Unlock() }
	cfg := Config{Now: func() time.Time { mu.Lock(); defer mu.Unlock(); return now }}
	tr := &fakeTransport{}
	s := newService(t, cfg, sched, fakeDir{{ID: 1, Group: groupA, PairNotifications: true}}, tr)
	s.mu.Lock()
	s.ctx = context.Background()
	s.mu.Unlock()

	// 09:30 is still inside the first pair; the trigger is about the second.
	setNow(monday(9, 30))
	s.onTrigger(Clock{Hour: 9, Minute: 45})
	got := tr.byChat()[1]
	require.Len(t, got, 1)
	require.Contains(t, got[0].text, "Физика")
	require.NotContains(t, got[0].text, "Алгебра")

	// A late fire still announces its own lesson.
	setNow(monday(7, 47).Add(30 * time.Second))
	s.onTrigger(Clock{Hour: 8, Minute: 0})
	got = tr.byChat()[1]
	require.Len(t, got, 2)
	require.Contains(t, got[1].text, "Алгебра")
}

func TestTriggerSpecs(t *testing.T) {
	t.Parallel()

	s := newService(t, Config{LessonStarts: []string{"09:45", "08:00", "00:10"}}, &fakeSchedules{}, fakeDir{}, &fakeTransport{})
	require.Equal(t, []string{"55 23 * * 1-6", "45 7 * * 1-6", "30 9 * * 1-6"}, s.TriggerSpecs())

	require.NoError(t, s.Start(context.Background()))
	require.Len(t, s.NextTriggers(), 3)
	s.Stop(context.Background())
	require.Nil(t, s.NextTriggers())

	_, err := New(Config{LessonStarts: []string{"8am"}}, nil, nil, nil, nil, logx.Nop())
	require.Error(t, err)
}

func TestDueIn(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		hhmm     string
		from, to time.Time
		want     bool
	}{
		{"inside", "07:00", monday(6, 59), monday(7, 0), true},
		{"open start", "07:00", monday(7, 0), monday(7, 1), false},
		{"after", "07:02", monday(6, 59), monday(7, 1), false},
		{"midnight", "00:00", monday(0, 0).Add(-30 * time.Second), monday(0, 0).Add(30 * time.Second), true},
		{"late evening", "23:59", monday(23, 58), monday(23, 59), true},
		{"disabled", "", monday(0, 0), monday(23, 0), false},
		{"malformed", "7", monday(0, 0), monday(23, 0), false},
	}
	for _, tc := range cases {
		if _, got := dueIn(tc.hhmm, tc.from, tc.to); got != tc.want {
			t.Fatalf("%s: dueIn = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDigestTickWindow(t *testing.T) {
	t.Parallel()

	sched := &fakeSchedules{raw: map[timetable.GroupIdentity]timetable.Raw{
		groupA: week(subject("Алгебра", "Иванов Иван Иванович", "204")),
	}}
	dir := fakeDir{
		{ID: 1, Group: groupA, DailyAt: "07:00"},
		{ID: 2, Group: groupA, DailyAt: "07:02"},
		{ID: 3, Group: groupA},
	}
	tr := &fakeTransport{}
	s := newService(t, Config{}, sched, dir, tr)
	ctx := context.Background()

	n, err := s.DigestTick(ctx, monday(6, 59).Add(30*time.Second))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.DigestTick(ctx, monday(7, 0).Add(30*time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.DigestTick(ctx, monday(7, 1).Add(30*time.Second))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.DigestTick(ctx, monday(7, 2).Add(30*time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := tr.byChat()
	require.Len(t, got[1], 1)
	require.Len(t, got[2], 1)
	require.Contains(t, got[1][0].text, "Расписание группы ИВТ-21")
	require.Contains(t, got[1][0].text, "Алгебра")
	require.NotContains(t, got[1][0].text, StaleDisclaimer)

	outs := s.Outcomes()
	require.Len(t, outs, 2)
	require.True(t, outs[0].OK)
	require.Equal(t, monday(7, 0), outs[0].SendTime)
}

func TestDigestStaleFallback(t *testing.T) {
	t.Parallel()

	sched := &fakeSchedules{cached: map[timetable.GroupIdentity]timetable.Raw{
		groupA: week(subject("Алгебра", "", "")),
	}}
	dir := fakeDir{
		{ID: 1, Group: groupA, DailyAt: "07:00"},
		{ID: 2, Group: groupB, DailyAt: "07:00"},
	}
	tr := &fakeTransport{}
	sink := &fakeSink{}
	s := newService(t, Config{}, sched, dir, tr, WithReport(sink))

	n, err := s.DigestNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := tr.byChat()
	require.True(t, strings.HasPrefix(got[1][0].text, StaleDisclaimer))
	require.Empty(t, got[2])
	require.Len(t, sink.reports, 2)

	var stale, missing bool
	for _, o := range s.Outcomes() {
		switch o.RecipientID {
		case 1:
			stale = o.Stale && o.OK
		case 2:
			missing = !o.OK && o.Err != ""
		}
	}
	require.True(t, stale)
	require.True(t, missing)
}

type fakeRenderer struct{}

func (fakeRenderer) Render(context.Context, timetable.GroupIdentity, timetable.Schedule) (string, error) {
	return "/tmp/week.png", nil
}

func TestDigestAsImage(t *testing.T) {
	t.Parallel()

	sched := &fakeSchedules{raw: map[timetable.GroupIdentity]timetable.Raw{groupA: week()}}
	tr := &fakeTransport{}
	s := newService(t, Config{}, sched, fakeDir{{ID: 1, Group: groupA, DailyAt: "07:00"}}, tr, WithRenderer(fakeRenderer{}))

	_, err := s.DigestNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, "/tmp/week.png", tr.byChat()[1][0].image)
}

func TestRing(t *testing.T) {
	t.Parallel()

	r := ring{buf: make([]Outcome, 3)}
	for i := int64(1); i <= 5; i++ {
		r.add(Outcome{RecipientID: i})
	}
	got := r.items()
	require.Len(t, got, 3)
	require.Equal(t, []int64{3, 4, 5}, []int64{got[0].RecipientID, got[1].RecipientID, got[2].RecipientID})
}

func TestParseClock(t *testing.T) {
	t.Parallel()

	c, err := ParseClock(" 9:05 ")
	require.NoError(t, err)
	require.Equal(t, "09:05", c.String())
	for _, bad := range []string{"", "24:00", "12:60", "12:5", "ab:cd", "1200"} {
		if _, err := ParseClock(bad); err == nil {
			t.Fatalf("ParseClock(%q) succeeded", bad)
		}
	}
}
