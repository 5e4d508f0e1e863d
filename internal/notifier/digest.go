package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"raspbot/internal/delivery"
	"raspbot/internal/storage"
	"raspbot/internal/timetable"
	kit "raspbot/internal/transport"
	logx "raspbot/pkg/logx"
)

type digest struct {
	schedule timetable.Schedule
	text     string
	stale    bool
}

// RunDigest polls every DigestInterval until ctx is done.
func (s *Service) RunDigest(ctx context.Context) error {
	s.digestMu.Lock()
	if s.lastDigest.IsZero() {
		s.lastDigest = s.cfg.Now().In(s.cfg.Location)
	}
	s.digestMu.Unlock()

	t := time.NewTicker(s.cfg.DigestInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.DigestTick(ctx, s.cfg.Now()); err != nil {
				s.log.Warn("digest tick failed", logx.Err(err))
			}
		}
	}
}

// DigestTick sends the digest to every recipient due in (previous tick, now]
// and advances the window. The first tick only opens the window.
func (s *Service) DigestTick(ctx context.Context, now time.Time) (int, error) {
	now = now.In(s.cfg.Location)
	s.digestMu.Lock()
	from := s.lastDigest
	s.lastDigest = now
	s.digestMu.Unlock()
	if from.IsZero() || !now.After(from) {
		return 0, nil
	}

	rs, err := s.dir.AllRecipients(ctx)
	if err != nil {
		return 0, fmt.Errorf("list recipients: %w", err)
	}
	due := map[int64]time.Time{}
	groups, members := groupRecipients(rs, func(r storage.Recipient) bool {
		at, ok := dueIn(r.DailyAt, from, now)
		if ok {
			due[r.ID] = at
		}
		return ok
	})
	if len(groups) == 0 {
		return 0, nil
	}
	return s.sendDigests(ctx, groups, members, due)
}

// DigestNow sends the digest to every recipient with a daily send time.
func (s *Service) DigestNow(ctx context.Context) (int, error) {
	rs, err := s.dir.AllRecipients(ctx)
	if err != nil {
		return 0, fmt.Errorf("list recipients: %w", err)
	}
	now := s.cfg.Now().In(s.cfg.Location)
	due := map[int64]time.Time{}
	groups, members := groupRecipients(rs, func(r storage.Recipient) bool {
		if strings.TrimSpace(r.DailyAt) == "" {
			return false
		}
		due[r.ID] = now
		return true
	})
	return s.sendDigests(ctx, groups, members, due)
}

// dueIn reports whether the daily time hhmm falls in (from, to]. The window
// may span midnight.
func dueIn(hhmm string, from, to time.Time) (time.Time, bool) {
	if strings.TrimSpace(hhmm) == "" {
		return time.Time{}, false
	}
	c, err := ParseClock(hhmm)
	if err != nil {
		return time.Time{}, false
	}
	for day := from; ; day = day.AddDate(0, 0, 1) {
		at := c.On(day)
		if at.After(from) && !at.After(to) {
			return at, true
		}
		if at.After(to) || sameDay(day, to) {
			return time.Time{}, false
		}
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (s *Service) sendDigests(ctx context.Context, groups []timetable.GroupIdentity, members map[timetable.GroupIdentity][]storage.Recipient, due map[int64]time.Time) (int, error) {
	digests := make([]*digest, len(groups))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.PrepareLimit)
	for i, g := range groups {
		eg.Go(func() error {
			digests[i] = s.prepareDigest(gctx, g)
			return nil
		})
	}
	_ = eg.Wait()

	var tasks []delivery.Task
	for i, g := range groups {
		d := digests[i]
		for _, r := range members[g] {
			if d == nil {
				s.recordOutcome(Outcome{RecipientID: r.ID, SendTime: due[r.ID], Err: "schedule unavailable"})
				continue
			}
			tasks = append(tasks, s.digestTask(g, r.ID, due[r.ID], d))
		}
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	b, err := s.pool.Submit(ctx, "digest", tasks)
	if err != nil {
		return 0, err
	}
	if err := b.Wait(ctx); err != nil {
		return 0, err
	}
	st := b.Status()
	s.log.Info("digest sent", logx.Int("sent", st.Done-st.Failed), logx.Int("failed", st.Failed))
	return st.Done - st.Failed, nil
}

// prepareDigest resolves and renders the schedule of g. When the fetch
// fails the last cached copy is used with a disclaimer; nil means nothing
// can be sent.
func (s *Service) prepareDigest(ctx context.Context, g timetable.GroupIdentity) *digest {
	raw, err := s.sched.Schedule(ctx, g)
	if err == nil && raw != nil {
		sch := timetable.Transform(raw)
		return &digest{schedule: sch, text: DigestText(g, sch, false)}
	}
	cached, ok := s.sched.Cached(ctx, g)
	if !ok {
		s.log.Warn("digest skipped: schedule unavailable", logx.String("group", g.String()), logx.Err(err))
		s.sink.Report(fmt.Sprintf("Рассылка расписания %s пропущена: %v", g, err))
		return nil
	}
	s.log.Warn("digest uses cached schedule", logx.String("group", g.String()), logx.Err(err))
	s.sink.Report(fmt.Sprintf("Рассылка расписания %s отправлена из кэша: %v", g, err))
	sch := timetable.Transform(cached)
	return &digest{schedule: sch, text: DigestText(g, sch, true), stale: true}
}

// DigestText renders the weekly digest of g.
func DigestText(g timetable.GroupIdentity, sch timetable.Schedule, stale bool) string {
	var b strings.Builder
	if stale {
		b.WriteString(StaleDisclaimer)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "📅 Расписание группы %s\n\n", g.GroupName)
	if sch.AllEmpty() {
		b.WriteString("Занятий нет")
		return b.String()
	}
	b.WriteString(sch.Format())
	return b.String()
}

func (s *Service) digestTask(g timetable.GroupIdentity, id int64, at time.Time, d *digest) delivery.Task {
	return delivery.Task{RecipientID: id, Run: func(ctx context.Context) error {
		started := time.Now()
		err := s.sendDigest(ctx, g, id, d)
		o := Outcome{RecipientID: id, SendTime: at, Duration: time.Since(started), OK: err == nil, Stale: d.stale}
		if err != nil {
			o.Err = err.Error()
		}
		s.recordOutcome(o)
		return err
	}}
}

func (s *Service) sendDigest(ctx context.Context, g timetable.GroupIdentity, id int64, d *digest) error {
	to := kit.ChatTarget{ChatID: id}
	if s.renderer != nil {
		path, err := s.renderer.Render(ctx, g, d.schedule)
		if err == nil {
			caption := ""
			if d.stale {
				caption = StaleDisclaimer
			}
			_, err = s.tr.SendImage(ctx, to, path, &kit.SendOptions{Caption: caption})
			if err == nil {
				return nil
			}
		}
		s.log.Debug("digest image failed, sending text", logx.Int64("recipient", id), logx.Err(err))
	}
	_, err := s.tr.SendText(ctx, to, d.text, &kit.SendOptions{DisablePreview: true})
	return err
}
