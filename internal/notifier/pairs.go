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

// PairResult summarizes one pair trigger.
type PairResult struct {
	LessonAt time.Time
	Groups   int
	Notified int
	Skipped  int
	Batch    *delivery.Batch
}

// FirePairs announces the lesson starting at lessonAt to every recipient
// with pair notifications enabled and waits for delivery.
func (s *Service) FirePairs(ctx context.Context, lessonAt time.Time) (PairResult, error) {
	res := PairResult{LessonAt: lessonAt}
	rs, err := s.dir.AllRecipients(ctx)
	if err != nil {
		return res, fmt.Errorf("list recipients: %w", err)
	}
	groups, members := groupRecipients(rs, func(r storage.Recipient) bool { return r.PairNotifications })
	res.Groups = len(groups)
	if len(groups) == 0 {
		return res, nil
	}

	texts := make([]string, len(groups))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.PrepareLimit)
	for i, g := range groups {
		eg.Go(func() error {
			text, ok := s.pairMessage(gctx, g, lessonAt)
			if ok {
				texts[i] = text
			}
			return nil
		})
	}
	_ = eg.Wait()

	var tasks []delivery.Task
	for i, g := range groups {
		if texts[i] == "" {
			res.Skipped++
			continue
		}
		for _, r := range members[g] {
			tasks = append(tasks, s.pairTask(r.ID, texts[i]))
		}
	}
	res.Notified = len(tasks)
	if len(tasks) == 0 {
		return res, nil
	}

	b, err := s.pool.Submit(ctx, "pairs "+lessonAt.Format("15:04"), tasks)
	res.Batch = b
	if err != nil {
		return res, err
	}
	if err := b.Wait(ctx); err != nil {
		return res, err
	}
	st := b.Status()
	s.log.Info("pair notifications sent",
		logx.String("lesson", lessonAt.Format("15:04")),
		logx.Int("groups", res.Groups),
		logx.Int("skipped", res.Skipped),
		logx.Int("sent", st.Done-st.Failed),
		logx.Int("failed", st.Failed),
	)
	return res, nil
}

// pairMessage resolves the lesson of g starting at lessonAt. ok is false
// when the schedule is unavailable or the slot is not a lesson.
func (s *Service) pairMessage(ctx context.Context, g timetable.GroupIdentity, lessonAt time.Time) (string, bool) {
	raw, err := s.sched.Schedule(ctx, g)
	if err != nil || raw == nil {
		s.log.Debug("pair skipped: schedule unavailable", logx.String("group", g.String()), logx.Err(err))
		return "", false
	}
	p, ok := timetable.Transform(raw).Today(lessonAt).Now(lessonAt)
	if !ok || !p.Kind.Teaching() {
		return "", false
	}
	return PairMessage(p, s.cfg.Lead), true
}

// PairMessage renders the "next lesson" notification.
func PairMessage(p timetable.Pair, lead time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 Через %d мин. начнётся пара\n\n", int(lead/time.Minute))
	b.WriteString(timetable.FormatPair(p))
	return b.String()
}

func (s *Service) pairTask(id int64, text string) delivery.Task {
	return delivery.Task{RecipientID: id, Run: func(ctx context.Context) error {
		to := kit.ChatTarget{ChatID: id}
		if s.cfg.DeletePrevious {
			s.lastMu.Lock()
			prev, ok := s.last[id]
			s.lastMu.Unlock()
			if ok && !prev.IsZero() {
				if err := s.tr.DeleteMessage(ctx, prev); err != nil {
					s.log.Debug("delete previous notification failed", logx.Int64("recipient", id), logx.Err(err))
				}
			}
		}
		ref, err := s.tr.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
		if err != nil {
			return err
		}
		s.lastMu.Lock()
		s.last[id] = ref
		s.lastMu.Unlock()
		return nil
	}}
}
