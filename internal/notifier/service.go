package notifier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"raspbot/internal/delivery"
	"raspbot/internal/report"
	"raspbot/internal/storage"
	"raspbot/internal/timetable"
	kit "raspbot/internal/transport"
	logx "raspbot/pkg/logx"
)

// Service is safe for concurrent use.
type Service struct {
	cfg    Config
	starts []Clock

	sched    Schedules
	dir      Directory
	tr       kit.Transport
	pool     *delivery.Pool
	sink     report.Sink
	renderer Renderer
	log      logx.Logger

	parser cron.Parser

	mu  sync.Mutex
	c   *cron.Cron
	ctx context.Context

	lastMu sync.Mutex
	last   map[int64]kit.MessageRef

	digestMu   sync.Mutex
	lastDigest time.Time
	outcomes   ring
}

// Option configures optional collaborators.
type Option func(*Service)

// WithRenderer sends digests as images.
func WithRenderer(r Renderer) Option { return func(s *Service) { s.renderer = r } }

// WithReport sets the operator report sink.
func WithReport(sink report.Sink) Option { return func(s *Service) { s.sink = sink } }

func New(cfg Config, sched Schedules, dir Directory, tr kit.Transport, pool *delivery.Pool, log logx.Logger, opts ...Option) (*Service, error) {
	cfg = cfg.withDefaults()
	starts := make([]Clock, 0, len(cfg.LessonStarts))
	for _, s := range cfg.LessonStarts {
		c, err := ParseClock(s)
		if err != nil {
			return nil, fmt.Errorf("lesson start: %w", err)
		}
		starts = append(starts, c)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].minutes() < starts[j].minutes() })
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg,
		starts:   starts,
		sched:    sched,
		dir:      dir,
		tr:       tr,
		pool:     pool,
		sink:     report.Nop{},
		log:      log,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		last:     map[int64]kit.MessageRef{},
		outcomes: ring{buf: make([]Outcome, cfg.OutcomeHistory)},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// TriggerSpecs returns the cron expressions of the pair triggers, in lesson
// start order.
func (s *Service) TriggerSpecs() []string {
	out := make([]string, 0, len(s.starts))
	for _, st := range s.starts {
		fire := (st.minutes() - int(s.cfg.Lead/time.Minute)) % (24 * 60)
		if fire < 0 {
			fire += 24 * 60
		}
		out = append(out, fmt.Sprintf("%d %d * * 1-6", fire%60, fire/60))
	}
	return out
}

// Start registers the pair triggers. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.cfg.Location))
	for i, spec := range s.TriggerSpecs() {
		start := s.starts[i]
		if _, err := c.AddFunc(spec, func() { s.onTrigger(start) }); err != nil {
			return fmt.Errorf("register trigger %s: %w", spec, err)
		}
	}
	s.ctx = ctx
	s.c = c
	c.Start()
	s.log.Info("pair triggers started",
		logx.Int("triggers", len(s.starts)),
		logx.String("tz", s.cfg.Location.String()),
		logx.Duration("lead", s.cfg.Lead),
	)
	return nil
}

// Stop stops the pair triggers and waits for a running trigger to return.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("pair triggers stopped")
}

// NextTriggers returns the upcoming fire times of the pair triggers.
func (s *Service) NextTriggers() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	var out []time.Time
	for _, e := range s.c.Entries() {
		out = append(out, e.Next)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (s *Service) onTrigger(start Clock) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	fired := s.cfg.Now().In(s.cfg.Location)
	lessonAt := fired.Truncate(time.Minute).Add(s.cfg.Lead)
	if got := (Clock{lessonAt.Hour(), lessonAt.Minute()}); got != start {
		// Late fire: announce the lesson the trigger belongs to.
		lessonAt = start.On(lessonAt)
	}
	if _, err := s.FirePairs(ctx, lessonAt); err != nil {
		s.log.Warn("pair trigger failed", logx.String("lesson", start.String()), logx.Err(err))
	}
}

// groupRecipients partitions recipients by timetable identity. Groups and
// their members are sorted for stable output.
func groupRecipients(rs []storage.Recipient, keep func(storage.Recipient) bool) ([]timetable.GroupIdentity, map[timetable.GroupIdentity][]storage.Recipient) {
	by := map[timetable.GroupIdentity][]storage.Recipient{}
	for _, r := range rs {
		if keep(r) {
			by[r.Group] = append(by[r.Group], r)
		}
	}
	keys := make([]timetable.GroupIdentity, 0, len(by))
	for g, members := range by {
		keys = append(keys, g)
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, by
}

// Outcomes returns recent digest deliveries, oldest first.
func (s *Service) Outcomes() []Outcome {
	s.digestMu.Lock()
	defer s.digestMu.Unlock()
	return s.outcomes.items()
}

func (s *Service) recordOutcome(o Outcome) {
	s.digestMu.Lock()
	s.outcomes.add(o)
	s.digestMu.Unlock()
}
