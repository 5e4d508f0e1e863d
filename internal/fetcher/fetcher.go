// Package fetcher loads the university timetable pages through a shared
// headless browser and parses them into raw time slots.
//
// Lists of departments and groups are cached for a long time in the durable
// cache tier; schedules are cached in memory. A schedule load that keeps
// failing is assumed to be caused by stale numeric identifiers: the group is
// re-resolved by name, the recipient directory is patched and the load is
// retried exactly once.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/afero"

	"raspbot/internal/cache"
	"raspbot/internal/report"
	"raspbot/internal/timetable"
	logx "raspbot/pkg/logx"
)

const (
	departmentsKey = "departments"
	groupsPrefix   = "groups_"
)

// Config configures a Fetcher.
type Config struct {
	DepartmentsURL   string
	ScheduleURL      string
	DepartmentMarker string

	// Timeout bounds one navigation attempt.
	Timeout time.Duration
	// RetryUnit is the first backoff delay; it doubles per attempt.
	RetryUnit time.Duration
	Attempts  uint

	SettleMin          time.Duration
	SettleMax          time.Duration
	UserAgents         []string
	StealthProbability float64

	// DebugDumpPath receives the latest raw schedule page. Empty disables it.
	DebugDumpPath string

	ScheduleTTL time.Duration
	ListTTL     time.Duration

	Location *time.Location
	Now      func() time.Time
	// Seed fixes the fingerprint randomness; 0 seeds from the clock.
	Seed uint64
}

func (c *Config) defaults() {
	if c.DepartmentMarker == "" {
		c.DepartmentMarker = "факультет"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryUnit <= 0 {
		c.RetryUnit = time.Second
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.StealthProbability <= 0 {
		c.StealthProbability = 0.7
	}
	if c.ListTTL == 0 {
		c.ListTTL = 30 * 24 * time.Hour
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Directory is the write-back hook of identity repair.
type Directory interface {
	PatchIdentity(ctx context.Context, from, to timetable.GroupIdentity) (int, error)
}

// Fetcher is safe for concurrent use; the navigator serializes page loads.
type Fetcher struct {
	cfg   Config
	nav   Navigator
	cache *cache.Cache
	dir   Directory
	sink  report.Sink
	fs    afero.Fs
	log   logx.Logger
	dis   *disguise
}

// New creates a fetcher. fs receives the debug dump; sink may be nil.
func New(cfg Config, nav Navigator, c *cache.Cache, dir Directory, sink report.Sink, fs afero.Fs, log logx.Logger) *Fetcher {
	cfg.defaults()
	if sink == nil {
		sink = report.Nop{}
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{
		cfg:   cfg,
		nav:   nav,
		cache: c,
		dir:   dir,
		sink:  sink,
		fs:    fs,
		log:   log,
		dis:   newDisguise(cfg.UserAgents, cfg.StealthProbability, cfg.SettleMin, cfg.SettleMax, cfg.Seed),
	}
}

// Departments returns department name -> page URL.
func (f *Fetcher) Departments(ctx context.Context) (Departments, error) {
	return f.departments(ctx, f.cfg.ListTTL)
}

func (f *Fetcher) departments(ctx context.Context, ttl time.Duration) (Departments, error) {
	opt := cache.Options{TTL: ttl, Tier: cache.Durable}
	return cache.Fetch(ctx, f.cache, departmentsKey, opt, func(ctx context.Context) (Departments, error) {
		page, err := f.load(ctx, LoadRequest{URL: f.cfg.DepartmentsURL}, false)
		if err != nil {
			return nil, err
		}
		deps, err := ParseDepartments(page.HTML, page.URL, f.cfg.DepartmentMarker)
		if err != nil {
			return nil, err
		}
		f.log.Info("departments loaded", logx.Int("count", len(deps)))
		return deps, nil
	})
}

// Groups returns the groups of the named department.
func (f *Fetcher) Groups(ctx context.Context, department string) (Groups, error) {
	return f.groups(ctx, department, f.cfg.ListTTL)
}

func (f *Fetcher) groups(ctx context.Context, department string, ttl time.Duration) (Groups, error) {
	opt := cache.Options{TTL: ttl, Tier: cache.Durable}
	return cache.Fetch(ctx, f.cache, groupsPrefix+department, opt, func(ctx context.Context) (Groups, error) {
		deps, err := f.Departments(ctx)
		if err != nil {
			return nil, err
		}
		name, depURL, ok := deps.Lookup(department)
		if !ok {
			return nil, fmt.Errorf("%w: %q", errDepartmentGone, department)
		}
		page, err := f.load(ctx, LoadRequest{URL: depURL, WaitSelector: selGroupFrame}, false)
		if err != nil {
			return nil, err
		}
		frameURL, err := ParseGroupFrame(page.HTML, page.URL)
		if err != nil {
			return nil, err
		}
		page, err = f.load(ctx, LoadRequest{URL: frameURL, WaitSelector: selGroupOption}, false)
		if err != nil {
			return nil, err
		}
		gs, err := ParseGroups(page.HTML)
		if err != nil {
			return nil, err
		}
		f.log.Info("groups loaded", logx.String("department", name), logx.Int("count", len(gs)))
		return gs, nil
	})
}

// Schedule returns the raw timetable of g. On failure the result is nil and
// the failure has already been logged and reported.
func (f *Fetcher) Schedule(ctx context.Context, g timetable.GroupIdentity) (timetable.Raw, error) {
	opt := cache.Options{TTL: f.cfg.ScheduleTTL, Tier: cache.Memory}
	raw, err := cache.Fetch(ctx, f.cache, g.CacheKey(), opt, func(ctx context.Context) (timetable.Raw, error) {
		return f.fetchSchedule(ctx, g)
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Cached returns the last stored schedule of g regardless of its age.
func (f *Fetcher) Cached(ctx context.Context, g timetable.GroupIdentity) (timetable.Raw, bool) {
	raw, ok, err := cache.Get[timetable.Raw](ctx, f.cache, g.CacheKey(), cache.Memory)
	if err != nil || !ok || raw == nil {
		return nil, false
	}
	return raw, true
}

func (f *Fetcher) fetchSchedule(ctx context.Context, g timetable.GroupIdentity) (timetable.Raw, error) {
	raw, page, err := f.scheduleAttempt(ctx, g)
	if err == nil {
		return raw, nil
	}
	if !isTransient(err) {
		f.fail(g, page, err)
		return nil, err
	}

	f.log.Warn("schedule unavailable, re-resolving group", logx.String("group", g.String()), logx.Err(err))
	fresh, rerr := f.resolve(ctx, g)
	if rerr != nil {
		serr := &StaleIdentityError{Group: g, Err: rerr}
		f.fail(g, page, serr)
		return nil, serr
	}

	if !fresh.SameIDs(g) {
		n, perr := f.dir.PatchIdentity(ctx, g, fresh)
		if perr != nil {
			f.log.Warn("patch recipients failed", logx.String("group", g.String()), logx.Err(perr))
		}
		f.log.Info("group identity repaired",
			logx.String("from", g.String()),
			logx.String("to", fresh.String()),
			logx.Int("recipients", n),
		)
		f.sink.Report(fmt.Sprintf("Идентификаторы группы обновлены: %s → %s (получателей: %d)", g, fresh, n))
	}

	raw, page, err = f.scheduleAttempt(ctx, fresh)
	if err != nil {
		f.fail(fresh, page, err)
		return nil, err
	}
	if !fresh.SameIDs(g) {
		if _, serr := cache.Set(ctx, f.cache, fresh.CacheKey(), raw, cache.Memory); serr != nil {
			f.log.Debug("cache repaired schedule failed", logx.Err(serr))
		}
	}
	return raw, nil
}

// Identify builds the identity of a group from its department and group
// names, using the cached lists.
func (f *Fetcher) Identify(ctx context.Context, department, group string, correspondence bool) (timetable.GroupIdentity, error) {
	g := timetable.GroupIdentity{
		DepartmentName:   department,
		GroupName:        group,
		IsCorrespondence: correspondence,
	}
	return f.lookup(ctx, g, f.cfg.ListTTL)
}

// resolve looks the group up again by its names, reloading both the
// department list and the group list. A department that disappeared takes
// its stored group list with it.
func (f *Fetcher) resolve(ctx context.Context, g timetable.GroupIdentity) (timetable.GroupIdentity, error) {
	fresh, err := f.lookup(ctx, g, 0)
	if errors.Is(err, errDepartmentGone) {
		if derr := f.cache.Delete(ctx, groupsPrefix+g.DepartmentName, cache.Durable); derr != nil {
			f.log.Debug("evict group list failed", logx.String("department", g.DepartmentName), logx.Err(derr))
		}
	}
	return fresh, err
}

func (f *Fetcher) lookup(ctx context.Context, g timetable.GroupIdentity, ttl time.Duration) (timetable.GroupIdentity, error) {
	deps, err := f.departments(ctx, ttl)
	if err != nil {
		return g, err
	}
	name, _, ok := deps.Lookup(g.DepartmentName)
	if !ok {
		return g, fmt.Errorf("%w: %q", errDepartmentGone, g.DepartmentName)
	}
	gs, err := f.groups(ctx, name, ttl)
	if err != nil {
		return g, err
	}
	ref, ok := gs.Lookup(g.GroupName)
	if !ok {
		return g, fmt.Errorf("group %q not listed in %q", g.GroupName, name)
	}
	fresh := g
	fresh.DepartmentName = name
	fresh.GroupID = ref.GroupID
	if ref.DepartmentID != "" {
		fresh.DepartmentID = ref.DepartmentID
	}
	return fresh, nil
}

func (f *Fetcher) scheduleAttempt(ctx context.Context, g timetable.GroupIdentity) (timetable.Raw, Page, error) {
	page, err := f.load(ctx, LoadRequest{URL: f.ScheduleURL(g), WaitSelector: selScheduleTable}, true)
	if err != nil {
		return nil, page, err
	}
	raw, err := ParseSchedule(page.HTML)
	if err != nil {
		return nil, page, err
	}
	return raw, page, nil
}

// ScheduleURL builds the schedule page address of g.
func (f *Fetcher) ScheduleURL(g timetable.GroupIdentity) string {
	u, err := url.Parse(f.cfg.ScheduleURL)
	if err != nil {
		return f.cfg.ScheduleURL
	}
	vr := "0"
	if g.IsCorrespondence {
		vr = "1"
	}
	q := u.Query()
	q.Set("sid", g.DepartmentID)
	q.Set("gr", g.GroupID)
	q.Set("year", strconv.Itoa(AcademicYear(f.cfg.Now().In(f.cfg.Location))))
	q.Set("vr", vr)
	u.RawQuery = q.Encode()
	return u.String()
}

// AcademicYear is the calendar year the academic year of t started in.
func AcademicYear(t time.Time) int {
	if t.Month() >= time.September {
		return t.Year()
	}
	return t.Year() - 1
}

// load runs one navigation with retries. Only transient failures are retried.
func (f *Fetcher) load(ctx context.Context, req LoadRequest, dump bool) (Page, error) {
	var last Page
	err := retry.Do(
		func() error {
			r := req
			r.UserAgent = f.dis.userAgent()
			r.Headers = f.dis.headers(f.cfg.DepartmentsURL)
			r.Settle = f.dis.settle()
			r.Timeout = f.cfg.Timeout

			page, err := f.nav.Load(ctx, r)
			if page.HTML != "" || err == nil {
				last = page
			}
			if dump && page.HTML != "" {
				f.dump(page.HTML)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(f.cfg.Attempts),
		retry.Delay(f.cfg.RetryUnit),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			f.log.Debug("navigation retry", logx.String("url", req.URL), logx.Uint64("attempt", uint64(n+1)), logx.Err(err))
		}),
	)
	return last, err
}

func (f *Fetcher) dump(html string) {
	if f.cfg.DebugDumpPath == "" {
		return
	}
	if dir := filepath.Dir(f.cfg.DebugDumpPath); dir != "." {
		_ = f.fs.MkdirAll(dir, 0o755)
	}
	if err := afero.WriteFile(f.fs, f.cfg.DebugDumpPath, []byte(html), 0o644); err != nil {
		f.log.Debug("debug dump failed", logx.Err(err))
	}
}

func (f *Fetcher) fail(g timetable.GroupIdentity, page Page, err error) {
	kind := "fetch"
	switch {
	case isParse(err):
		kind = "parse"
	case errors.As(err, new(*StaleIdentityError)):
		kind = "stale identity"
	}
	f.log.Warn("schedule fetch failed", logx.String("group", g.String()), logx.String("kind", kind), logx.Err(err))

	var files []report.Attachment
	if page.HTML != "" {
		files = append(files, report.Attachment{Name: "page.html", Data: []byte(page.HTML)})
	}
	f.sink.Report(fmt.Sprintf("Не удалось получить расписание %s (%s): %v", g, kind, err), files...)
}
