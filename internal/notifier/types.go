package notifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"raspbot/internal/storage"
	"raspbot/internal/timetable"
)

// DefaultLessonStarts are the daily lesson start times.
var DefaultLessonStarts = []string{"08:00", "09:45", "11:30", "13:45", "15:30", "17:15", "19:00"}

// StaleDisclaimer prefixes a digest rendered from an outdated copy.
const StaleDisclaimer = "⚠️ Расписание может быть неактуальным"

// Config controls both notification loops.
type Config struct {
	LessonStarts []string
	// Lead is how long before a lesson start its notification is sent.
	Lead           time.Duration
	DigestInterval time.Duration
	Location       *time.Location
	// PrepareLimit bounds how many group schedules are resolved at once.
	PrepareLimit int
	// DeletePrevious removes a recipient's previous pair notification
	// before sending the next one.
	DeletePrevious bool
	OutcomeHistory int
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if len(c.LessonStarts) == 0 {
		c.LessonStarts = DefaultLessonStarts
	}
	if c.Lead <= 0 {
		c.Lead = 15 * time.Minute
	}
	if c.DigestInterval <= 0 {
		c.DigestInterval = time.Minute
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.PrepareLimit <= 0 {
		c.PrepareLimit = 4
	}
	if c.OutcomeHistory <= 0 {
		c.OutcomeHistory = 200
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Schedules resolves group timetables.
type Schedules interface {
	Schedule(ctx context.Context, g timetable.GroupIdentity) (timetable.Raw, error)
	// Cached returns the last stored copy regardless of its age.
	Cached(ctx context.Context, g timetable.GroupIdentity) (timetable.Raw, bool)
}

// Directory lists recipients.
type Directory interface {
	AllRecipients(ctx context.Context) ([]storage.Recipient, error)
}

// Renderer turns a digest into an image file. When configured the digest is
// sent as a photo instead of text.
type Renderer interface {
	Render(ctx context.Context, g timetable.GroupIdentity, s timetable.Schedule) (path string, err error)
}

// Outcome is the result of one digest delivery.
type Outcome struct {
	RecipientID int64         `json:"recipient_id"`
	SendTime    time.Time     `json:"send_time"`
	Duration    time.Duration `json:"duration"`
	OK          bool          `json:"ok"`
	Err         string        `json:"err,omitempty"`
	Stale       bool          `json:"stale,omitempty"`
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour, Minute int
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

// On returns the clock on the calendar day of t, in t's location.
func (c Clock) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, t.Location())
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Clock{}, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 || len(m) != 2 {
		return Clock{}, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return Clock{Hour: hh, Minute: mm}, nil
}

// ring is a fixed-size outcome buffer.
type ring struct {
	buf  []Outcome
	next int
	full bool
}

func (r *ring) add(o Outcome) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.next] = o
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// items returns the buffered outcomes, oldest first.
func (r *ring) items() []Outcome {
	if !r.full {
		return append([]Outcome(nil), r.buf[:r.next]...)
	}
	out := make([]Outcome, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
