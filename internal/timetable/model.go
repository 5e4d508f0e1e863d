package timetable

import (
	"strconv"
	"strings"
)

// Kind classifies a single timetable cell.
type Kind string

const (
	KindEmpty        Kind = "empty"
	KindSubject      Kind = "subject"
	KindEvent        Kind = "event"
	KindExam         Kind = "exam"
	KindConsultation Kind = "consultation"
	KindPractice     Kind = "practice"
	KindIGA          Kind = "iga"
	KindSession      Kind = "session"
	KindVacation     Kind = "vacation"
)

// Teaching reports whether the kind is a lesson someone has to attend
// (as opposed to a whole-day event, break or empty slot).
func (k Kind) Teaching() bool {
	return k == KindSubject || k == KindExam || k == KindConsultation
}

// Lesson is the structured content of subject, exam and consultation cells.
type Lesson struct {
	Discipline string `json:"discipline"`
	Teacher    string `json:"teacher"`
	Classroom  string `json:"classroom"`
}

// Content holds either free text (events, practice, vacation, ...) or a
// structured Lesson. Lesson kinds leave Text empty.
type Content struct {
	Text   string `json:"text,omitempty"`
	Lesson Lesson `json:"lesson"`
}

// Structured reports whether the content carries lesson fields.
func (c Content) Structured() bool {
	return c.Lesson != (Lesson{})
}

// DayHeader identifies one column of the source table.
type DayHeader struct {
	Date     string `json:"date"`
	Weekday  string `json:"weekday"`
	WeekType string `json:"week_type"`
}

// RawDayEntry is one classified table cell.
type RawDayEntry struct {
	DayHeader
	Replaced     bool    `json:"replaced"`
	Consultation bool    `json:"consultation"`
	Kind         Kind    `json:"kind"`
	Title        string  `json:"title,omitempty"`
	Content      Content `json:"content"`
}

// RawTimeSlot is one pair row of the source table. Days are in column order
// and aligned across every slot of the same table.
type RawTimeSlot struct {
	PairNumber string        `json:"pair_number"`
	TimeRange  string        `json:"time_range"`
	Days       []RawDayEntry `json:"days"`
}

// Raw is a parsed table: one RawTimeSlot per pair row. It is the value stored
// in the cache for a group.
type Raw []RawTimeSlot

// Clone returns a deep copy.
func (r Raw) Clone() Raw {
	if r == nil {
		return nil
	}
	out := make(Raw, len(r))
	for i, s := range r {
		out[i] = s
		out[i].Days = append([]RawDayEntry(nil), s.Days...)
	}
	return out
}

// IsNil reports whether the table is absent.
func (r Raw) IsNil() bool { return r == nil }

// Pair is a copy-on-read lesson slot of one day.
type Pair struct {
	PairNumber string  `json:"pair_number"`
	TimeRange  string  `json:"time_range"`
	Kind       Kind    `json:"kind"`
	Title      string  `json:"title,omitempty"`
	Content    Content `json:"content"`
	Replaced   bool    `json:"replaced"`
}

// Number returns the numeric pair number, or -1 when it is not a number.
func (p Pair) Number() int {
	n, err := strconv.Atoi(strings.TrimSpace(p.PairNumber))
	if err != nil {
		return -1
	}
	return n
}

// DaySchedule is one day of pairs, ordered by ascending pair number.
type DaySchedule struct {
	DayHeader
	Pairs []Pair `json:"pairs"`
}

func (d DaySchedule) clone() DaySchedule {
	d.Pairs = append([]Pair(nil), d.Pairs...)
	return d
}

// GroupIdentity is the key under which a timetable is fetched, cached and
// under which recipients are grouped for fan-out.
//
// DepartmentID and GroupID are scraped from the source and may go stale;
// DepartmentName and GroupName are stable and used to resolve fresh ids.
type GroupIdentity struct {
	DepartmentID     string `json:"department_id"`
	GroupID          string `json:"group_id"`
	DepartmentName   string `json:"department_name"`
	GroupName        string `json:"group_name"`
	IsCorrespondence bool   `json:"is_correspondence"`
}

// CacheKey is the cache key of the group's schedule.
func (g GroupIdentity) CacheKey() string {
	return "schedule_" + g.DepartmentID + "_" + g.GroupID
}

// SameIDs reports whether both identities point at the same remote table.
func (g GroupIdentity) SameIDs(o GroupIdentity) bool {
	return g.DepartmentID == o.DepartmentID && g.GroupID == o.GroupID && g.IsCorrespondence == o.IsCorrespondence
}

func (g GroupIdentity) String() string {
	return g.DepartmentName + "/" + g.GroupName + " (" + g.DepartmentID + ":" + g.GroupID + ")"
}
