package timetable

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Fixed day-policy windows used by Left, in minutes since midnight.
const (
	leadIn        = 10
	morningCutoff = 8 * 60
	bigBreakStart = 13*60 + 5
	bigBreakEnd   = 13*60 + 45
)

// Schedule is an ordered sequence of days aligned with the source table
// columns (index 0 is Sunday for the university source).
//
// Schedule is immutable from the caller's perspective: every query returns a
// freshly cloned value.
type Schedule struct {
	days []DaySchedule
}

// Transform transposes time-slot rows into day-partitioned schedules.
//
// All slots must share the same day count and order; a slot with fewer days
// than the first one contributes nothing to the missing days.
func Transform(raw Raw) Schedule {
	if len(raw) == 0 {
		return Schedule{}
	}
	slots := make([]RawTimeSlot, len(raw))
	copy(slots, raw)
	sort.SliceStable(slots, func(i, j int) bool {
		return pairOrder(slots[i].PairNumber) < pairOrder(slots[j].PairNumber)
	})

	days := make([]DaySchedule, len(slots[0].Days))
	for d := range days {
		days[d].DayHeader = slots[0].Days[d].DayHeader
		days[d].Pairs = make([]Pair, 0, len(slots))
	}
	for _, slot := range slots {
		for d := range days {
			if d >= len(slot.Days) {
				continue
			}
			e := slot.Days[d]
			days[d].Pairs = append(days[d].Pairs, Pair{
				PairNumber: slot.PairNumber,
				TimeRange:  slot.TimeRange,
				Kind:       e.Kind,
				Title:      e.Title,
				Content:    e.Content,
				Replaced:   e.Replaced,
			})
		}
	}
	return Schedule{days: days}
}

func pairOrder(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 1 << 30
	}
	return n
}

// New builds a schedule from already day-partitioned data (cloned).
func New(days ...DaySchedule) Schedule {
	out := make([]DaySchedule, len(days))
	for i, d := range days {
		out[i] = d.clone()
	}
	return Schedule{days: out}
}

// Days returns a deep copy of all days.
func (s Schedule) Days() []DaySchedule {
	out := make([]DaySchedule, len(s.days))
	for i, d := range s.days {
		out[i] = d.clone()
	}
	return out
}

// Len returns the number of days.
func (s Schedule) Len() int { return len(s.days) }

// Empty reports whether the schedule has no days at all.
func (s Schedule) Empty() bool { return len(s.days) == 0 }

// Day returns a single-day schedule. Out of range yields an empty schedule.
func (s Schedule) Day(n int) Schedule {
	if n < 0 || n >= len(s.days) {
		return Schedule{}
	}
	return Schedule{days: []DaySchedule{s.days[n].clone()}}
}

// Today returns the day whose index matches t's weekday (Sunday = 0).
func (s Schedule) Today(t time.Time) Schedule {
	return s.Day(int(t.Weekday()))
}

// Pair returns a schedule holding only the n-th pair of day d.
func (s Schedule) Pair(n, d int) Schedule {
	if d < 0 || d >= len(s.days) {
		return Schedule{}
	}
	day := s.days[d]
	if n < 0 || n >= len(day.Pairs) {
		return Schedule{}
	}
	out := DaySchedule{DayHeader: day.DayHeader, Pairs: []Pair{day.Pairs[n]}}
	return Schedule{days: []DaySchedule{out}}
}

// Now returns the pair of the reference day (index 0) whose window
// [start-10min, end] contains t.
func (s Schedule) Now(t time.Time) (Pair, bool) {
	i, ok := s.nowIndex(t)
	if !ok {
		return Pair{}, false
	}
	return s.days[0].Pairs[i], true
}

func (s Schedule) nowIndex(t time.Time) (int, bool) {
	if len(s.days) == 0 {
		return 0, false
	}
	m := minuteOfDay(t)
	for i, p := range s.days[0].Pairs {
		w, err := ParseTimeRange(p.TimeRange)
		if err != nil {
			continue
		}
		if w.Start-leadIn <= m && m <= w.End {
			return i, true
		}
	}
	return 0, false
}

// Left returns what remains of the reference day at from.
//
//   - inside a pair window: that pair and every later pair
//   - at or before 08:00: the whole day
//   - inside the 13:05-13:45 big break: the whole day
//   - otherwise: nothing (ok is false)
func (s Schedule) Left(from time.Time) (Schedule, bool) {
	if len(s.days) == 0 {
		return Schedule{}, false
	}
	day := s.days[0]
	if i, ok := s.nowIndex(from); ok {
		// Pairs are sorted by number, so the tail from i is "this pair onward".
		out := DaySchedule{DayHeader: day.DayHeader, Pairs: append([]Pair(nil), day.Pairs[i:]...)}
		return Schedule{days: []DaySchedule{out}}, true
	}
	m := minuteOfDay(from)
	if m <= morningCutoff || (bigBreakStart <= m && m <= bigBreakEnd) {
		return Schedule{days: []DaySchedule{day.clone()}}, true
	}
	return Schedule{}, false
}

// AllEmpty reports whether every pair of every day is empty.
func (s Schedule) AllEmpty() bool {
	for _, d := range s.days {
		for _, p := range d.Pairs {
			if p.Kind != KindEmpty {
				return false
			}
		}
	}
	return true
}

// Counts returns the number of days and the pair count of each day.
func (s Schedule) Counts() (days int, pairs []int) {
	pairs = make([]int, len(s.days))
	for i, d := range s.days {
		pairs[i] = len(d.Pairs)
	}
	return len(s.days), pairs
}

func minuteOfDay(t time.Time) int { return t.Hour()*60 + t.Minute() }

// Window is a lesson time range in minutes since midnight.
type Window struct {
	Start int
	End   int
}

var reTimeRange = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*(?:\.\.|-|–|—)\s*(\d{1,2}):(\d{2})\s*$`)

// ParseTimeRange parses "H:MM .. H:MM" (dash separators are accepted too).
func ParseTimeRange(s string) (Window, error) {
	m := reTimeRange.FindStringSubmatch(s)
	if m == nil {
		return Window{}, fmt.Errorf("invalid time range %q", s)
	}
	n := make([]int, 4)
	for i := range n {
		n[i], _ = strconv.Atoi(m[i+1])
	}
	if n[0] > 23 || n[2] > 23 || n[1] > 59 || n[3] > 59 {
		return Window{}, fmt.Errorf("invalid time range %q", s)
	}
	w := Window{Start: n[0]*60 + n[1], End: n[2]*60 + n[3]}
	if w.End < w.Start {
		return Window{}, fmt.Errorf("time range %q ends before it starts", s)
	}
	return w, nil
}
