package timetable

import (
	"strings"
	"testing"
	"time"
)

func at(hhmm string) time.Time {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		panic(err)
	}
	return time.Date(2024, 9, 16, t.Hour(), t.Minute(), 0, 0, time.UTC)
}

func lesson(discipline string) RawDayEntry {
	return RawDayEntry{Kind: KindSubject, Content: Content{Lesson: Lesson{Discipline: discipline, Teacher: "Иванов Иван Иванович", Classroom: "204"}}}
}

// threePairs is one day with windows [9:35,11:20], [11:20,13:05], [13:35,15:20].
func threePairs() Raw {
	h := DayHeader{Date: "16.09.2024", Weekday: "Понедельник", WeekType: "Числитель"}
	mk := func(n, tr, disc string) RawTimeSlot {
		e := lesson(disc)
		e.DayHeader = h
		return RawTimeSlot{PairNumber: n, TimeRange: tr, Days: []RawDayEntry{e}}
	}
	return Raw{
		mk("3", "13:45 .. 15:20", "Физика"),
		mk("1", "9:45 .. 11:20", "Алгебра"),
		mk("2", "11:30 .. 13:05", "Геометрия"),
	}
}

func weekRaw(slots, days int) Raw {
	raw := make(Raw, slots)
	for i := range raw {
		raw[i] = RawTimeSlot{PairNumber: string(rune('1' + i)), TimeRange: "8:00 .. 9:35"}
		for d := 0; d < days; d++ {
			raw[i].Days = append(raw[i].Days, RawDayEntry{DayHeader: DayHeader{Date: "d" + string(rune('0'+d))}, Kind: KindEmpty})
		}
	}
	return raw
}

func TestTransformPreservesCounts(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct{ slots, days int }{{1, 1}, {7, 7}, {3, 6}, {5, 2}} {
		s := Transform(weekRaw(tc.slots, tc.days))
		days, pairs := s.Counts()
		if days != tc.days {
			t.Fatalf("days = %d, want %d", days, tc.days)
		}
		total := 0
		for _, n := range pairs {
			total += n
		}
		if total != tc.slots*tc.days {
			t.Fatalf("pairs = %d, want %d", total, tc.slots*tc.days)
		}
	}
}

func TestTransformOrdersPairs(t *testing.T) {
	t.Parallel()
	s := Transform(threePairs())
	for n := 0; n < s.Len(); n++ {
		pairs := s.Day(n).Days()[0].Pairs
		for i := 1; i < len(pairs); i++ {
			if pairs[i-1].Number() >= pairs[i].Number() {
				t.Fatalf("day %d not ordered: %s before %s", n, pairs[i-1].PairNumber, pairs[i].PairNumber)
			}
		}
	}
}

func TestQueriesDoNotAlias(t *testing.T) {
	t.Parallel()
	s := Transform(threePairs())
	days := s.Day(0).Days()
	days[0].Pairs[0].Content.Lesson.Discipline = "mutated"
	days[0].Pairs = days[0].Pairs[:1]

	again := s.Day(0).Days()[0]
	if len(again.Pairs) != 3 {
		t.Fatalf("pairs = %d, want 3", len(again.Pairs))
	}
	if again.Pairs[0].Content.Lesson.Discipline != "Алгебра" {
		t.Fatalf("schedule was mutated through a query result")
	}

	p, ok := s.Now(at("10:00"))
	if !ok {
		t.Fatal("expected a current pair")
	}
	p.Kind = KindEmpty
	if q, _ := s.Now(at("10:00")); q.Kind != KindSubject {
		t.Fatalf("pair returned by Now aliases the schedule")
	}
}

func TestNowWindows(t *testing.T) {
	t.Parallel()
	s := Transform(threePairs())
	tests := []struct {
		at   string
		want string
	}{
		{"9:34", ""},
		{"9:35", "1"},
		{"11:20", "1"},
		{"11:21", "2"},
		{"13:05", "2"},
		{"13:20", ""},
		{"13:35", "3"},
		{"15:20", "3"},
		{"15:21", ""},
	}
	for _, tt := range tests {
		p, ok := s.Now(at(tt.at))
		got := ""
		if ok {
			got = p.PairNumber
		}
		if got != tt.want {
			t.Fatalf("Now(%s) = %q, want %q", tt.at, got, tt.want)
		}
	}
}

func TestNowNoOverlapInRealDay(t *testing.T) {
	t.Parallel()
	starts := []string{"8:00 .. 9:35", "9:45 .. 11:20", "11:30 .. 13:05", "13:45 .. 15:20", "15:30 .. 17:05", "17:15 .. 18:50", "19:00 .. 20:35"}
	var prev Window
	for i, r := range starts {
		w, err := ParseTimeRange(r)
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 && w.Start-leadIn < prev.End {
			t.Fatalf("window %q overlaps previous pair", r)
		}
		prev = w
	}
}

func TestLeft(t *testing.T) {
	t.Parallel()
	s := Transform(threePairs())
	tests := []struct {
		at   string
		want []string
	}{
		{"7:00", []string{"1", "2", "3"}},
		{"10:00", []string{"1", "2", "3"}},
		{"12:00", []string{"2", "3"}},
		{"13:40", []string{"3"}},
		{"13:20", []string{"1", "2", "3"}},
		{"16:00", nil},
	}
	for _, tt := range tests {
		left, ok := s.Left(at(tt.at))
		var got []string
		if ok {
			for _, p := range left.Days()[0].Pairs {
				got = append(got, p.PairNumber)
			}
		}
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Fatalf("Left(%s) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestPairAndDaySlices(t *testing.T) {
	t.Parallel()
	s := Transform(threePairs())
	one := s.Pair(1, 0)
	if one.Len() != 1 || len(one.Days()[0].Pairs) != 1 || one.Days()[0].Pairs[0].PairNumber != "2" {
		t.Fatalf("Pair(1, 0) = %+v", one.Days())
	}
	if !s.Pair(5, 0).Empty() || !s.Day(3).Empty() {
		t.Fatal("out of range slices must be empty")
	}
	if got := s.Day(0).Days()[0].Weekday; got != "Понедельник" {
		t.Fatalf("weekday = %q", got)
	}
}

func TestAllEmpty(t *testing.T) {
	t.Parallel()
	if !Transform(weekRaw(3, 7)).AllEmpty() {
		t.Fatal("expected all empty")
	}
	if Transform(threePairs()).AllEmpty() {
		t.Fatal("expected lessons")
	}
}

func TestParseTimeRange(t *testing.T) {
	t.Parallel()
	w, err := ParseTimeRange("9:45 .. 11:20")
	if err != nil || w.Start != 585 || w.End != 680 {
		t.Fatalf("got %+v, %v", w, err)
	}
	if _, err := ParseTimeRange("11:20-9:45"); err == nil {
		t.Fatal("expected error for reversed range")
	}
	if _, err := ParseTimeRange("soon"); err == nil {
		t.Fatal("expected error")
	}
}
