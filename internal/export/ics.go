// Package export writes schedules in calendar formats.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"raspbot/internal/timetable"
)

const dateLayout = "02.01.2006"

// ICS writes every non-empty pair of s as a VEVENT. Days whose header date
// does not parse are skipped, as are pairs with a malformed time range.
func ICS(w io.Writer, g timetable.GroupIdentity, s timetable.Schedule, loc *time.Location, now time.Time) error {
	if loc == nil {
		loc = time.Local
	}
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//raspbot//timetable//RU")
	cal.SetName("Расписание " + g.GroupName)
	cal.SetTzid(loc.String())

	for _, d := range s.Days() {
		fields := strings.Fields(d.Date)
		if len(fields) == 0 {
			continue
		}
		day, err := time.ParseInLocation(dateLayout, fields[0], loc)
		if err != nil {
			continue
		}
		for _, p := range d.Pairs {
			if p.Kind == timetable.KindEmpty {
				continue
			}
			win, err := timetable.ParseTimeRange(p.TimeRange)
			if err != nil {
				continue
			}
			e := cal.AddEvent(eventUID(g, day, p))
			e.SetDtStampTime(now)
			e.SetStartAt(day.Add(time.Duration(win.Start) * time.Minute))
			e.SetEndAt(day.Add(time.Duration(win.End) * time.Minute))
			summary, location, desc := describe(p)
			e.SetSummary(summary)
			if location != "" {
				e.SetLocation(location)
			}
			if desc != "" {
				e.SetDescription(desc)
			}
		}
	}
	return cal.SerializeTo(w)
}

func eventUID(g timetable.GroupIdentity, day time.Time, p timetable.Pair) string {
	return fmt.Sprintf("%s-%s-%s-%s@raspbot", g.DepartmentID, g.GroupID, day.Format("20060102"), p.PairNumber)
}

func describe(p timetable.Pair) (summary, location, desc string) {
	if !p.Kind.Teaching() {
		summary = p.Kind.Label()
		if p.Content.Text != "" {
			summary += ": " + p.Content.Text
		}
		return summary, "", ""
	}
	l := p.Content.Lesson
	summary = l.Discipline
	if p.Kind != timetable.KindSubject {
		title := p.Title
		if title == "" {
			title = p.Kind.Label()
		}
		summary = title + ": " + summary
	}
	var lines []string
	if l.Teacher != "" {
		lines = append(lines, "Преподаватель: "+l.Teacher)
	}
	if p.Replaced {
		lines = append(lines, "Замена")
	}
	if l.Classroom != "" {
		location = "ауд. " + l.Classroom
	}
	return summary, location, strings.Join(lines, "\n")
}
