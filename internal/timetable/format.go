package timetable

import (
	"strings"
	"unicode/utf8"
)

var kindLabels = map[Kind]string{
	KindSubject:      "Занятие",
	KindEvent:        "Мероприятие",
	KindExam:         "Экзамен",
	KindConsultation: "Консультация",
	KindPractice:     "Практика",
	KindIGA:          "ГИА",
	KindSession:      "Сессия",
	KindVacation:     "Каникулы",
}

// Label returns a human label for the kind.
func (k Kind) Label() string {
	if l, ok := kindLabels[k]; ok {
		return l
	}
	return "Нет занятий"
}

// ShortName turns "Иванов Иван Иванович" into "Иванов И.И.". Names that do
// not look like "surname name [patronymic]" are returned trimmed.
func ShortName(full string) string {
	parts := strings.Fields(full)
	if len(parts) < 2 {
		return strings.TrimSpace(full)
	}
	var b strings.Builder
	b.WriteString(parts[0])
	b.WriteByte(' ')
	initials := parts[1:]
	if len(initials) > 2 {
		initials = initials[:2]
	}
	for _, p := range initials {
		r, _ := utf8.DecodeRuneInString(p)
		b.WriteRune(r)
		b.WriteByte('.')
	}
	return b.String()
}

// Format renders a human summary of the schedule. It is a pure function of
// the schedule data.
func (s Schedule) Format() string {
	var b strings.Builder
	for i, d := range s.days {
		if i > 0 {
			b.WriteString("\n")
		}
		formatDay(&b, d)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatDay(b *strings.Builder, d DaySchedule) {
	b.WriteString("📅 ")
	b.WriteString(dayTitle(d.DayHeader))

	if k, text, ok := uniformDay(d); ok {
		b.WriteString(" — ")
		b.WriteString(k.Label())
		if text != "" {
			b.WriteString(": ")
			b.WriteString(text)
		}
		b.WriteString("\n")
		return
	}
	b.WriteString("\n")

	written := 0
	for _, p := range d.Pairs {
		if p.Kind == KindEmpty {
			continue
		}
		written++
		b.WriteString(FormatPair(p))
		b.WriteString("\n")
	}
	if written == 0 {
		b.WriteString("Нет занятий\n")
	}
}

// FormatPair renders one pair on one or two lines.
func FormatPair(p Pair) string {
	var b strings.Builder
	b.WriteString(p.PairNumber)
	b.WriteString(". ")
	b.WriteString(p.TimeRange)
	if p.Replaced {
		b.WriteString(" (замена)")
	}
	b.WriteString(" — ")
	switch p.Kind {
	case KindSubject, KindExam, KindConsultation:
		if p.Kind != KindSubject {
			title := p.Title
			if title == "" {
				title = p.Kind.Label()
			}
			b.WriteString(title)
			b.WriteString(": ")
		}
		l := p.Content.Lesson
		b.WriteString(l.Discipline)
		details := make([]string, 0, 2)
		if l.Teacher != "" {
			details = append(details, ShortName(l.Teacher))
		}
		if l.Classroom != "" {
			details = append(details, "ауд. "+l.Classroom)
		}
		if len(details) > 0 {
			b.WriteString("\n   ")
			b.WriteString(strings.Join(details, ", "))
		}
	default:
		b.WriteString(p.Kind.Label())
		if p.Content.Text != "" {
			b.WriteString(": ")
			b.WriteString(p.Content.Text)
		}
	}
	return b.String()
}

func dayTitle(h DayHeader) string {
	parts := make([]string, 0, 2)
	if h.Weekday != "" {
		parts = append(parts, h.Weekday)
	}
	if h.Date != "" {
		parts = append(parts, h.Date)
	}
	title := strings.Join(parts, ", ")
	if h.WeekType != "" {
		title += " (" + h.WeekType + ")"
	}
	return title
}

// uniformDay reports whether every pair of the day is the same whole-day kind
// (event, iga or practice) and returns the first non-empty text of it.
func uniformDay(d DaySchedule) (Kind, string, bool) {
	if len(d.Pairs) == 0 {
		return "", "", false
	}
	k := d.Pairs[0].Kind
	if k != KindEvent && k != KindIGA && k != KindPractice {
		return "", "", false
	}
	text := ""
	for _, p := range d.Pairs {
		if p.Kind != k {
			return "", "", false
		}
		if text == "" {
			text = p.Content.Text
		}
	}
	return k, text, true
}
