package fetcher

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/cases"

	"raspbot/internal/timetable"
)

var fold = cases.Fold()

func containsFold(s, sub string) bool {
	return strings.Contains(fold.String(s), fold.String(sub))
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func newDoc(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// ParseDepartments extracts name -> absolute URL for every link whose text
// contains marker (case-insensitive). Relative hrefs are resolved against base.
func ParseDepartments(html, base, marker string) (Departments, error) {
	doc, err := newDoc(html)
	if err != nil {
		return nil, &ParseError{What: "departments", Reason: err.Error()}
	}
	baseURL, _ := url.Parse(base)

	out := Departments{}
	doc.Find(selDepartmentLinks).Each(func(_ int, a *goquery.Selection) {
		name := clean(a.Text())
		if name == "" || (marker != "" && !containsFold(name, marker)) {
			return
		}
		href, _ := a.Attr("href")
		out[name] = resolve(baseURL, href)
	})
	if len(out) == 0 {
		return nil, &ParseError{What: "departments", Reason: "no department links"}
	}
	return out, nil
}

// ParseGroupFrame returns the absolute URL of the group picker iframe.
func ParseGroupFrame(html, base string) (string, error) {
	doc, err := newDoc(html)
	if err != nil {
		return "", &ParseError{What: "department page", Reason: err.Error()}
	}
	src, ok := doc.Find(selGroupFrame).First().Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		return "", &ParseError{What: "department page", Reason: "no group frame"}
	}
	baseURL, _ := url.Parse(base)
	return resolve(baseURL, src), nil
}

// ParseGroups extracts the group picker options, skipping the zero-value
// placeholder.
func ParseGroups(html string) (Groups, error) {
	doc, err := newDoc(html)
	if err != nil {
		return nil, &ParseError{What: "groups", Reason: err.Error()}
	}
	out := Groups{}
	doc.Find(selGroupOption).Each(func(_ int, o *goquery.Selection) {
		value := strings.TrimSpace(o.AttrOr("value", ""))
		name := clean(o.Text())
		if value == "" || value == "0" || name == "" {
			return
		}
		out[name] = GroupRef{GroupID: value, DepartmentID: strings.TrimSpace(o.AttrOr(attrGroupSID, ""))}
	})
	if len(out) == 0 {
		return nil, &ParseError{What: "groups", Reason: "no group options"}
	}
	return out, nil
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// ParseSchedule turns the rendered schedule table into raw time slots.
//
// The first row holds day headers from the third column on. Every following
// row marked as a pair row becomes one slot. A row without a time-range cell
// fails the whole table.
func ParseSchedule(html string) (timetable.Raw, error) {
	doc, err := newDoc(html)
	if err != nil {
		return nil, &ParseError{What: "schedule", Reason: err.Error()}
	}
	table := doc.Find(selScheduleTable).First()
	if table.Length() == 0 {
		return nil, &ParseError{What: "schedule", Reason: "results table not found"}
	}
	rows := table.Find(selRow)
	if rows.Length() == 0 {
		return nil, &ParseError{What: "schedule", Reason: "empty table"}
	}

	headers := parseHeaders(rows.First())
	if len(headers) == 0 {
		return nil, &ParseError{What: "schedule", Reason: "no day headers"}
	}

	var (
		raw    timetable.Raw
		rowErr *ParseError
	)
	rows.Slice(1, goquery.ToEnd).EachWithBreak(func(i int, row *goquery.Selection) bool {
		if !row.HasClass(clsPairRow) || row.ChildrenFiltered(selHeaderCell).Length() > 0 {
			return true
		}
		cells := row.ChildrenFiltered(selDataCell)
		if cells.Length() < 2 {
			rowErr = &ParseError{What: "schedule", Reason: "row without time range"}
			return false
		}
		slot := timetable.RawTimeSlot{
			PairNumber: clean(cells.Eq(0).Text()),
			TimeRange:  clean(cells.Eq(1).Text()),
			Days:       make([]timetable.RawDayEntry, len(headers)),
		}
		for d, h := range headers {
			entry := timetable.RawDayEntry{DayHeader: h, Kind: timetable.KindEmpty}
			if c := cells.Eq(d + 2); c.Length() > 0 {
				entry = classifyCell(c)
				entry.DayHeader = h
			}
			slot.Days[d] = entry
		}
		raw = append(raw, slot)
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	if len(raw) == 0 {
		return nil, &ParseError{What: "schedule", Reason: "no pair rows"}
	}
	return raw, nil
}

func parseHeaders(row *goquery.Selection) []timetable.DayHeader {
	var out []timetable.DayHeader
	row.ChildrenFiltered(selHeaderCell+","+selDataCell).Each(func(i int, cell *goquery.Selection) {
		if i < 2 {
			return
		}
		texts := textNodes(cell, nil)
		var h timetable.DayHeader
		if len(texts) > 0 {
			h.Date = texts[0]
		}
		if len(texts) > 1 {
			h.Weekday = texts[1]
		}
		if len(texts) > 2 {
			h.WeekType = texts[2]
		}
		out = append(out, h)
	})
	return out
}

// textNodes collects the non-empty text nodes under s in document order.
func textNodes(s *goquery.Selection, out []string) []string {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			if t := clean(c.Text()); t != "" {
				out = append(out, t)
			}
			return
		}
		out = textNodes(c, out)
	})
	return out
}

func hasMarker(cell *goquery.Selection, class string) bool {
	return cell.HasClass(class) || cell.Find("."+class).Length() > 0
}

// classifyCell maps one table cell to an entry. Predicates are checked in
// order and the first match wins.
func classifyCell(cell *goquery.Selection) timetable.RawDayEntry {
	text := clean(cell.Text())
	e := timetable.RawDayEntry{
		Replaced:     cell.Find(selReplaceTable).Length() > 0,
		Consultation: hasMarker(cell, clsConsultation),
	}

	switch {
	case strings.Contains(text, textNoClasses):
		e.Kind = timetable.KindEmpty
	case text == "" || hasMarker(cell, clsCancelled):
		e.Kind = timetable.KindEmpty
	case hasMarker(cell, clsIGA):
		e.Kind, e.Content.Text = timetable.KindIGA, text
	case hasMarker(cell, clsEvent):
		e.Kind, e.Content.Text = timetable.KindEvent, text
	case hasMarker(cell, clsPractice):
		e.Kind, e.Content.Text = timetable.KindPractice, text
	case hasMarker(cell, clsSession):
		e.Kind, e.Content.Text = timetable.KindSession, text
	case hasMarker(cell, clsVacation):
		e.Kind, e.Content.Text = timetable.KindVacation, text
	default:
		e.Content.Lesson = lessonOf(cell)
		if title, ok := examTitle(cell); ok {
			e.Kind, e.Title = timetable.KindExam, title
		} else if e.Content.Lesson.Discipline == "" {
			// A teacher or room without a discipline is not a lesson.
			e.Kind, e.Content.Lesson = timetable.KindEmpty, timetable.Lesson{}
		} else if e.Consultation {
			e.Kind = timetable.KindConsultation
		} else {
			e.Kind = timetable.KindSubject
		}
	}
	return e
}

func examTitle(cell *goquery.Selection) (string, bool) {
	var (
		title string
		found bool
	)
	cell.Find(selExamTable).Find(selExamTitle).EachWithBreak(func(_ int, th *goquery.Selection) bool {
		t := clean(th.Text())
		for _, want := range examTitles {
			if fold.String(t) == fold.String(want) {
				title, found = t, true
				return false
			}
		}
		return true
	})
	return title, found
}

// lessonOf reads the labelled sub-elements; a substitution table wins over
// the original lesson when present.
func lessonOf(cell *goquery.Selection) timetable.Lesson {
	scope := cell
	if r := cell.Find(selReplaceTable).First(); r.Length() > 0 && r.Find(selDiscipline).Length() > 0 {
		scope = r
	}
	return timetable.Lesson{
		Discipline: clean(scope.Find(selDiscipline).First().Text()),
		Teacher:    clean(scope.Find(selTeacher).First().Text()),
		Classroom:  clean(scope.Find(selClassroom).First().Text()),
	}
}
