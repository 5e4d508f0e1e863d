package fetcher

// Selectors and class markers of the university pages.
const (
	// departments listing
	selDepartmentLinks = "a[href]"

	// department page: the group picker lives in an iframe
	selGroupFrame  = "iframe[src]"
	selGroupOption = "select option"
	attrGroupSID   = "sid"

	// schedule page
	selScheduleTable = "table.schedule"
	selRow           = "tr"
	selHeaderCell    = "th"
	selDataCell      = "td"
	clsPairRow       = "pair-row"

	// cell classification
	textNoClasses   = "Нет занятий"
	clsCancelled    = "cancelled"
	clsIGA          = "iga"
	clsEvent        = "event"
	clsPractice     = "practice"
	clsSession      = "session"
	clsVacation     = "vacation"
	clsConsultation = "consultation"
	selExamTable    = "table.exam"
	selExamTitle    = "th"
	selReplaceTable = "table.replace"

	// lesson sub-elements
	selDiscipline = ".discipline"
	selTeacher    = ".teacher"
	selClassroom  = ".classroom"
)

// examTitles are the headers of the exam table that make a cell an exam.
var examTitles = []string{"Зачет", "Дифференцированный зачет", "Экзамен"}
