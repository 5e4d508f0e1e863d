package logx

import (
	"strings"
	"sync"
	"testing"
)

type captureReporter struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureReporter) Report(text string) {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
}

func (c *captureReporter) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestReportSinkHonoursMinLevel(t *testing.T) {
	rep := &captureReporter{}
	svc, log := New(Config{
		Level:  "debug",
		Report: ReportConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, rep)
	defer svc.Close()

	log.Info("quiet")
	log.With(String("comp", "fetcher")).Warn("fetch failed", Int("attempt", 3))

	msgs := rep.all()
	if len(msgs) != 1 {
		t.Fatalf("reported %d records, want 1: %q", len(msgs), msgs)
	}
	for _, want := range []string{"[WARN] fetch failed", "- attempt=3", "- comp=fetcher"} {
		if !strings.Contains(msgs[0], want) {
			t.Fatalf("record %q missing %q", msgs[0], want)
		}
	}
}

func TestSetReporterLater(t *testing.T) {
	svc, log := New(Config{Level: "info", Report: ReportConfig{Enabled: true, RatePerSec: 100}}, nil)
	defer svc.Close()
	log.Error("dropped")

	rep := &captureReporter{}
	svc.SetReporter(rep)
	log.Error("kept")
	if msgs := rep.all(); len(msgs) != 1 || !strings.Contains(msgs[0], "kept") {
		t.Fatalf("unexpected records: %q", msgs)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop is an explicit logger")
	}
}

func TestFormatRecordNonJSON(t *testing.T) {
	t.Parallel()
	if got := formatRecord([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatRecord = %q", got)
	}
}
