package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	line := strings.Repeat("я", 30) + "\n"
	text := strings.Repeat(line, 10)
	chunks := splitTelegramText(text, 100, "")
	if len(chunks) < 4 {
		t.Fatalf("expected at least 4 chunks, got %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 100 {
			t.Fatalf("chunk has %d runes, limit 100", n)
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk not trimmed: %q", c)
		}
		total += strings.Count(c, "я")
	}
	if total != 300 {
		t.Fatalf("lost characters: %d", total)
	}
}

func TestSplitTelegramTextKeepsHTMLTags(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 18) + "<b>bold</b>" + strings.Repeat("c", 20)
	for _, c := range splitTelegramText(text, 20, "HTML") {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("tag split across chunks: %q", c)
		}
	}
}
