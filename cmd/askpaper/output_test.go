package main

import (
	"strings"
	"testing"
)

func setColor(t *testing.T, disabled bool) {
	t.Helper()
	prev := noColor
	noColor = disabled
	t.Cleanup(func() { noColor = prev })
}

func TestColorize(t *testing.T) {
	setColor(t, false)
	if got := colorize(ansiGreen, "ok"); got != ansiGreen+"ok"+ansiReset {
		t.Errorf("colorize = %q", got)
	}

	setColor(t, true)
	if got := colorize(ansiGreen, "ok"); got != "ok" {
		t.Errorf("colorize with color disabled = %q, want plain text", got)
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 50, "short"},
		{"exact", 5, "exact"},
		{"overflowing", 8, "overflow..."},
		{"", 10, ""},
		{"héllo wörld", 7, "héllo w..."},
	}
	for _, c := range cases {
		if got := truncate(c.in, c.max); got != c.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", c.in, c.max, got, c.want)
		}
	}
}

func TestJobLine(t *testing.T) {
	setColor(t, true)

	job := jobResult{
		ID:       "ingest:abc123",
		Status:   "active",
		Progress: 45,
		Filename: strings.Repeat("x", 60) + ".pdf",
	}
	line := jobLine(job)

	if !strings.HasPrefix(line, "ingest:abc123  ") {
		t.Errorf("line does not start with job id: %q", line)
	}
	if !strings.Contains(line, "active") || !strings.Contains(line, " 45%") {
		t.Errorf("line missing status or progress: %q", line)
	}
	if !strings.Contains(line, strings.Repeat("x", 50)+"...") {
		t.Errorf("filename not truncated at 50: %q", line)
	}
	if strings.Contains(line, ".pdf") {
		t.Errorf("truncated filename should not keep its tail: %q", line)
	}
}
