package main

import (
	"fmt"
	"os"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + ansiReset
}

// printMark writes a colored, mark-prefixed line to stderr. All progress and
// result messages funnel through it so stdout stays reserved for payload
// output (job tables, passages).
func printMark(color, mark, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printMark(ansiGreen, "✓", format, args...) }
func printError(format string, args ...any)   { printMark(ansiRed, "✗", format, args...) }
func printWarning(format string, args ...any) { printMark(ansiYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { printMark(ansiCyan, "→", format, args...) }

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(ansiBold, label+":"), val)
}

// truncate shortens s to at most max runes, marking the cut with an ellipsis.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// jobLine renders one row of the jobs table: id, status, progress, filename.
func jobLine(job jobResult) string {
	return fmt.Sprintf("%s  %-9s %3d%%  %s",
		colorize(ansiCyan, job.ID),
		job.Status,
		job.Progress,
		truncate(job.Filename, 50),
	)
}

// renderPassage prints one retrieved passage to stdout with its rank, chunk
// position, score and relevance reason. Long passages are clipped.
func renderPassage(rank, chunkIndex int, score float64, reason, content string) {
	fmt.Printf("\n%s [chunk %d, score %.3f]\n",
		colorize(ansiBold, fmt.Sprintf("Passage %d", rank)), chunkIndex, score)
	fmt.Printf("  %s\n", colorize(ansiCyan, reason))
	fmt.Printf("  %s\n", truncate(content, 500))
}
