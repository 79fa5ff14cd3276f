package commands

import (
	"fmt"
	"os"
	"time"
)

// colorScheme holds the ANSI codes the CLI prints with. Setting
// NO_COLOR empties every code.
type colorScheme struct {
	Reset string
	Bold  string
	Dim   string
	Green string
	Red   string
}

var colors = func() colorScheme {
	if os.Getenv("NO_COLOR") != "" {
		return colorScheme{}
	}
	return colorScheme{
		Reset: "\033[0m",
		Bold:  "\033[1m",
		Dim:   "\033[2m",
		Green: "\033[32m",
		Red:   "\033[31m",
	}
}()

// formatBytes renders a byte count with a binary-unit suffix, for
// config output and binary-body summaries.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	value := float64(n)
	suffixes := []string{"KB", "MB", "GB", "TB", "PB"}
	idx := -1
	for value >= unit && idx < len(suffixes)-1 {
		value /= unit
		idx++
	}
	return fmt.Sprintf("%.1f %s", value, suffixes[idx])
}

// formatDuration renders request latencies: sub-second elapsed times
// show milliseconds, longer ones collapse to 2m30s / 1h05m00s style.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Round(time.Millisecond)/time.Millisecond)
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
