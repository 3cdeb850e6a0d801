package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// ProgressBar provides tqdm-style step progress on a terminal
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
	out         io.Writer
	disabled    bool
}

// NewProgressBar creates a progress bar writing to stderr
func NewProgressBar(description string, total int) *ProgressBar {
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
		out:         os.Stderr,
	}
}

// SetOutput redirects rendering. A nil writer disables the bar.
func (pb *ProgressBar) SetOutput(w io.Writer) {
	pb.out = w
	pb.disabled = w == nil
}

// Current returns the number of completed steps.
func (pb *ProgressBar) Current() int { return pb.current }

// Update sets the progress to step and replaces the metrics
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Advance moves the bar forward by n steps
func (pb *ProgressBar) Advance(n int) {
	pb.current += n
	pb.render()
}

// UpdateMetrics merges metrics without advancing progress
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	if pb.metrics == nil {
		pb.metrics = make(map[string]float64)
	}
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.render()
	if !pb.disabled {
		fmt.Fprintln(pb.out)
	}
}

func (pb *ProgressBar) render() {
	if pb.disabled {
		return
	}
	fmt.Fprint(pb.out, "\r"+pb.line())
}

// line formats the current state without the leading carriage return
func (pb *ProgressBar) line() string {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fit/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := pb.metrics[k]
		if k == "lr" {
			line += fmt.Sprintf(", %s=%.2e", k, v)
		} else {
			line += fmt.Sprintf(", %s=%.4f", k, v)
		}
	}
	return line + "]"
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
