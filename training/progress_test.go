package training

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar("Steps", 10)
	pb.SetOutput(&buf)

	for i := 0; i < 4; i++ {
		pb.Advance(1)
	}
	pb.UpdateMetrics(map[string]float64{"step_loss": 0.25, "lr": 5e-6})

	if pb.Current() != 4 {
		t.Errorf("Expected 4 steps, got %d", pb.Current())
	}
	line := pb.line()
	for _, want := range []string{"Steps:  40%", "4/10", "lr=5.00e-06", "step_loss=0.2500"} {
		if !strings.Contains(line, want) {
			t.Errorf("Expected %q in %q", want, line)
		}
	}
	if strings.Index(line, "lr=") > strings.Index(line, "step_loss=") {
		t.Error("Expected metrics in sorted order")
	}
	if !strings.Contains(buf.String(), "\r") {
		t.Error("Expected carriage-return rendering")
	}

	pb.Finish()
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Error("Expected Finish to end the line")
	}
}

func TestProgressBarDisabled(t *testing.T) {
	pb := NewProgressBar("Steps", 3)
	pb.SetOutput(nil)
	pb.Advance(3)
	pb.Finish()
	if !strings.Contains(pb.line(), "3/3") {
		t.Error("Disabled bar should still track progress")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{75 * time.Second, "01:15"},
		{61 * time.Minute, "61:00"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}
