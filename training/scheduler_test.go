package training

import (
	"math"
	"testing"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
		{6, 0.0001},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.09},
		{2, 0.081},
		{5, 0.059049},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(4, 0)
	baseLR := 0.01

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.01},
		{2, 0.005},
		{4, 0},
		{9, 0},
	}
	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestWarmupSchedulers(t *testing.T) {
	baseLR := 1.0
	tests := []struct {
		name      string
		scheduler LRScheduler
		step      int
		expected  float64
	}{
		{"constant warmup start", NewConstantWarmupScheduler(10), 0, 0},
		{"constant warmup half", NewConstantWarmupScheduler(10), 5, 0.5},
		{"constant warmup done", NewConstantWarmupScheduler(10), 10, 1},
		{"constant warmup late", NewConstantWarmupScheduler(10), 1000, 1},
		{"constant no warmup", NewConstantWarmupScheduler(0), 0, 1},
		{"linear warmup", NewLinearWarmupScheduler(10, 110), 5, 0.5},
		{"linear peak", NewLinearWarmupScheduler(10, 110), 10, 1},
		{"linear mid decay", NewLinearWarmupScheduler(10, 110), 60, 0.5},
		{"linear end", NewLinearWarmupScheduler(10, 110), 110, 0},
		{"linear past end", NewLinearWarmupScheduler(10, 110), 200, 0},
		{"cosine peak", NewCosineWarmupScheduler(10, 110), 10, 1},
		{"cosine mid", NewCosineWarmupScheduler(10, 110), 60, 0.5},
		{"cosine end", NewCosineWarmupScheduler(10, 110), 110, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lr := tt.scheduler.GetLR(0, tt.step, baseLR)
			if math.Abs(lr-tt.expected) > 1e-8 {
				t.Errorf("step %d: expected LR %f, got %f", tt.step, tt.expected, lr)
			}
		})
	}
}

func TestNewLRScheduler(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"constant", "ConstantLR"},
		{"", "ConstantLR"},
		{"constant_with_warmup", "ConstantWithWarmup"},
		{"linear", "LinearWithWarmup"},
		{"cosine", "CosineWithWarmup"},
		{"step", "StepLR"},
		{"exponential", "ExponentialLR"},
		{"cosine_annealing", "CosineAnnealingLR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewLRScheduler(tt.name, 20, 500, 10)
			if err != nil {
				t.Fatalf("NewLRScheduler failed: %v", err)
			}
			if s.GetName() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, s.GetName())
			}
		})
	}
	if _, err := NewLRScheduler("polynomial", 0, 1, 1); err == nil {
		t.Error("Expected error for unknown scheduler")
	}
}
