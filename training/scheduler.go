package training

import (
	"fmt"
	"math"
	"strings"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the position in training.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// NewLRScheduler builds a scheduler by configuration name. warmupSteps and
// totalSteps count optimizer micro-steps, so callers multiply the configured
// values by the gradient accumulation steps.
func NewLRScheduler(name string, warmupSteps, totalSteps, epochs int) (LRScheduler, error) {
	switch strings.ToLower(name) {
	case "", "constant":
		return &NoOpScheduler{}, nil
	case "constant_with_warmup":
		return NewConstantWarmupScheduler(warmupSteps), nil
	case "linear":
		return NewLinearWarmupScheduler(warmupSteps, totalSteps), nil
	case "cosine":
		return NewCosineWarmupScheduler(warmupSteps, totalSteps), nil
	case "step":
		return NewStepLRScheduler(max(1, epochs/3), 0.1), nil
	case "exponential":
		return NewExponentialLRScheduler(0.95), nil
	case "cosine_annealing":
		return NewCosineAnnealingLRScheduler(epochs, 0), nil
	default:
		return nil, fmt.Errorf("unknown lr scheduler %q", name)
	}
}

// ConstantWarmupScheduler ramps linearly from 0 to the base rate over the
// warmup steps and stays there.
type ConstantWarmupScheduler struct {
	WarmupSteps int
}

func NewConstantWarmupScheduler(warmupSteps int) *ConstantWarmupScheduler {
	return &ConstantWarmupScheduler{WarmupSteps: max(0, warmupSteps)}
}

func (s *ConstantWarmupScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * warmupFactor(step, s.WarmupSteps)
}

func (s *ConstantWarmupScheduler) GetName() string {
	return "ConstantWithWarmup"
}

// LinearWarmupScheduler warms up, then decays linearly to 0 at TotalSteps.
type LinearWarmupScheduler struct {
	WarmupSteps int
	TotalSteps  int
}

func NewLinearWarmupScheduler(warmupSteps, totalSteps int) *LinearWarmupScheduler {
	return &LinearWarmupScheduler{WarmupSteps: max(0, warmupSteps), TotalSteps: max(1, totalSteps)}
}

func (s *LinearWarmupScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if step < s.WarmupSteps {
		return baseLR * warmupFactor(step, s.WarmupSteps)
	}
	remaining := float64(s.TotalSteps-step) / float64(max(1, s.TotalSteps-s.WarmupSteps))
	return baseLR * math.Max(0, remaining)
}

func (s *LinearWarmupScheduler) GetName() string {
	return "LinearWithWarmup"
}

// CosineWarmupScheduler warms up, then follows half a cosine down to 0.
type CosineWarmupScheduler struct {
	WarmupSteps int
	TotalSteps  int
}

func NewCosineWarmupScheduler(warmupSteps, totalSteps int) *CosineWarmupScheduler {
	return &CosineWarmupScheduler{WarmupSteps: max(0, warmupSteps), TotalSteps: max(1, totalSteps)}
}

func (s *CosineWarmupScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if step < s.WarmupSteps {
		return baseLR * warmupFactor(step, s.WarmupSteps)
	}
	progress := float64(step-s.WarmupSteps) / float64(max(1, s.TotalSteps-s.WarmupSteps))
	return baseLR * math.Max(0, 0.5*(1+math.Cos(math.Pi*progress)))
}

func (s *CosineWarmupScheduler) GetName() string {
	return "CosineWithWarmup"
}

func warmupFactor(step, warmup int) float64 {
	if warmup <= 0 || step >= warmup {
		return 1
	}
	return float64(step) / float64(warmup)
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing over epochs
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100 // Default: 100 epochs
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
