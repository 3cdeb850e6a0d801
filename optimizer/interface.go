package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-sigdiffusion/checkpoints"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

// Optimizer defines the common interface for all optimizers.
// Step consumes the gradients accumulated on the parameter tensors since the
// last ZeroGrad.
type Optimizer interface {
	// Step performs a single optimization step
	Step() error

	// ZeroGrad drops the accumulated gradients of every parameter
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// GetLR returns the learning rate the next step will use
	GetLR() float32

	// Parameters returns the tensors the optimizer updates
	Parameters() []*tensor.Tensor
}

// OptimizerState is the serializable optimizer state stored in checkpoints.
type OptimizerState = checkpoints.OptimizerState

// Config selects and parameterizes an optimizer.
type Config struct {
	Kind         string // adamw | adam | sgd
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Nesterov     bool
}

// New builds the optimizer named by cfg.Kind over params.
func New(cfg Config, params []*tensor.Tensor) (Optimizer, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "adamw":
		return NewAdamWOptimizer(AdamConfig{
			LearningRate: cfg.LearningRate,
			Beta1:        cfg.Beta1,
			Beta2:        cfg.Beta2,
			Epsilon:      cfg.Epsilon,
			WeightDecay:  cfg.WeightDecay,
		}, params)
	case "adam":
		return NewAdamOptimizer(AdamConfig{
			LearningRate: cfg.LearningRate,
			Beta1:        cfg.Beta1,
			Beta2:        cfg.Beta2,
			Epsilon:      cfg.Epsilon,
			WeightDecay:  cfg.WeightDecay,
		}, params)
	case "sgd":
		return NewSGDOptimizer(SGDConfig{
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
			Nesterov:     cfg.Nesterov,
		}, params)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Kind)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	// Find the last underscore in the name
	lastUnderscoreIdx := strings.LastIndexByte(name, '_')
	if lastUnderscoreIdx == -1 {
		return -1
	}

	// Try to parse the number after the last underscore
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func trainable(params []*tensor.Tensor) []*tensor.Tensor {
	out := make([]*tensor.Tensor, 0, len(params))
	for _, p := range params {
		if p.RequiresGrad() {
			out = append(out, p)
		}
	}
	return out
}
