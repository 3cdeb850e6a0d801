package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-sigdiffusion/checkpoints"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

// AdamOptimizerState holds Adam moments for every trainable parameter. With
// decoupled weight decay it behaves as AdamW.
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32

	decoupled bool

	params          []*tensor.Tensor
	MomentumBuffers [][]float32 // First moment for each weight tensor
	VarianceBuffers [][]float32 // Second moment for each weight tensor

	// Step tracking for bias correction
	StepCount uint64

	mu sync.Mutex
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates Adam with L2 weight decay folded into the
// gradient.
func NewAdamOptimizer(config AdamConfig, params []*tensor.Tensor) (*AdamOptimizerState, error) {
	return newAdam(config, params, false)
}

// NewAdamWOptimizer creates Adam with decoupled weight decay.
func NewAdamWOptimizer(config AdamConfig, params []*tensor.Tensor) (*AdamOptimizerState, error) {
	return newAdam(config, params, true)
}

func newAdam(config AdamConfig, params []*tensor.Tensor, decoupled bool) (*AdamOptimizerState, error) {
	params = trainable(params)
	if len(params) == 0 {
		return nil, fmt.Errorf("no trainable parameters provided")
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("invalid betas (%g, %g)", config.Beta1, config.Beta2)
	}

	adam := &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		decoupled:       decoupled,
		params:          params,
		MomentumBuffers: make([][]float32, len(params)),
		VarianceBuffers: make([][]float32, len(params)),
	}
	for i, p := range params {
		adam.MomentumBuffers[i] = make([]float32, p.NumElems)
		adam.VarianceBuffers[i] = make([]float32, p.NumElems)
	}
	return adam, nil
}

func (adam *AdamOptimizerState) typeName() string {
	if adam.decoupled {
		return "AdamW"
	}
	return "Adam"
}

// Step performs a single Adam optimization step. Parameters without a
// gradient are left untouched.
func (adam *AdamOptimizerState) Step() error {
	adam.mu.Lock()
	defer adam.mu.Unlock()

	adam.StepCount++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(float64(adam.Beta1), float64(adam.StepCount))
	bias2 := 1.0 - math.Pow(float64(adam.Beta2), float64(adam.StepCount))

	lr := float64(adam.LearningRate)
	b1, b2 := float64(adam.Beta1), float64(adam.Beta2)
	eps, wd := float64(adam.Epsilon), float64(adam.WeightDecay)

	for i, param := range adam.params {
		grad := param.Grad()
		if grad == nil {
			continue
		}
		if grad.NumElems != param.NumElems {
			return fmt.Errorf("parameter %d: gradient has %d elements, parameter %d", i, grad.NumElems, param.NumElems)
		}
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]

		for j, g32 := range grad.Data {
			p := float64(param.Data[j])
			g := float64(g32)
			if wd > 0 {
				if adam.decoupled {
					p -= lr * wd * p
				} else {
					g += wd * p
				}
			}
			mj := b1*float64(m[j]) + (1-b1)*g
			vj := b2*float64(v[j]) + (1-b2)*g*g
			m[j], v[j] = float32(mj), float32(vj)

			mHat := mj / bias1
			vHat := vj / bias2
			param.Data[j] = float32(p - lr*mHat/(math.Sqrt(vHat)+eps))
		}
	}

	return nil
}

// ZeroGrad resets gradients for all parameters
func (adam *AdamOptimizerState) ZeroGrad() {
	tensor.ZeroGrad(adam.params)
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.mu.Lock()
	defer adam.mu.Unlock()
	adam.LearningRate = newLR
}

// GetLR returns the current learning rate
func (adam *AdamOptimizerState) GetLR() float32 {
	adam.mu.Lock()
	defer adam.mu.Unlock()
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

func (adam *AdamOptimizerState) Parameters() []*tensor.Tensor {
	return adam.params
}

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	return AdamStats{
		StepCount:       adam.StepCount,
		LearningRate:    adam.LearningRate,
		Beta1:           adam.Beta1,
		Beta2:           adam.Beta2,
		Epsilon:         adam.Epsilon,
		WeightDecay:     adam.WeightDecay,
		NumParameters:   len(adam.params),
		TotalBufferSize: adam.getTotalBufferSize(),
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount       uint64
	LearningRate    float32
	Beta1           float32
	Beta2           float32
	Epsilon         float32
	WeightDecay     float32
	NumParameters   int
	TotalBufferSize int
}

// getTotalBufferSize calculates total bytes used by optimizer state
func (adam *AdamOptimizerState) getTotalBufferSize() int {
	total := 0
	for _, m := range adam.MomentumBuffers {
		total += len(m) * 4 * 2 // momentum + variance buffers
	}
	return total
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	adam.mu.Lock()
	defer adam.mu.Unlock()

	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))
	for i, p := range adam.params {
		stateData = append(stateData,
			extractBufferState(adam.MomentumBuffers[i], p.Shape, fmt.Sprintf("momentum_%d", i), "momentum"),
			extractBufferState(adam.VarianceBuffers[i], p.Shape, fmt.Sprintf("variance_%d", i), "variance"),
		)
	}

	return &OptimizerState{
		Type: adam.typeName(),
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType(adam.typeName(), state); err != nil {
		return err
	}

	adam.mu.Lock()
	defer adam.mu.Unlock()

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	for _, t := range state.StateData {
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(adam.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		var buf []float32
		switch t.StateType {
		case "momentum":
			buf = adam.MomentumBuffers[idx]
		case "variance":
			buf = adam.VarianceBuffers[idx]
		default:
			continue
		}
		if err := restoreBufferState(buf, t.Data, t.Name); err != nil {
			return err
		}
	}
	return nil
}
