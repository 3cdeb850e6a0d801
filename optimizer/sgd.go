package optimizer

import (
	"fmt"
	"sync"

	"github.com/tsawler/go-sigdiffusion/checkpoints"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

// SGDOptimizerState holds SGD hyperparameters and momentum buffers
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	params          []*tensor.Tensor
	MomentumBuffers [][]float32 // Momentum buffers (only if momentum > 0)

	// Step tracking
	StepCount uint64

	mu sync.Mutex
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig, params []*tensor.Tensor) (*SGDOptimizerState, error) {
	params = trainable(params)
	if len(params) == 0 {
		return nil, fmt.Errorf("no trainable parameters provided")
	}
	if config.Nesterov && config.Momentum <= 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = make([][]float32, len(params))
		for i, p := range params {
			sgd.MomentumBuffers[i] = make([]float32, p.NumElems)
		}
	}
	return sgd, nil
}

// Step performs a single SGD step
func (sgd *SGDOptimizerState) Step() error {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()

	first := sgd.StepCount == 0
	sgd.StepCount++

	for i, param := range sgd.params {
		grad := param.Grad()
		if grad == nil {
			continue
		}
		if grad.NumElems != param.NumElems {
			return fmt.Errorf("parameter %d: gradient has %d elements, parameter %d", i, grad.NumElems, param.NumElems)
		}
		for j, g := range grad.Data {
			if sgd.WeightDecay > 0 {
				g += sgd.WeightDecay * param.Data[j]
			}
			if sgd.Momentum > 0 {
				buf := sgd.MomentumBuffers[i]
				if first {
					buf[j] = g
				} else {
					buf[j] = sgd.Momentum*buf[j] + g
				}
				if sgd.Nesterov {
					g += sgd.Momentum * buf[j]
				} else {
					g = buf[j]
				}
			}
			param.Data[j] -= sgd.LearningRate * g
		}
	}
	return nil
}

func (sgd *SGDOptimizerState) ZeroGrad() {
	tensor.ZeroGrad(sgd.params)
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()
	sgd.LearningRate = newLR
}

func (sgd *SGDOptimizerState) GetLR() float32 {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()
	return sgd.LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

func (sgd *SGDOptimizerState) Parameters() []*tensor.Tensor {
	return sgd.params
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()

	stateData := make([]checkpoints.OptimizerTensor, 0)

	// Extract momentum buffers if momentum is used
	for i, buffer := range sgd.MomentumBuffers {
		stateData = append(stateData,
			extractBufferState(buffer, sgd.params[i].Shape, fmt.Sprintf("momentum_%d", i), "momentum"))
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	// Validate state type
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.mu.Lock()
	defer sgd.mu.Unlock()

	// Restore hyperparameters
	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	// Restore momentum buffers if present
	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(sgd.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if sgd.MomentumBuffers == nil {
			return fmt.Errorf("momentum buffer %d not allocated", idx)
		}
		if err := restoreBufferState(sgd.MomentumBuffers[idx], t.Data, t.Name); err != nil {
			return err
		}
	}

	return nil
}
