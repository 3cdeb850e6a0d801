package training

import (
	"os"
	"strconv"

	"github.com/tsawler/go-sigdiffusion/tensor"
)

// Accelerator tracks the process topology, the mixed precision setting and
// gradient accumulation. Runs are single process unless RANK and
// WORLD_SIZE say otherwise.
type Accelerator struct {
	ProcessIndex      int
	NumProcesses      int
	AccumulationSteps int
	MixedPrecision    tensor.DType

	microStep int
}

// NewAccelerator reads RANK and WORLD_SIZE from the environment.
func NewAccelerator(accumulationSteps int, mixedPrecision string) (*Accelerator, error) {
	dtype, err := tensor.ParseDType(mixedPrecision)
	if err != nil {
		return nil, err
	}
	a := &Accelerator{
		NumProcesses:      1,
		AccumulationSteps: max(1, accumulationSteps),
		MixedPrecision:    dtype,
	}
	if v, err := strconv.Atoi(os.Getenv("WORLD_SIZE")); err == nil && v > 0 {
		a.NumProcesses = v
	}
	if v, err := strconv.Atoi(os.Getenv("RANK")); err == nil && v >= 0 && v < a.NumProcesses {
		a.ProcessIndex = v
	}
	return a, nil
}

// IsMainProcess reports whether this process writes checkpoints, samples
// and tracker records.
func (a *Accelerator) IsMainProcess() bool { return a.ProcessIndex == 0 }

// LossScale is the factor applied to each micro-step loss so the summed
// gradients average over the accumulation window.
func (a *Accelerator) LossScale() float32 { return 1 / float32(a.AccumulationSteps) }

// Accumulate records one micro-step and reports whether it closes an
// accumulation window, i.e. whether gradients are synchronized now.
func (a *Accelerator) Accumulate() bool {
	a.microStep++
	if a.microStep >= a.AccumulationSteps {
		a.microStep = 0
		return true
	}
	return false
}

// SyncGradients reports whether the next micro-step will close the window.
func (a *Accelerator) SyncGradients() bool { return a.microStep+1 >= a.AccumulationSteps }

// PrepareInput rounds frozen inputs to the mixed precision dtype.
func (a *Accelerator) PrepareInput(t *tensor.Tensor) *tensor.Tensor {
	if t == nil || a.MixedPrecision == tensor.Float32 {
		return t
	}
	return tensor.Cast(t, a.MixedPrecision)
}
