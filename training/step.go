package training

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"

	"github.com/tsawler/go-sigdiffusion/optimizer"
	"github.com/tsawler/go-sigdiffusion/tensor"
	"github.com/tsawler/go-sigdiffusion/unet"
)

// ErrNonFiniteLoss is reported when a step produces a NaN or infinite loss.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// StepResult is the outcome of one micro-step: StepCompleted or StepFailed.
type StepResult interface {
	isStepResult()
}

// StepCompleted carries the unscaled loss of a successful micro-step.
type StepCompleted struct {
	Loss    float64
	Dropped bool // context tokens were dropped for this step
}

// StepFailed carries the reason a micro-step was skipped.
type StepFailed struct {
	Reason error
}

func (StepCompleted) isStepResult() {}
func (StepFailed) isStepResult()    {}

func (f StepFailed) Error() string { return f.Reason.Error() }

// LatentEncoder maps pixel clips (B,F,3,H,W) to latents (B,4,F,h,w).
type LatentEncoder interface {
	Encode(pixels *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error)
}

// StepRunner performs the forward and backward pass of one micro-step.
type StepRunner struct {
	Fusion      *Fusion
	Denoiser    unet.Denoiser
	Codec       LatentEncoder
	Encoders    EncoderProvider
	Accelerator *Accelerator
}

// Latents returns the batch latents, encoding pixels through the frozen
// codec unless the batch carries cached latents.
func (r *StepRunner) Latents(batch *Batch, rng *rand.Rand) (*tensor.Tensor, error) {
	if batch.Latents != nil {
		return r.Accelerator.PrepareInput(batch.Latents), nil
	}
	if r.Codec == nil {
		return nil, fmt.Errorf("batch has pixel values but no codec is loaded")
	}
	latents, err := r.Codec.Encode(r.Accelerator.PrepareInput(batch.PixelValues), rng)
	if err != nil {
		return nil, err
	}
	return r.Accelerator.PrepareInput(tensor.Detach(latents)), nil
}

// Run executes one micro-step and accumulates scaled gradients on every
// trainable parameter. Errors and panics are reported as StepFailed.
func (r *StepRunner) Run(batch *Batch, rng *rand.Rand) (result StepResult) {
	defer func() {
		if p := recover(); p != nil {
			result = StepFailed{Reason: fmt.Errorf("panic during step: %v\n%s", p, debug.Stack())}
		}
	}()

	loss, dropped, err := r.forward(batch, rng)
	if err != nil {
		return StepFailed{Reason: err}
	}
	value, err := loss.Item()
	if err != nil {
		return StepFailed{Reason: err}
	}
	if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
		return StepFailed{Reason: fmt.Errorf("%w: %v", ErrNonFiniteLoss, value)}
	}
	if err := tensor.Scale(loss, r.Accelerator.LossScale()).Backward(); err != nil {
		return StepFailed{Reason: fmt.Errorf("backward: %w", err)}
	}
	return StepCompleted{Loss: float64(value), Dropped: dropped}
}

func (r *StepRunner) forward(batch *Batch, rng *rand.Rand) (*tensor.Tensor, bool, error) {
	latents, err := r.Latents(batch, rng)
	if err != nil {
		return nil, false, fmt.Errorf("encode latents: %w", err)
	}
	enc, err := r.Encoders.ForStep(rng)
	if err != nil {
		return nil, false, fmt.Errorf("signal encoders: %w", err)
	}
	in, err := r.Fusion.Fuse(latents, r.Accelerator.PrepareInput(batch.SignalValues), enc, rng)
	if err != nil {
		return nil, false, fmt.Errorf("fuse conditioning: %w", err)
	}
	pred, err := r.Denoiser.Forward(in.NoisyLatents, in.Timesteps, in.ConditionLatent, in.Mask, in.EncoderHiddenStates)
	if err != nil {
		return nil, false, fmt.Errorf("denoiser: %w", err)
	}
	loss, err := tensor.MSELoss(pred, in.Target)
	if err != nil {
		return nil, false, fmt.Errorf("loss: %w", err)
	}
	return loss, in.Dropped, nil
}

// ApplyGradients clips the accumulated gradients to maxGradNorm, steps the
// optimizer and clears the gradients. A non-finite gradient norm skips the
// update. It returns the norm before clipping.
func ApplyGradients(opt optimizer.Optimizer, maxGradNorm float64) (norm float64, err error) {
	defer opt.ZeroGrad()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during optimizer step: %v", p)
		}
	}()
	norm = optimizer.ClipGradNorm(opt.Parameters(), maxGradNorm)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return norm, fmt.Errorf("non-finite gradient norm %v, update skipped", norm)
	}
	return norm, opt.Step()
}
