package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-sigdiffusion/diffusion"
	"github.com/tsawler/go-sigdiffusion/signal"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

// DefaultConditioningDropout is the probability of replacing the context
// tokens with zeros for a whole step.
const DefaultConditioningDropout = 0.15

// FusionConfig parameterizes how one training step is conditioned.
type FusionConfig struct {
	UseOffsetNoise      bool
	OffsetNoiseStrength float64
	// RescaleSchedule force-disables offset noise.
	RescaleSchedule     bool
	ConditioningDropout float64
}

// OffsetNoiseEnabled reports whether offset noise is applied.
func (c FusionConfig) OffsetNoiseEnabled() bool {
	return c.UseOffsetNoise && !c.RescaleSchedule
}

// FusedInputs is everything the denoising network and the loss need for
// one step.
type FusedInputs struct {
	NoisyLatents        *tensor.Tensor // (B,4,F,h,w)
	Timesteps           []int          // (B)
	ConditionLatent     *tensor.Tensor // (B,4,1,h,w), detached
	Mask                *tensor.Tensor // (B,1,F+1,h,w)
	EncoderHiddenStates *tensor.Tensor // (B,1,D)
	Target              *tensor.Tensor // (B,4,F,h,w)
	Dropped             bool           // context tokens replaced with zeros
}

// Fusion combines latents, noise and encoded signal windows into network
// inputs and a regression target.
type Fusion struct {
	schedule *diffusion.Schedule
	cfg      FusionConfig
}

// NewFusion validates the prediction type up front so a bad configuration
// fails before the first step.
func NewFusion(schedule *diffusion.Schedule, cfg FusionConfig) (*Fusion, error) {
	switch schedule.PredictionType() {
	case "", diffusion.PredictEpsilon, diffusion.PredictVelocity:
	default:
		return nil, fmt.Errorf("%w: %q cannot be trained", diffusion.ErrUnknownPredictionType, schedule.PredictionType())
	}
	if cfg.ConditioningDropout < 0 || cfg.ConditioningDropout > 1 {
		return nil, fmt.Errorf("conditioning dropout must be in [0,1], got %g", cfg.ConditioningDropout)
	}
	return &Fusion{schedule: schedule, cfg: cfg}, nil
}

// Config returns the settings the fusion was built with.
func (f *Fusion) Config() FusionConfig { return f.cfg }

// SampleNoise draws standard normal noise shaped like latents and, with
// offset noise enabled, adds a per-(b,c,f) constant scaled by the offset
// strength.
func (f *Fusion) SampleNoise(latents *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	noise, err := tensor.RandomNormal(rng, latents.Shape, 0, 1)
	if err != nil {
		return nil, err
	}
	if !f.cfg.OffsetNoiseEnabled() {
		return noise, nil
	}
	b, c, fr := latents.Shape[0], latents.Shape[1], latents.Shape[2]
	offset, err := tensor.RandomNormal(rng, []int{b, c, fr, 1, 1}, 0, 1)
	if err != nil {
		return nil, err
	}
	return tensor.Add(noise, tensor.Scale(offset, float32(f.cfg.OffsetNoiseStrength)))
}

// Fuse builds the network inputs for latents (B,4,F,h,w) and a signal window
// (B,T,C). rng drives timesteps, noise and the dropout decision.
func (f *Fusion) Fuse(latents, sig *tensor.Tensor, enc *signal.EncoderSet, rng *rand.Rand) (*FusedInputs, error) {
	if len(latents.Shape) != 5 {
		return nil, fmt.Errorf("%w: latents must be (B,C,F,h,w), got %v", tensor.ErrShapeMismatch, latents.Shape)
	}
	b := latents.Shape[0]
	if len(sig.Shape) != 3 || sig.Shape[0] != b {
		return nil, fmt.Errorf("%w: signal must be (%d,T,C), got %v", tensor.ErrShapeMismatch, b, sig.Shape)
	}
	d := enc.Dims
	if latents.Shape[2] != d.Frames || latents.Shape[3] != d.LatentHeight || latents.Shape[4] != d.LatentWidth {
		return nil, fmt.Errorf("%w: latents %v do not match encoder dims F=%d h=%d w=%d",
			tensor.ErrShapeMismatch, latents.Shape, d.Frames, d.LatentHeight, d.LatentWidth)
	}

	first, err := tensor.Narrow(latents, 2, 0, 1)
	if err != nil {
		return nil, err
	}
	out := &FusedInputs{ConditionLatent: tensor.Detach(tensor.Clone(first))}

	out.Timesteps = f.schedule.SampleTimesteps(rng, b)
	noise, err := f.SampleNoise(latents, rng)
	if err != nil {
		return nil, fmt.Errorf("sample noise: %w", err)
	}
	if out.NoisyLatents, err = f.schedule.AddNoise(latents, noise, out.Timesteps); err != nil {
		return nil, fmt.Errorf("add noise: %w", err)
	}

	clean := tensor.NaNToNum(sig, 0)
	ctx, err := enc.ContextTokens(clean)
	if err != nil {
		return nil, err
	}
	if rng.Float64() < f.cfg.ConditioningDropout {
		ctx = tensor.ZerosLike(ctx)
		out.Dropped = true
	}
	mask, err := enc.Mask(clean)
	if err != nil {
		return nil, err
	}

	if out.Target, err = f.schedule.Target(latents, noise, out.Timesteps); err != nil {
		return nil, err
	}

	out.EncoderHiddenStates = tensor.Cast(ctx, latents.DType)
	out.Mask = tensor.Cast(mask, latents.DType)
	return out, nil
}
