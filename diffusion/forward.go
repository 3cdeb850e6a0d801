package diffusion

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-sigdiffusion/tensor"
)

// RepeatFrames tiles a single-frame latent (B,C,1,h,w) to (B,C,n,h,w).
// Latents that already have several frames are returned unchanged.
func RepeatFrames(x *tensor.Tensor, n int) (*tensor.Tensor, error) {
	if len(x.Shape) != 5 {
		return nil, fmt.Errorf("%w: expected (B,C,F,h,w), got %v", tensor.ErrShapeMismatch, x.Shape)
	}
	if x.Shape[2] != 1 || n == 1 {
		return x, nil
	}
	copies := make([]*tensor.Tensor, n)
	for i := range copies {
		copies[i] = x
	}
	return tensor.Concat(copies, 2)
}

// ForwardTimesteps prepares the starting point of the reverse process. The
// sampler schedule is truncated to its last steps entries, the clean latent
// x0 is repeated over numFrames when it holds a single frame, and noise is
// added at the first remaining timestep.
func ForwardTimesteps(x0 *tensor.Tensor, steps, numFrames int, sampler Sampler, rng *rand.Rand) (*tensor.Tensor, []int, error) {
	all := sampler.Timesteps()
	if steps <= 0 || steps > len(all) {
		return nil, nil, fmt.Errorf("forward steps %d outside [1,%d]", steps, len(all))
	}
	timesteps := all[len(all)-steps:]
	x, err := RepeatFrames(x0, numFrames)
	if err != nil {
		return nil, nil, err
	}
	noise, err := tensor.RandomNormal(rng, x.Shape, 0, 1)
	if err != nil {
		return nil, nil, err
	}
	ts := make([]int, x.Shape[0])
	for i := range ts {
		ts[i] = timesteps[0]
	}
	noisy, err := sampler.Schedule().AddNoise(x, noise, ts)
	if err != nil {
		return nil, nil, err
	}
	return noisy, timesteps, nil
}
