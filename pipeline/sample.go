package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-sigdiffusion/diffusion"
	"github.com/tsawler/go-sigdiffusion/signal"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

// SampleOptions configures one reverse-diffusion run.
type SampleOptions struct {
	NumFrames         int
	NumInferenceSteps int
	// ForwardSteps is how many of the last inference timesteps the start
	// latent is diffused through. Zero uses NumInferenceSteps.
	ForwardSteps  int
	GuidanceScale float64
	Sampler       string
	Progress      func(step, total int)
}

// AspectSize rescales the image size imgW x imgH to the pixel budget of
// width x height, keeping the image aspect ratio. Both sides are rounded
// to multiples of 8.
func AspectSize(imgW, imgH, width, height int) (int, int) {
	scale := math.Sqrt(float64(imgW*imgH) / float64(width*height))
	h := int(math.RoundToEven(float64(imgH)/scale/8)) * 8
	w := int(math.RoundToEven(float64(imgW)/scale/8)) * 8
	return max(8, w), max(8, h)
}

// SignalWindow cuts a (1,samples,C) window from a track: the last samples
// rows, or the whole track front-padded with its first row when shorter.
func SignalWindow(track *signal.Track, samples int) (*tensor.Tensor, error) {
	if samples <= 0 {
		return nil, fmt.Errorf("invalid window length %d", samples)
	}
	rows := make([][]float32, samples)
	n := track.Len()
	for i := range rows {
		src := n - samples + i
		if src < 0 {
			src = 0
		}
		rows[i] = track.Samples[src]
	}
	win, err := signal.Stack(rows)
	if err != nil {
		return nil, err
	}
	return tensor.Reshape(win, []int{1, samples, track.Channels})
}

// Sample generates a clip from a start image (3,H,W) in [-1,1] and a signal
// window (1,T,C). It returns decoded frames (1,F,3,H,W).
func (p *Pipeline) Sample(ctx context.Context, img, sig *tensor.Tensor, opts SampleOptions, rng *rand.Rand) (*tensor.Tensor, error) {
	if p.Encoders == nil {
		return nil, fmt.Errorf("pipeline has no signal encoders")
	}
	if len(img.Shape) != 3 {
		return nil, fmt.Errorf("%w: start image must be (3,H,W), got %v", tensor.ErrShapeMismatch, img.Shape)
	}
	if opts.NumFrames != p.Encoders.Dims.Frames {
		return nil, fmt.Errorf("%w: %d frames requested, encoders produce %d",
			tensor.ErrShapeMismatch, opts.NumFrames, p.Encoders.Dims.Frames)
	}
	sampler, err := diffusion.NewSampler(opts.Sampler, p.Schedule)
	if err != nil {
		return nil, err
	}
	if err := sampler.SetTimesteps(opts.NumInferenceSteps); err != nil {
		return nil, err
	}
	forward := opts.ForwardSteps
	if forward == 0 {
		forward = opts.NumInferenceSteps
	}

	p.UNet.Eval()
	var video *tensor.Tensor
	err = tensor.NoGrad(func() error {
		pixels, err := tensor.Reshape(img, append([]int{1, 1}, img.Shape...))
		if err != nil {
			return err
		}
		condition, err := p.VAE.Encode(pixels, rng)
		if err != nil {
			return fmt.Errorf("encode start image: %w", err)
		}
		x, timesteps, err := diffusion.ForwardTimesteps(condition, forward, opts.NumFrames, sampler, rng)
		if err != nil {
			return err
		}

		clean := tensor.NaNToNum(sig, 0)
		cond, err := p.Encoders.ContextTokens(clean)
		if err != nil {
			return err
		}
		mask, err := p.Encoders.Mask(clean)
		if err != nil {
			return err
		}
		if mask, err = ResizeMask(mask, condition.Shape[3], condition.Shape[4]); err != nil {
			return err
		}
		uncond := tensor.ZerosLike(cond)

		for i, t := range timesteps {
			if err := ctx.Err(); err != nil {
				return err
			}
			pred, err := p.guided(x, t, condition, mask, cond, uncond, opts.GuidanceScale)
			if err != nil {
				return fmt.Errorf("step %d (t=%d): %w", i, t, err)
			}
			if x, err = sampler.Step(pred, t, x, rng); err != nil {
				return fmt.Errorf("step %d (t=%d): %w", i, t, err)
			}
			if opts.Progress != nil {
				opts.Progress(i+1, len(timesteps))
			}
		}
		video, err = p.VAE.Decode(x)
		return err
	})
	if err != nil {
		return nil, err
	}
	return video, nil
}

// guided runs the denoiser once, or twice with classifier-free guidance when
// scale > 1. The unconditional pass keeps the mask and zeroes the context
// tokens.
func (p *Pipeline) guided(x *tensor.Tensor, t int, condition, mask, cond, uncond *tensor.Tensor, scale float64) (*tensor.Tensor, error) {
	ts := []int{t}
	withCond, err := p.Denoiser.Forward(x, ts, condition, mask, cond)
	if err != nil || scale <= 1 {
		return withCond, err
	}
	without, err := p.Denoiser.Forward(x, ts, condition, mask, uncond)
	if err != nil {
		return nil, err
	}
	diff, err := tensor.Sub(withCond, without)
	if err != nil {
		return nil, err
	}
	return tensor.Add(without, tensor.Scale(diff, float32(scale)))
}

// ResizeMask resamples a mask (B,1,F,h,w) to h x w with nearest neighbour.
func ResizeMask(mask *tensor.Tensor, h, w int) (*tensor.Tensor, error) {
	if len(mask.Shape) != 5 {
		return nil, fmt.Errorf("%w: mask must be (B,1,F,h,w), got %v", tensor.ErrShapeMismatch, mask.Shape)
	}
	sh, sw := mask.Shape[3], mask.Shape[4]
	if sh == h && sw == w {
		return mask, nil
	}
	planes := mask.Shape[0] * mask.Shape[1] * mask.Shape[2]
	out := tensor.MustNew([]int{mask.Shape[0], mask.Shape[1], mask.Shape[2], h, w}, nil)
	for pl := 0; pl < planes; pl++ {
		src := mask.Data[pl*sh*sw : (pl+1)*sh*sw]
		dst := out.Data[pl*h*w : (pl+1)*h*w]
		for y := 0; y < h; y++ {
			sy := y * sh / h
			for x := 0; x < w; x++ {
				dst[y*w+x] = src[sy*sw+x*sw/w]
			}
		}
	}
	return out, nil
}
