// Package vae implements the frozen latent codec: a patch autoencoder that
// maps RGB frames in [-1,1] to 4-channel latents at 1/8 resolution and back.
package vae

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/tsawler/go-sigdiffusion/layers"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

// DefaultScalingFactor is the latent scale of the Stable Diffusion codec.
const DefaultScalingFactor = 0.18215

// Config mirrors vae/config.json.
type Config struct {
	InChannels     int     `json:"in_channels"`
	LatentChannels int     `json:"latent_channels"`
	PatchSize      int     `json:"patch_size"`
	ScalingFactor  float64 `json:"scaling_factor"`
	SampleSize     int     `json:"sample_size,omitempty"`
}

// DefaultConfig returns the 3 -> 4 channel codec with 8x8 patches.
func DefaultConfig() Config {
	return Config{InChannels: 3, LatentChannels: 4, PatchSize: 8, ScalingFactor: DefaultScalingFactor}
}

// LoadConfig reads a codec config file and fills missing keys with defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read vae config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("decode vae config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.InChannels <= 0 || c.LatentChannels <= 0 || c.PatchSize <= 0 || c.ScalingFactor <= 0 {
		return fmt.Errorf("invalid vae config %+v", c)
	}
	return nil
}

// Autoencoder is the frozen codec. Its parameters never require gradients
// and its passes record no autograd history.
type Autoencoder struct {
	cfg     Config
	encoder *layers.Linear // patch -> mean, logvar
	decoder *layers.Linear // latent -> patch

	// SliceSize bounds how many frames one encode or decode pass handles.
	// Zero processes everything at once.
	SliceSize int
}

// New builds a codec initialized from rng.
func New(cfg Config, rng *rand.Rand) (*Autoencoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	patch := cfg.PatchSize * cfg.PatchSize * cfg.InChannels
	enc, err := layers.NewLinear(patch, 2*cfg.LatentChannels, true, rng)
	if err != nil {
		return nil, err
	}
	dec, err := layers.NewLinear(cfg.LatentChannels, patch, true, rng)
	if err != nil {
		return nil, err
	}
	ae := &Autoencoder{cfg: cfg, encoder: enc, decoder: dec}
	layers.SetRequiresGrad(ae, false)
	return ae, nil
}

// Config returns the codec settings.
func (ae *Autoencoder) Config() Config { return ae.cfg }

// EnableSlicing processes n frames per pass.
func (ae *Autoencoder) EnableSlicing(n int) { ae.SliceSize = n }

// Encode maps pixels (B,F,C,H,W) to scaled latents (B,4,F,H/p,W/p). With a
// nil rng the posterior mean is used instead of a sample.
func (ae *Autoencoder) Encode(pixels *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	if len(pixels.Shape) != 5 || pixels.Shape[2] != ae.cfg.InChannels {
		return nil, fmt.Errorf("%w: vae encode expects (B,F,%d,H,W), got %v", tensor.ErrShapeMismatch, ae.cfg.InChannels, pixels.Shape)
	}
	b, f, c, h, w := pixels.Shape[0], pixels.Shape[1], pixels.Shape[2], pixels.Shape[3], pixels.Shape[4]
	p := ae.cfg.PatchSize
	if h%p != 0 || w%p != 0 {
		return nil, fmt.Errorf("%w: frame size %dx%d is not a multiple of %d", tensor.ErrShapeMismatch, w, h, p)
	}
	hp, wp, lc := h/p, w/p, ae.cfg.LatentChannels
	out := tensor.MustNew([]int{b, lc, f, hp, wp}, nil)
	frameSize := c * h * w
	patchLen := p * p * c

	err := tensor.NoGrad(func() error {
		for _, span := range ae.slices(b * f) {
			n := span[1] - span[0]
			rows := make([]float32, n*hp*wp*patchLen)
			for k := 0; k < n; k++ {
				frame := pixels.Data[(span[0]+k)*frameSize : (span[0]+k+1)*frameSize]
				patchify(frame, rows[k*hp*wp*patchLen:], c, h, w, p)
			}
			moments, err := ae.encoder.Forward(tensor.MustNew([]int{n * hp * wp, patchLen}, rows))
			if err != nil {
				return err
			}
			for k := 0; k < n; k++ {
				bi, fi := (span[0]+k)/f, (span[0]+k)%f
				for pos := 0; pos < hp*wp; pos++ {
					m := moments.Data[(k*hp*wp+pos)*2*lc:]
					for ch := 0; ch < lc; ch++ {
						z := float64(m[ch])
						if rng != nil {
							logvar := math.Max(-30, math.Min(20, float64(m[lc+ch])))
							z += math.Exp(0.5*logvar) * rng.NormFloat64()
						}
						out.Data[(((bi*lc+ch)*f+fi)*hp*wp)+pos] = float32(z * ae.cfg.ScalingFactor)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vae encode: %w", err)
	}
	return out, nil
}

// Decode maps scaled latents (B,4,F,h,w) to pixels (B,F,C,h*p,w*p) in [-1,1].
func (ae *Autoencoder) Decode(latents *tensor.Tensor) (*tensor.Tensor, error) {
	lc := ae.cfg.LatentChannels
	if len(latents.Shape) != 5 || latents.Shape[1] != lc {
		return nil, fmt.Errorf("%w: vae decode expects (B,%d,F,h,w), got %v", tensor.ErrShapeMismatch, lc, latents.Shape)
	}
	b, f, hp, wp := latents.Shape[0], latents.Shape[2], latents.Shape[3], latents.Shape[4]
	p, c := ae.cfg.PatchSize, ae.cfg.InChannels
	h, w := hp*p, wp*p
	out := tensor.MustNew([]int{b, f, c, h, w}, nil)
	frameSize := c * h * w
	patchLen := p * p * c
	inv := float32(1 / ae.cfg.ScalingFactor)

	err := tensor.NoGrad(func() error {
		for _, span := range ae.slices(b * f) {
			n := span[1] - span[0]
			rows := make([]float32, n*hp*wp*lc)
			for k := 0; k < n; k++ {
				bi, fi := (span[0]+k)/f, (span[0]+k)%f
				for pos := 0; pos < hp*wp; pos++ {
					for ch := 0; ch < lc; ch++ {
						rows[(k*hp*wp+pos)*lc+ch] = latents.Data[(((bi*lc+ch)*f+fi)*hp*wp)+pos] * inv
					}
				}
			}
			patches, err := ae.decoder.Forward(tensor.MustNew([]int{n * hp * wp, lc}, rows))
			if err != nil {
				return err
			}
			for k := 0; k < n; k++ {
				frame := out.Data[(span[0]+k)*frameSize : (span[0]+k+1)*frameSize]
				unpatchify(patches.Data[k*hp*wp*patchLen:], frame, c, h, w, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vae decode: %w", err)
	}
	for i, v := range out.Data {
		out.Data[i] = float32(math.Max(-1, math.Min(1, float64(v))))
	}
	return out, nil
}

func (ae *Autoencoder) slices(n int) [][2]int {
	size := ae.SliceSize
	if size <= 0 || size > n {
		size = n
	}
	var out [][2]int
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(n, start+size)})
	}
	return out
}

// patchify writes the p x p x c patches of one (c,h,w) frame as rows.
func patchify(frame, rows []float32, c, h, w, p int) {
	i := 0
	for py := 0; py < h/p; py++ {
		for px := 0; px < w/p; px++ {
			for ch := 0; ch < c; ch++ {
				for y := 0; y < p; y++ {
					base := ch*h*w + (py*p+y)*w + px*p
					copy(rows[i:i+p], frame[base:base+p])
					i += p
				}
			}
		}
	}
}

func unpatchify(rows, frame []float32, c, h, w, p int) {
	i := 0
	for py := 0; py < h/p; py++ {
		for px := 0; px < w/p; px++ {
			for ch := 0; ch < c; ch++ {
				for y := 0; y < p; y++ {
					base := ch*h*w + (py*p+y)*w + px*p
					copy(frame[base:base+p], rows[i:i+p])
					i += p
				}
			}
		}
	}
}

// Forward reconstructs pixels (B,F,C,H,W) through the posterior mean.
func (ae *Autoencoder) Forward(pixels *tensor.Tensor) (*tensor.Tensor, error) {
	z, err := ae.Encode(pixels, nil)
	if err != nil {
		return nil, err
	}
	return ae.Decode(z)
}

// Parameters returns the frozen codec weights.
func (ae *Autoencoder) Parameters() []*tensor.Tensor {
	return append(ae.encoder.Parameters(), ae.decoder.Parameters()...)
}

// NamedParameters names the codec weights for state dicts.
func (ae *Autoencoder) NamedParameters() []layers.NamedParameter {
	return append(layers.Prefixed("encoder", ae.encoder), layers.Prefixed("decoder", ae.decoder)...)
}

// Train is a no-op. The codec stays frozen.
func (ae *Autoencoder) Train()           {}
func (ae *Autoencoder) Eval()            {}
func (ae *Autoencoder) IsTraining() bool { return false }
