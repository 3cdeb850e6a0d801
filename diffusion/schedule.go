// Package diffusion holds the noise schedule and the samplers that run the
// reverse process.
package diffusion

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/tsawler/go-sigdiffusion/tensor"
)

// Prediction types a network can be trained for.
const (
	PredictEpsilon  = "epsilon"
	PredictVelocity = "v_prediction"
	PredictSample   = "sample"
)

// ErrUnknownPredictionType is returned for prediction types other than
// epsilon, v_prediction and sample.
var ErrUnknownPredictionType = errors.New("unknown prediction type")

// Config mirrors scheduler/scheduler_config.json.
type Config struct {
	NumTrainTimesteps   int     `json:"num_train_timesteps"`
	BetaStart           float64 `json:"beta_start"`
	BetaEnd             float64 `json:"beta_end"`
	BetaSchedule        string  `json:"beta_schedule"`
	PredictionType      string  `json:"prediction_type"`
	StepsOffset         int     `json:"steps_offset"`
	TimestepSpacing     string  `json:"timestep_spacing"`
	RescaleBetasZeroSNR bool    `json:"rescale_betas_zero_snr"`
}

// DefaultConfig is the scaled-linear epsilon schedule of Stable Diffusion.
func DefaultConfig() Config {
	return Config{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		BetaSchedule:      "scaled_linear",
		PredictionType:    PredictEpsilon,
		StepsOffset:       1,
		TimestepSpacing:   "leading",
	}
}

// LoadConfig reads a scheduler config and fills missing keys with defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read scheduler config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("decode scheduler config: %w", err)
	}
	return cfg, nil
}

// Save writes the config as JSON.
func (c Config) Save(path string) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Schedule is an immutable table of betas and cumulative alphas.
type Schedule struct {
	cfg           Config
	betas         []float64
	alphasCumprod []float64
}

// NewSchedule computes the betas named by cfg.BetaSchedule.
func NewSchedule(cfg Config) (*Schedule, error) {
	n := cfg.NumTrainTimesteps
	if n < 2 {
		return nil, fmt.Errorf("num_train_timesteps must be at least 2, got %d", n)
	}
	betas := make([]float64, n)
	switch cfg.BetaSchedule {
	case "linear":
		for i := range betas {
			betas[i] = cfg.BetaStart + float64(i)/float64(n-1)*(cfg.BetaEnd-cfg.BetaStart)
		}
	case "", "scaled_linear":
		s0, s1 := math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd)
		for i := range betas {
			b := s0 + float64(i)/float64(n-1)*(s1-s0)
			betas[i] = b * b
		}
	case "squaredcos_cap_v2":
		alphaBar := func(t float64) float64 {
			c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
			return c * c
		}
		for i := range betas {
			t1, t2 := float64(i)/float64(n), float64(i+1)/float64(n)
			betas[i] = math.Min(1-alphaBar(t2)/alphaBar(t1), 0.999)
		}
	default:
		return nil, fmt.Errorf("unknown beta schedule %q", cfg.BetaSchedule)
	}
	if err := checkPrediction(cfg.PredictionType); err != nil {
		return nil, err
	}
	s := fromBetas(cfg, betas)
	if cfg.RescaleBetasZeroSNR {
		s = s.RescaleZeroTerminalSNR()
	}
	return s, nil
}

func checkPrediction(p string) error {
	switch p {
	case "", PredictEpsilon, PredictVelocity, PredictSample:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownPredictionType, p)
}

func fromBetas(cfg Config, betas []float64) *Schedule {
	ac := make([]float64, len(betas))
	prod := 1.0
	for i, b := range betas {
		prod *= 1 - b
		ac[i] = prod
	}
	return &Schedule{cfg: cfg, betas: betas, alphasCumprod: ac}
}

func (s *Schedule) Config() Config             { return s.cfg }
func (s *Schedule) NumTrainTimesteps() int     { return len(s.betas) }
func (s *Schedule) PredictionType() string     { return s.cfg.PredictionType }
func (s *Schedule) AlphaCumprod(t int) float64 { return s.alphasCumprod[t] }

// AlphasCumprod returns a copy of the cumulative alpha table.
func (s *Schedule) AlphasCumprod() []float64 {
	return append([]float64(nil), s.alphasCumprod...)
}

// WithPredictionType returns a copy of s with another prediction type.
func (s *Schedule) WithPredictionType(p string) (*Schedule, error) {
	if err := checkPrediction(p); err != nil {
		return nil, err
	}
	cfg := s.cfg
	cfg.PredictionType = p
	return &Schedule{cfg: cfg, betas: s.betas, alphasCumprod: s.alphasCumprod}, nil
}

// RescaleZeroTerminalSNR returns a schedule whose final step has zero
// signal-to-noise ratio while keeping the first step unchanged.
func (s *Schedule) RescaleZeroTerminalSNR() *Schedule {
	n := len(s.alphasCumprod)
	sqrtAC := make([]float64, n)
	for i, a := range s.alphasCumprod {
		sqrtAC[i] = math.Sqrt(a)
	}
	first, last := sqrtAC[0], sqrtAC[n-1]
	for i := range sqrtAC {
		sqrtAC[i] = (sqrtAC[i] - last) * first / (first - last)
	}
	betas := make([]float64, n)
	prev := 1.0
	for i, v := range sqrtAC {
		ac := v * v
		betas[i] = 1 - ac/prev
		prev = ac
	}
	cfg := s.cfg
	cfg.RescaleBetasZeroSNR = true
	out := fromBetas(cfg, betas)
	out.alphasCumprod[n-1] = 0
	return out
}

// ValidateMonotonic checks that the cumulative alphas never increase and
// stay within [0,1].
func (s *Schedule) ValidateMonotonic() error {
	for i, a := range s.alphasCumprod {
		if a < 0 || a > 1 || math.IsNaN(a) {
			return fmt.Errorf("alphas_cumprod[%d] = %g is outside [0,1]", i, a)
		}
		if i > 0 && a > s.alphasCumprod[i-1] {
			return fmt.Errorf("alphas_cumprod increases at %d: %g > %g", i, a, s.alphasCumprod[i-1])
		}
	}
	return nil
}

// SampleTimesteps draws b timesteps uniformly from [0, num_train_timesteps).
func (s *Schedule) SampleTimesteps(rng *rand.Rand, b int) []int {
	ts := make([]int, b)
	for i := range ts {
		ts[i] = rng.Intn(len(s.betas))
	}
	return ts
}

// coefficients returns (B,1,...,1) tensors of f(alpha_cumprod[t_b]).
func (s *Schedule) coefficients(ref *tensor.Tensor, timesteps []int, fns ...func(ac float64) float64) ([]*tensor.Tensor, error) {
	if len(ref.Shape) == 0 || ref.Shape[0] != len(timesteps) {
		return nil, fmt.Errorf("%w: %d timesteps for batch shape %v", tensor.ErrShapeMismatch, len(timesteps), ref.Shape)
	}
	shape := make([]int, len(ref.Shape))
	for i := range shape {
		shape[i] = 1
	}
	shape[0] = len(timesteps)
	out := make([]*tensor.Tensor, len(fns))
	for k, fn := range fns {
		data := make([]float32, len(timesteps))
		for i, t := range timesteps {
			if t < 0 || t >= len(s.alphasCumprod) {
				return nil, fmt.Errorf("timestep %d outside [0,%d)", t, len(s.alphasCumprod))
			}
			data[i] = float32(fn(s.alphasCumprod[t]))
		}
		out[k] = tensor.MustNew(shape, data)
	}
	return out, nil
}

func sqrtAlpha(ac float64) float64    { return math.Sqrt(ac) }
func sqrtOneMinus(ac float64) float64 { return math.Sqrt(1 - ac) }

// combine returns a*x + b*y with per-batch coefficients.
func combine(a, x, b, y *tensor.Tensor) (*tensor.Tensor, error) {
	ax, err := tensor.Mul(a, x)
	if err != nil {
		return nil, err
	}
	by, err := tensor.Mul(b, y)
	if err != nil {
		return nil, err
	}
	return tensor.Add(ax, by)
}

// AddNoise returns sqrt(ac_t)*x0 + sqrt(1-ac_t)*noise with one timestep per
// batch element.
func (s *Schedule) AddNoise(x0, noise *tensor.Tensor, timesteps []int) (*tensor.Tensor, error) {
	c, err := s.coefficients(x0, timesteps, sqrtAlpha, sqrtOneMinus)
	if err != nil {
		return nil, err
	}
	return combine(c[0], x0, c[1], noise)
}

// RemoveNoise inverts AddNoise: (xt - sqrt(1-ac_t)*noise) / sqrt(ac_t).
func (s *Schedule) RemoveNoise(xt, noise *tensor.Tensor, timesteps []int) (*tensor.Tensor, error) {
	c, err := s.coefficients(xt, timesteps,
		func(ac float64) float64 { return 1 / math.Sqrt(ac) },
		func(ac float64) float64 { return -math.Sqrt(1-ac) / math.Sqrt(ac) })
	if err != nil {
		return nil, err
	}
	return combine(c[0], xt, c[1], noise)
}

// Velocity returns the v-prediction target sqrt(ac_t)*noise - sqrt(1-ac_t)*x0.
func (s *Schedule) Velocity(x0, noise *tensor.Tensor, timesteps []int) (*tensor.Tensor, error) {
	c, err := s.coefficients(x0, timesteps, sqrtAlpha,
		func(ac float64) float64 { return -math.Sqrt(1 - ac) })
	if err != nil {
		return nil, err
	}
	return combine(c[0], noise, c[1], x0)
}

// Target returns the regression target for the schedule's prediction type.
func (s *Schedule) Target(x0, noise *tensor.Tensor, timesteps []int) (*tensor.Tensor, error) {
	switch s.cfg.PredictionType {
	case "", PredictEpsilon:
		return noise, nil
	case PredictVelocity:
		return s.Velocity(x0, noise, timesteps)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPredictionType, s.cfg.PredictionType)
	}
}
