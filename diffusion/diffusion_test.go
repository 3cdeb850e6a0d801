package diffusion

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-sigdiffusion/tensor"
)

func defaultSchedule(t *testing.T) *Schedule {
	t.Helper()
	s, err := NewSchedule(DefaultConfig())
	if err != nil {
		t.Fatalf("NewSchedule failed: %v", err)
	}
	return s
}

func TestAddNoiseLaw(t *testing.T) {
	s := defaultSchedule(t)
	rng := rand.New(rand.NewSource(1))
	x0, _ := tensor.RandomNormal(rng, []int{3, 4, 2, 2, 2}, 0, 1)
	noise, _ := tensor.RandomNormal(rng, x0.Shape, 0, 1)
	timesteps := []int{0, 500, 900}

	xt, err := s.AddNoise(x0, noise, timesteps)
	if err != nil {
		t.Fatalf("AddNoise failed: %v", err)
	}
	per := x0.NumElems / 3
	for b, ts := range timesteps {
		ac := s.AlphaCumprod(ts)
		for i := b * per; i < (b+1)*per; i++ {
			want := math.Sqrt(ac)*float64(x0.Data[i]) + math.Sqrt(1-ac)*float64(noise.Data[i])
			if math.Abs(float64(xt.Data[i])-want) > 1e-5 {
				t.Fatalf("batch %d index %d: expected %f, got %f", b, i, want, xt.Data[i])
			}
		}
	}

	back, err := s.RemoveNoise(xt, noise, timesteps)
	if err != nil {
		t.Fatalf("RemoveNoise failed: %v", err)
	}
	for i := range back.Data {
		if math.Abs(float64(back.Data[i]-x0.Data[i])) > 1e-3 {
			t.Fatalf("round trip index %d: expected %f, got %f", i, x0.Data[i], back.Data[i])
		}
	}

	if _, err := s.AddNoise(x0, noise, []int{1, 2}); err == nil {
		t.Error("Expected error for timestep count mismatch")
	}
	if _, err := s.AddNoise(x0, noise, []int{0, 1, 1000}); err == nil {
		t.Error("Expected error for out of range timestep")
	}
}

func TestVelocityAndTargetDispatch(t *testing.T) {
	s := defaultSchedule(t)
	x0 := tensor.MustNew([]int{1, 2}, []float32{1, -1})
	noise := tensor.MustNew([]int{1, 2}, []float32{0.5, 2})
	ts := []int{300}
	ac := s.AlphaCumprod(300)

	eps, err := s.Target(x0, noise, ts)
	if err != nil || !tensor.Equal(eps, noise) {
		t.Fatalf("epsilon target must be the noise, got %v (%v)", eps, err)
	}

	vs, err := s.WithPredictionType(PredictVelocity)
	if err != nil {
		t.Fatalf("WithPredictionType failed: %v", err)
	}
	v, err := vs.Target(x0, noise, ts)
	if err != nil {
		t.Fatalf("velocity target failed: %v", err)
	}
	for i := range v.Data {
		want := math.Sqrt(ac)*float64(noise.Data[i]) - math.Sqrt(1-ac)*float64(x0.Data[i])
		if math.Abs(float64(v.Data[i])-want) > 1e-5 {
			t.Errorf("index %d: expected velocity %f, got %f", i, want, v.Data[i])
		}
	}

	if _, err := s.WithPredictionType("bogus"); !errors.Is(err, ErrUnknownPredictionType) {
		t.Errorf("Expected ErrUnknownPredictionType, got %v", err)
	}
	cfg := DefaultConfig()
	cfg.PredictionType = "bogus"
	if _, err := NewSchedule(cfg); !errors.Is(err, ErrUnknownPredictionType) {
		t.Errorf("Expected ErrUnknownPredictionType from NewSchedule, got %v", err)
	}
	bogus := &Schedule{cfg: cfg, betas: s.betas, alphasCumprod: s.alphasCumprod}
	if _, err := bogus.Target(x0, noise, ts); !errors.Is(err, ErrUnknownPredictionType) {
		t.Errorf("Expected ErrUnknownPredictionType from Target, got %v", err)
	}
}

func TestSchedulesAreMonotonic(t *testing.T) {
	for _, name := range []string{"linear", "scaled_linear", "squaredcos_cap_v2"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.BetaSchedule = name
			if name == "linear" {
				cfg.BetaStart, cfg.BetaEnd = 0.0001, 0.02
			}
			s, err := NewSchedule(cfg)
			if err != nil {
				t.Fatalf("NewSchedule failed: %v", err)
			}
			if err := s.ValidateMonotonic(); err != nil {
				t.Errorf("schedule not monotonic: %v", err)
			}
			r := s.RescaleZeroTerminalSNR()
			if err := r.ValidateMonotonic(); err != nil {
				t.Errorf("rescaled schedule not monotonic: %v", err)
			}
			if r.AlphaCumprod(r.NumTrainTimesteps()-1) != 0 {
				t.Errorf("rescaled schedule must end at zero SNR, got %g", r.AlphaCumprod(r.NumTrainTimesteps()-1))
			}
			if math.Abs(r.AlphaCumprod(0)-s.AlphaCumprod(0)) > 1e-9 {
				t.Errorf("rescaling must keep the first step: %g vs %g", r.AlphaCumprod(0), s.AlphaCumprod(0))
			}
		})
	}

	cfg := DefaultConfig()
	cfg.BetaSchedule = "sigmoid"
	if _, err := NewSchedule(cfg); err == nil {
		t.Error("Expected error for unknown beta schedule")
	}
}

func TestSpacedTimesteps(t *testing.T) {
	tests := []struct {
		spacing string
		first   int
		last    int
	}{
		{"leading", 901, 1},
		{"trailing", 999, 99},
		{"linspace", 999, 100},
	}
	for _, tt := range tests {
		t.Run(tt.spacing, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.TimestepSpacing = tt.spacing
			ts, err := spacedTimesteps(cfg, 1000, 10)
			if err != nil {
				t.Fatalf("spacedTimesteps failed: %v", err)
			}
			if len(ts) != 10 || ts[0] != tt.first || ts[9] != tt.last {
				t.Errorf("Expected %d..%d over 10 steps, got %v", tt.first, tt.last, ts)
			}
			for i := 1; i < len(ts); i++ {
				if ts[i] >= ts[i-1] {
					t.Errorf("timesteps must descend: %v", ts)
					break
				}
			}
		})
	}
	if _, err := spacedTimesteps(DefaultConfig(), 1000, 0); err == nil {
		t.Error("Expected error for zero steps")
	}
}

// oracle returns the network output that exactly explains sample given the
// clean target x0.
func oracle(s *Schedule, x0, sample *tensor.Tensor, t int) *tensor.Tensor {
	ac := s.samplingAlpha(t)
	a, sg := math.Sqrt(ac), math.Sqrt(1-ac)
	out := tensor.MustNew(sample.Shape, nil)
	for i := range out.Data {
		eps := (float64(sample.Data[i]) - a*float64(x0.Data[i])) / sg
		if s.PredictionType() == PredictVelocity {
			out.Data[i] = float32(a*eps - sg*float64(x0.Data[i]))
		} else {
			out.Data[i] = float32(eps)
		}
	}
	return out
}

func TestSamplersRecoverCleanSample(t *testing.T) {
	tests := []struct {
		sampler   string
		predict   string
		tolerance float64
	}{
		{"dpm_solver", PredictEpsilon, 1e-3},
		{"dpm_solver", PredictVelocity, 1e-3},
		{"ddim", PredictEpsilon, 0.2},
		{"ddpm", PredictEpsilon, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.sampler+"/"+tt.predict, func(t *testing.T) {
			s, _ := defaultSchedule(t).WithPredictionType(tt.predict)
			sampler, err := NewSampler(tt.sampler, s)
			if err != nil {
				t.Fatalf("NewSampler failed: %v", err)
			}
			if err := sampler.SetTimesteps(20); err != nil {
				t.Fatalf("SetTimesteps failed: %v", err)
			}
			rng := rand.New(rand.NewSource(7))
			x0, _ := tensor.RandomUniform(rng, []int{1, 1, 1, 2, 4}, -1, 1)

			sample, ts, err := ForwardTimesteps(x0, 20, 1, sampler, rng)
			if err != nil {
				t.Fatalf("ForwardTimesteps failed: %v", err)
			}
			for _, step := range ts {
				sample, err = sampler.Step(oracle(s, x0, sample, step), step, sample, rng)
				if err != nil {
					t.Fatalf("Step failed: %v", err)
				}
			}
			for i := range x0.Data {
				if math.Abs(float64(sample.Data[i]-x0.Data[i])) > tt.tolerance {
					t.Errorf("index %d: expected %f, got %f", i, x0.Data[i], sample.Data[i])
				}
			}
		})
	}
	if _, err := NewSampler("euler", defaultSchedule(t)); err == nil {
		t.Error("Expected error for unknown sampler")
	}
}

func TestForwardTimestepsRepeatsFrames(t *testing.T) {
	s := defaultSchedule(t)
	sampler := NewDPMSolver(s)
	sampler.SetTimesteps(25)
	x0, _ := tensor.Ones([]int{2, 4, 1, 3, 3})

	noisy, ts, err := ForwardTimesteps(x0, 10, 6, sampler, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("ForwardTimesteps failed: %v", err)
	}
	if !tensor.SameShape(noisy.Shape, []int{2, 4, 6, 3, 3}) {
		t.Errorf("Expected shape [2 4 6 3 3], got %v", noisy.Shape)
	}
	all := sampler.Timesteps()
	if len(ts) != 10 || ts[0] != all[15] || ts[9] != all[24] {
		t.Errorf("Expected the last 10 timesteps, got %v", ts)
	}
	if _, _, err := ForwardTimesteps(x0, 26, 6, sampler, rand.New(rand.NewSource(1))); err == nil {
		t.Error("Expected error when asking for more steps than scheduled")
	}
}
