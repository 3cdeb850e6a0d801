package diffusion

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/tsawler/go-sigdiffusion/tensor"
)

// Sampler runs the reverse process over a descending timestep schedule.
type Sampler interface {
	// SetTimesteps prepares a schedule of n inference steps.
	SetTimesteps(n int) error
	// Timesteps returns the current schedule, largest timestep first.
	Timesteps() []int
	// Step moves sample from timestep t to the next timestep of the
	// schedule given the network output.
	Step(modelOutput *tensor.Tensor, t int, sample *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error)
	// Schedule returns the noise schedule the sampler walks.
	Schedule() *Schedule
	Name() string
}

// NewSampler builds a sampler by configuration name.
func NewSampler(name string, s *Schedule) (Sampler, error) {
	switch strings.ToLower(name) {
	case "", "dpm_solver", "dpmsolver", "dpm_solver_multistep":
		return NewDPMSolver(s), nil
	case "ddim":
		return NewDDIM(s), nil
	case "ddpm":
		return NewDDPM(s), nil
	default:
		return nil, fmt.Errorf("unknown sampler %q", name)
	}
}

// spacedTimesteps follows the timestep_spacing modes of the scheduler
// config and returns n timesteps in descending order.
func spacedTimesteps(cfg Config, numTrain, n int) ([]int, error) {
	if n <= 0 || n > numTrain {
		return nil, fmt.Errorf("inference steps must be in [1,%d], got %d", numTrain, n)
	}
	ts := make([]int, n)
	switch cfg.TimestepSpacing {
	case "", "leading":
		ratio := numTrain / n
		for i := range ts {
			ts[i] = (n-1-i)*ratio + cfg.StepsOffset
		}
	case "trailing":
		ratio := float64(numTrain) / float64(n)
		for i := range ts {
			ts[i] = int(math.Round(float64(numTrain)-float64(i)*ratio)) - 1
		}
	case "linspace":
		for i := range ts {
			ts[i] = int(math.Round(float64(numTrain-1) * float64(n-i) / float64(n)))
		}
	default:
		return nil, fmt.Errorf("unknown timestep spacing %q", cfg.TimestepSpacing)
	}
	for i := range ts {
		ts[i] = min(max(ts[i], 0), numTrain-1)
	}
	return ts, nil
}

// minAlphaCumprod keeps zero-SNR schedules invertible while sampling.
const minAlphaCumprod = 1.0 / (1 << 24)

func (s *Schedule) samplingAlpha(t int) float64 {
	if t < 0 {
		return 1
	}
	return math.Max(s.alphasCumprod[t], minAlphaCumprod)
}

// predictOriginal converts a network output at timestep t into x0 and eps
// estimates according to the prediction type.
func (s *Schedule) predictOriginal(out, sample []float32, t int) (x0, eps []float32, err error) {
	if len(out) != len(sample) {
		return nil, nil, fmt.Errorf("%w: model output %d values, sample %d", tensor.ErrShapeMismatch, len(out), len(sample))
	}
	ac := s.samplingAlpha(t)
	a, sg := math.Sqrt(ac), math.Sqrt(1-ac)
	x0 = make([]float32, len(out))
	eps = make([]float32, len(out))
	for i := range out {
		o, x := float64(out[i]), float64(sample[i])
		var px, pe float64
		switch s.cfg.PredictionType {
		case "", PredictEpsilon:
			pe = o
			px = (x - sg*o) / a
		case PredictVelocity:
			px = a*x - sg*o
			pe = a*o + sg*x
		case PredictSample:
			px = o
			pe = (x - a*o) / math.Max(sg, 1e-12)
		default:
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownPredictionType, s.cfg.PredictionType)
		}
		x0[i], eps[i] = float32(px), float32(pe)
	}
	return x0, eps, nil
}

// DDIM is the deterministic (eta = 0) DDIM sampler.
type DDIM struct {
	schedule  *Schedule
	timesteps []int
}

func NewDDIM(s *Schedule) *DDIM { return &DDIM{schedule: s} }

func (d *DDIM) Name() string        { return "ddim" }
func (d *DDIM) Schedule() *Schedule { return d.schedule }
func (d *DDIM) Timesteps() []int    { return append([]int(nil), d.timesteps...) }
func (d *DDIM) SetTimesteps(n int) (err error) {
	d.timesteps, err = spacedTimesteps(d.schedule.cfg, d.schedule.NumTrainTimesteps(), n)
	return err
}

// Step performs one DDIM update:
//
//	x0   = prediction of the clean sample
//	prev = sqrt(ac_prev)*x0 + sqrt(1-ac_prev)*eps
func (d *DDIM) Step(modelOutput *tensor.Tensor, t int, sample *tensor.Tensor, _ *rand.Rand) (*tensor.Tensor, error) {
	x0, eps, err := d.schedule.predictOriginal(modelOutput.Data, sample.Data, t)
	if err != nil {
		return nil, err
	}
	prev := nextTimestep(d.timesteps, t)
	acPrev := d.schedule.samplingAlpha(prev)
	if prev < 0 {
		acPrev = d.schedule.alphasCumprod[0]
	}
	a, sg := float32(math.Sqrt(acPrev)), float32(math.Sqrt(1-acPrev))
	out := tensor.MustNew(sample.Shape, nil)
	for i := range out.Data {
		out.Data[i] = a*x0[i] + sg*eps[i]
	}
	return out, nil
}

// nextTimestep returns the timestep following t in the descending schedule,
// or -1 after the last one.
func nextTimestep(ts []int, t int) int {
	for i, v := range ts {
		if v == t && i+1 < len(ts) {
			return ts[i+1]
		}
	}
	return -1
}

// DDPM is the ancestral sampler with the fixed-small posterior variance.
type DDPM struct {
	schedule  *Schedule
	timesteps []int
}

func NewDDPM(s *Schedule) *DDPM { return &DDPM{schedule: s} }

func (d *DDPM) Name() string        { return "ddpm" }
func (d *DDPM) Schedule() *Schedule { return d.schedule }
func (d *DDPM) Timesteps() []int    { return append([]int(nil), d.timesteps...) }
func (d *DDPM) SetTimesteps(n int) (err error) {
	d.timesteps, err = spacedTimesteps(d.schedule.cfg, d.schedule.NumTrainTimesteps(), n)
	return err
}

func (d *DDPM) Step(modelOutput *tensor.Tensor, t int, sample *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	x0, _, err := d.schedule.predictOriginal(modelOutput.Data, sample.Data, t)
	if err != nil {
		return nil, err
	}
	prev := nextTimestep(d.timesteps, t)
	acT := d.schedule.samplingAlpha(t)
	acPrev := d.schedule.samplingAlpha(prev)
	alphaT := acT / acPrev
	betaT := 1 - alphaT

	cx0 := math.Sqrt(acPrev) * betaT / (1 - acT)
	cxt := math.Sqrt(alphaT) * (1 - acPrev) / (1 - acT)
	variance := math.Max((1-acPrev)/(1-acT)*betaT, 1e-20)
	std := math.Sqrt(variance)

	out := tensor.MustNew(sample.Shape, nil)
	for i := range out.Data {
		v := cx0*float64(x0[i]) + cxt*float64(sample.Data[i])
		if t > 0 && rng != nil {
			v += std * rng.NormFloat64()
		}
		out.Data[i] = float32(v)
	}
	return out, nil
}

// DPMSolver is the second-order multistep DPM-Solver++ in data prediction
// form. The final step is first order and lands on sigma = 0.
type DPMSolver struct {
	schedule  *Schedule
	timesteps []int

	prevX0 []float32 // x0 estimate of the previous step
	prevT  int
}

func NewDPMSolver(s *Schedule) *DPMSolver { return &DPMSolver{schedule: s} }

func (d *DPMSolver) Name() string        { return "dpm_solver" }
func (d *DPMSolver) Schedule() *Schedule { return d.schedule }
func (d *DPMSolver) Timesteps() []int    { return append([]int(nil), d.timesteps...) }

func (d *DPMSolver) SetTimesteps(n int) error {
	cfg := d.schedule.cfg
	if cfg.TimestepSpacing == "" || cfg.TimestepSpacing == "leading" {
		cfg.TimestepSpacing = "linspace"
	}
	ts, err := spacedTimesteps(cfg, d.schedule.NumTrainTimesteps(), n)
	if err != nil {
		return err
	}
	d.timesteps, d.prevX0 = ts, nil
	return nil
}

// lambda returns log(alpha_t/sigma_t) together with alpha_t and sigma_t.
func (d *DPMSolver) lambda(t int) (lam, alpha, sigma float64) {
	if t < 0 {
		return math.Inf(1), 1, 0
	}
	ac := d.schedule.samplingAlpha(t)
	alpha, sigma = math.Sqrt(ac), math.Sqrt(1-ac)
	return math.Log(alpha) - math.Log(sigma), alpha, sigma
}

func (d *DPMSolver) Step(modelOutput *tensor.Tensor, t int, sample *tensor.Tensor, _ *rand.Rand) (*tensor.Tensor, error) {
	x0, _, err := d.schedule.predictOriginal(modelOutput.Data, sample.Data, t)
	if err != nil {
		return nil, err
	}
	next := nextTimestep(d.timesteps, t)
	lamS, _, sigmaS := d.lambda(t)
	lamT, alphaT, sigmaT := d.lambda(next)

	out := tensor.MustNew(sample.Shape, nil)
	final := next < 0
	secondOrder := d.prevX0 != nil && !final
	if final {
		copy(out.Data, x0)
	} else {
		h := lamT - lamS
		em1 := math.Expm1(-h) // exp(-h) - 1
		ratio := sigmaT / sigmaS
		var r0 float64
		if secondOrder {
			lamPrev, _, _ := d.lambda(d.prevT)
			r0 = (lamS - lamPrev) / h
		}
		for i := range out.Data {
			v := ratio*float64(sample.Data[i]) - alphaT*em1*float64(x0[i])
			if secondOrder {
				d1 := (float64(x0[i]) - float64(d.prevX0[i])) / r0
				v -= 0.5 * alphaT * em1 * d1
			}
			out.Data[i] = float32(v)
		}
	}
	d.prevX0, d.prevT = x0, t
	return out, nil
}
