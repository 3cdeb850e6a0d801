package training

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/tsawler/go-sigdiffusion/dataset"
	"github.com/tsawler/go-sigdiffusion/diffusion"
	"github.com/tsawler/go-sigdiffusion/logging"
	"github.com/tsawler/go-sigdiffusion/optimizer"
	"github.com/tsawler/go-sigdiffusion/signal"
	"github.com/tsawler/go-sigdiffusion/tensor"
	"github.com/tsawler/go-sigdiffusion/unet"
)

// fullDims matches latents (2,4,5,8,8) and signals (2,40,512).
func fullDims() signal.Dims {
	return signal.Dims{
		Channels:          512,
		Samples:           40,
		Frames:            5,
		LatentHeight:      8,
		LatentWidth:       8,
		ContextDim:        8,
		CrossAttentionDim: 16,
		HiddenDims:        []int{16},
		ResizeHidden:      16,
	}
}

func tinyDims() signal.Dims {
	return signal.Dims{
		Channels:          2,
		Samples:           6,
		Frames:            3,
		LatentHeight:      2,
		LatentWidth:       2,
		ContextDim:        4,
		CrossAttentionDim: 6,
		HiddenDims:        []int{8},
		ResizeHidden:      8,
	}
}

func testSchedule(t *testing.T, prediction string) *diffusion.Schedule {
	t.Helper()
	cfg := diffusion.DefaultConfig()
	cfg.NumTrainTimesteps = 100
	cfg.PredictionType = prediction
	s, err := diffusion.NewSchedule(cfg)
	if err != nil {
		t.Fatalf("NewSchedule failed: %v", err)
	}
	return s
}

func randn(t *testing.T, rng *rand.Rand, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomNormal(rng, shape, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func newEncoders(t *testing.T, d signal.Dims, seed int64) *signal.EncoderSet {
	t.Helper()
	enc, err := signal.NewEncoderSet(d, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("NewEncoderSet failed: %v", err)
	}
	return enc
}

func TestFuseShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := fullDims()
	fusion, err := NewFusion(testSchedule(t, diffusion.PredictEpsilon), FusionConfig{ConditioningDropout: DefaultConditioningDropout})
	if err != nil {
		t.Fatal(err)
	}
	latents := randn(t, rng, 2, 4, 5, 8, 8)
	sig := randn(t, rng, 2, 40, 512)
	sig.Data[3] = float32(math.NaN())

	in, err := fusion.Fuse(latents, sig, newEncoders(t, d, 2), rng)
	if err != nil {
		t.Fatalf("Fuse failed: %v", err)
	}

	shapes := []struct {
		name string
		got  []int
		want []int
	}{
		{"noisy", in.NoisyLatents.Shape, []int{2, 4, 5, 8, 8}},
		{"condition", in.ConditionLatent.Shape, []int{2, 4, 1, 8, 8}},
		{"mask", in.Mask.Shape, []int{2, 1, 6, 8, 8}},
		{"context", in.EncoderHiddenStates.Shape, []int{2, 1, 16}},
		{"target", in.Target.Shape, []int{2, 4, 5, 8, 8}},
	}
	for _, s := range shapes {
		if !tensor.SameShape(s.got, s.want) {
			t.Errorf("%s shape = %v, want %v", s.name, s.got, s.want)
		}
	}
	if len(in.Timesteps) != 2 {
		t.Fatalf("Expected 2 timesteps, got %d", len(in.Timesteps))
	}
	for _, ts := range in.Timesteps {
		if ts < 0 || ts >= 100 {
			t.Errorf("timestep %d out of range", ts)
		}
	}
	if in.ConditionLatent.RequiresGrad() {
		t.Error("condition latent must be detached")
	}
	// Condition is frame 0 of the clean latents.
	for b := 0; b < 2; b++ {
		for c := 0; c < 4; c++ {
			want, _ := latents.At(b, c, 0, 3, 5)
			got, _ := in.ConditionLatent.At(b, c, 0, 3, 5)
			if got != want {
				t.Fatalf("condition[%d,%d] = %v, want %v", b, c, got, want)
			}
		}
	}
	if !in.Mask.AllFinite() || !in.EncoderHiddenStates.AllFinite() {
		t.Error("NaN in the signal leaked into the conditioning")
	}
}

func TestConditioningDropoutRate(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	d := tinyDims()
	fusion, err := NewFusion(testSchedule(t, diffusion.PredictEpsilon), FusionConfig{ConditioningDropout: DefaultConditioningDropout})
	if err != nil {
		t.Fatal(err)
	}
	enc := newEncoders(t, d, 1)
	latents := randn(t, rng, 1, 4, 3, 2, 2)
	sig := randn(t, rng, 1, 6, 2)

	const trials = 10000
	dropped := 0
	for i := 0; i < trials; i++ {
		in, err := fusion.Fuse(latents, sig, enc, rng)
		if err != nil {
			t.Fatal(err)
		}
		if in.Dropped {
			dropped++
			for _, v := range in.EncoderHiddenStates.Data {
				if v != 0 {
					t.Fatal("dropped step must carry zero context tokens")
				}
			}
		}
	}
	rate := float64(dropped) / trials
	if math.Abs(rate-0.15) > 0.015 {
		t.Errorf("dropout rate = %.4f, want 0.15", rate)
	}
}

func TestFusionTargets(t *testing.T) {
	tests := []struct {
		name       string
		prediction string
		// x0 reconstructs the clean latent from the noisy sample and the target.
		x0 func(ac, xt, target float64) float64
	}{
		{"epsilon", diffusion.PredictEpsilon, func(ac, xt, eps float64) float64 {
			return (xt - math.Sqrt(1-ac)*eps) / math.Sqrt(ac)
		}},
		{"v_prediction", diffusion.PredictVelocity, func(ac, xt, v float64) float64 {
			return math.Sqrt(ac)*xt - math.Sqrt(1-ac)*v
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(11))
			schedule := testSchedule(t, tt.prediction)
			fusion, err := NewFusion(schedule, FusionConfig{})
			if err != nil {
				t.Fatal(err)
			}
			latents := randn(t, rng, 1, 4, 3, 2, 2)
			in, err := fusion.Fuse(latents, randn(t, rng, 1, 6, 2), newEncoders(t, tinyDims(), 3), rng)
			if err != nil {
				t.Fatal(err)
			}
			ac := schedule.AlphaCumprod(in.Timesteps[0])
			for i, want := range latents.Data {
				got := tt.x0(ac, float64(in.NoisyLatents.Data[i]), float64(in.Target.Data[i]))
				if math.Abs(got-float64(want)) > 1e-3 {
					t.Fatalf("element %d: reconstructed %v, want %v", i, got, want)
				}
			}
		})
	}
}

func TestFusionRejectsUnknownPredictionType(t *testing.T) {
	sample, err := testSchedule(t, diffusion.PredictEpsilon).WithPredictionType(diffusion.PredictSample)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewFusion(sample, FusionConfig{}); !errors.Is(err, diffusion.ErrUnknownPredictionType) {
		t.Errorf("Expected ErrUnknownPredictionType, got %v", err)
	}

	cfg := diffusion.DefaultConfig()
	cfg.PredictionType = "bogus"
	if _, err := diffusion.NewSchedule(cfg); !errors.Is(err, diffusion.ErrUnknownPredictionType) {
		t.Errorf("Expected ErrUnknownPredictionType from the schedule, got %v", err)
	}

	if _, err := NewFusion(testSchedule(t, ""), FusionConfig{ConditioningDropout: 1.5}); err == nil {
		t.Error("Expected error for dropout outside [0,1]")
	}
}

func TestSampleNoiseOffset(t *testing.T) {
	schedule := testSchedule(t, diffusion.PredictEpsilon)
	latents := tensor.MustNew([]int{1, 2, 2, 3, 3}, nil)
	plain, err := tensor.RandomNormal(rand.New(rand.NewSource(5)), latents.Shape, 0, 1)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		cfg    FusionConfig
		offset bool
	}{
		{"disabled", FusionConfig{}, false},
		{"enabled", FusionConfig{UseOffsetNoise: true, OffsetNoiseStrength: 0.5}, true},
		{"rescaled schedule disables offset", FusionConfig{UseOffsetNoise: true, OffsetNoiseStrength: 0.5, RescaleSchedule: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFusion(schedule, tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			noise, err := f.SampleNoise(latents, rand.New(rand.NewSource(5)))
			if err != nil {
				t.Fatal(err)
			}
			if !tt.offset {
				if !tensor.Equal(noise, plain) {
					t.Error("Expected plain standard normal noise")
				}
				return
			}
			// The offset is constant over h,w within every (b,c,f) plane.
			const plane = 9
			for p := 0; p < len(noise.Data)/plane; p++ {
				first := noise.Data[p*plane] - plain.Data[p*plane]
				for i := 1; i < plane; i++ {
					d := noise.Data[p*plane+i] - plain.Data[p*plane+i]
					if math.Abs(float64(d-first)) > 1e-5 {
						t.Fatalf("plane %d: offset varies (%v vs %v)", p, d, first)
					}
				}
			}
		})
	}
}

type memDataset struct {
	examples []dataset.Example
}

func (d *memDataset) Len() int { return len(d.examples) }

func (d *memDataset) Get(i int) (dataset.Example, error) {
	if i < 0 || i >= len(d.examples) {
		return dataset.Example{}, errors.New("index out of range")
	}
	return d.examples[i], nil
}

func latentExamples(t *testing.T, rng *rand.Rand, n int, d signal.Dims) []dataset.Example {
	t.Helper()
	out := make([]dataset.Example, n)
	for i := range out {
		out[i] = dataset.Example{
			Latents:      randn(t, rng, 4, d.Frames, d.LatentHeight, d.LatentWidth),
			SignalValues: randn(t, rng, d.Samples, d.Channels),
			Prompt:       "clip",
		}
	}
	return out
}

func TestStepRunnerEndToEnd(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	d := fullDims()
	net, err := unet.New(unet.Config{InChannels: 5, OutChannels: 4, BlockOutChannels: []int{8, 8}, CrossAttentionDim: d.CrossAttentionDim}, rng)
	if err != nil {
		t.Fatal(err)
	}
	fusion, err := NewFusion(testSchedule(t, diffusion.PredictEpsilon), FusionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	encoders, err := NewEncoderProvider(EncodersPersistent, newEncoders(t, d, 4))
	if err != nil {
		t.Fatal(err)
	}
	accel, err := NewAccelerator(1, "no")
	if err != nil {
		t.Fatal(err)
	}
	runner := &StepRunner{Fusion: fusion, Denoiser: net, Encoders: encoders, Accelerator: accel}

	batch, err := Collate(latentExamples(t, rng, 2, d))
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.SameShape(batch.Latents.Shape, []int{2, 4, 5, 8, 8}) || !tensor.SameShape(batch.SignalValues.Shape, []int{2, 40, 512}) {
		t.Fatalf("unexpected batch shapes %v / %v", batch.Latents.Shape, batch.SignalValues.Shape)
	}

	result := runner.Run(batch, rng)
	done, ok := result.(StepCompleted)
	if !ok {
		t.Fatalf("Expected StepCompleted, got %#v", result)
	}
	if math.IsNaN(done.Loss) || done.Loss <= 0 {
		t.Fatalf("Expected a positive finite loss, got %v", done.Loss)
	}

	convIn := net.ConvIn().Weight()
	if convIn.Grad() == nil {
		t.Fatal("Expected gradient on the network input projection")
	}
	if encoders.Current().Context.Parameters()[0].Grad() == nil {
		t.Error("Expected gradient on persistent signal encoders")
	}

	opt, err := optimizer.New(optimizer.Config{Kind: "adamw", LearningRate: 1e-3, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, append(net.Parameters(), encoders.Current().Parameters()...))
	if err != nil {
		t.Fatal(err)
	}
	before := append([]float32(nil), convIn.Data...)
	norm, err := ApplyGradients(opt, 1.0)
	if err != nil {
		t.Fatalf("ApplyGradients failed: %v", err)
	}
	if norm <= 0 {
		t.Errorf("Expected a positive gradient norm, got %v", norm)
	}
	changed := false
	for i, v := range convIn.Data {
		if v != before[i] {
			changed = true
			break
		}
	}
	if !changed {
		t.Error("optimizer step did not update parameters")
	}
	if convIn.Grad() != nil {
		for _, g := range convIn.Grad().Data {
			if g != 0 {
				t.Fatal("gradients must be cleared after the step")
			}
		}
	}
}

func TestStepRunnerReportsFailures(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	d := tinyDims()
	net, err := unet.New(unet.Config{InChannels: 5, OutChannels: 4, BlockOutChannels: []int{8}, CrossAttentionDim: d.CrossAttentionDim}, rng)
	if err != nil {
		t.Fatal(err)
	}
	fusion, _ := NewFusion(testSchedule(t, diffusion.PredictEpsilon), FusionConfig{})
	encoders, _ := NewEncoderProvider(EncodersFresh, newEncoders(t, d, 1))
	accel, _ := NewAccelerator(1, "no")
	runner := &StepRunner{Fusion: fusion, Denoiser: net, Encoders: encoders, Accelerator: accel}

	t.Run("ShapeMismatch", func(t *testing.T) {
		batch := &Batch{
			Latents:      randn(t, rng, 1, 4, 3, 2, 2),
			SignalValues: randn(t, rng, 1, 5, 2),
		}
		if _, ok := runner.Run(batch, rng).(StepFailed); !ok {
			t.Error("Expected StepFailed for a short signal window")
		}
	})

	t.Run("NoCodec", func(t *testing.T) {
		batch := &Batch{
			PixelValues:  randn(t, rng, 1, 3, 3, 16, 16),
			SignalValues: randn(t, rng, 1, 6, 2),
		}
		if _, ok := runner.Run(batch, rng).(StepFailed); !ok {
			t.Error("Expected StepFailed without a codec")
		}
	})

	t.Run("NonFiniteLoss", func(t *testing.T) {
		latents := randn(t, rng, 1, 4, 3, 2, 2)
		latents.Data[0] = float32(math.Inf(1))
		batch := &Batch{Latents: latents, SignalValues: randn(t, rng, 1, 6, 2)}
		if _, ok := runner.Run(batch, rng).(StepFailed); !ok {
			t.Error("Expected StepFailed for an infinite latent")
		}
	})
}

func TestEncoderProviders(t *testing.T) {
	d := tinyDims()
	rng := rand.New(rand.NewSource(3))

	fresh, err := NewEncoderProvider(EncodersFresh, newEncoders(t, d, 1))
	if err != nil {
		t.Fatal(err)
	}
	a, _ := fresh.ForStep(rng)
	b, _ := fresh.ForStep(rng)
	if a == b || tensor.Equal(a.Context.Parameters()[0], b.Context.Parameters()[0]) {
		t.Error("fresh encoders must be re-initialized every step")
	}
	if fresh.Current() != b || fresh.Trainable() {
		t.Error("fresh provider must report the last set and not be trainable")
	}
	for _, p := range b.Parameters() {
		if p.RequiresGrad() {
			t.Fatal("fresh encoders must be frozen")
		}
	}

	initial := newEncoders(t, d, 2)
	persistent, err := NewEncoderProvider(EncodersPersistent, initial)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := persistent.ForStep(rng)
	if got != initial || !persistent.Trainable() {
		t.Error("persistent provider must keep and train the initial set")
	}

	if _, err := NewEncoderProvider("sometimes", initial); err == nil {
		t.Error("Expected error for unknown encoder mode")
	}
}

func TestTrainableSelector(t *testing.T) {
	net, err := unet.New(unet.Config{InChannels: 5, OutChannels: 4, BlockOutChannels: []int{8, 8}, CrossAttentionDim: 6}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	count := func(substr string) int {
		n := 0
		for _, p := range net.NamedParameters() {
			if strings.Contains(p.Name, substr) {
				n++
			}
		}
		return n
	}

	tests := []struct {
		name string
		sel  TrainableSelector
		want int
	}{
		{"attention only", TrainableSelector{Modules: []string{"attn2"}}, count("attn2")},
		{"all", TrainableSelector{Modules: []string{"all"}}, len(net.NamedParameters())},
		{"excluded block", TrainableSelector{Modules: []string{"attn2"}, NotModules: []string{"blocks.1"}}, count("blocks.0.attn2")},
		{"nothing", TrainableSelector{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := tt.sel
			if got := sel.Apply(net, logging.Nop()); got != tt.want {
				t.Errorf("Apply = %d, want %d", got, tt.want)
			}
			trainable := 0
			for _, p := range net.Parameters() {
				if p.RequiresGrad() {
					trainable++
				}
			}
			if trainable != tt.want {
				t.Errorf("%d parameters require grad, want %d", trainable, tt.want)
			}
			if sel.Printed() != (tt.want > 0) {
				t.Errorf("Printed = %v", sel.Printed())
			}
		})
	}
}

func TestAccelerator(t *testing.T) {
	t.Setenv("WORLD_SIZE", "")
	t.Setenv("RANK", "")
	a, err := NewAccelerator(3, "fp16")
	if err != nil {
		t.Fatal(err)
	}
	var syncs []bool
	for i := 0; i < 6; i++ {
		syncs = append(syncs, a.Accumulate())
	}
	want := []bool{false, false, true, false, false, true}
	for i := range want {
		if syncs[i] != want[i] {
			t.Fatalf("Accumulate pattern = %v, want %v", syncs, want)
		}
	}
	if math.Abs(float64(a.LossScale())-1.0/3) > 1e-7 {
		t.Errorf("LossScale = %v", a.LossScale())
	}
	x := tensor.MustNew([]int{1}, []float32{1.0001})
	if got := a.PrepareInput(x); got.DType != tensor.Float16 {
		t.Errorf("PrepareInput dtype = %v, want float16", got.DType)
	}
	if !a.IsMainProcess() {
		t.Error("single process run must be the main process")
	}

	t.Setenv("WORLD_SIZE", "2")
	t.Setenv("RANK", "1")
	b, err := NewAccelerator(1, "no")
	if err != nil {
		t.Fatal(err)
	}
	if b.NumProcesses != 2 || b.IsMainProcess() {
		t.Errorf("Expected rank 1 of 2, got %+v", b)
	}

	if _, err := NewAccelerator(1, "fp8"); err == nil {
		t.Error("Expected error for unknown precision")
	}
}
