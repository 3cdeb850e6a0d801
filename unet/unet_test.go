package unet

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-sigdiffusion/checkpoints"
	"github.com/tsawler/go-sigdiffusion/logging"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

func smallConfig(in int) Config {
	return Config{InChannels: in, OutChannels: 4, BlockOutChannels: []int{8, 12}, CrossAttentionDim: 6}
}

func randn(t *testing.T, rng *rand.Rand, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomNormal(rng, shape, 0, 1)
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	return x
}

func TestForwardShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	m, err := New(smallConfig(5), rng)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	noisy := randn(t, rng, 2, 4, 5, 3, 2)
	condition := randn(t, rng, 2, 4, 1, 3, 2)
	mask := randn(t, rng, 2, 1, 6, 3, 2)
	context := randn(t, rng, 2, 1, 6)

	out, err := m.Forward(noisy, []int{10, 900}, condition, mask, context)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !tensor.SameShape(out.Shape, noisy.Shape) {
		t.Errorf("Expected shape %v, got %v", noisy.Shape, out.Shape)
	}
	if !out.AllFinite() {
		t.Error("Expected finite output")
	}

	loss, err := tensor.MSELoss(out, tensor.ZerosLike(out))
	if err != nil {
		t.Fatalf("MSELoss failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for _, p := range m.NamedParameters() {
		if p.Tensor.Grad() == nil {
			t.Errorf("parameter %s received no gradient", p.Name)
		}
	}
}

func TestAssembleInput(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	noisy := randn(t, rng, 1, 4, 3, 2, 2)
	condition := randn(t, rng, 1, 4, 1, 2, 2)
	mask := randn(t, rng, 1, 1, 4, 2, 2)

	tests := []struct {
		name      string
		in        int
		condition *tensor.Tensor
		mask      *tensor.Tensor
		shape     []int
		wantErr   bool
	}{
		{"with mask", 5, condition, mask, []int{1, 5, 4, 2, 2}, false},
		{"no mask channel", 4, condition, nil, []int{1, 4, 4, 2, 2}, false},
		{"missing mask", 5, condition, nil, nil, true},
		{"bad condition", 5, noisy, mask, nil, true},
		{"too many channels", 7, condition, mask, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, err := AssembleInput(tt.in, noisy, tt.condition, tt.mask)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("AssembleInput failed: %v", err)
			}
			if !tensor.SameShape(x.Shape, tt.shape) {
				t.Errorf("Expected shape %v, got %v", tt.shape, x.Shape)
			}
		})
	}

	// Mask first, then the condition frame ahead of the noisy frames.
	x, _ := AssembleInput(5, noisy, condition, mask)
	if v, _ := x.At(0, 0, 2, 1, 1); v != mask.Data[2*4+3] {
		t.Errorf("channel 0 must hold the mask, got %f", v)
	}
	if v, _ := x.At(0, 1, 0, 0, 0); v != condition.Data[0] {
		t.Errorf("frame 0 must hold the condition latent, got %f", v)
	}
	if v, _ := x.At(0, 1, 1, 0, 0); v != noisy.Data[0] {
		t.Errorf("frame 1 must hold the first noisy frame, got %f", v)
	}
}

func TestExpandInputChannelsPreservesFunction(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	pre, err := New(smallConfig(4), rng)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m, err := ExpandInputChannels(pre, 5, rng)
	if err != nil {
		t.Fatalf("ExpandInputChannels failed: %v", err)
	}
	if m.Config().InChannels != 5 {
		t.Fatalf("Expected 5 input channels, got %d", m.Config().InChannels)
	}

	w := m.ConvIn().Weight()
	width := w.Shape[1]
	for i := 0; i < width; i++ {
		if w.Data[i] != 0 {
			t.Fatalf("leading input channel must be zero, got %f at %d", w.Data[i], i)
		}
	}
	for i, v := range pre.ConvIn().Weight().Data {
		if w.Data[width+i] != v {
			t.Fatalf("trailing rows must hold the pretrained weight at %d", i)
		}
	}
	if !tensor.Equal(m.ConvIn().Bias(), pre.ConvIn().Bias()) {
		t.Error("conv_in bias must be copied")
	}

	x := randn(t, rng, 1, 4, 3, 2, 2)
	mask := randn(t, rng, 1, 1, 3, 2, 2)
	ctx := randn(t, rng, 1, 1, 6)
	want, err := pre.ForwardRaw(x, []int{500}, ctx)
	if err != nil {
		t.Fatalf("pretrained forward failed: %v", err)
	}
	wide, _ := tensor.Concat([]*tensor.Tensor{mask, x}, 1)
	got, err := m.ForwardRaw(wide, []int{500}, ctx)
	if err != nil {
		t.Fatalf("expanded forward failed: %v", err)
	}
	for i := range want.Data {
		if math.Abs(float64(want.Data[i]-got.Data[i])) > 1e-5 {
			t.Fatalf("index %d: expected %f, got %f", i, want.Data[i], got.Data[i])
		}
	}

	if _, err := ExpandInputChannels(m, 4, rng); err == nil {
		t.Error("Expected error when shrinking the input")
	}
}

func TestLoadPretrained(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "unet")
	rng := rand.New(rand.NewSource(4))
	pre, err := New(smallConfig(4), rng)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := pre.Config().Save(filepath.Join(dir, ConfigFile)); err != nil {
		t.Fatalf("Save config failed: %v", err)
	}
	if err := checkpoints.SaveSafeTensors(filepath.Join(dir, WeightsName+".safetensors"), pre.Snapshot(), nil); err != nil {
		t.Fatalf("SaveSafeTensors failed: %v", err)
	}

	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatSafeTensors)
	same, err := LoadPretrained(dir, 4, saver, rng, logging.Nop())
	if err != nil {
		t.Fatalf("LoadPretrained failed: %v", err)
	}
	if !tensor.Equal(same.ConvIn().Weight(), pre.ConvIn().Weight()) {
		t.Error("weights must round trip unchanged")
	}

	wide, err := LoadPretrained(dir, 5, saver, rng, logging.Nop())
	if err != nil {
		t.Fatalf("LoadPretrained with surgery failed: %v", err)
	}
	if wide.Config().InChannels != 5 {
		t.Errorf("Expected 5 input channels, got %d", wide.Config().InChannels)
	}

	if _, err := Load(t.TempDir(), saver); err == nil {
		t.Error("Expected error for a directory without config")
	}
}

func TestTimestepEmbedding(t *testing.T) {
	emb := TimestepEmbedding([]int{0, 250}, 8)
	if !tensor.SameShape(emb.Shape, []int{2, 8}) {
		t.Fatalf("Expected shape [2 8], got %v", emb.Shape)
	}
	for k := 0; k < 4; k++ {
		if emb.Data[k] != 1 || emb.Data[4+k] != 0 {
			t.Errorf("timestep 0 must embed to cos=1 sin=0, got %v", emb.Data[:8])
			break
		}
	}
	if math.Abs(float64(emb.Data[8])-math.Cos(250)) > 1e-6 {
		t.Errorf("Expected cos(250) in the first slot, got %f", emb.Data[8])
	}
}

func TestConfigValidation(t *testing.T) {
	bad := []Config{
		{InChannels: 0, OutChannels: 4, BlockOutChannels: []int{8}, CrossAttentionDim: 4},
		{InChannels: 4, OutChannels: 4, CrossAttentionDim: 4},
		{InChannels: 4, OutChannels: 4, BlockOutChannels: []int{7}, CrossAttentionDim: 4},
	}
	for i, cfg := range bad {
		if _, err := New(cfg, nil); err == nil {
			t.Errorf("config %d: expected validation error", i)
		}
	}
}
