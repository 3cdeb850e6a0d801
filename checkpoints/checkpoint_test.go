package checkpoints

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tsawler/go-sigdiffusion/layers"
)

func testWeights() []WeightTensor {
	return []WeightTensor{
		{Name: "conv_in.weight", Shape: []int{5, 8}, Data: make([]float32, 40), Layer: "conv_in", Type: "weight"},
		{Name: "conv_in.bias", Shape: []int{8}, Data: []float32{1, 2, 3, 4, 5, 6, 7, float32(math.Pi)}, Layer: "conv_in", Type: "bias"},
	}
}

func TestSafeTensorsRoundTrip(t *testing.T) {
	weights := testWeights()
	data, err := EncodeSafeTensors(weights, map[string]string{"format": "pt"})
	if err != nil {
		t.Fatalf("EncodeSafeTensors failed: %v", err)
	}

	st, err := ParseSafeTensors(data)
	if err != nil {
		t.Fatalf("ParseSafeTensors failed: %v", err)
	}
	if st.Metadata["format"] != "pt" {
		t.Errorf("Expected metadata format=pt, got %v", st.Metadata)
	}
	if !reflect.DeepEqual(st.Names(), []string{"conv_in.bias", "conv_in.weight"}) {
		t.Errorf("Unexpected names %v", st.Names())
	}

	got, shape, err := st.GetFloat32("conv_in.bias")
	if err != nil {
		t.Fatalf("GetFloat32 failed: %v", err)
	}
	if !reflect.DeepEqual(shape, []int{8}) || !reflect.DeepEqual(got, weights[1].Data) {
		t.Errorf("Expected %v %v, got %v %v", []int{8}, weights[1].Data, shape, got)
	}

	if _, _, err := st.GetFloat32("missing"); err == nil {
		t.Error("Expected error for missing tensor")
	}
	if _, err := ParseSafeTensors(data[:4]); err == nil {
		t.Error("Expected error for truncated file")
	}
}

func TestStateFileRoundTrip(t *testing.T) {
	weights := testWeights()
	meta := map[string]string{"kind": "latent_signal_encoder"}

	path := filepath.Join(t.TempDir(), "signal", "sig1.pb")
	if err := SaveStateFile(path, weights, meta); err != nil {
		t.Fatalf("SaveStateFile failed: %v", err)
	}
	got, gotMeta, err := LoadStateFile(path)
	if err != nil {
		t.Fatalf("LoadStateFile failed: %v", err)
	}
	if len(got) != len(weights) {
		t.Fatalf("Expected %d entries, got %d", len(weights), len(got))
	}
	for i := range weights {
		if got[i].Name != weights[i].Name || !reflect.DeepEqual(got[i].Shape, weights[i].Shape) ||
			!reflect.DeepEqual(got[i].Data, weights[i].Data) {
			t.Errorf("Entry %d mismatch: %+v vs %+v", i, got[i], weights[i])
		}
	}
	if !reflect.DeepEqual(gotMeta, meta) {
		t.Errorf("Expected meta %v, got %v", meta, gotMeta)
	}

	if _, _, err := DecodeStateFile([]byte{0x0a, 0x05, 0x01}); err == nil {
		t.Error("Expected error decoding truncated state file")
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatSafeTensors, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "checkpoint-10")
			saver := NewCheckpointSaver(format)

			ckpt := &Checkpoint{
				Weights:    map[string][]WeightTensor{"unet/diffusion_pytorch_model": testWeights()},
				StateFiles: map[string][]WeightTensor{"signal/sig1.pb": testWeights()},
				Documents:  map[string]any{"model_index.json": map[string]string{"_class_name": "SignalVideoPipeline"}},
				TrainingState: TrainingState{
					Epoch:        1,
					GlobalStep:   10,
					LearningRate: 5e-6,
				},
				OptimizerState: &OptimizerState{Type: "AdamW", Parameters: map[string]interface{}{"beta1": 0.9}},
			}
			if err := saver.SaveCheckpoint(ckpt, dir); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}
			// Saving again replaces the directory in place.
			if err := saver.SaveCheckpoint(ckpt, dir); err != nil {
				t.Fatalf("second SaveCheckpoint failed: %v", err)
			}

			weights, err := saver.LoadWeights(dir, "unet/diffusion_pytorch_model")
			if err != nil {
				t.Fatalf("LoadWeights failed: %v", err)
			}
			byName := map[string]WeightTensor{}
			for _, w := range weights {
				byName[w.Name] = w
			}
			if !reflect.DeepEqual(byName["conv_in.bias"].Data, testWeights()[1].Data) {
				t.Errorf("bias mismatch after reload: %v", byName["conv_in.bias"].Data)
			}

			state, opt, err := LoadTrainingState(dir)
			if err != nil {
				t.Fatalf("LoadTrainingState failed: %v", err)
			}
			if state.GlobalStep != 10 || opt == nil || opt.Type != "AdamW" {
				t.Errorf("Unexpected training state %+v / %+v", state, opt)
			}

			if _, err := os.Stat(filepath.Join(dir, "signal", "sig1.pb")); err != nil {
				t.Errorf("Expected signal state file: %v", err)
			}
			entries, _ := os.ReadDir(filepath.Dir(dir))
			if len(entries) != 1 {
				t.Errorf("Expected only the checkpoint directory to remain, got %d entries", len(entries))
			}
		})
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	mlp, _ := layers.MLP([]int{3, 2}, layers.NewReLU, rand.New(rand.NewSource(1)))
	snap := SnapshotModule(mlp)

	mlp.Parameters()[0].Data[0] += 10
	if snap[0].Data[0] == mlp.Parameters()[0].Data[0] {
		t.Error("Snapshot must not alias live parameters")
	}
	if snap[0].Layer != "0" || snap[0].Type != "weight" {
		t.Errorf("Expected layer 0 / weight, got %s / %s", snap[0].Layer, snap[0].Type)
	}

	if err := LoadIntoModule(mlp, snap, true); err != nil {
		t.Fatalf("LoadIntoModule failed: %v", err)
	}
	if mlp.Parameters()[0].Data[0] != snap[0].Data[0] {
		t.Error("Expected snapshot values restored")
	}
}

func TestListCheckpoints(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"checkpoint-100", "checkpoint-20", "other", "checkpoint-x"} {
		os.MkdirAll(filepath.Join(root, name), 0o755)
	}
	got, err := ListCheckpoints(root, "checkpoint")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	want := []string{filepath.Join(root, "checkpoint-20"), filepath.Join(root, "checkpoint-100")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}
