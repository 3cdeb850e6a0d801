package training

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/tsawler/go-sigdiffusion/dataset"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

func indexedExamples(n int) []dataset.Example {
	out := make([]dataset.Example, n)
	for i := range out {
		out[i] = dataset.Example{
			Latents:      tensor.MustNew([]int{4, 1, 1, 1}, []float32{float32(i), 0, 0, 0}),
			SignalValues: tensor.MustNew([]int{2, 1}, []float32{float32(i), float32(i)}),
			Prompt:       "p",
			MotionScore:  float64(i),
		}
	}
	return out
}

func TestDataLoaderBatches(t *testing.T) {
	dl, err := NewDataLoader(&memDataset{examples: indexedExamples(5)}, 2, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dl.Len() != 3 {
		t.Errorf("Len = %d, want 3", dl.Len())
	}

	var sizes []int
	var order []float32
	for dl.HasNext() {
		b, err := dl.Next()
		if err != nil {
			t.Fatal(err)
		}
		sizes = append(sizes, b.Size())
		for i := 0; i < b.Size(); i++ {
			order = append(order, b.Latents.Data[i*4])
		}
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[2] != 1 {
		t.Errorf("batch sizes = %v, want [2 2 1]", sizes)
	}
	for i, v := range order {
		if v != float32(i) {
			t.Fatalf("unshuffled order = %v", order)
		}
	}
	if b, err := dl.Next(); b != nil || err != nil {
		t.Error("Expected nil batch after the epoch ends")
	}
}

func TestDataLoaderShuffle(t *testing.T) {
	epoch := func(seed int64) []float32 {
		dl, err := NewDataLoader(&memDataset{examples: indexedExamples(8)}, 1, true, rand.New(rand.NewSource(seed)))
		if err != nil {
			t.Fatal(err)
		}
		dl.Reset()
		var out []float32
		for dl.HasNext() {
			b, _ := dl.Next()
			out = append(out, b.Latents.Data[0])
		}
		return out
	}
	a, b := epoch(3), epoch(3)
	seen := map[float32]bool{}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same seed must give the same order")
		}
		seen[a[i]] = true
	}
	if len(seen) != 8 {
		t.Errorf("shuffled epoch visited %d of 8 examples", len(seen))
	}
}

func TestDataLoaderSkip(t *testing.T) {
	dl, err := NewDataLoader(&memDataset{examples: indexedExamples(5)}, 2, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := dl.Skip(); n != 2 {
		t.Errorf("Skip = %d, want 2", n)
	}
	b, err := dl.Next()
	if err != nil {
		t.Fatal(err)
	}
	if b.Latents.Data[0] != 2 {
		t.Errorf("Expected example 2 after skipping a batch, got %v", b.Latents.Data[0])
	}
	dl.Skip()
	if n, _ := dl.Skip(); n != 0 || dl.HasNext() {
		t.Error("Skip past the end must be a no-op")
	}
}

func TestNewDataLoaderErrors(t *testing.T) {
	if _, err := NewDataLoader(&memDataset{}, 1, false, nil); !errors.Is(err, dataset.ErrEmptyDataset) {
		t.Errorf("Expected ErrEmptyDataset, got %v", err)
	}
	if _, err := NewDataLoader(&memDataset{examples: indexedExamples(1)}, 0, false, nil); err == nil {
		t.Error("Expected error for zero batch size")
	}
}

func TestCollate(t *testing.T) {
	good := indexedExamples(2)

	b, err := Collate(good)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.SameShape(b.Latents.Shape, []int{2, 4, 1, 1, 1}) || !tensor.SameShape(b.SignalValues.Shape, []int{2, 2, 1}) {
		t.Errorf("collated shapes %v / %v", b.Latents.Shape, b.SignalValues.Shape)
	}
	if b.PixelValues != nil || b.MotionScores[1] != 1 {
		t.Error("unexpected batch fields")
	}

	mixed := indexedExamples(2)
	mixed[1].Latents = nil
	mixed[1].PixelValues = tensor.MustNew([]int{1, 3, 8, 8}, nil)

	noSignal := indexedExamples(2)
	noSignal[0].SignalValues = nil

	ragged := indexedExamples(2)
	ragged[1].SignalValues = tensor.MustNew([]int{3, 1}, nil)

	empty := indexedExamples(1)
	empty[0].Latents = nil

	tests := []struct {
		name     string
		examples []dataset.Example
	}{
		{"Empty", nil},
		{"MixedSources", mixed},
		{"NoSignal", noSignal},
		{"Ragged", ragged},
		{"NoPixels", empty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Collate(tt.examples); err == nil {
				t.Error("Expected Collate to fail")
			}
		})
	}
}
