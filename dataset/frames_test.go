package dataset

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestFrameStep(t *testing.T) {
	tests := []struct {
		native float64
		sample int
		want   int
	}{
		{30, 8, 4},
		{24, 8, 3},
		{25, 8, 3},
		{8, 8, 1},
		{5, 8, 1},
		{0, 8, 1},
		{30, 0, 1},
	}
	for _, tt := range tests {
		if got := FrameStep(tt.native, tt.sample); got != tt.want {
			t.Errorf("FrameStep(%v, %d) = %d, want %d", tt.native, tt.sample, got, tt.want)
		}
	}
}

func TestLinspace(t *testing.T) {
	if got := Linspace(0, 9, 4); !reflect.DeepEqual(got, []int{0, 3, 6, 9}) {
		t.Errorf("Linspace(0,9,4) = %v", got)
	}
	if got := Linspace(0, 2, 5); !reflect.DeepEqual(got, []int{0, 0, 1, 1, 2}) {
		t.Errorf("Linspace(0,2,5) = %v", got)
	}
	if got := Linspace(3, 7, 1); !reflect.DeepEqual(got, []int{3}) {
		t.Errorf("Linspace single = %v", got)
	}
}

func TestSampleIndices(t *testing.T) {
	t.Run("LastWindow", func(t *testing.T) {
		got, err := SampleIndices(12, 2, 3, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, []int{6, 8, 10}) {
			t.Errorf("got %v, want [6 8 10]", got)
		}
	})

	t.Run("ShortClipFallsBackToLinspace", func(t *testing.T) {
		got, err := SampleIndices(5, 4, 3, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, []int{0, 2, 4}) {
			t.Errorf("got %v, want [0 2 4]", got)
		}
	})

	t.Run("RandomStart", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		starts := map[int]bool{}
		for i := 0; i < 200; i++ {
			got, err := SampleIndices(20, 2, 4, rng)
			if err != nil {
				t.Fatal(err)
			}
			for k := 1; k < len(got); k++ {
				if got[k]-got[k-1] != 2 {
					t.Fatalf("indices %v are not spaced by the step", got)
				}
			}
			if got[len(got)-1] >= 20 {
				t.Fatalf("index past the clip end: %v", got)
			}
			starts[got[0]] = true
		}
		if len(starts) < 2 {
			t.Error("random start never moved")
		}
	})

	t.Run("Errors", func(t *testing.T) {
		if _, err := SampleIndices(0, 1, 3, nil); err == nil {
			t.Error("Expected error for an empty clip")
		}
		if _, err := SampleIndices(10, 1, 0, nil); err == nil {
			t.Error("Expected error for zero frames")
		}
	})
}

func TestStridedIndices(t *testing.T) {
	got, err := StridedIndices(12, 3, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int{0, 3, 6, 9}) {
		t.Errorf("got %v", got)
	}
	if _, err := StridedIndices(8, 3, 4, nil); err == nil {
		t.Error("Expected not enough frames error")
	}
}

func TestResampleWindow(t *testing.T) {
	rows := [][]float32{{0}, {1}, {2}, {3}, {4}, {5}, {6}, {7}}

	down, err := ResampleWindow(rows, 2, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if want := [][]float32{{0}, {2}, {4}, {6}}; !reflect.DeepEqual(down, want) {
		t.Errorf("downsampled = %v, want %v", down, want)
	}

	up, err := ResampleWindow(rows[:4], 2, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if want := [][]float32{{0}, {0}, {1}, {1}, {2}, {2}, {3}, {3}}; !reflect.DeepEqual(up, want) {
		t.Errorf("upsampled = %v, want %v", up, want)
	}

	if _, err := ResampleWindow(rows, 3, 2, 2); err == nil {
		t.Error("Expected row count mismatch error")
	}
}

func TestChunks(t *testing.T) {
	got := Chunks(10, 2, 2)
	want := [][]int{{1, 3}, {5, 7}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Chunks = %v, want %v", got, want)
	}
	if got := Chunks(3, 1, 5); len(got) != 0 {
		t.Errorf("short clip gave %v", got)
	}
}

func TestMotion(t *testing.T) {
	const w, h = 4, 4
	plane := w * h
	frame := func(v float32) []float32 {
		out := make([]float32, 3*plane)
		for i := range out {
			out[i] = v
		}
		return out
	}

	t.Run("Static", func(t *testing.T) {
		frames := [][]float32{frame(0), frame(0), frame(0)}
		if s := MotionScore(frames, w, h); s != 0 {
			t.Errorf("static score = %v", s)
		}
		mask := MovedAreaMask(frames, w, h, MoveThreshold)
		for _, v := range mask.Data {
			if v != 0 {
				t.Fatal("static clip must give an empty mask")
			}
		}
	})

	t.Run("UniformChange", func(t *testing.T) {
		// -1 -> 0 is a grey change of 127.5 per frame.
		frames := [][]float32{frame(-1), frame(0), frame(1)}
		if s := MotionScore(frames, w, h); math.Abs(s-255) > 1e-6 {
			t.Errorf("score = %v, want 255", s)
		}
	})

	t.Run("MaskBoundingBox", func(t *testing.T) {
		a, b := frame(0), frame(0)
		// Move pixels (1,1) and (2,3).
		for _, p := range []int{1*w + 1, 3*w + 2} {
			for c := 0; c < 3; c++ {
				b[c*plane+p] = 1
			}
		}
		mask := MovedAreaMask([][]float32{a, b}, w, h, MoveThreshold)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				want := float32(0)
				if x >= 1 && x <= 2 && y >= 1 && y <= 3 {
					want = 1
				}
				if got := mask.Data[y*w+x]; got != want {
					t.Errorf("mask(%d,%d) = %v, want %v", x, y, got, want)
				}
			}
		}
	})
}
