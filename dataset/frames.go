package dataset

import (
	"fmt"
	"image"
	"math"
	"math/rand"

	"github.com/tsawler/go-sigdiffusion/tensor"
	"github.com/tsawler/go-sigdiffusion/vision/preprocessing"
)

// FrameStep returns how many source frames separate two sampled frames.
func FrameStep(nativeFPS float64, sampleFPS int) int {
	if nativeFPS <= 0 || sampleFPS <= 0 {
		return 1
	}
	return max(1, int(math.Round(nativeFPS/float64(sampleFPS))))
}

// Linspace returns n evenly spaced integers from lo to hi inclusive,
// truncated toward zero.
func Linspace(lo, hi, n int) []int {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []int{lo}
	}
	out := make([]int, n)
	span := float64(hi - lo)
	for i := range out {
		out[i] = lo + int(span*float64(i)/float64(n-1))
	}
	return out
}

// SampleIndices picks n frame indices from a clip of total frames taken
// every step frames. Short clips fall back to n evenly spaced indices. The
// window starts at a random offset when rng is set, otherwise it is the last
// full window.
func SampleIndices(total, step, n int, rng *rand.Rand) ([]int, error) {
	if total <= 0 {
		return nil, fmt.Errorf("clip has no frames")
	}
	if n <= 0 {
		return nil, fmt.Errorf("frame count must be positive, got %d", n)
	}
	step = max(1, step)
	var frames []int
	for i := 0; i < total; i += step {
		frames = append(frames, i)
	}
	if len(frames) < n {
		frames = Linspace(0, total-1, n)
	}
	start := len(frames) - n
	if rng != nil {
		start = rng.Intn(len(frames) - n + 1)
	}
	return frames[start : start+n], nil
}

// StridedIndices picks n frames spaced every frames apart starting at a
// random effective offset. It fails when the clip is too short.
func StridedIndices(total, every, n int, rng *rand.Rand) ([]int, error) {
	every = min(max(1, every), max(1, total))
	effective := total / every
	if effective < n {
		return nil, fmt.Errorf("not enough frames: %d usable, need %d", effective, n)
	}
	start := 0
	if rng != nil {
		start = rng.Intn(effective - n + 1)
	}
	out := make([]int, n)
	for i := range out {
		out[i] = every * (start + i)
	}
	return out, nil
}

// ResampleWindow maps a window of frames blocks holding from rows each onto
// blocks of to rows by nearest neighbour.
func ResampleWindow(rows [][]float32, frames, from, to int) ([][]float32, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("window sizes must be positive, got %d -> %d", from, to)
	}
	if len(rows) != frames*from {
		return nil, fmt.Errorf("%w: window has %d rows, want %d", tensor.ErrShapeMismatch, len(rows), frames*from)
	}
	if from == to {
		return rows, nil
	}
	out := make([][]float32, 0, frames*to)
	for f := 0; f < frames; f++ {
		block := rows[f*from : (f+1)*from]
		for j := 0; j < to; j++ {
			out = append(out, block[j*from/to])
		}
	}
	return out, nil
}

// clipPixels center crops the frames at idx and stacks them as (F,3,H,W) in
// [-1,1]. The CHW planes are returned for motion analysis.
func clipPixels(frames []image.Image, idx []int, proc *preprocessing.ImageProcessor) (*tensor.Tensor, [][]float32, error) {
	if len(idx) == 0 {
		return nil, nil, fmt.Errorf("no frames selected")
	}
	planes := make([][]float32, len(idx))
	var w, h int
	for i, k := range idx {
		if k < 0 || k >= len(frames) {
			return nil, nil, fmt.Errorf("frame index %d out of range [0, %d)", k, len(frames))
		}
		p := proc.Process(frames[k])
		planes[i] = p.Data
		w, h = p.Width, p.Height
	}
	data := make([]float32, 0, len(idx)*3*w*h)
	for _, p := range planes {
		data = append(data, p...)
	}
	t, err := tensor.NewTensor([]int{len(idx), 3, h, w}, data)
	if err != nil {
		return nil, nil, err
	}
	return t, planes, nil
}
