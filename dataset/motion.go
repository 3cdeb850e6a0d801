package dataset

import (
	"math"

	"github.com/tsawler/go-sigdiffusion/tensor"
)

// MoveThreshold is the grey level change that marks a pixel as moved.
const MoveThreshold = 5

// grey converts a CHW plane in [-1,1] to luma in [0,255].
func grey(chw []float32, plane int) []float64 {
	out := make([]float64, plane)
	for i := range out {
		r := (float64(chw[i]) + 1) * 127.5
		g := (float64(chw[plane+i]) + 1) * 127.5
		b := (float64(chw[2*plane+i]) + 1) * 127.5
		out[i] = 0.299*r + 0.587*g + 0.114*b
	}
	return out
}

// MotionScore sums the mean absolute grey difference of consecutive frames.
func MotionScore(frames [][]float32, width, height int) float64 {
	plane := width * height
	if len(frames) < 2 || plane == 0 {
		return 0
	}
	score := 0.0
	prev := grey(frames[0], plane)
	for _, f := range frames[1:] {
		cur := grey(f, plane)
		sum := 0.0
		for i := range cur {
			sum += math.Abs(cur[i] - prev[i])
		}
		score += sum / float64(plane)
		prev = cur
	}
	return score
}

// MovedAreaMask marks the bounding box of every pixel whose grey level
// differs from the first frame by more than threshold in any later frame.
// The result is (H,W) with ones inside the box.
func MovedAreaMask(frames [][]float32, width, height int, threshold float64) *tensor.Tensor {
	plane := width * height
	mask := tensor.MustNew([]int{height, width}, nil)
	if len(frames) < 2 || plane == 0 {
		return mask
	}
	ref := grey(frames[0], plane)
	minX, minY, maxX, maxY := width, height, -1, -1
	for _, f := range frames[1:] {
		cur := grey(f, plane)
		for i := range cur {
			if math.Abs(cur[i]-ref[i]) <= threshold {
				continue
			}
			x, y := i%width, i/width
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			mask.Data[y*width+x] = 1
		}
	}
	return mask
}
