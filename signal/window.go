package signal

import (
	"fmt"
	"math"

	"github.com/tsawler/go-sigdiffusion/tensor"
)

// Track is an ordered stream of signal samples, one row per source video
// frame.
type Track struct {
	Samples  [][]float32
	Channels int
}

// NewTrack validates that every row has the same width.
func NewTrack(samples [][]float32) (*Track, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty signal track")
	}
	c := len(samples[0])
	for i, row := range samples {
		if len(row) != c {
			return nil, fmt.Errorf("%w: signal row %d has %d channels, want %d", tensor.ErrShapeMismatch, i, len(row), c)
		}
	}
	return &Track{Samples: samples, Channels: c}, nil
}

// Len returns the number of samples.
func (t *Track) Len() int { return len(t.Samples) }

func (t *Track) row(i int) []float32 {
	if i < 0 {
		i = 0
	}
	if i >= len(t.Samples) {
		i = len(t.Samples) - 1
	}
	return t.Samples[i]
}

// AlignWindow gathers frameStep samples for every sampled frame index. The
// window of frame i covers the samples just before frameIdx[i]. Positions
// earlier than the previous frame index (or index 0 for the first frame)
// repeat that boundary sample, and positions past the end repeat the last
// sample. The result has len(frameIdx)*frameStep rows.
func (t *Track) AlignWindow(frameIdx []int, frameStep int) ([][]float32, error) {
	if frameStep <= 0 {
		return nil, fmt.Errorf("frame step must be positive, got %d", frameStep)
	}
	if len(frameIdx) == 0 {
		return nil, fmt.Errorf("no frame indices")
	}
	out := make([][]float32, 0, len(frameIdx)*frameStep)
	for i, idx := range frameIdx {
		lower := 0
		if i > 0 {
			lower = frameIdx[i-1]
			if idx < lower {
				return nil, fmt.Errorf("frame indices must be non-decreasing: %d after %d", idx, lower)
			}
		}
		for k := idx - frameStep; k < idx; k++ {
			out = append(out, t.row(max(k, lower)))
		}
	}
	return out, nil
}

// Window aligns the track and returns it as a (len(frameIdx)*frameStep, C)
// tensor with NaNs replaced by zero.
func (t *Track) Window(frameIdx []int, frameStep int) (*tensor.Tensor, error) {
	rows, err := t.AlignWindow(frameIdx, frameStep)
	if err != nil {
		return nil, err
	}
	return Stack(rows)
}

// Stack copies rows into a (len(rows), C) tensor with NaNs replaced by zero.
func Stack(rows [][]float32) (*tensor.Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no signal rows")
	}
	c := len(rows[0])
	data := make([]float32, 0, len(rows)*c)
	for i, row := range rows {
		if len(row) != c {
			return nil, fmt.Errorf("%w: row %d has %d channels, want %d", tensor.ErrShapeMismatch, i, len(row), c)
		}
		for _, v := range row {
			if math.IsNaN(float64(v)) {
				v = 0
			}
			data = append(data, v)
		}
	}
	return tensor.NewTensor([]int{len(rows), c}, data)
}

// Zero returns an all-zero (samples, channels) signal for datasets without a
// signal stream.
func Zero(samples, channels int) (*tensor.Tensor, error) {
	return tensor.Zeros([]int{samples, channels})
}
