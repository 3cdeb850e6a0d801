package dataset

import (
	"fmt"
	"image"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/config"
	"github.com/tsawler/go-sigdiffusion/signal"
	"github.com/tsawler/go-sigdiffusion/tensor"
	"github.com/tsawler/go-sigdiffusion/vision/preprocessing"
)

// clipSampler holds what every pixel provider shares: the clip reader,
// the crop processor, the prompt encoder and the signal track cache.
type clipSampler struct {
	data    config.TrainData
	reader  ClipReader
	proc    *preprocessing.ImageProcessor
	prompts PromptEncoder
	rng     *rand.Rand
	masks   bool
	logger  zerolog.Logger

	mu     sync.Mutex
	tracks map[string]*signal.Track
}

func newClipSampler(data config.TrainData, opts Options) *clipSampler {
	return &clipSampler{
		data:    data,
		reader:  opts.Reader,
		proc:    preprocessing.NewImageProcessor(data.Width, data.Height, true),
		prompts: opts.Prompts,
		rng:     opts.Rng,
		masks:   opts.MotionMask,
		logger:  opts.Logger,
		tracks:  make(map[string]*signal.Track),
	}
}

func (s *clipSampler) read(path string) (*Clip, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("no clip reader configured")
	}
	return s.reader.ReadClip(path, s.data.Width, s.data.Height)
}

// startRng returns the rng used for window starts, nil for last-window
// sampling.
func (s *clipSampler) startRng() *rand.Rand {
	if s.data.RandomStart {
		return s.rng
	}
	return nil
}

// track loads and caches the signal file at path.
func (s *clipSampler) track(path string) (*signal.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tracks[path]; ok {
		return t, nil
	}
	t, err := signal.LoadTrack(path)
	if err != nil {
		return nil, err
	}
	if s.data.SignalChannels > 0 && t.Channels != s.data.SignalChannels {
		return nil, fmt.Errorf("%w: %s has %d channels, want %d", tensor.ErrShapeMismatch, path, t.Channels, s.data.SignalChannels)
	}
	s.tracks[path] = t
	return t, nil
}

// window gathers the signal rows of the sampled frames. step is the source
// frame distance between samples; the result always has frame_step rows per
// frame.
func (s *clipSampler) window(path string, idx []int, step int) (*tensor.Tensor, error) {
	t, err := s.track(path)
	if err != nil {
		return nil, err
	}
	rows, err := t.AlignWindow(idx, step)
	if err != nil {
		return nil, err
	}
	if rows, err = ResampleWindow(rows, len(idx), step, max(1, s.data.FrameStep)); err != nil {
		return nil, err
	}
	return signal.Stack(rows)
}

func (s *clipSampler) zeroSignal(frames int) (*tensor.Tensor, error) {
	return signal.Zero(frames*max(1, s.data.FrameStep), s.data.SignalChannels)
}

// example crops the selected frames and fills the pixel, prompt and motion
// fields.
func (s *clipSampler) example(frames []image.Image, idx []int, prompt, source string) (Example, error) {
	pixels, planes, err := clipPixels(frames, idx, s.proc)
	if err != nil {
		return Example{}, err
	}
	ids, err := promptIDs(s.prompts, prompt)
	if err != nil {
		return Example{}, err
	}
	w, h := s.data.Width, s.data.Height
	ex := Example{
		PixelValues: pixels,
		Prompt:      prompt,
		PromptIDs:   ids,
		MotionScore: MotionScore(planes, w, h),
		Source:      source,
	}
	if s.masks {
		ex.Mask = MovedAreaMask(planes, w, h, MoveThreshold)
	}
	return ex, nil
}

// retrier re-draws failed and low-motion samples a bounded number of times.
// Read errors move to the next index, low motion jumps to a random one.
type retrier struct {
	name       string
	maxRetries int
	threshold  float64
	rng        *rand.Rand
	logger     zerolog.Logger
}

func (r retrier) get(n, i int, load func(int) (Example, error)) (Example, error) {
	if n == 0 {
		return Example{}, ErrEmptyDataset
	}
	if i < 0 || i >= n {
		return Example{}, fmt.Errorf("index %d out of range [0, %d)", i, n)
	}
	idx := i
	var lastErr error
	for attempt := 0; attempt <= max(0, r.maxRetries); attempt++ {
		ex, err := load(idx)
		switch {
		case err != nil:
			lastErr = err
			r.logger.Warn().Err(err).Str("dataset", r.name).Int("index", idx).Msg("read video error")
			idx = (idx + 1) % n
		case r.threshold > 0 && ex.MotionScore < r.threshold:
			lastErr = fmt.Errorf("%w: score %.2f < %.2f", ErrLowMotion, ex.MotionScore, r.threshold)
			if r.rng != nil {
				idx = r.rng.Intn(n)
			} else {
				idx = (idx + 1) % n
			}
		default:
			return ex, nil
		}
	}
	return Example{}, fmt.Errorf("%s: no usable sample from index %d after %d attempts: %w", r.name, i, max(0, r.maxRetries)+1, lastErr)
}
