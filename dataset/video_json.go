package dataset

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tsawler/go-sigdiffusion/config"
)

type videoJSONEntry struct {
	Video   string `json:"video"`
	Caption string `json:"caption"`
	Signal  string `json:"signal,omitempty"`
}

// VideoJSONDataset serves clips listed in train_data.video_json relative to
// train_data.video_dir. Entries without a signal file get a zero signal.
type VideoJSONDataset struct {
	*clipSampler
	dir     string
	entries []videoJSONEntry
	retry   retrier
}

// NewVideoJSON reads the clip list.
func NewVideoJSON(data config.TrainData, opts Options) (Dataset, error) {
	b, err := os.ReadFile(data.VideoJSON)
	if err != nil {
		return nil, fmt.Errorf("video_json: %w", err)
	}
	d := &VideoJSONDataset{
		clipSampler: newClipSampler(data, opts),
		dir:         data.VideoDir,
		retry: retrier{
			name:       KindVideoJSON,
			maxRetries: data.MaxRetries,
			threshold:  data.MotionThreshold,
			rng:        opts.Rng,
			logger:     opts.Logger,
		},
	}
	if err := json.Unmarshal(b, &d.entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", data.VideoJSON, err)
	}
	return d, nil
}

// Len implements Dataset.
func (d *VideoJSONDataset) Len() int { return len(d.entries) }

// Get implements Dataset.
func (d *VideoJSONDataset) Get(i int) (Example, error) {
	return d.retry.get(len(d.entries), i, d.load)
}

func (d *VideoJSONDataset) load(i int) (Example, error) {
	e := d.entries[i]
	path := resolvePath(d.dir, e.Video)
	prompt := e.Caption
	if d.data.FallbackPrompt == NoText {
		prompt = ""
	}
	clip, err := d.read(path)
	if err != nil {
		return Example{}, err
	}
	step := FrameStep(clip.FPS, d.data.FPS)
	idx, err := SampleIndices(clip.Len(), step, d.data.NSampleFrames, d.startRng())
	if err != nil {
		return Example{}, fmt.Errorf("%s: %w", path, err)
	}
	ex, err := d.example(clip.Frames, idx, prompt, KindVideoJSON)
	if err != nil {
		return Example{}, err
	}
	if e.Signal != "" {
		ex.SignalValues, err = d.window(resolvePath(d.dir, e.Signal), idx, step)
	} else {
		ex.SignalValues, err = d.zeroSignal(len(idx))
	}
	if err != nil {
		return Example{}, fmt.Errorf("signal for %s: %w", path, err)
	}
	return ex, nil
}
