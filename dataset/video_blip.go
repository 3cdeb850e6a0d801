package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tsawler/go-sigdiffusion/config"
)

// blipDocument is the Video-BLIP2 preprocessor layout extended with a
// signal file per video.
type blipDocument struct {
	Data []struct {
		VideoPath  string `json:"video_path"`
		SignalPath string `json:"signal_path"`
		Data       []struct {
			FrameIndex int     `json:"frame_index"`
			Prompt     string  `json:"prompt"`
			ClipPath   *string `json:"clip_path"`
		} `json:"data"`
	} `json:"data"`
}

type blipEntry struct {
	video      string
	signal     string
	frameIndex int
	prompt     string
}

// VideoBLIPDataset serves captioned clips from a JSON index with a signal
// window aggregated over the source frames before every sampled frame.
type VideoBLIPDataset struct {
	*clipSampler
	entries []blipEntry
	retry   retrier
}

// NewVideoBLIP reads train_data.json_path. A missing or unreadable index
// yields an empty dataset.
func NewVideoBLIP(data config.TrainData, opts Options) (Dataset, error) {
	d := &VideoBLIPDataset{
		clipSampler: newClipSampler(data, opts),
		retry: retrier{
			name:       KindVideoBLIP,
			maxRetries: data.MaxRetries,
			threshold:  data.MotionThreshold,
			rng:        opts.Rng,
			logger:     opts.Logger,
		},
	}
	entries, err := loadBLIP(data.JSONPath)
	if err != nil {
		opts.Logger.Warn().Err(err).Str("path", data.JSONPath).Msg("Non-existent JSON path. Skipping.")
		return d, nil
	}
	d.entries = entries
	return d, nil
}

func loadBLIP(path string) ([]blipEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc blipDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	base := filepath.Dir(path)
	var out []blipEntry
	for _, v := range doc.Data {
		for _, n := range v.Data {
			e := blipEntry{
				video:      resolvePath(base, v.VideoPath),
				signal:     resolvePath(base, v.SignalPath),
				frameIndex: n.FrameIndex,
				prompt:     n.Prompt,
			}
			if n.ClipPath != nil && *n.ClipPath != "" {
				e.video = resolvePath(base, *n.ClipPath)
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// Len implements Dataset.
func (d *VideoBLIPDataset) Len() int { return len(d.entries) }

// Get implements Dataset.
func (d *VideoBLIPDataset) Get(i int) (Example, error) {
	return d.retry.get(len(d.entries), i, d.load)
}

func (d *VideoBLIPDataset) load(i int) (Example, error) {
	e := d.entries[i]
	clip, err := d.read(e.video)
	if err != nil {
		return Example{}, err
	}
	step := FrameStep(clip.FPS, d.data.FPS)
	idx, err := SampleIndices(clip.Len(), step, d.data.NSampleFrames, d.startRng())
	if err != nil {
		return Example{}, fmt.Errorf("%s: %w", e.video, err)
	}
	ex, err := d.example(clip.Frames, idx, e.prompt, KindVideoBLIP)
	if err != nil {
		return Example{}, err
	}
	if ex.SignalValues, err = d.window(e.signal, idx, step); err != nil {
		return Example{}, fmt.Errorf("signal for %s: %w", e.video, err)
	}
	return ex, nil
}
