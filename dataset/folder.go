package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tsawler/go-sigdiffusion/config"
)

var signalExts = []string{".safetensors", ".pb", ".json"}

// signalFor returns the signal file stored next to a video, or "".
func signalFor(video string) string {
	stem := strings.TrimSuffix(video, filepath.Ext(video))
	for _, ext := range signalExts {
		if _, err := os.Stat(stem + ext); err == nil {
			return stem + ext
		}
	}
	return ""
}

// VideoFolderDataset serves every video under train_data.path that has a
// signal file with the same stem. Captions come from a .txt file with the
// same stem, one candidate per line.
type VideoFolderDataset struct {
	*clipSampler
	videos  []string
	signals []string
	retry   retrier
}

// NewVideoFolder scans train_data.path recursively.
func NewVideoFolder(data config.TrainData, opts Options) (Dataset, error) {
	files, err := listFiles(data.Path, videoExts, true)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", data.Path, err)
	}
	d := &VideoFolderDataset{
		clipSampler: newClipSampler(data, opts),
		retry: retrier{
			name:       KindFolder,
			maxRetries: data.MaxRetries,
			rng:        opts.Rng,
			logger:     opts.Logger,
		},
	}
	for _, f := range files {
		if sig := signalFor(f); sig != "" {
			d.videos = append(d.videos, f)
			d.signals = append(d.signals, sig)
		}
	}
	return d, nil
}

// Len implements Dataset.
func (d *VideoFolderDataset) Len() int { return len(d.videos) }

// Get implements Dataset.
func (d *VideoFolderDataset) Get(i int) (Example, error) {
	return d.retry.get(len(d.videos), i, d.load)
}

func (d *VideoFolderDataset) load(i int) (Example, error) {
	path := d.videos[i]
	clip, err := d.read(path)
	if err != nil {
		return Example{}, err
	}
	every := FrameStep(clip.FPS, d.data.FPS)
	idx, err := StridedIndices(clip.Len(), every, d.data.NSampleFrames, d.rng)
	if err != nil {
		return Example{}, fmt.Errorf("%s: %w", path, err)
	}
	prompt := captionFor(path, d.data.FallbackPrompt, d.rng)
	ex, err := d.example(clip.Frames, idx, prompt, KindFolder)
	if err != nil {
		return Example{}, err
	}
	if ex.SignalValues, err = d.window(d.signals[i], idx, min(every, clip.Len())); err != nil {
		return Example{}, fmt.Errorf("signal for %s: %w", path, err)
	}
	return ex, nil
}
