package dataset

import (
	"encoding/json"
	"fmt"
	"image"
	"os"

	"github.com/tsawler/go-sigdiffusion/config"
	"github.com/tsawler/go-sigdiffusion/vision/preprocessing"
)

type imageEntry struct {
	Image   string `json:"image"`
	Caption string `json:"caption"`
}

// ImageDataset serves still images from train_data.image_json as clips of
// n_sample_frames identical frames with a zero signal.
type ImageDataset struct {
	*clipSampler
	dir     string
	entries []imageEntry
}

// NewImageDataset reads the image list. Paths are relative to
// train_data.image_dir.
func NewImageDataset(data config.TrainData, opts Options) (Dataset, error) {
	b, err := os.ReadFile(data.ImageJSON)
	if err != nil {
		return nil, fmt.Errorf("image_json: %w", err)
	}
	d := &ImageDataset{clipSampler: newClipSampler(data, opts), dir: data.ImageDir}
	if err := json.Unmarshal(b, &d.entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", data.ImageJSON, err)
	}
	return d, nil
}

// Len implements Dataset.
func (d *ImageDataset) Len() int { return len(d.entries) }

// Get implements Dataset.
func (d *ImageDataset) Get(i int) (Example, error) {
	if i < 0 || i >= len(d.entries) {
		return Example{}, fmt.Errorf("index %d out of range [0, %d)", i, len(d.entries))
	}
	e := d.entries[i]
	img, err := preprocessing.LoadImage(resolvePath(d.dir, e.Image))
	if err != nil {
		return Example{}, err
	}
	prompt := e.Caption
	if prompt == "" {
		prompt = d.data.FallbackPrompt
	}
	n := d.data.NSampleFrames
	ex, err := d.example([]image.Image{img}, make([]int, n), prompt, KindImage)
	if err != nil {
		return Example{}, err
	}
	if ex.SignalValues, err = d.zeroSignal(n); err != nil {
		return Example{}, err
	}
	return ex, nil
}
