package dataset

import (
	"fmt"

	"github.com/tsawler/go-sigdiffusion/config"
)

// SingleVideoDataset splits one clip into consecutive chunks of
// n_sample_frames frames taken every frame_step frames.
type SingleVideoDataset struct {
	*clipSampler
	clip   *Clip
	chunks [][]int
	signal string
	prompt string
}

// NewSingleVideo decodes train_data.single_video_path once and keeps it in
// memory.
func NewSingleVideo(data config.TrainData, opts Options) (Dataset, error) {
	if !hasExt(data.SingleVideoPath, videoExts) {
		return nil, fmt.Errorf("single video is not a video type: %s, types: %v", data.SingleVideoPath, videoExts)
	}
	d := &SingleVideoDataset{
		clipSampler: newClipSampler(data, opts),
		signal:      data.SingleVideoSignal,
		prompt:      data.SingleVideoPrompt,
	}
	clip, err := d.read(data.SingleVideoPath)
	if err != nil {
		return nil, err
	}
	d.clip = clip
	d.chunks = Chunks(clip.Len(), max(1, data.FrameStep), data.NSampleFrames)
	return d, nil
}

// Chunks groups the frames 1, 1+step, 1+2*step, ... of a clip into
// consecutive runs of size frames. A trailing short run is dropped.
func Chunks(total, step, size int) [][]int {
	if size <= 0 {
		return nil
	}
	var out [][]int
	var cur []int
	for i := 1; i < total; i += step {
		cur = append(cur, i)
		if len(cur) == size {
			out = append(out, cur)
			cur = nil
		}
	}
	return out
}

// Len implements Dataset.
func (d *SingleVideoDataset) Len() int { return len(d.chunks) }

// Get implements Dataset.
func (d *SingleVideoDataset) Get(i int) (Example, error) {
	if i < 0 || i >= len(d.chunks) {
		return Example{}, fmt.Errorf("index %d out of range [0, %d)", i, len(d.chunks))
	}
	idx := d.chunks[i]
	ex, err := d.example(d.clip.Frames, idx, d.prompt, KindSingleVideo)
	if err != nil {
		return Example{}, err
	}
	if d.signal != "" {
		ex.SignalValues, err = d.window(d.signal, idx, max(1, d.data.FrameStep))
	} else {
		ex.SignalValues, err = d.zeroSignal(len(idx))
	}
	if err != nil {
		return Example{}, err
	}
	return ex, nil
}
