// Package dataset provides the training data providers: video clips with
// aligned signal windows, single images, folders of clips and precomputed
// latents.
package dataset

import (
	"errors"

	"github.com/tsawler/go-sigdiffusion/tensor"
)

var (
	// ErrEmptyDataset is returned when a provider has nothing to serve.
	ErrEmptyDataset = errors.New("empty dataset")
	// ErrLowMotion marks clips whose motion score is under the threshold.
	ErrLowMotion = errors.New("motion below threshold")
)

// Provider names accepted in dataset_types.
const (
	KindJSON        = "json"
	KindVideoBLIP   = "video_blip"
	KindVideoJSON   = "video_json"
	KindSingleVideo = "single_video"
	KindImage       = "image"
	KindFolder      = "folder"
	KindCached      = "cached"
)

// Example is one training sample.
type Example struct {
	// PixelValues is (F,3,H,W) in [-1,1]. Nil when Latents is set.
	PixelValues *tensor.Tensor
	// Latents is a cached (4,F,h,w) latent that bypasses the codec.
	Latents *tensor.Tensor
	// SignalValues is (T,C) with T = F * frame_step.
	SignalValues *tensor.Tensor
	Prompt       string
	PromptIDs    []int
	// Mask is the (H,W) moved-area mask, nil when not computed.
	Mask        *tensor.Tensor
	MotionScore float64
	Source      string
}

// Dataset is the provider contract.
type Dataset interface {
	Len() int
	Get(i int) (Example, error)
}
