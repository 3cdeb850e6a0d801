package signal

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/tsawler/go-sigdiffusion/checkpoints"
	"github.com/tsawler/go-sigdiffusion/layers"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

// State file locations inside a checkpoint directory.
const (
	ContextStateFile = "signal/sig1.pb"
	SpatialStateFile = "signal/sig2.pb"
	DimsFile         = "signal/config.json"
)

// Dims fixes the tensor contract of an EncoderSet.
type Dims struct {
	Channels          int   `json:"channels"`            // C, width of one signal sample
	Samples           int   `json:"samples"`             // T = frames * frame step
	Frames            int   `json:"frames"`              // F
	LatentHeight      int   `json:"latent_height"`       // h
	LatentWidth       int   `json:"latent_width"`        // w
	ContextDim        int   `json:"context_dim"`         // width of one encoded sample on the context path
	CrossAttentionDim int   `json:"cross_attention_dim"` // D, token width the network attends to
	HiddenDims        []int `json:"hidden_dims,omitempty"`
	ResizeHidden      int   `json:"resize_hidden,omitempty"`
}

func (d Dims) validate() error {
	if d.Channels <= 0 || d.Samples <= 0 || d.Frames <= 0 || d.LatentHeight <= 0 || d.LatentWidth <= 0 {
		return fmt.Errorf("invalid signal dims %+v", d)
	}
	if d.Samples%d.Frames != 0 {
		return fmt.Errorf("%w: %d signal samples do not split into %d frames", tensor.ErrShapeMismatch, d.Samples, d.Frames)
	}
	if d.ContextDim <= 0 || d.CrossAttentionDim <= 0 {
		return fmt.Errorf("invalid context widths %d/%d", d.ContextDim, d.CrossAttentionDim)
	}
	return nil
}

// FrameStep is the number of signal samples per frame.
func (d Dims) FrameStep() int { return d.Samples / d.Frames }

// EncoderSet holds the four networks that encode one signal window:
// the context path (Context then Resize) yields the cross-attention token,
// the spatial path (Frame and Window) yields the mask.
type EncoderSet struct {
	Dims Dims

	Context *LatentSignalEncoder // C -> ContextDim per sample
	Resize  *SignalResizeEncoder // T*ContextDim -> CrossAttentionDim
	Frame   *LatentSignalEncoder // C -> h*w per sample, pooled per frame
	Window  *LatentSignalEncoder // T*C -> h*w for the whole window
}

// NewEncoderSet initializes all four encoders from rng.
func NewEncoderSet(d Dims, rng *rand.Rand) (*EncoderSet, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	hw := d.LatentHeight * d.LatentWidth
	s := &EncoderSet{Dims: d}
	var err error
	if s.Context, err = NewLatentSignalEncoder(d.Channels, d.ContextDim, d.HiddenDims, rng); err != nil {
		return nil, err
	}
	if s.Resize, err = NewSignalResizeEncoder(d.Samples*d.ContextDim, d.CrossAttentionDim, d.ResizeHidden, rng); err != nil {
		return nil, err
	}
	if s.Frame, err = NewLatentSignalEncoder(d.Channels, hw, d.HiddenDims, rng); err != nil {
		return nil, err
	}
	if s.Window, err = NewLatentSignalEncoder(d.Samples*d.Channels, hw, d.HiddenDims, rng); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EncoderSet) checkSignal(sig *tensor.Tensor) error {
	if len(sig.Shape) != 3 || sig.Shape[1] != s.Dims.Samples || sig.Shape[2] != s.Dims.Channels {
		return fmt.Errorf("%w: signal must be (B,%d,%d), got %v", tensor.ErrShapeMismatch, s.Dims.Samples, s.Dims.Channels, sig.Shape)
	}
	return nil
}

// ContextTokens encodes sig (B,T,C) into one (B,1,D) token per element.
func (s *EncoderSet) ContextTokens(sig *tensor.Tensor) (*tensor.Tensor, error) {
	if err := s.checkSignal(sig); err != nil {
		return nil, err
	}
	enc, err := s.Context.Forward(sig)
	if err != nil {
		return nil, fmt.Errorf("context encoder: %w", err)
	}
	flat, err := tensor.Reshape(enc, []int{sig.Shape[0], 1, -1})
	if err != nil {
		return nil, err
	}
	out, err := s.Resize.Forward(flat)
	if err != nil {
		return nil, fmt.Errorf("context resizer: %w", err)
	}
	return out, nil
}

// Mask encodes sig (B,T,C) into the (B,1,F+1,h,w) spatial mask: F per-frame
// maps followed by one whole-window map.
func (s *EncoderSet) Mask(sig *tensor.Tensor) (*tensor.Tensor, error) {
	if err := s.checkSignal(sig); err != nil {
		return nil, err
	}
	d := s.Dims
	b := sig.Shape[0]

	perSample, err := s.Frame.Forward(sig) // (B,T,h*w)
	if err != nil {
		return nil, fmt.Errorf("frame encoder: %w", err)
	}
	grouped, err := tensor.Reshape(perSample, []int{b, d.Frames, d.FrameStep(), -1})
	if err != nil {
		return nil, err
	}
	pooled, err := tensor.MeanAxis(grouped, 2, false) // (B,F,h*w)
	if err != nil {
		return nil, err
	}
	frames, err := tensor.Reshape(pooled, []int{b, 1, d.Frames, d.LatentHeight, d.LatentWidth})
	if err != nil {
		return nil, err
	}

	flat, err := tensor.Reshape(sig, []int{b, 1, -1})
	if err != nil {
		return nil, err
	}
	whole, err := s.Window.Forward(flat) // (B,1,h*w)
	if err != nil {
		return nil, fmt.Errorf("window encoder: %w", err)
	}
	window, err := tensor.Reshape(whole, []int{b, 1, 1, d.LatentHeight, d.LatentWidth})
	if err != nil {
		return nil, err
	}
	return tensor.Concat([]*tensor.Tensor{frames, window}, 2)
}

// ContextParameters names the context path parameters.
func (s *EncoderSet) ContextParameters() []layers.NamedParameter {
	return append(layers.Prefixed("context", s.Context), layers.Prefixed("resize", s.Resize)...)
}

// SpatialParameters names the mask path parameters.
func (s *EncoderSet) SpatialParameters() []layers.NamedParameter {
	return append(layers.Prefixed("frame", s.Frame), layers.Prefixed("window", s.Window)...)
}

// NamedParameters lists the context path before the spatial path.
func (s *EncoderSet) NamedParameters() []layers.NamedParameter {
	return append(s.ContextParameters(), s.SpatialParameters()...)
}

// Parameters returns every encoder parameter.
func (s *EncoderSet) Parameters() []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, p := range s.NamedParameters() {
		out = append(out, p.Tensor)
	}
	return out
}

// SetRequiresGrad freezes or unfreezes all four encoders.
func (s *EncoderSet) SetRequiresGrad(requires bool) {
	for _, p := range s.Parameters() {
		p.SetRequiresGrad(requires)
	}
}

func (s *EncoderSet) Train() {
	for _, m := range s.modules() {
		m.Train()
	}
}

func (s *EncoderSet) Eval() {
	for _, m := range s.modules() {
		m.Eval()
	}
}

func (s *EncoderSet) modules() []layers.Module {
	return []layers.Module{s.Context, s.Resize, s.Frame, s.Window}
}

// Snapshot deep-copies both state files for a checkpoint writer.
func (s *EncoderSet) Snapshot() map[string][]checkpoints.WeightTensor {
	return map[string][]checkpoints.WeightTensor{
		ContextStateFile: checkpoints.SnapshotParams(s.ContextParameters()),
		SpatialStateFile: checkpoints.SnapshotParams(s.SpatialParameters()),
	}
}

// Save writes both state files under dir.
func (s *EncoderSet) Save(dir string) error {
	for rel, weights := range s.Snapshot() {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := checkpoints.SaveStateFile(path, weights, nil); err != nil {
			return fmt.Errorf("save %s: %w", rel, err)
		}
	}
	return nil
}

// Load restores both state files from dir.
func (s *EncoderSet) Load(dir string) error {
	targets := map[string][]layers.NamedParameter{
		ContextStateFile: s.ContextParameters(),
		SpatialStateFile: s.SpatialParameters(),
	}
	for rel, named := range targets {
		weights, _, err := checkpoints.LoadStateFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		if err := checkpoints.LoadIntoParams(named, weights, true); err != nil {
			return fmt.Errorf("load %s: %w", rel, err)
		}
	}
	return nil
}
