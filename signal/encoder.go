// Package signal holds the signal encoders that turn per-frame signal
// vectors into conditioning for the denoising network, and the helpers that
// read and align signal tracks.
package signal

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-sigdiffusion/layers"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

// DefaultHiddenDims are the hidden widths of a LatentSignalEncoder.
var DefaultHiddenDims = []int{1024, 512, 256, 128, 64}

// LatentSignalEncoder is an MLP applied to the last axis:
// input_dim -> hidden dims with ReLU -> output_dim.
type LatentSignalEncoder struct {
	encoder *layers.Sequential
	in, out int
}

// NewLatentSignalEncoder builds the encoder. A nil hidden slice uses
// DefaultHiddenDims.
func NewLatentSignalEncoder(inputDim, outputDim int, hidden []int, rng *rand.Rand) (*LatentSignalEncoder, error) {
	if hidden == nil {
		hidden = DefaultHiddenDims
	}
	widths := append(append([]int{inputDim}, hidden...), outputDim)
	seq, err := layers.MLP(widths, layers.NewReLU, rng)
	if err != nil {
		return nil, fmt.Errorf("latent signal encoder: %w", err)
	}
	return &LatentSignalEncoder{encoder: seq, in: inputDim, out: outputDim}, nil
}

// Forward maps signal windows (B,T,C) to context tokens.
func (e *LatentSignalEncoder) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if last := x.Shape[len(x.Shape)-1]; last != e.in {
		return nil, fmt.Errorf("%w: signal encoder expects last axis %d, got %v", tensor.ErrShapeMismatch, e.in, x.Shape)
	}
	return e.encoder.Forward(x)
}

// InputDim and OutputDim report the flattened window and token widths.
func (e *LatentSignalEncoder) InputDim() int  { return e.in }
func (e *LatentSignalEncoder) OutputDim() int { return e.out }

// Parameters returns the MLP weights in layer order.
func (e *LatentSignalEncoder) Parameters() []*tensor.Tensor { return e.encoder.Parameters() }
func (e *LatentSignalEncoder) NamedParameters() []layers.NamedParameter {
	return layers.Prefixed("encoder", e.encoder)
}
// Train and Eval switch the MLP mode.
func (e *LatentSignalEncoder) Train()           { e.encoder.Train() }
func (e *LatentSignalEncoder) Eval()            { e.encoder.Eval() }
func (e *LatentSignalEncoder) IsTraining() bool { return e.encoder.IsTraining() }

// SignalResizeEncoder maps a flattened embedding to the cross-attention
// width: input_dim -> hidden -> hidden -> output_dim with ReLU.
type SignalResizeEncoder struct {
	encoder *layers.Sequential
	in, out int
}

// NewSignalResizeEncoder builds the resizer. hidden <= 0 means 1024.
func NewSignalResizeEncoder(inputDim, outputDim, hidden int, rng *rand.Rand) (*SignalResizeEncoder, error) {
	if hidden <= 0 {
		hidden = 1024
	}
	seq, err := layers.MLP([]int{inputDim, hidden, hidden, outputDim}, layers.NewReLU, rng)
	if err != nil {
		return nil, fmt.Errorf("signal resize encoder: %w", err)
	}
	return &SignalResizeEncoder{encoder: seq, in: inputDim, out: outputDim}, nil
}

// Forward maps signal windows to a spatial condition on the latent grid.
func (e *SignalResizeEncoder) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if last := x.Shape[len(x.Shape)-1]; last != e.in {
		return nil, fmt.Errorf("%w: resize encoder expects last axis %d, got %v", tensor.ErrShapeMismatch, e.in, x.Shape)
	}
	return e.encoder.Forward(x)
}

// Parameters returns the MLP weights in layer order.
func (e *SignalResizeEncoder) Parameters() []*tensor.Tensor { return e.encoder.Parameters() }
func (e *SignalResizeEncoder) NamedParameters() []layers.NamedParameter {
	return layers.Prefixed("encoder", e.encoder)
}
// Train and Eval switch the MLP mode.
func (e *SignalResizeEncoder) Train()           { e.encoder.Train() }
func (e *SignalResizeEncoder) Eval()            { e.encoder.Eval() }
func (e *SignalResizeEncoder) IsTraining() bool { return e.encoder.IsTraining() }
