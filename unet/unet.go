package unet

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-sigdiffusion/layers"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

// Denoiser predicts the regression target for noisy latents.
//
// noisy is (B,4,F,h,w), condition (B,4,1,h,w), mask (B,1,F+1,h,w) and
// context (B,N,D). The prediction has the shape of noisy.
type Denoiser interface {
	Forward(noisy *tensor.Tensor, timesteps []int, condition, mask, context *tensor.Tensor) (*tensor.Tensor, error)
}

// block is one residual stage: a timestep-conditioned resnet, temporal
// mixing across frames and a single-token cross attention on the context.
type block struct {
	projIn   *layers.Linear // nil when the width does not change
	linear1  *layers.Linear
	timeProj *layers.Linear
	linear2  *layers.Linear
	tempMix  *layers.Linear
	toV      *layers.Linear
	toOut    *layers.Linear
}

func newBlock(in, out, tembDim, ctxDim int, rng *rand.Rand) (*block, error) {
	b := &block{}
	var err error
	if in != out {
		if b.projIn, err = layers.NewLinear(in, out, true, rng); err != nil {
			return nil, err
		}
	}
	specs := []struct {
		dst     **layers.Linear
		in, out int
	}{
		{&b.linear1, in, out},
		{&b.timeProj, tembDim, out},
		{&b.linear2, out, out},
		{&b.tempMix, out, out},
		{&b.toV, ctxDim, out},
		{&b.toOut, out, out},
	}
	for _, s := range specs {
		if *s.dst, err = layers.NewLinear(s.in, s.out, true, rng); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *block) named(prefix string) []layers.NamedParameter {
	var out []layers.NamedParameter
	if b.projIn != nil {
		out = append(out, layers.Prefixed(prefix+".resnet.proj_in", b.projIn)...)
	}
	out = append(out, layers.Prefixed(prefix+".resnet.linear_1", b.linear1)...)
	out = append(out, layers.Prefixed(prefix+".resnet.time_emb_proj", b.timeProj)...)
	out = append(out, layers.Prefixed(prefix+".resnet.linear_2", b.linear2)...)
	out = append(out, layers.Prefixed(prefix+".temp_mix", b.tempMix)...)
	out = append(out, layers.Prefixed(prefix+".attn2.to_v", b.toV)...)
	out = append(out, layers.Prefixed(prefix+".attn2.to_out", b.toOut)...)
	return out
}

// forward maps x (B,F,h,w,Cin) to (B,F,h,w,Cout). temb is (B,Temb) and ctx
// the pooled context (B,D).
func (b *block) forward(x, temb, ctx *tensor.Tensor) (*tensor.Tensor, error) {
	batch := x.Shape[0]
	res := x
	var err error
	if b.projIn != nil {
		if res, err = b.projIn.Forward(x); err != nil {
			return nil, err
		}
	}
	y, err := b.linear1.Forward(tensor.SiLU(x))
	if err != nil {
		return nil, err
	}
	t, err := b.timeProj.Forward(tensor.SiLU(temb))
	if err != nil {
		return nil, err
	}
	if t, err = tensor.Reshape(t, []int{batch, 1, 1, 1, -1}); err != nil {
		return nil, err
	}
	if y, err = tensor.Add(y, t); err != nil {
		return nil, err
	}
	if y, err = b.linear2.Forward(tensor.SiLU(y)); err != nil {
		return nil, err
	}
	if x, err = tensor.Add(res, y); err != nil {
		return nil, err
	}

	pooled, err := tensor.MeanAxis(x, 1, true)
	if err != nil {
		return nil, err
	}
	mixed, err := b.tempMix.Forward(pooled)
	if err != nil {
		return nil, err
	}
	if x, err = tensor.Add(x, mixed); err != nil {
		return nil, err
	}

	// With a single pooled key the attention weights are all one, so the
	// attended value is the projected context itself.
	v, err := b.toV.Forward(ctx)
	if err != nil {
		return nil, err
	}
	if v, err = b.toOut.Forward(v); err != nil {
		return nil, err
	}
	if v, err = tensor.Reshape(v, []int{batch, 1, 1, 1, -1}); err != nil {
		return nil, err
	}
	return tensor.Add(x, v)
}

// Model is the mask-conditioned 3D denoising network. Convolutions are
// 1x1x1, so spatial positions are processed independently while frames
// exchange information through the temporal mixing of every block.
type Model struct {
	cfg      Config
	convIn   *layers.Linear
	timeLin1 *layers.Linear
	timeLin2 *layers.Linear
	blocks   []*block
	convOut  *layers.Linear
	training bool
}

// New builds a network of the configured shape initialized from rng.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c0, temb := cfg.BlockOutChannels[0], cfg.TimeEmbedDim()
	m := &Model{cfg: cfg, training: true}
	var err error
	if m.convIn, err = layers.NewLinear(cfg.InChannels, c0, true, rng); err != nil {
		return nil, err
	}
	if m.timeLin1, err = layers.NewLinear(c0, temb, true, rng); err != nil {
		return nil, err
	}
	if m.timeLin2, err = layers.NewLinear(temb, temb, true, rng); err != nil {
		return nil, err
	}
	prev := c0
	for _, ch := range cfg.BlockOutChannels {
		b, err := newBlock(prev, ch, temb, cfg.CrossAttentionDim, rng)
		if err != nil {
			return nil, err
		}
		m.blocks = append(m.blocks, b)
		prev = ch
	}
	if m.convOut, err = layers.NewLinear(prev, cfg.OutChannels, true, rng); err != nil {
		return nil, err
	}
	return m, nil
}

// Config returns the network settings.
func (m *Model) Config() Config { return m.cfg }

// ConvIn exposes the input projection. Its weight is stored [in, out].
func (m *Model) ConvIn() *layers.Linear { return m.convIn }

// TimestepEmbedding returns the sinusoidal embedding (B,dim) with cosine
// terms first.
func TimestepEmbedding(timesteps []int, dim int) *tensor.Tensor {
	half := dim / 2
	out := tensor.MustNew([]int{len(timesteps), dim}, nil)
	for b, t := range timesteps {
		row := out.Data[b*dim : (b+1)*dim]
		for k := 0; k < half; k++ {
			freq := math.Exp(-math.Log(10000) * float64(k) / float64(half))
			arg := float64(t) * freq
			row[k] = float32(math.Cos(arg))
			row[half+k] = float32(math.Sin(arg))
		}
	}
	return out
}

// ForwardRaw runs the network on an already assembled input
// (B,in_channels,F,h,w) and returns (B,out_channels,F,h,w).
func (m *Model) ForwardRaw(x *tensor.Tensor, timesteps []int, context *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 5 || x.Shape[1] != m.cfg.InChannels {
		return nil, fmt.Errorf("%w: unet expects (B,%d,F,h,w), got %v", tensor.ErrShapeMismatch, m.cfg.InChannels, x.Shape)
	}
	batch := x.Shape[0]
	if len(timesteps) != batch {
		return nil, fmt.Errorf("%w: %d timesteps for batch %d", tensor.ErrShapeMismatch, len(timesteps), batch)
	}
	if len(context.Shape) != 3 || context.Shape[0] != batch || context.Shape[2] != m.cfg.CrossAttentionDim {
		return nil, fmt.Errorf("%w: context expects (%d,N,%d), got %v", tensor.ErrShapeMismatch, batch, m.cfg.CrossAttentionDim, context.Shape)
	}

	h, err := tensor.Permute(x, 0, 2, 3, 4, 1)
	if err != nil {
		return nil, err
	}
	if h, err = m.convIn.Forward(h); err != nil {
		return nil, err
	}

	temb, err := m.timeLin1.Forward(TimestepEmbedding(timesteps, m.cfg.BlockOutChannels[0]))
	if err != nil {
		return nil, err
	}
	if temb, err = m.timeLin2.Forward(tensor.SiLU(temb)); err != nil {
		return nil, err
	}
	ctx, err := tensor.MeanAxis(context, 1, false)
	if err != nil {
		return nil, err
	}

	for i, b := range m.blocks {
		if h, err = b.forward(h, temb, ctx); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	if h, err = m.convOut.Forward(tensor.SiLU(h)); err != nil {
		return nil, err
	}
	return tensor.Permute(h, 0, 4, 1, 2, 3)
}

// Forward prepends the condition latent along the frame axis and, when the
// network carries a mask channel, the mask along the channel axis. The
// output frame that corresponds to the condition is dropped.
func (m *Model) Forward(noisy *tensor.Tensor, timesteps []int, condition, mask, context *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := AssembleInput(m.cfg.InChannels, noisy, condition, mask)
	if err != nil {
		return nil, err
	}
	out, err := m.ForwardRaw(x, timesteps, context)
	if err != nil {
		return nil, err
	}
	return tensor.Narrow(out, 2, 1, noisy.Shape[2])
}

// AssembleInput builds the (B,inChannels,F+1,h,w) network input from noisy
// latents, the condition latent and, for mask-conditioned networks, the mask.
func AssembleInput(inChannels int, noisy, condition, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if len(noisy.Shape) != 5 {
		return nil, fmt.Errorf("%w: noisy latents must be (B,C,F,h,w), got %v", tensor.ErrShapeMismatch, noisy.Shape)
	}
	b, c, f, h, w := noisy.Shape[0], noisy.Shape[1], noisy.Shape[2], noisy.Shape[3], noisy.Shape[4]
	if condition == nil || !tensor.SameShape(condition.Shape, []int{b, c, 1, h, w}) {
		return nil, fmt.Errorf("%w: condition latent expects %v", tensor.ErrShapeMismatch, []int{b, c, 1, h, w})
	}
	x, err := tensor.Concat([]*tensor.Tensor{condition, noisy}, 2)
	if err != nil {
		return nil, err
	}
	switch inChannels - c {
	case 0:
		return x, nil
	case 1:
		if mask == nil || !tensor.SameShape(mask.Shape, []int{b, 1, f + 1, h, w}) {
			return nil, fmt.Errorf("%w: mask expects %v", tensor.ErrShapeMismatch, []int{b, 1, f + 1, h, w})
		}
		return tensor.Concat([]*tensor.Tensor{mask, x}, 1)
	default:
		return nil, fmt.Errorf("%w: network takes %d input channels, latents have %d", tensor.ErrShapeMismatch, inChannels, c)
	}
}

// NamedParameters names every weight with its module path.
func (m *Model) NamedParameters() []layers.NamedParameter {
	out := layers.Prefixed("conv_in", m.convIn)
	out = append(out, layers.Prefixed("time_embedding.linear_1", m.timeLin1)...)
	out = append(out, layers.Prefixed("time_embedding.linear_2", m.timeLin2)...)
	for i, b := range m.blocks {
		out = append(out, b.named(fmt.Sprintf("blocks.%d", i))...)
	}
	return append(out, layers.Prefixed("conv_out", m.convOut)...)
}

// Parameters returns every weight in NamedParameters order.
func (m *Model) Parameters() []*tensor.Tensor {
	named := m.NamedParameters()
	out := make([]*tensor.Tensor, len(named))
	for i, p := range named {
		out[i] = p.Tensor
	}
	return out
}

// Train and Eval switch the network mode.
func (m *Model) Train()           { m.training = true }
func (m *Model) Eval()            { m.training = false }
func (m *Model) IsTraining() bool { return m.training }
