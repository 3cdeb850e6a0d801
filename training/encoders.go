package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-sigdiffusion/signal"
)

// Encoder modes selected by the signal_encoders key.
const (
	EncodersFresh      = "fresh"
	EncodersPersistent = "persistent"
)

// EncoderProvider hands out the signal encoders a step uses.
type EncoderProvider interface {
	// ForStep returns the encoders for the next step.
	ForStep(rng *rand.Rand) (*signal.EncoderSet, error)
	// Current returns the encoders used most recently, or the initial set.
	Current() *signal.EncoderSet
	// Trainable reports whether the encoders take part in optimization.
	Trainable() bool
}

// FreshEncoders re-initializes all four encoders from the step RNG at every
// step. They never receive optimizer updates.
type FreshEncoders struct {
	dims signal.Dims
	last *signal.EncoderSet
}

// PersistentEncoders keeps one encoder set for the whole run and trains it
// together with the network.
type PersistentEncoders struct {
	set *signal.EncoderSet
}

// NewEncoderProvider builds the provider for mode. initial seeds both modes:
// persistent trains it, fresh only reports it until the first step.
func NewEncoderProvider(mode string, initial *signal.EncoderSet) (EncoderProvider, error) {
	switch mode {
	case "", EncodersFresh:
		initial.SetRequiresGrad(false)
		return &FreshEncoders{dims: initial.Dims, last: initial}, nil
	case EncodersPersistent:
		initial.SetRequiresGrad(true)
		initial.Train()
		return &PersistentEncoders{set: initial}, nil
	default:
		return nil, fmt.Errorf("unknown signal encoder mode %q", mode)
	}
}

func (f *FreshEncoders) ForStep(rng *rand.Rand) (*signal.EncoderSet, error) {
	set, err := signal.NewEncoderSet(f.dims, rng)
	if err != nil {
		return nil, err
	}
	set.SetRequiresGrad(false)
	f.last = set
	return set, nil
}

func (f *FreshEncoders) Current() *signal.EncoderSet { return f.last }
func (f *FreshEncoders) Trainable() bool             { return false }

func (p *PersistentEncoders) ForStep(*rand.Rand) (*signal.EncoderSet, error) { return p.set, nil }
func (p *PersistentEncoders) Current() *signal.EncoderSet                    { return p.set }
func (p *PersistentEncoders) Trainable() bool                                { return true }
