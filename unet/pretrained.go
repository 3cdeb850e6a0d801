package unet

import (
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/checkpoints"
	"github.com/tsawler/go-sigdiffusion/layers"
)

// WeightsName is the weight file stem inside a unet/ directory.
const WeightsName = "diffusion_pytorch_model"

// Snapshot deep-copies the network weights.
func (m *Model) Snapshot() []checkpoints.WeightTensor {
	return checkpoints.SnapshotModule(m)
}

// Load reads config.json and the weights of a unet/ directory. The
// network is built with a deterministic seed and then overwritten, so every
// parameter must be present in the weight file.
func Load(dir string, saver *checkpoints.CheckpointSaver) (*Model, error) {
	cfg, err := LoadConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	m, err := New(cfg, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	weights, err := saver.LoadWeights(dir, WeightsName)
	if err != nil {
		return nil, err
	}
	if err := checkpoints.LoadIntoModule(m, weights, true); err != nil {
		return nil, fmt.Errorf("load unet weights: %w", err)
	}
	return m, nil
}

// LoadPretrained loads the network in dir and, when inChannels is positive
// and differs from the stored input width, widens the input projection with
// ExpandInputChannels.
func LoadPretrained(dir string, inChannels int, saver *checkpoints.CheckpointSaver, rng *rand.Rand, logger zerolog.Logger) (*Model, error) {
	m, err := Load(dir, saver)
	if err != nil {
		return nil, err
	}
	if inChannels <= 0 || m.cfg.InChannels == inChannels {
		return m, nil
	}
	logger.Info().Msgf("Handle the channel mismatch %d vs %d", m.cfg.InChannels, inChannels)
	return ExpandInputChannels(m, inChannels, rng)
}

// ExpandInputChannels builds a network with inChannels inputs that computes
// the same function as pre on its trailing channels. The new input
// projection starts at zero, keeps pre's bias and holds pre's weight in the
// rows of the trailing input channels, so the extra leading channels have no
// effect until trained. Every other parameter is copied.
func ExpandInputChannels(pre *Model, inChannels int, rng *rand.Rand) (*Model, error) {
	old := pre.cfg.InChannels
	if inChannels < old {
		return nil, fmt.Errorf("cannot shrink unet input from %d to %d channels", old, inChannels)
	}
	cfg := pre.cfg
	cfg.InChannels = inChannels
	m, err := New(cfg, rng)
	if err != nil {
		return nil, err
	}

	sd := layers.StateDict(pre)
	delete(sd, "conv_in.weight")
	if err := layers.LoadStateDict(m, sd, false); err != nil {
		return nil, fmt.Errorf("copy pretrained weights: %w", err)
	}

	w := m.convIn.Weight()
	for i := range w.Data {
		w.Data[i] = 0
	}
	width := w.Shape[1]
	copy(w.Data[(inChannels-old)*width:], pre.convIn.Weight().Data)

	preParams := pre.Parameters()
	for i, p := range m.Parameters() {
		p.SetRequiresGrad(preParams[i].RequiresGrad())
	}
	return m, nil
}
