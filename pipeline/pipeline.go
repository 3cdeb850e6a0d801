// Package pipeline holds the inference pipeline: the denoising network, the
// latent codec, the noise schedule and the signal encoders, together with
// the on-disk layout they are saved in.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/checkpoints"
	"github.com/tsawler/go-sigdiffusion/diffusion"
	"github.com/tsawler/go-sigdiffusion/signal"
	"github.com/tsawler/go-sigdiffusion/unet"
	"github.com/tsawler/go-sigdiffusion/vae"
)

// Pipeline directory layout.
const (
	ModelIndexFile  = "model_index.json"
	SchedulerConfig = "scheduler/scheduler_config.json"
	UNetDir         = "unet"
	VAEDir          = "vae"
)

// Pipeline bundles everything sampling needs.
type Pipeline struct {
	UNet     *unet.Model
	VAE      *vae.Autoencoder
	Schedule *diffusion.Schedule
	Encoders *signal.EncoderSet

	// Denoiser runs the network during sampling. It defaults to UNet and
	// may be replaced by an exported runtime.
	Denoiser unet.Denoiser
}

// LoadOptions controls how a pipeline directory is read.
type LoadOptions struct {
	// InChannels is the network input width. Zero keeps the saved width,
	// a wider value triggers channel surgery on the pretrained weights.
	InChannels int
	// EncoderDims is used when the directory carries no signal/config.json.
	EncoderDims *signal.Dims
	Rng         *rand.Rand
	Logger      zerolog.Logger
}

// Load reads a pipeline directory. Signal encoders are loaded from signal/
// when present, otherwise freshly initialized from EncoderDims if given.
func Load(dir string, saver *checkpoints.CheckpointSaver, opts LoadOptions) (*Pipeline, error) {
	rng := opts.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}

	schedCfg, err := diffusion.LoadConfig(filepath.Join(dir, filepath.FromSlash(SchedulerConfig)))
	if err != nil {
		return nil, err
	}
	schedule, err := diffusion.NewSchedule(schedCfg)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	codec, err := loadVAE(filepath.Join(dir, VAEDir), saver, rng)
	if err != nil {
		return nil, err
	}

	var net *unet.Model
	if opts.InChannels > 0 {
		net, err = unet.LoadPretrained(filepath.Join(dir, UNetDir), opts.InChannels, saver, rng, opts.Logger)
	} else {
		net, err = unet.Load(filepath.Join(dir, UNetDir), saver)
	}
	if err != nil {
		return nil, err
	}

	p := &Pipeline{UNet: net, VAE: codec, Schedule: schedule, Denoiser: net}
	if p.Encoders, err = loadEncoders(dir, opts.EncoderDims, rng); err != nil {
		return nil, err
	}
	return p, nil
}

func loadVAE(dir string, saver *checkpoints.CheckpointSaver, rng *rand.Rand) (*vae.Autoencoder, error) {
	cfg, err := vae.LoadConfig(filepath.Join(dir, unet.ConfigFile))
	if err != nil {
		return nil, err
	}
	codec, err := vae.New(cfg, rng)
	if err != nil {
		return nil, err
	}
	weights, err := saver.LoadWeights(dir, unet.WeightsName)
	if err != nil {
		return nil, fmt.Errorf("vae weights: %w", err)
	}
	if err := checkpoints.LoadIntoModule(codec, weights, true); err != nil {
		return nil, fmt.Errorf("vae weights: %w", err)
	}
	return codec, nil
}

func loadEncoders(dir string, fallback *signal.Dims, rng *rand.Rand) (*signal.EncoderSet, error) {
	var dims signal.Dims
	b, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(signal.DimsFile)))
	switch {
	case err == nil:
		if err := json.Unmarshal(b, &dims); err != nil {
			return nil, fmt.Errorf("decode %s: %w", signal.DimsFile, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		if fallback == nil {
			return nil, nil
		}
		dims = *fallback
	default:
		return nil, err
	}

	set, err := signal.NewEncoderSet(dims, rng)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(signal.ContextStateFile))); err == nil {
		if err := set.Load(dir); err != nil {
			return nil, fmt.Errorf("signal encoders: %w", err)
		}
	}
	return set, nil
}

// Snapshot copies the pipeline into a checkpoint value.
func (p *Pipeline) Snapshot(state checkpoints.TrainingState, opt *checkpoints.OptimizerState) *checkpoints.Checkpoint {
	ckpt := &checkpoints.Checkpoint{
		Weights: map[string][]checkpoints.WeightTensor{
			UNetDir + "/" + unet.WeightsName: p.UNet.Snapshot(),
			VAEDir + "/" + unet.WeightsName:  checkpoints.SnapshotModule(p.VAE),
		},
		Documents: map[string]any{
			ModelIndexFile:                  modelIndex(),
			SchedulerConfig:                 p.Schedule.Config(),
			UNetDir + "/" + unet.ConfigFile: p.UNet.Config(),
			VAEDir + "/" + unet.ConfigFile:  p.VAE.Config(),
		},
		TrainingState:  state,
		OptimizerState: opt,
	}
	if p.Encoders != nil {
		ckpt.StateFiles = p.Encoders.Snapshot()
		ckpt.Documents[signal.DimsFile] = p.Encoders.Dims
	}
	return ckpt
}

// Save writes the pipeline to dir.
func (p *Pipeline) Save(dir string, saver *checkpoints.CheckpointSaver) error {
	return saver.SaveCheckpoint(p.Snapshot(checkpoints.TrainingState{}, nil), dir)
}

func modelIndex() map[string]any {
	return map[string]any{
		"_class_name": "SignalVideoPipeline",
		"scheduler":   []string{"diffusion", "Schedule"},
		"unet":        []string{"unet", "Model"},
		"vae":         []string{"vae", "Autoencoder"},
		"signal":      []string{"signal", "EncoderSet"},
	}
}

// BootstrapOptions sizes a randomly initialized pipeline.
type BootstrapOptions struct {
	UNet      unet.Config
	VAE       vae.Config
	Scheduler diffusion.Config
	Seed      int64
}

// DefaultBootstrapOptions returns the default component configs.
func DefaultBootstrapOptions() BootstrapOptions {
	return BootstrapOptions{
		UNet:      unet.DefaultConfig(),
		VAE:       vae.DefaultConfig(),
		Scheduler: diffusion.DefaultConfig(),
	}
}

// Bootstrap writes a randomly initialized pipeline directory that training
// can start from when no pretrained weights are available.
func Bootstrap(dir string, opts BootstrapOptions, saver *checkpoints.CheckpointSaver) (*Pipeline, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	net, err := unet.New(opts.UNet, rng)
	if err != nil {
		return nil, err
	}
	codec, err := vae.New(opts.VAE, rng)
	if err != nil {
		return nil, err
	}
	schedule, err := diffusion.NewSchedule(opts.Scheduler)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{UNet: net, VAE: codec, Schedule: schedule, Denoiser: net}
	if err := p.Save(dir, saver); err != nil {
		return nil, err
	}
	return p, nil
}
