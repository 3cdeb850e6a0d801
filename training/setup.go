package training

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/checkpoints"
	"github.com/tsawler/go-sigdiffusion/config"
	"github.com/tsawler/go-sigdiffusion/pipeline"
	"github.com/tsawler/go-sigdiffusion/signal"
	"github.com/tsawler/go-sigdiffusion/unet"
	"github.com/tsawler/go-sigdiffusion/vae"
)

// Run directory layout.
const (
	RunDirPrefix   = "train_"
	RunTimeLayout  = "2006-01-02T15-04-05"
	SamplesDir     = "samples"
	ConfigSnapshot = "config.yaml"
)

// CreateOutputFolders creates <root>/train_<timestamp> with a samples/
// folder and the resolved configuration saved as config.yaml.
func CreateOutputFolders(root string, cfg *config.Config, now time.Time) (string, error) {
	dir := filepath.Join(root, RunDirPrefix+now.Format(RunTimeLayout))
	if err := os.MkdirAll(filepath.Join(dir, SamplesDir), 0o755); err != nil {
		return "", fmt.Errorf("create output folders: %w", err)
	}
	if err := cfg.Save(filepath.Join(dir, ConfigSnapshot)); err != nil {
		return "", fmt.Errorf("save config: %w", err)
	}
	return dir, nil
}

// EncoderDims derives the signal encoder contract from the training data
// settings. patch is the codec downsampling factor.
func EncoderDims(cfg *config.Config, crossAttentionDim, patch int) signal.Dims {
	td := cfg.TrainData
	patch = max(1, patch)
	return signal.Dims{
		Channels:          td.SignalChannels,
		Samples:           td.NSampleFrames * max(1, td.FrameStep),
		Frames:            td.NSampleFrames,
		LatentHeight:      td.Height / patch,
		LatentWidth:       td.Width / patch,
		ContextDim:        cfg.SignalEncoder.ContextDim,
		CrossAttentionDim: crossAttentionDim,
		HiddenDims:        cfg.SignalEncoder.HiddenDims,
		ResizeHidden:      cfg.SignalEncoder.ResizeHidden,
	}
}

// LoadPipeline reads pretrained_model_path, widening the network input to
// in_channels. Encoders stored with the pipeline are reused, otherwise a
// fresh set is sized from the training data settings.
func LoadPipeline(cfg *config.Config, saver *checkpoints.CheckpointSaver, rng *rand.Rand, logger zerolog.Logger) (*pipeline.Pipeline, error) {
	dir := cfg.PretrainedModelPath
	ucfg, err := unet.LoadConfig(filepath.Join(dir, pipeline.UNetDir, unet.ConfigFile))
	if err != nil {
		return nil, err
	}
	vcfg, err := vae.LoadConfig(filepath.Join(dir, pipeline.VAEDir, unet.ConfigFile))
	if err != nil {
		return nil, err
	}
	dims := EncoderDims(cfg, ucfg.CrossAttentionDim, vcfg.PatchSize)
	return pipeline.Load(dir, saver, pipeline.LoadOptions{
		InChannels:  cfg.InChannels,
		EncoderDims: &dims,
		Rng:         rng,
		Logger:      logger,
	})
}

// RunEval renders eval_iters samples for every validation pair into
// validation_data.eval_output_dir and returns the written GIF paths. A
// non-nil denoiser replaces the loaded network during sampling.
func RunEval(ctx context.Context, cfg *config.Config, reporter pipeline.ArtifactReporter, denoiser unet.Denoiser, logger zerolog.Logger) ([]string, error) {
	if err := cfg.ValidateEval(); err != nil {
		return nil, err
	}
	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}
	rng := NewRand(cfg.Seed)
	pipe, err := LoadPipeline(cfg, checkpoints.NewCheckpointSaver(format), rng, logger)
	if err != nil {
		return nil, err
	}
	pipe.UNet.Eval()
	if pipe.Encoders != nil {
		pipe.Encoders.Eval()
	}
	pipe.VAE.EnableSlicing(1)
	if denoiser != nil {
		pipe.Denoiser = denoiser
	}

	ev := pipeline.NewEvaluator(pipe, cfg.ValidationData, true, reporter, logger)
	vd := cfg.ValidationData
	return ev.BatchEval(ctx, vd.EvalOutputDir, 0, vd.EvalIters, rng)
}
