// Command sigtrain fine-tunes a video diffusion pipeline on clips paired
// with per-frame signal tracks, or renders samples from a trained one.
//
//	sigtrain --config train.yaml [a.b.c=value ...]
//	sigtrain --config train.yaml --eval
//	sigtrain --bootstrap ./models/base
//	sigtrain --config train.yaml --serve
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/checkpoints"
	"github.com/tsawler/go-sigdiffusion/config"
	"github.com/tsawler/go-sigdiffusion/dataset"
	"github.com/tsawler/go-sigdiffusion/latentcache"
	"github.com/tsawler/go-sigdiffusion/logging"
	"github.com/tsawler/go-sigdiffusion/media"
	"github.com/tsawler/go-sigdiffusion/pipeline"
	"github.com/tsawler/go-sigdiffusion/tracking"
	"github.com/tsawler/go-sigdiffusion/training"
)

var (
	configPath = flag.String("config", "", "training configuration (.yaml or .toml)")
	evalMode   = flag.Bool("eval", false, "render validation samples instead of training")
	bootstrap  = flag.String("bootstrap", "", "write a randomly initialized pipeline to this directory and exit")
	serve      = flag.Bool("serve", false, "serve the tracking database over HTTP and exit on interrupt")
	seed       = flag.Int64("seed", 0, "seed for --bootstrap")
)

func main() {
	flag.Parse()
	logger := logging.Init("sigtrain", logging.DefaultConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Args(), logger); err != nil {
		logger.Error().Err(err).Msg("sigtrain failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, overrides []string, logger zerolog.Logger) error {
	if *bootstrap != "" {
		opts := pipeline.DefaultBootstrapOptions()
		opts.Seed = *seed
		if _, err := pipeline.Bootstrap(*bootstrap, opts, checkpoints.NewCheckpointSaver(checkpoints.FormatSafeTensors)); err != nil {
			return err
		}
		logger.Info().Str("dir", *bootstrap).Msg("Wrote initial pipeline")
		return nil
	}
	if *configPath == "" {
		return fmt.Errorf("%w: --config is required", config.ErrConfig)
	}

	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		return err
	}
	logger = configureLogger(cfg.Log)

	store, err := tracking.Open(cfg, logging.Component(logger, "tracking"))
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		if cfg.Tracker.Addr != "" || *serve {
			srv := startServer(cfg.Tracker.Addr, store, logger)
			defer shutdown(srv)
		}
	}
	if *serve {
		if store == nil {
			return fmt.Errorf("%w: --serve needs a sqlite tracker", config.ErrConfig)
		}
		<-ctx.Done()
		return nil
	}

	if *evalMode {
		return runEval(ctx, cfg, store, logger)
	}
	return runTrain(ctx, cfg, store, logger)
}

func configureLogger(lc config.LogConfig) zerolog.Logger {
	lcfg := logging.DefaultConfig()
	if lvl, ok := logging.ParseLevel(lc.Level); ok {
		lcfg.Level = lvl
	}
	lcfg.JSON = lc.JSON
	lcfg.NoColor = lc.NoColor
	return logging.Init("sigtrain", lcfg)
}

func startServer(addr string, store *tracking.Store, logger zerolog.Logger) *tracking.Server {
	if addr == "" {
		addr = "127.0.0.1:8765"
	}
	srv := tracking.NewServer(addr, store, logging.Component(logger, "tracking-http"))
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("tracking server stopped")
		}
	}()
	return srv
}

func shutdown(srv *tracking.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

// startRun opens a tracked run, or a no-op tracker without a store.
func startRun(ctx context.Context, store *tracking.Store, name, outputDir string) (tracking.Tracker, error) {
	if store == nil {
		return tracking.Nop{}, nil
	}
	var text string
	if b, err := os.ReadFile(filepath.Join(outputDir, training.ConfigSnapshot)); err == nil {
		text = string(b)
	}
	return store.StartRun(ctx, name, outputDir, text)
}

func runEval(ctx context.Context, cfg *config.Config, store *tracking.Store, logger zerolog.Logger) error {
	denoiser, release, err := openDenoiser(cfg.InChannels, logger)
	if err != nil {
		return err
	}
	defer release()

	tracker, err := startRun(ctx, store, "eval", cfg.ValidationData.EvalOutputDir)
	if err != nil {
		return err
	}
	written, err := training.RunEval(ctx, cfg, tracker, denoiser, logger)
	if ferr := tracker.Finish(err); ferr != nil {
		logger.Warn().Err(ferr).Msg("failed to close tracked run")
	}
	if err != nil {
		return err
	}
	logger.Info().Int("samples", len(written)).Str("dir", cfg.ValidationData.EvalOutputDir).Msg("Evaluation finished")
	return nil
}

func runTrain(ctx context.Context, cfg *config.Config, store *tracking.Store, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfig, err)
	}
	rng := training.NewRand(cfg.Seed)

	outputDir, err := training.CreateOutputFolders(cfg.OutputDir, cfg, time.Now())
	if err != nil {
		return err
	}
	pipe, err := training.LoadPipeline(cfg, checkpoints.NewCheckpointSaver(format), rng, logger)
	if err != nil {
		return err
	}

	ds, latents, err := buildDataset(ctx, cfg, pipe, rng, logger)
	if latents != nil {
		defer latents.Close()
	}
	if err != nil {
		return err
	}

	tracker, err := startRun(ctx, store, filepath.Base(outputDir), outputDir)
	if err != nil {
		return err
	}
	trainer, err := training.NewTrainer(training.TrainerOptions{
		Config:    cfg,
		Pipeline:  pipe,
		Dataset:   ds,
		OutputDir: outputDir,
		Tracker:   tracker,
		Reporter:  tracker,
		Logger:    logger,
		Progress:  os.Stderr,
		Rng:       rng,
	})
	if err != nil {
		tracker.Finish(err)
		return err
	}

	state, err := trainer.Train(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Warn().Int("step", state.GlobalStep).Msg("Training interrupted")
	}
	if ferr := tracker.Finish(err); ferr != nil {
		logger.Warn().Err(ferr).Msg("failed to close tracked run")
	}
	if err != nil {
		return err
	}
	logger.Info().Int("step", state.GlobalStep).Str("dir", outputDir).Msg("Training finished")
	return nil
}

// buildDataset reads the configured providers. With cache_latents the
// clips are encoded once into the latent store and training reads from it.
// The returned store is nil when no provider needs one.
func buildDataset(ctx context.Context, cfg *config.Config, pipe *pipeline.Pipeline, rng *rand.Rand, logger zerolog.Logger) (dataset.Dataset, latentcache.Store, error) {
	dlog := logging.Component(logger, "dataset")
	reader := &dataset.FileReader{DefaultFPS: float64(cfg.TrainData.FPS), Timeout: 2 * time.Minute}
	if ff, err := media.NewFFmpeg(cfg.ValidationData.FFmpegPath, dlog); err == nil {
		reader.FFmpeg = ff
	} else {
		dlog.Warn().Err(err).Msg("ffmpeg not found, only frame directories can be read")
	}
	opts := dataset.Options{
		Reader:     reader,
		Rng:        rand.New(rand.NewSource(rng.Int63())),
		MotionMask: cfg.MotionMask,
		Logger:     dlog,
	}
	if path := cfg.TrainData.Tokenizer; path != "" {
		tok, err := dataset.LoadTokenizer(path, cfg.TrainData.MaxPromptTokens)
		if err != nil {
			return nil, nil, err
		}
		opts.Prompts = tok
	}

	if cfg.CacheLatents || slices.Contains(cfg.DatasetTypes, dataset.KindCached) {
		s, err := latentcache.Open(ctx, cfg, logging.Component(logger, "latentcache"))
		if err != nil {
			return nil, nil, err
		}
		opts.Latents = s
	}

	ds, err := dataset.Build(cfg, opts)
	if err != nil || !cfg.CacheLatents {
		return ds, opts.Latents, err
	}

	n, err := training.CacheLatents(ctx, pipe.VAE, ds, opts.Latents, rand.New(rand.NewSource(rng.Int63())), os.Stderr, logger)
	if err != nil {
		return nil, opts.Latents, err
	}
	logger.Info().Int("written", n).Msg("Latent cache ready")
	cached, err := dataset.NewCachedFromStore(ctx, opts.Latents)
	return cached, opts.Latents, err
}
