package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/checkpoints"
	"github.com/tsawler/go-sigdiffusion/config"
	"github.com/tsawler/go-sigdiffusion/dataset"
	"github.com/tsawler/go-sigdiffusion/logging"
	"github.com/tsawler/go-sigdiffusion/optimizer"
	"github.com/tsawler/go-sigdiffusion/pipeline"
	"github.com/tsawler/go-sigdiffusion/signal"
	"github.com/tsawler/go-sigdiffusion/unet"
)

// PreviewStep is the early step at which a sample is rendered regardless of
// validation_steps, so a broken run shows early.
const PreviewStep = 5

// Tracker records the scalar series of a run.
type Tracker interface {
	LogMetrics(step int, values map[string]float64) error
}

// TrainingMetrics holds what one optimizer step reported
type TrainingMetrics struct {
	GlobalStep   int
	Epoch        int
	TrainLoss    float64 // mean loss over the accumulation window
	StepLoss     float64 // loss of the last completed micro-step
	LearningRate float64
	GradNorm     float64
	Dropped      int // micro-steps trained with zeroed context tokens
	Failed       int // micro-steps skipped
	StepDuration time.Duration
}

// TrainerOptions wires the collaborators of a run.
type TrainerOptions struct {
	Config   *config.Config
	Pipeline *pipeline.Pipeline
	Dataset  dataset.Dataset
	// OutputDir is the run directory, see CreateOutputFolders.
	OutputDir string
	Tracker   Tracker
	Reporter  pipeline.ArtifactReporter
	Logger    zerolog.Logger
	// Progress receives the progress bar. Nil disables it.
	Progress io.Writer
	Rng      *rand.Rand
}

// Trainer manages the training process
type Trainer struct {
	cfg       *config.Config
	pipe      *pipeline.Pipeline
	loader    *DataLoader
	runner    *StepRunner
	encoders  EncoderProvider
	optimizer optimizer.Optimizer
	scheduler LRScheduler
	baseLR    float64
	accel     *Accelerator
	ckpt      *CheckpointManager
	evaluator *pipeline.Evaluator
	tracker   Tracker
	selector  *TrainableSelector
	outputDir string
	progress  io.Writer
	rng       *rand.Rand
	logger    zerolog.Logger

	state      checkpoints.TrainingState
	epochs     int
	firstEpoch int
	resumeStep int
	resumed    bool
	metrics    []TrainingMetrics
}

// NewTrainer builds the run state: trainable selection, optimizer, learning
// rate schedule, data loader and checkpointing. Any configuration problem is
// reported here, before the first step.
func NewTrainer(opts TrainerOptions) (*Trainer, error) {
	cfg := opts.Config
	if cfg == nil || opts.Pipeline == nil || opts.Dataset == nil {
		return nil, errors.New("trainer needs a config, a pipeline and a dataset")
	}
	pipe := opts.Pipeline
	if pipe.Encoders == nil {
		return nil, errors.New("pipeline has no signal encoders")
	}
	if err := checkEncoderDims(cfg, pipe.Encoders.Dims); err != nil {
		return nil, err
	}

	logger := logging.Component(opts.Logger, "trainer")
	rng := opts.Rng
	if rng == nil {
		rng = NewRand(cfg.Seed)
	}

	accel, err := NewAccelerator(cfg.GradientAccumulationSteps, cfg.MixedPrecision)
	if err != nil {
		return nil, err
	}

	schedule := pipe.Schedule
	if cfg.RescaleSchedule {
		schedule = schedule.RescaleZeroTerminalSNR()
	}
	fusion, err := NewFusion(schedule, FusionConfig{
		UseOffsetNoise:      cfg.UseOffsetNoise,
		OffsetNoiseStrength: cfg.OffsetNoiseStrength,
		RescaleSchedule:     cfg.RescaleSchedule,
		ConditioningDropout: cfg.ConditioningDropout,
	})
	if err != nil {
		return nil, err
	}

	selector := &TrainableSelector{Modules: cfg.TrainableModules, NotModules: cfg.NotTrainableModules}
	unfrozen := selector.Apply(pipe.UNet, logger)
	provider, err := NewEncoderProvider(cfg.SignalEncoders, pipe.Encoders)
	if err != nil {
		return nil, err
	}
	if unfrozen == 0 && !provider.Trainable() {
		return nil, fmt.Errorf("%w: no parameter matches trainable_modules %v", config.ErrConfig, []string(cfg.TrainableModules))
	}
	if cfg.EvalTrain {
		pipe.UNet.Eval()
	} else {
		pipe.UNet.Train()
	}

	params := pipe.UNet.Parameters()
	if provider.Trainable() {
		params = append(params, pipe.Encoders.Parameters()...)
	}
	baseLR := cfg.EffectiveLearningRate(accel.NumProcesses)
	opt, err := optimizer.New(optimizer.Config{
		Kind:         cfg.Optimizer,
		LearningRate: float32(baseLR),
		Beta1:        float32(cfg.AdamBeta1),
		Beta2:        float32(cfg.AdamBeta2),
		Epsilon:      float32(cfg.AdamEpsilon),
		WeightDecay:  float32(cfg.AdamWeightDecay),
		Momentum:     float32(cfg.SGDMomentum),
	}, params)
	if err != nil {
		return nil, err
	}

	loader, err := NewDataLoader(opts.Dataset, cfg.TrainBatchSize, cfg.Shuffle, rng)
	if err != nil {
		return nil, err
	}
	epochs := NumTrainEpochs(cfg.MaxTrainSteps, accel.AccumulationSteps, loader.Len(), accel.NumProcesses)

	accum := accel.AccumulationSteps
	sched, err := NewLRScheduler(cfg.LRScheduler, cfg.LRWarmupSteps*accum, cfg.MaxTrainSteps*accum, epochs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}

	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}
	ckpt, err := NewCheckpointManager(CheckpointConfig{
		SaveDirectory:  opts.OutputDir,
		SaveFrequency:  cfg.CheckpointingSteps,
		MaxCheckpoints: cfg.CheckpointsTotalLimit,
		Format:         format,
	}, logger)
	if err != nil {
		return nil, err
	}

	runner := &StepRunner{Fusion: fusion, Denoiser: pipe.UNet, Encoders: provider, Accelerator: accel}
	if pipe.VAE != nil {
		runner.Codec = pipe.VAE
	}

	t := &Trainer{
		cfg:       cfg,
		pipe:      pipe,
		loader:    loader,
		runner:    runner,
		encoders:  provider,
		optimizer: opt,
		scheduler: sched,
		baseLR:    baseLR,
		accel:     accel,
		ckpt:      ckpt,
		tracker:   opts.Tracker,
		selector:  selector,
		outputDir: opts.OutputDir,
		progress:  opts.Progress,
		rng:       rng,
		logger:    logger,
		epochs:    epochs,
	}
	if cfg.ValidationData.SamplePreview {
		t.evaluator = pipeline.NewEvaluator(pipe, cfg.ValidationData, true, opts.Reporter, logging.Component(opts.Logger, "eval"))
	}
	opt.UpdateLearningRate(float32(t.learningRate()))

	if err := t.resume(); err != nil {
		return nil, err
	}
	return t, nil
}

// NewRand seeds a generator from seed, or from the clock when nil.
func NewRand(seed *int64) *rand.Rand {
	if seed != nil {
		return rand.New(rand.NewSource(*seed))
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// NumTrainEpochs is the number of passes over the loader needed to reach
// maxSteps optimizer steps.
func NumTrainEpochs(maxSteps, accumulation, batchesPerEpoch, numProcesses int) int {
	if batchesPerEpoch <= 0 {
		return 1
	}
	n := float64(maxSteps*max(1, accumulation)) / float64(batchesPerEpoch) / float64(max(1, numProcesses))
	return max(1, int(math.Ceil(n)))
}

// ShouldValidate reports whether a sample is rendered after globalStep.
func ShouldValidate(globalStep, validationSteps int, samplePreview bool) bool {
	if !samplePreview {
		return false
	}
	return (validationSteps > 0 && globalStep%validationSteps == 0) || globalStep == PreviewStep
}

func checkEncoderDims(cfg *config.Config, d signal.Dims) error {
	td := cfg.TrainData
	if d.Frames != td.NSampleFrames {
		return fmt.Errorf("%w: signal encoders expect %d frames, train_data.n_sample_frames is %d", config.ErrConfig, d.Frames, td.NSampleFrames)
	}
	if d.Channels != td.SignalChannels {
		return fmt.Errorf("%w: signal encoders expect %d channels, train_data.signal_channels is %d", config.ErrConfig, d.Channels, td.SignalChannels)
	}
	return nil
}

// learningRate evaluates the schedule at the current position. Lengths are
// counted in micro-steps.
func (t *Trainer) learningRate() float64 {
	micro := t.state.GlobalStep * t.accel.AccumulationSteps
	return t.scheduler.GetLR(t.state.Epoch, micro, t.baseLR)
}

func (t *Trainer) resume() error {
	dir, err := ResolveResume(t.cfg.ResumeFromCheckpoint, t.cfg.OutputDir)
	if err != nil || dir == "" {
		return err
	}

	weights, err := t.ckpt.Saver().LoadWeights(dir, path.Join(pipeline.UNetDir, unet.WeightsName))
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if err := checkpoints.LoadIntoModule(t.pipe.UNet, weights, true); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if t.encoders.Trainable() {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(signal.ContextStateFile))); err == nil {
			if err := t.pipe.Encoders.Load(dir); err != nil {
				return fmt.Errorf("resume: %w", err)
			}
		}
	}

	state, optState, err := checkpoints.LoadTrainingState(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		state.GlobalStep, _ = StepFromCheckpointDir(dir)
	case err != nil:
		return fmt.Errorf("resume: %w", err)
	}
	if optState != nil {
		if err := t.optimizer.LoadState(optState); err != nil {
			return fmt.Errorf("resume optimizer: %w", err)
		}
	}

	t.state.GlobalStep = state.GlobalStep
	t.state.Epoch = state.Epoch
	t.state.LastLoss = state.LastLoss
	batches := state.GlobalStep * t.accel.AccumulationSteps
	t.firstEpoch = batches / t.loader.Len()
	t.resumeStep = batches % t.loader.Len()
	if t.cfg.ResumeStep > 0 {
		t.resumeStep = t.cfg.ResumeStep
	}
	t.resumed = true
	t.optimizer.UpdateLearningRate(float32(t.learningRate()))
	t.logger.Info().Str("path", dir).Int("global_step", t.state.GlobalStep).Int("resume_step", t.resumeStep).
		Msgf("Resuming from checkpoint %s", dir)
	return nil
}

// State returns the current training state.
func (t *Trainer) State() checkpoints.TrainingState { return t.state }

// Epochs returns the number of epochs the run is planned for.
func (t *Trainer) Epochs() int { return t.epochs }

// GetMetrics returns the per-step metrics recorded so far.
func (t *Trainer) GetMetrics() []TrainingMetrics { return t.metrics }

// Checkpoints exposes the checkpoint manager.
func (t *Trainer) Checkpoints() *CheckpointManager { return t.ckpt }

func (t *Trainer) logHeader() {
	accum := t.accel.AccumulationSteps
	total := t.cfg.TrainBatchSize * t.accel.NumProcesses * accum
	t.logger.Info().Msg("***** Running training *****")
	t.logger.Info().Msgf("  Num examples = %d", t.loader.dataset.Len())
	t.logger.Info().Msgf("  Num Epochs = %d", t.epochs)
	t.logger.Info().Msgf("  Instantaneous batch size per device = %d", t.cfg.TrainBatchSize)
	t.logger.Info().Msgf("  Total train batch size (w. parallel, distributed & accumulation) = %d", total)
	t.logger.Info().Msgf("  Gradient Accumulation steps = %d", accum)
	t.logger.Info().Msgf("  Total optimization steps = %d", t.cfg.MaxTrainSteps)
}

// Train runs the loop until max_train_steps optimizer steps are done or ctx
// is cancelled, then writes the final pipeline into the run directory.
func (t *Trainer) Train(ctx context.Context) (checkpoints.TrainingState, error) {
	t.logHeader()
	accum := t.accel.AccumulationSteps
	isMain := t.accel.IsMainProcess()

	pb := NewProgressBar("Steps", t.cfg.MaxTrainSteps)
	pb.SetOutput(t.progress)
	pb.Update(t.state.GlobalStep, nil)

	if isMain {
		if _, err := t.saveCheckpoint(); err != nil {
			return t.state, err
		}
	}

	var (
		trainLoss float64
		window    TrainingMetrics
		completed int
		started   = time.Now()
	)

training:
	for epoch := t.firstEpoch; epoch < t.epochs; epoch++ {
		t.state.Epoch = epoch
		t.loader.Reset()
		for step := 0; t.loader.HasNext(); step++ {
			if err := ctx.Err(); err != nil {
				pb.Finish()
				return t.state, err
			}

			if t.resumed && epoch == t.firstEpoch && step < t.resumeStep {
				if _, err := t.loader.Skip(); err != nil {
					return t.state, err
				}
				continue
			}

			batch, err := t.loader.Next()
			if err != nil {
				t.logger.Warn().Err(err).Int("step", step).Msg("skipping batch")
				batch = nil
			}

			var result StepResult = StepFailed{Reason: err}
			if batch != nil {
				result = t.runner.Run(batch, t.rng)
			}
			switch r := result.(type) {
			case StepCompleted:
				trainLoss += r.Loss / float64(accum)
				window.StepLoss = r.Loss
				if r.Dropped {
					window.Dropped++
				}
				completed++
			case StepFailed:
				window.Failed++
				t.logger.Error().Err(r.Reason).Int("global_step", t.state.GlobalStep).
					Msg("An error has occurred during backpropagation")
			}

			if !t.accel.Accumulate() {
				continue
			}

			if completed == 0 {
				// Nothing in this window produced gradients.
				t.optimizer.ZeroGrad()
				trainLoss, window, completed, started = 0, TrainingMetrics{}, 0, time.Now()
				continue
			}

			norm, err := ApplyGradients(t.optimizer, t.cfg.MaxGradNorm)
			if err != nil {
				// The update never happened: the step counter and schedule stay put.
				t.optimizer.ZeroGrad()
				t.logger.Error().Err(err).Int("global_step", t.state.GlobalStep).Msg("optimizer step skipped")
				trainLoss, window, completed, started = 0, TrainingMetrics{}, 0, time.Now()
				continue
			}
			t.state.GlobalStep++
			lr := t.learningRate()
			t.optimizer.UpdateLearningRate(float32(lr))
			t.state.LearningRate = lr
			t.state.LastLoss = window.StepLoss

			window.GlobalStep = t.state.GlobalStep
			window.Epoch = epoch
			window.TrainLoss = trainLoss
			window.LearningRate = lr
			window.GradNorm = norm
			window.StepDuration = time.Since(started)
			t.metrics = append(t.metrics, window)

			pb.Update(t.state.GlobalStep, map[string]float64{"step_loss": window.StepLoss, "lr": lr})
			t.logMetrics(t.state.GlobalStep, map[string]float64{
				"train_loss": trainLoss,
				"step_loss":  window.StepLoss,
				"lr":         lr,
				"grad_norm":  norm,
			})
			trainLoss, window, completed, started = 0, TrainingMetrics{}, 0, time.Now()

			if isMain && t.ckpt.ShouldSave(t.state.GlobalStep) {
				if _, err := t.saveCheckpoint(); err != nil {
					return t.state, err
				}
			}
			if isMain && t.evaluator != nil && ShouldValidate(t.state.GlobalStep, t.cfg.ValidationSteps, t.cfg.ValidationData.SamplePreview) {
				t.validate(ctx)
			}

			if t.state.GlobalStep >= t.cfg.MaxTrainSteps {
				break training
			}
		}
		t.resumed = false
	}
	pb.Finish()

	if isMain {
		if err := t.saveFinal(); err != nil {
			return t.state, err
		}
	}
	return t.state, nil
}

func (t *Trainer) logMetrics(step int, values map[string]float64) {
	if t.tracker == nil || !t.accel.IsMainProcess() {
		return
	}
	if err := t.tracker.LogMetrics(step, values); err != nil {
		t.logger.Warn().Err(err).Msg("tracker rejected metrics")
	}
}

func (t *Trainer) snapshotSource() *pipeline.Pipeline {
	// Fresh encoders change every step; the checkpoint stores the last set.
	t.pipe.Encoders = t.encoders.Current()
	return t.pipe
}

func (t *Trainer) saveCheckpoint() (string, error) {
	state, err := t.optimizer.GetState()
	if err != nil {
		return "", fmt.Errorf("optimizer state: %w", err)
	}
	t.state.MaxTrainSteps = t.cfg.MaxTrainSteps
	return t.ckpt.SaveCheckpoint(t.snapshotSource(), t.state, state)
}

func (t *Trainer) saveFinal() error {
	t.state.MaxTrainSteps = t.cfg.MaxTrainSteps
	return t.ckpt.SaveFinal(t.snapshotSource(), t.state)
}

// validate renders one sample per validation pair with the network in eval
// mode. Failures are logged and training continues.
func (t *Trainer) validate(ctx context.Context) {
	wasTraining := t.pipe.UNet.IsTraining()
	t.pipe.UNet.Eval()
	defer func() {
		if wasTraining {
			t.pipe.UNet.Train()
		}
	}()
	t.pipe.Encoders = t.encoders.Current()
	out := filepath.Join(t.outputDir, SamplesDir)
	if _, err := t.evaluator.BatchEval(ctx, out, t.state.GlobalStep, 1, t.rng); err != nil {
		t.logger.Error().Err(err).Int("global_step", t.state.GlobalStep).Msg("validation failed")
	}
}
