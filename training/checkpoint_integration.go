package training

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/checkpoints"
)

// CheckpointPrefix names periodic checkpoint directories checkpoint-<step>.
const CheckpointPrefix = "checkpoint"

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory  string // run output directory
	SaveFrequency  int    // save every N optimizer steps (0 = only the initial and final saves)
	MaxCheckpoints int    // maximum number of checkpoint-<step> directories to keep (0 = unlimited)
	Format         checkpoints.CheckpointFormat
}

// DefaultCheckpointConfig returns the defaults of a training run
func DefaultCheckpointConfig(dir string) CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory: dir,
		SaveFrequency: 500,
		Format:        checkpoints.FormatSafeTensors,
	}
}

// Snapshotter produces an immutable copy of everything a checkpoint holds.
type Snapshotter interface {
	Snapshot(state checkpoints.TrainingState, opt *checkpoints.OptimizerState) *checkpoints.Checkpoint
}

// CheckpointManager writes checkpoint-<step> directories and the final
// pipeline, pruning old checkpoints beyond the configured limit.
type CheckpointManager struct {
	config    CheckpointConfig
	saver     *checkpoints.CheckpointSaver
	savedDirs []string
	logger    zerolog.Logger
}

// NewCheckpointManager creates a checkpoint manager. Checkpoints already in
// the save directory count towards the limit.
func NewCheckpointManager(config CheckpointConfig, logger zerolog.Logger) (*CheckpointManager, error) {
	existing, err := checkpoints.ListCheckpoints(config.SaveDirectory, CheckpointPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return &CheckpointManager{
		config:    config,
		saver:     checkpoints.NewCheckpointSaver(config.Format),
		savedDirs: existing,
		logger:    logger,
	}, nil
}

// Saver returns the underlying checkpoint writer.
func (cm *CheckpointManager) Saver() *checkpoints.CheckpointSaver { return cm.saver }

// ShouldSave reports whether globalStep is a periodic checkpoint step.
func (cm *CheckpointManager) ShouldSave(globalStep int) bool {
	return cm.config.SaveFrequency > 0 && globalStep%cm.config.SaveFrequency == 0
}

// CheckpointDir returns the directory of the checkpoint at globalStep.
func (cm *CheckpointManager) CheckpointDir(globalStep int) string {
	return filepath.Join(cm.config.SaveDirectory, fmt.Sprintf("%s-%d", CheckpointPrefix, globalStep))
}

// SaveCheckpoint writes checkpoint-<step> from the snapshot of src.
func (cm *CheckpointManager) SaveCheckpoint(src Snapshotter, state checkpoints.TrainingState, opt *checkpoints.OptimizerState) (string, error) {
	dir := cm.CheckpointDir(state.GlobalStep)
	ckpt := src.Snapshot(state, opt)
	ckpt.Metadata.Description = fmt.Sprintf("checkpoint at step %d", state.GlobalStep)
	ckpt.Metadata.Tags = []string{fmt.Sprintf("step_%d", state.GlobalStep), fmt.Sprintf("epoch_%d", state.Epoch)}
	if err := cm.saver.SaveCheckpoint(ckpt, dir); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	cm.track(dir)
	cm.logger.Info().Str("path", dir).Int("step", state.GlobalStep).Msgf("Saved model at %s on step %d", dir, state.GlobalStep)

	if err := cm.cleanupOldCheckpoints(); err != nil {
		cm.logger.Warn().Err(err).Msg("failed to cleanup old checkpoints")
	}
	return dir, nil
}

// SaveFinal writes the trained pipeline into the save directory itself.
func (cm *CheckpointManager) SaveFinal(src Snapshotter, state checkpoints.TrainingState) error {
	ckpt := src.Snapshot(state, nil)
	ckpt.Metadata.Description = "final pipeline"
	dir := cm.config.SaveDirectory
	// The run directory also holds samples/, config.yaml and checkpoints, so
	// the final pipeline is staged separately and its entries moved in.
	stage := filepath.Join(dir, ".final")
	if err := cm.saver.SaveCheckpoint(ckpt, stage); err != nil {
		return fmt.Errorf("failed to save final pipeline: %w", err)
	}
	defer os.RemoveAll(stage)
	entries, err := os.ReadDir(stage)
	if err != nil {
		return err
	}
	for _, e := range entries {
		dst := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(stage, e.Name()), dst); err != nil {
			return fmt.Errorf("failed to move %s: %w", e.Name(), err)
		}
	}
	cm.logger.Info().Str("path", dir).Int("step", state.GlobalStep).Msgf("Saved model at %s on step %d", dir, state.GlobalStep)
	return nil
}

func (cm *CheckpointManager) track(dir string) {
	for _, d := range cm.savedDirs {
		if d == dir {
			return
		}
	}
	cm.savedDirs = append(cm.savedDirs, dir)
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 || len(cm.savedDirs) <= cm.config.MaxCheckpoints {
		return nil
	}

	toRemove := len(cm.savedDirs) - cm.config.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.RemoveAll(cm.savedDirs[i]); err != nil {
			return fmt.Errorf("failed to remove old checkpoint %s: %w", cm.savedDirs[i], err)
		}
		cm.logger.Debug().Str("path", cm.savedDirs[i]).Msg("removed old checkpoint")
	}
	cm.savedDirs = cm.savedDirs[toRemove:]
	return nil
}

// SavedCheckpoints lists the checkpoint directories currently kept.
func (cm *CheckpointManager) SavedCheckpoints() []string {
	return append([]string(nil), cm.savedDirs...)
}

// ResolveResume maps resume_from_checkpoint to a checkpoint directory.
// "latest" picks the highest step under root, or else under the newest
// train_<timestamp> run in root that has checkpoints. An empty value means
// no resume.
func ResolveResume(value, root string) (string, error) {
	switch value {
	case "":
		return "", nil
	case "latest":
		dirs, err := checkpoints.ListCheckpoints(root, CheckpointPrefix)
		if err != nil {
			return "", err
		}
		if len(dirs) > 0 {
			return dirs[len(dirs)-1], nil
		}
		runs, _ := filepath.Glob(filepath.Join(root, RunDirPrefix+"*"))
		sort.Sort(sort.Reverse(sort.StringSlice(runs)))
		for _, run := range runs {
			if dirs, err := checkpoints.ListCheckpoints(run, CheckpointPrefix); err == nil && len(dirs) > 0 {
				return dirs[len(dirs)-1], nil
			}
		}
		return "", fmt.Errorf("no %s-<step> directories under %s", CheckpointPrefix, root)
	default:
		if _, err := os.Stat(value); err != nil {
			return "", fmt.Errorf("resume checkpoint: %w", err)
		}
		return value, nil
	}
}

// StepFromCheckpointDir parses the step out of a checkpoint-<step> path.
func StepFromCheckpointDir(dir string) (int, bool) {
	base := filepath.Base(filepath.Clean(dir))
	rest, ok := strings.CutPrefix(base, CheckpointPrefix+"-")
	if !ok {
		return 0, false
	}
	step, err := strconv.Atoi(rest)
	return step, err == nil
}
