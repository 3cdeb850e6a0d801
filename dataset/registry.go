package dataset

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/config"
	"github.com/tsawler/go-sigdiffusion/latentcache"
)

// Options carries the collaborators every provider may use.
type Options struct {
	Reader  ClipReader
	Prompts PromptEncoder
	Rng     *rand.Rand
	// Latents backs the cached provider.
	Latents latentcache.Store
	// MotionMask enables the per-example moved-area mask.
	MotionMask bool
	Logger     zerolog.Logger
}

// Constructor builds a provider from its train_data block.
type Constructor func(data config.TrainData, opts Options) (Dataset, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{
		KindJSON:        NewVideoBLIP,
		KindVideoBLIP:   NewVideoBLIP,
		KindVideoJSON:   NewVideoJSON,
		KindSingleVideo: NewSingleVideo,
		KindImage:       NewImageDataset,
		KindFolder:      NewVideoFolder,
		KindCached:      NewCached,
	}
)

// Register adds or replaces a provider.
func Register(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = c
}

// Kinds lists the registered provider names.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds the provider registered as name.
func New(name string, data config.TrainData, opts Options) (Dataset, error) {
	registryMu.RLock()
	c, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: dataset type not found: %s not in %v", config.ErrConfig, name, Kinds())
	}
	return c(data, opts)
}

// Build creates every dataset named in dataset_types and extra_train_data
// and joins them. With extend_dataset shorter datasets are repeated up to
// the longest one. Empty providers are dropped.
func Build(cfg *config.Config, opts Options) (Dataset, error) {
	var parts []Dataset
	add := func(types config.StringList, data config.TrainData) error {
		for _, name := range types {
			ds, err := New(name, data, opts)
			if err != nil {
				return err
			}
			opts.Logger.Info().Str("dataset", name).Int("examples", ds.Len()).Msg("Loaded dataset")
			parts = append(parts, ds)
		}
		return nil
	}
	if err := add(cfg.DatasetTypes, cfg.TrainData); err != nil {
		return nil, err
	}
	for _, extra := range cfg.ExtraTrainData {
		if err := add(extra.DatasetTypes, inherit(extra.TrainData, cfg.TrainData)); err != nil {
			return nil, err
		}
	}
	if cfg.ExtendDataset {
		parts = Extend(parts...)
	}
	ds := NewConcat(parts...)
	if ds.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	if len(ds.parts) == 1 {
		return ds.parts[0], nil
	}
	return ds, nil
}

// inherit copies the sizing keys of the main train_data block onto an extra
// dataset so that every part yields the same tensor shapes. Unset fps and
// max_retries are inherited too.
func inherit(extra, main config.TrainData) config.TrainData {
	extra.Width, extra.Height = main.Width, main.Height
	extra.NSampleFrames = main.NSampleFrames
	extra.FrameStep = main.FrameStep
	extra.SignalChannels = main.SignalChannels
	if extra.FPS == 0 {
		extra.FPS = main.FPS
	}
	if extra.MaxRetries == 0 {
		extra.MaxRetries = main.MaxRetries
	}
	return extra
}
