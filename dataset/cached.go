package dataset

import (
	"context"
	"fmt"

	"github.com/tsawler/go-sigdiffusion/config"
	"github.com/tsawler/go-sigdiffusion/latentcache"
)

// CachedDataset serves precomputed latents from a latent store.
type CachedDataset struct {
	store latentcache.Store
	keys  []string
}

// NewCached lists the entries of opts.Latents.
func NewCached(_ config.TrainData, opts Options) (Dataset, error) {
	if opts.Latents == nil {
		return nil, fmt.Errorf("%w: the cached dataset needs a latent store", config.ErrConfig)
	}
	return NewCachedFromStore(context.Background(), opts.Latents)
}

// NewCachedFromStore snapshots the keys of store.
func NewCachedFromStore(ctx context.Context, store latentcache.Store) (*CachedDataset, error) {
	keys, err := store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cached latents: %w", err)
	}
	return &CachedDataset{store: store, keys: keys}, nil
}

// Len implements Dataset.
func (d *CachedDataset) Len() int { return len(d.keys) }

// Get implements Dataset.
func (d *CachedDataset) Get(i int) (Example, error) {
	if i < 0 || i >= len(d.keys) {
		return Example{}, fmt.Errorf("index %d out of range [0, %d)", i, len(d.keys))
	}
	e, err := d.store.Get(context.Background(), d.keys[i])
	if err != nil {
		return Example{}, err
	}
	return Example{
		Latents:      e.Latents,
		SignalValues: e.Signal,
		Prompt:       e.Prompt,
		PromptIDs:    e.PromptIDs,
		MotionScore:  e.MotionScore,
		Source:       e.Source,
	}, nil
}
