package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/dataset"
	"github.com/tsawler/go-sigdiffusion/latentcache"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

// CacheLatents encodes every example of ds through the codec and stores the
// latents under latentcache.Key(i). Keys already in the store are kept.
// Examples that fail to load are skipped. It returns the number of entries
// written.
func CacheLatents(ctx context.Context, codec LatentEncoder, ds dataset.Dataset, store latentcache.Store, rng *rand.Rand, progress io.Writer, logger zerolog.Logger) (int, error) {
	existing, err := store.Keys(ctx)
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(existing))
	for _, k := range existing {
		have[k] = true
	}

	var pb *ProgressBar
	if progress != nil {
		pb = NewProgressBar("Caching Latents", ds.Len())
		pb.SetOutput(progress)
		defer pb.Finish()
	}
	written := 0
	for i := 0; i < ds.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if pb != nil {
			pb.Advance(1)
		}
		key := latentcache.Key(i)
		if have[key] {
			continue
		}
		ex, err := ds.Get(i)
		if err != nil {
			if errors.Is(err, dataset.ErrEmptyDataset) {
				return written, err
			}
			logger.Warn().Err(err).Int("index", i).Msg("skipping example while caching latents")
			continue
		}
		latents := ex.Latents
		if latents == nil {
			pixels, err := tensor.Reshape(ex.PixelValues, append([]int{1}, ex.PixelValues.Shape...))
			if err != nil {
				return written, err
			}
			if latents, err = codec.Encode(pixels, rng); err != nil {
				return written, fmt.Errorf("encode example %d: %w", i, err)
			}
			if latents, err = tensor.Reshape(latents, latents.Shape[1:]); err != nil {
				return written, err
			}
		}
		err = store.Put(ctx, key, latentcache.Entry{
			Latents:     latents,
			Signal:      ex.SignalValues,
			Prompt:      ex.Prompt,
			PromptIDs:   ex.PromptIDs,
			MotionScore: ex.MotionScore,
			Source:      ex.Source,
		})
		if err != nil {
			return written, err
		}
		written++
	}
	logger.Info().Int("written", written).Int("total", ds.Len()).Msg("latent cache ready")
	return written, nil
}
