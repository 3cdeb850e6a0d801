// Package latentcache stores precomputed training latents so that the codec
// runs once per clip. Stores live on disk, in memory or in Redis.
package latentcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/checkpoints"
	"github.com/tsawler/go-sigdiffusion/config"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

// ErrNotFound is returned for unknown keys.
var ErrNotFound = errors.New("latent not cached")

const (
	latentsName = "latents"
	signalName  = "signal"
)

// Entry is one cached training example.
type Entry struct {
	Latents     *tensor.Tensor // (4,F,h,w)
	Signal      *tensor.Tensor // (T,C)
	Prompt      string
	PromptIDs   []int
	MotionScore float64
	Source      string
}

// Store persists entries by key.
type Store interface {
	Put(ctx context.Context, key string, e Entry) error
	Get(ctx context.Context, key string) (Entry, error)
	// Keys lists the stored keys in sorted order.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Key names the cached entry of dataset index i.
func Key(i int) string { return fmt.Sprintf("%08d", i) }

// Encode serializes an entry as safetensors with the text fields in the
// header metadata.
func Encode(e Entry) ([]byte, error) {
	if e.Latents == nil || e.Signal == nil {
		return nil, fmt.Errorf("entry needs latents and signal")
	}
	ids, err := json.Marshal(e.PromptIDs)
	if err != nil {
		return nil, err
	}
	weights := []checkpoints.WeightTensor{
		{Name: latentsName, Shape: e.Latents.Shape, Data: e.Latents.Data},
		{Name: signalName, Shape: e.Signal.Shape, Data: e.Signal.Data},
	}
	return checkpoints.EncodeSafeTensors(weights, map[string]string{
		"prompt":     e.Prompt,
		"prompt_ids": string(ids),
		"motion":     strconv.FormatFloat(e.MotionScore, 'g', -1, 64),
		"source":     e.Source,
	})
}

// Decode reverses Encode.
func Decode(b []byte) (Entry, error) {
	st, err := checkpoints.ParseSafeTensors(b)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if e.Latents, err = st.Tensor(latentsName); err != nil {
		return Entry{}, err
	}
	if e.Signal, err = st.Tensor(signalName); err != nil {
		return Entry{}, err
	}
	md := st.Metadata
	e.Prompt, e.Source = md["prompt"], md["source"]
	if s := md["prompt_ids"]; s != "" && s != "null" {
		if err := json.Unmarshal([]byte(s), &e.PromptIDs); err != nil {
			return Entry{}, fmt.Errorf("prompt ids: %w", err)
		}
	}
	if s := md["motion"]; s != "" {
		if e.MotionScore, err = strconv.ParseFloat(s, 64); err != nil {
			return Entry{}, fmt.Errorf("motion score: %w", err)
		}
	}
	return e, nil
}

// Open builds the store selected by latent_cache.kind.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Store, error) {
	lc := cfg.LatentCache
	switch lc.Kind {
	case "", "dir":
		return NewDirStore(cfg.CachedLatentDir)
	case "memory":
		return NewMemoryStore(lc.Capacity), nil
	case "redis":
		return NewRedisStore(ctx, RedisOptions{
			Addr:     lc.RedisAddr,
			Password: lc.RedisPassword,
			DB:       lc.RedisDB,
			Prefix:   lc.RedisPrefix,
			TTL:      time.Duration(lc.TTLSeconds) * time.Second,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown latent cache %q", config.ErrConfig, lc.Kind)
	}
}
