// Package unet implements the mask-conditioned 3D denoising network and the
// adapter that feeds it condition latents, signal masks and context tokens.
package unet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFile is the name of the network config inside a unet/ directory.
const ConfigFile = "config.json"

// Config mirrors unet/config.json.
type Config struct {
	InChannels        int   `json:"in_channels"`
	OutChannels       int   `json:"out_channels"`
	BlockOutChannels  []int `json:"block_out_channels"`
	CrossAttentionDim int   `json:"cross_attention_dim"`
	SampleSize        int   `json:"sample_size,omitempty"`
}

// DefaultConfig is the pretrained text-to-video layout before the mask
// channel is added.
func DefaultConfig() Config {
	return Config{
		InChannels:        4,
		OutChannels:       4,
		BlockOutChannels:  []int{320, 640, 1280, 1280},
		CrossAttentionDim: 1024,
		SampleSize:        32,
	}
}

// TimeEmbedDim is the width of the timestep embedding MLP.
func (c Config) TimeEmbedDim() int { return 4 * c.BlockOutChannels[0] }

func (c Config) validate() error {
	if c.InChannels <= 0 || c.OutChannels <= 0 || c.CrossAttentionDim <= 0 {
		return fmt.Errorf("invalid unet config %+v", c)
	}
	if len(c.BlockOutChannels) == 0 {
		return fmt.Errorf("unet config needs at least one block")
	}
	if c.BlockOutChannels[0]%2 != 0 {
		return fmt.Errorf("first block width must be even for the sinusoidal embedding, got %d", c.BlockOutChannels[0])
	}
	for _, ch := range c.BlockOutChannels {
		if ch <= 0 {
			return fmt.Errorf("invalid block width %d", ch)
		}
	}
	return nil
}

// LoadConfig reads a network config and fills missing keys with defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read unet config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("decode unet config: %w", err)
	}
	return cfg, cfg.validate()
}

// Save writes the config as JSON.
func (c Config) Save(path string) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
