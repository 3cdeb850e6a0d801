// Package config loads the training and evaluation configuration from YAML or
// TOML files and merges dotted command line overrides into it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrConfig marks configuration problems. They are fatal.
var ErrConfig = errors.New("configuration error")

// StringList accepts either a single scalar or a sequence in YAML.
type StringList []string

func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v string
		if err := node.Decode(&v); err != nil {
			return err
		}
		*s = StringList{v}
		return nil
	case yaml.SequenceNode:
		var v []string
		if err := node.Decode(&v); err != nil {
			return err
		}
		*s = v
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", node.Line)
	}
}

// TrainData configures the dataset providers. Each provider reads the keys
// it needs and ignores the rest.
type TrainData struct {
	JSONPath          string  `yaml:"json_path"`
	VideoDir          string  `yaml:"video_dir"`
	VideoJSON         string  `yaml:"video_json"`
	ImageDir          string  `yaml:"image_dir"`
	ImageJSON         string  `yaml:"image_json"`
	Path              string  `yaml:"path"`
	SingleVideoPath   string  `yaml:"single_video_path"`
	SingleVideoPrompt string  `yaml:"single_video_prompt"`
	SingleVideoSignal string  `yaml:"single_video_signal"`
	FallbackPrompt    string  `yaml:"fallback_prompt"`
	Width             int     `yaml:"width"`
	Height            int     `yaml:"height"`
	NSampleFrames     int     `yaml:"n_sample_frames"`
	FPS               int     `yaml:"fps"`
	FrameStep         int     `yaml:"frame_step"`
	RandomStart       bool    `yaml:"random_start"`
	MotionThreshold   float64 `yaml:"motion_threshold"`
	MaxRetries        int     `yaml:"max_retries"`
	SignalChannels    int     `yaml:"signal_channels"`
	Tokenizer         string  `yaml:"tokenizer"`
	MaxPromptTokens   int     `yaml:"max_prompt_tokens"`
}

// ValidationData configures sampling during training and in eval mode.
type ValidationData struct {
	PromptImage       StringList `yaml:"prompt_image,omitempty"`
	Signal            StringList `yaml:"signal,omitempty"`
	Width             int        `yaml:"width"`
	Height            int        `yaml:"height"`
	NumFrames         int        `yaml:"num_frames"`
	NumInferenceSteps int        `yaml:"num_inference_steps"`
	GuidanceScale     float64    `yaml:"guidance_scale"`
	FPS               int        `yaml:"fps"`
	SamplePreview     bool       `yaml:"sample_preview"`
	Scheduler         string     `yaml:"scheduler"`
	EvalIters         int        `yaml:"eval_iters"`
	EvalOutputDir     string     `yaml:"eval_output_dir"`
	WriteMP4          bool       `yaml:"write_mp4"`
	FFmpegPath        string     `yaml:"ffmpeg_path"`
}

// ExtraTrainData adds further datasets with their own provider settings.
type ExtraTrainData struct {
	DatasetTypes StringList `yaml:"dataset_types"`
	TrainData    TrainData  `yaml:"train_data"`
}

type TrackerConfig struct {
	Kind string `yaml:"kind"` // sqlite | none
	Path string `yaml:"path"`
	Addr string `yaml:"addr"`
}

type LatentCacheConfig struct {
	Kind          string `yaml:"kind"` // dir | memory | redis
	Capacity      int    `yaml:"capacity"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	TTLSeconds    int    `yaml:"ttl_seconds"`
}

// SignalEncoderConfig sizes the signal encoders. Latent height and width
// come from the training resolution.
type SignalEncoderConfig struct {
	ContextDim   int   `yaml:"context_dim"`
	HiddenDims   []int `yaml:"hidden_dims"`
	ResizeHidden int   `yaml:"resize_hidden"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	JSON    bool   `yaml:"json"`
	NoColor bool   `yaml:"no_color"`
}

// Config is the full run configuration. Keys follow the snake_case names of
// the configuration files.
type Config struct {
	PretrainedModelPath string           `yaml:"pretrained_model_path"`
	OutputDir           string           `yaml:"output_dir"`
	TrainData           TrainData        `yaml:"train_data"`
	ValidationData      ValidationData   `yaml:"validation_data"`
	ExtraTrainData      []ExtraTrainData `yaml:"extra_train_data,omitempty"`
	DatasetTypes        StringList       `yaml:"dataset_types"`
	Shuffle             bool             `yaml:"shuffle"`
	ValidationSteps     int              `yaml:"validation_steps"`
	TrainableModules    StringList       `yaml:"trainable_modules,omitempty"`
	NotTrainableModules StringList       `yaml:"not_trainable_modules,omitempty"`

	TrainBatchSize            int     `yaml:"train_batch_size"`
	MaxTrainSteps             int     `yaml:"max_train_steps"`
	LearningRate              float64 `yaml:"learning_rate"`
	ScaleLR                   bool    `yaml:"scale_lr"`
	LRScheduler               string  `yaml:"lr_scheduler"`
	LRWarmupSteps             int     `yaml:"lr_warmup_steps"`
	Optimizer                 string  `yaml:"optimizer"`
	SGDMomentum               float64 `yaml:"sgd_momentum"`
	AdamBeta1                 float64 `yaml:"adam_beta1"`
	AdamBeta2                 float64 `yaml:"adam_beta2"`
	AdamWeightDecay           float64 `yaml:"adam_weight_decay"`
	AdamEpsilon               float64 `yaml:"adam_epsilon"`
	MaxGradNorm               float64 `yaml:"max_grad_norm"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`

	CheckpointingSteps    int    `yaml:"checkpointing_steps"`
	CheckpointsTotalLimit int    `yaml:"checkpoints_total_limit"`
	CheckpointFormat      string `yaml:"checkpoint_format"`
	ResumeFromCheckpoint  string `yaml:"resume_from_checkpoint"`
	ResumeStep            int    `yaml:"resume_step"`
	// SavePretrainedModel is accepted for older configs. The final pipeline
	// is written at the end of every run.
	SavePretrainedModel   bool   `yaml:"save_pretrained_model"`

	MixedPrecision      string              `yaml:"mixed_precision"`
	Seed                *int64              `yaml:"seed,omitempty"`
	UseOffsetNoise      bool                `yaml:"use_offset_noise"`
	RescaleSchedule     bool                `yaml:"rescale_schedule"`
	OffsetNoiseStrength float64             `yaml:"offset_noise_strength"`
	ConditioningDropout float64             `yaml:"conditioning_dropout"`
	InChannels          int                 `yaml:"in_channels"`
	SignalEncoders      string              `yaml:"signal_encoders"`
	SignalEncoder       SignalEncoderConfig `yaml:"signal_encoder"`
	MotionMask          bool                `yaml:"motion_mask"`
	EvalTrain           bool                `yaml:"eval_train"`

	ExtendDataset   bool   `yaml:"extend_dataset"`
	CacheLatents    bool   `yaml:"cache_latents"`
	CachedLatentDir string `yaml:"cached_latent_dir"`

	LoggerType  string            `yaml:"logger_type"`
	Tracker     TrackerConfig     `yaml:"tracker"`
	LatentCache LatentCacheConfig `yaml:"latent_cache"`
	Log         LogConfig         `yaml:"log"`
}

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	return &Config{
		OutputDir:    "./outputs",
		DatasetTypes: StringList{"json"},
		Shuffle:      true,
		TrainData: TrainData{
			Width:           256,
			Height:          256,
			NSampleFrames:   16,
			FPS:             8,
			FrameStep:       1,
			MotionThreshold: 50,
			MaxRetries:      10,
			SignalChannels:  512,
			MaxPromptTokens: 77,
		},
		ValidationData: ValidationData{
			Width:             512,
			Height:            512,
			NumFrames:         16,
			NumInferenceSteps: 25,
			GuidanceScale:     9,
			FPS:               8,
			SamplePreview:     true,
			Scheduler:         "dpm_solver",
			EvalIters:         6,
			EvalOutputDir:     "output/demo",
			WriteMP4:          true,
			FFmpegPath:        "ffmpeg",
		},
		ValidationSteps:           100,
		TrainBatchSize:            1,
		MaxTrainSteps:             500,
		LearningRate:              5e-5,
		LRScheduler:               "constant_with_warmup",
		LRWarmupSteps:             20,
		Optimizer:                 "adamw",
		AdamBeta1:                 0.9,
		AdamBeta2:                 0.999,
		AdamWeightDecay:           1e-2,
		AdamEpsilon:               1e-8,
		MaxGradNorm:               1.0,
		GradientAccumulationSteps: 1,
		CheckpointingSteps:        500,
		CheckpointFormat:          "safetensors",
		SavePretrainedModel:       true,
		MixedPrecision:            "fp16",
		OffsetNoiseStrength:       0.1,
		ConditioningDropout:       0.15,
		InChannels:                5,
		SignalEncoders:            "fresh",
		SignalEncoder:             SignalEncoderConfig{ContextDim: 1024, HiddenDims: []int{1024, 512, 256, 128, 64}, ResizeHidden: 1024},
		LoggerType:                "sqlite",
		Tracker:                   TrackerConfig{Kind: "sqlite", Path: "tracking.db"},
		LatentCache:               LatentCacheConfig{Kind: "dir", Capacity: 256, RedisPrefix: "sigdiff:latent:"},
		Log:                       LogConfig{Level: "info"},
	}
}

// Load reads path, applies dotted overrides ("a.b.c=value") and decodes the
// result over Default().
func Load(path string, overrides []string) (*Config, error) {
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyOverrides(raw, overrides); err != nil {
		return nil, err
	}
	return FromMap(raw)
}

// FromMap decodes a generic configuration tree over Default().
func FromMap(raw map[string]any) (*Config, error) {
	cfg := Default()
	b, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: re-encode: %v", ErrConfig, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrConfig, err)
	}
	return cfg, nil
}

func readRaw(path string) (map[string]any, error) {
	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return nil, fmt.Errorf("%w: load %s: %v", ErrConfig, path, err)
		}
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: load %s: %v", ErrConfig, path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
	}
	return raw, nil
}

// Save writes the resolved configuration as YAML.
func (c *Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

var (
	lrSchedulers     = []string{"constant", "constant_with_warmup", "linear", "cosine", "step", "exponential", "cosine_annealing"}
	precisions       = []string{"", "no", "fp16", "bf16"}
	encoderModes     = []string{"fresh", "persistent"}
	samplerNames     = []string{"dpm_solver", "ddim", "ddpm"}
	trackerKinds     = []string{"", "none", "sqlite"}
	latentCacheKinds = []string{"dir", "memory", "redis"}
)

func oneOf(field, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %q must be one of %v", ErrConfig, field, value, allowed)
}

// Validate checks the settings a training run needs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PretrainedModelPath) == "" {
		return fmt.Errorf("%w: pretrained_model_path is required", ErrConfig)
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("%w: output_dir is required", ErrConfig)
	}
	positive := map[string]int{
		"train_batch_size":            c.TrainBatchSize,
		"max_train_steps":             c.MaxTrainSteps,
		"gradient_accumulation_steps": c.GradientAccumulationSteps,
		"checkpointing_steps":         c.CheckpointingSteps,
		"validation_steps":            c.ValidationSteps,
		"train_data.n_sample_frames":  c.TrainData.NSampleFrames,
		"train_data.width":            c.TrainData.Width,
		"train_data.height":           c.TrainData.Height,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrConfig, name, v)
		}
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be positive, got %g", ErrConfig, c.LearningRate)
	}
	if c.InChannels < 4 {
		return fmt.Errorf("%w: in_channels must be at least 4, got %d", ErrConfig, c.InChannels)
	}
	if c.ConditioningDropout < 0 || c.ConditioningDropout > 1 {
		return fmt.Errorf("%w: conditioning_dropout must be in [0,1], got %g", ErrConfig, c.ConditioningDropout)
	}
	if len(c.DatasetTypes) == 0 && !c.CacheLatents {
		return fmt.Errorf("%w: dataset_types must name at least one dataset", ErrConfig)
	}
	if c.CacheLatents && c.CachedLatentDir == "" && c.LatentCache.Kind == "dir" {
		return fmt.Errorf("%w: cache_latents with a dir cache needs cached_latent_dir", ErrConfig)
	}
	if c.ResumeFromCheckpoint != "" && c.ResumeStep < 0 {
		return fmt.Errorf("%w: resume_step must not be negative", ErrConfig)
	}
	checks := []error{
		oneOf("lr_scheduler", c.LRScheduler, lrSchedulers),
		oneOf("optimizer", strings.ToLower(c.Optimizer), []string{"adamw", "adam", "sgd"}),
		oneOf("mixed_precision", c.MixedPrecision, precisions),
		oneOf("signal_encoders", c.SignalEncoders, encoderModes),
		oneOf("tracker.kind", c.Tracker.Kind, trackerKinds),
		oneOf("latent_cache.kind", c.LatentCache.Kind, latentCacheKinds),
		oneOf("checkpoint_format", strings.ToLower(c.CheckpointFormat), []string{"", "safetensors", "json"}),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.ValidationData.SamplePreview {
		if err := c.ValidationData.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the sampling settings.
func (v *ValidationData) Validate() error {
	if len(v.PromptImage) != len(v.Signal) {
		return fmt.Errorf("%w: validation_data has %d prompt images but %d signals", ErrConfig, len(v.PromptImage), len(v.Signal))
	}
	if v.Width <= 0 || v.Height <= 0 || v.NumFrames <= 0 || v.NumInferenceSteps <= 0 {
		return fmt.Errorf("%w: validation_data width, height, num_frames and num_inference_steps must be positive", ErrConfig)
	}
	if v.FPS <= 0 {
		return fmt.Errorf("%w: validation_data.fps must be positive", ErrConfig)
	}
	return oneOf("validation_data.scheduler", v.Scheduler, samplerNames)
}

// ValidateEval checks what inference-only mode needs.
func (c *Config) ValidateEval() error {
	if strings.TrimSpace(c.PretrainedModelPath) == "" {
		return fmt.Errorf("%w: pretrained_model_path is required", ErrConfig)
	}
	if len(c.ValidationData.PromptImage) == 0 {
		return fmt.Errorf("%w: validation_data.prompt_image is required in eval mode", ErrConfig)
	}
	if c.ValidationData.EvalIters <= 0 {
		return fmt.Errorf("%w: validation_data.eval_iters must be positive", ErrConfig)
	}
	return c.ValidationData.Validate()
}

// EffectiveLearningRate applies scale_lr.
func (c *Config) EffectiveLearningRate(numProcesses int) float64 {
	if !c.ScaleLR {
		return c.LearningRate
	}
	if numProcesses < 1 {
		numProcesses = 1
	}
	return c.LearningRate * float64(c.GradientAccumulationSteps*c.TrainBatchSize*numProcesses)
}

// OffsetNoiseEnabled reports whether offset noise is used. Schedule
// rescaling switches it off.
func (c *Config) OffsetNoiseEnabled() bool {
	return c.UseOffsetNoise && !c.RescaleSchedule
}
