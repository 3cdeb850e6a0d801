package checkpoints

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-sigdiffusion/layers"
	"github.com/tsawler/go-sigdiffusion/tensor"
)

// CheckpointFormat defines how weight files are serialized
type CheckpointFormat int

const (
	FormatSafeTensors CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatSafeTensors:
		return "SafeTensors"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

func (cf CheckpointFormat) extension() string {
	if cf == FormatJSON {
		return ".json"
	}
	return ".safetensors"
}

// ParseFormat maps a configuration name to a format.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(name) {
	case "", "safetensors":
		return FormatSafeTensors, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatSafeTensors, fmt.Errorf("unsupported checkpoint format %q", name)
	}
}

// TrainingStateFile is written at the root of every checkpoint directory.
const TrainingStateFile = "training_state.json"

// Checkpoint is an immutable value copy of everything one save writes. Paths
// are relative to the checkpoint directory and use forward slashes; weight
// paths omit the extension, which the format decides.
type Checkpoint struct {
	Weights    map[string][]WeightTensor // e.g. "unet/diffusion_pytorch_model"
	StateFiles map[string][]WeightTensor // protobuf state files, e.g. "signal/sig1.pb"
	Documents  map[string]any            // JSON documents, e.g. "model_index.json"

	TrainingState  TrainingState
	OptimizerState *OptimizerState
	Metadata       CheckpointMetadata
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch         int     `json:"epoch"`
	GlobalStep    int     `json:"global_step"`
	LearningRate  float64 `json:"learning_rate"`
	LastLoss      float64 `json:"last_loss"`
	MaxTrainSteps int     `json:"max_train_steps"`
}

// OptimizerState captures optimizer-specific state (moments, step count)
type OptimizerState struct {
	Type       string                 `json:"type"` // "AdamW", "SGD"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m", "v", "momentum"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

type stateDocument struct {
	TrainingState  TrainingState      `json:"training_state"`
	OptimizerState *OptimizerState    `json:"optimizer_state,omitempty"`
	Metadata       CheckpointMetadata `json:"metadata"`
}

// SnapshotModule deep-copies the named parameters of m.
func SnapshotModule(m layers.Parameterized) []WeightTensor {
	return SnapshotParams(m.NamedParameters())
}

// SnapshotParams deep-copies an explicit parameter list.
func SnapshotParams(named []layers.NamedParameter) []WeightTensor {
	out := make([]WeightTensor, len(named))
	for i, p := range named {
		layer, kind := p.Name, p.Name
		if dot := strings.LastIndex(p.Name, "."); dot >= 0 {
			layer, kind = p.Name[:dot], p.Name[dot+1:]
		}
		out[i] = WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Tensor.Shape...),
			Data:  append([]float32(nil), p.Tensor.Data...),
			Layer: layer,
			Type:  kind,
		}
	}
	return out
}

// ToStateDict converts weights to tensors keyed by name.
func ToStateDict(weights []WeightTensor) (map[string]*tensor.Tensor, error) {
	sd := make(map[string]*tensor.Tensor, len(weights))
	for _, w := range weights {
		t, err := tensor.NewTensor(w.Shape, append([]float32(nil), w.Data...))
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", w.Name, err)
		}
		sd[w.Name] = t
	}
	return sd, nil
}

// LoadIntoModule copies weights into m's parameters.
func LoadIntoModule(m layers.Parameterized, weights []WeightTensor, strict bool) error {
	return LoadIntoParams(m.NamedParameters(), weights, strict)
}

// LoadIntoParams copies weights into an explicit parameter list.
func LoadIntoParams(named []layers.NamedParameter, weights []WeightTensor, strict bool) error {
	sd, err := ToStateDict(weights)
	if err != nil {
		return err
	}
	return layers.LoadNamed(named, sd, strict)
}

// CheckpointSaver writes and reads checkpoint directories
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

func (cs *CheckpointSaver) Format() CheckpointFormat { return cs.format }

// SaveCheckpoint writes ckpt into dir. The directory is assembled under a
// temporary sibling and renamed into place, so a reader never observes a
// partially written checkpoint.
func (cs *CheckpointSaver) SaveCheckpoint(ckpt *Checkpoint, dir string) error {
	if ckpt.Metadata.Framework == "" {
		ckpt.Metadata.Framework = "go-sigdiffusion"
		ckpt.Metadata.Version = "1.0.0"
		ckpt.Metadata.CreatedAt = time.Now()
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint parent: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	for rel, weights := range ckpt.Weights {
		path := filepath.Join(tmp, filepath.FromSlash(rel)+cs.format.extension())
		if err := cs.saveWeights(path, weights); err != nil {
			return fmt.Errorf("failed to save %s: %w", rel, err)
		}
	}
	for rel, weights := range ckpt.StateFiles {
		path := filepath.Join(tmp, filepath.FromSlash(rel))
		if err := ensureParent(path); err != nil {
			return err
		}
		if err := os.WriteFile(path, EncodeStateFile(weights, nil), 0o644); err != nil {
			return fmt.Errorf("failed to save %s: %w", rel, err)
		}
	}
	for rel, doc := range ckpt.Documents {
		if err := writeJSON(filepath.Join(tmp, filepath.FromSlash(rel)), doc); err != nil {
			return fmt.Errorf("failed to save %s: %w", rel, err)
		}
	}
	state := stateDocument{
		TrainingState:  ckpt.TrainingState,
		OptimizerState: ckpt.OptimizerState,
		Metadata:       ckpt.Metadata,
	}
	if err := writeJSON(filepath.Join(tmp, TrainingStateFile), state); err != nil {
		return fmt.Errorf("failed to save training state: %w", err)
	}

	return replaceDir(tmp, dir)
}

func (cs *CheckpointSaver) saveWeights(path string, weights []WeightTensor) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	switch cs.format {
	case FormatSafeTensors:
		data, err := EncodeSafeTensors(weights, map[string]string{"format": "pt"})
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o644)
	case FormatJSON:
		return writeJSON(path, struct {
			Weights []WeightTensor `json:"weights"`
		}{weights})
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadWeights reads one weight file, trying the saver's format first and
// then the other known format.
func (cs *CheckpointSaver) LoadWeights(dir, rel string) ([]WeightTensor, error) {
	base := filepath.Join(dir, filepath.FromSlash(rel))
	for _, f := range []CheckpointFormat{cs.format, FormatSafeTensors, FormatJSON} {
		path := base + f.extension()
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return loadWeightFile(path, f)
	}
	return nil, fmt.Errorf("no weight file for %s in %s: %w", rel, dir, fs.ErrNotExist)
}

func loadWeightFile(path string, f CheckpointFormat) ([]WeightTensor, error) {
	if f == FormatJSON {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open weight file: %w", err)
		}
		defer file.Close()
		var doc struct {
			Weights []WeightTensor `json:"weights"`
		}
		if err := json.NewDecoder(file).Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		return doc.Weights, nil
	}

	st, err := OpenSafeTensors(path)
	if err != nil {
		return nil, err
	}
	var weights []WeightTensor
	for _, name := range st.Names() {
		data, shape, err := st.GetFloat32(name)
		if err != nil {
			return nil, err
		}
		weights = append(weights, WeightTensor{Name: name, Shape: shape, Data: data})
	}
	return weights, nil
}

// LoadTrainingState reads the training and optimizer state of a checkpoint.
func LoadTrainingState(dir string) (TrainingState, *OptimizerState, error) {
	var doc stateDocument
	b, err := os.ReadFile(filepath.Join(dir, TrainingStateFile))
	if err != nil {
		return TrainingState{}, nil, fmt.Errorf("failed to read training state: %w", err)
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return TrainingState{}, nil, fmt.Errorf("failed to decode training state: %w", err)
	}
	return doc.TrainingState, doc.OptimizerState, nil
}

// ListCheckpoints returns "<prefix>-<step>" directories under root sorted
// by step.
func ListCheckpoints(root, prefix string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type item struct {
		path string
		step int
	}
	var items []item
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix+"-") {
			continue
		}
		var step int
		if _, err := fmt.Sscanf(strings.TrimPrefix(e.Name(), prefix+"-"), "%d", &step); err != nil {
			continue
		}
		items = append(items, item{filepath.Join(root, e.Name()), step})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].step < items[j].step })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.path
	}
	return out, nil
}

func writeJSON(path string, v any) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ") // Pretty print JSON
	if err := encoder.Encode(v); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureParent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	return nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// replaceDir moves src to dst, replacing any existing dst.
func replaceDir(src, dst string) error {
	old := ""
	if _, err := os.Stat(dst); err == nil {
		old = dst + ".old"
		os.RemoveAll(old)
		if err := os.Rename(dst, old); err != nil {
			return fmt.Errorf("failed to move previous checkpoint aside: %w", err)
		}
	}
	if err := os.Rename(src, dst); err != nil {
		if old != "" {
			os.Rename(old, dst)
		}
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	if old != "" {
		os.RemoveAll(old)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
