package layers

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/tsawler/go-sigdiffusion/tensor"
)

// Global random source for deterministic initialization
var (
	rngMu     sync.Mutex
	globalRng = rand.New(rand.NewSource(1))
)

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	globalRng = rand.New(rand.NewSource(seed))
}

func defaultRng() *rand.Rand {
	rngMu.Lock()
	defer rngMu.Unlock()
	return globalRng
}

// NamedParameter pairs a parameter tensor with its dotted state-dict key.
type NamedParameter struct {
	Name   string
	Tensor *tensor.Tensor
}

// Parameterized is anything that owns named parameters.
type Parameterized interface {
	Parameters() []*tensor.Tensor // Returns all parameter tensors in a stable order
	NamedParameters() []NamedParameter
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Parameterized
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Train()           // Sets module to training mode
	Eval()            // Sets module to evaluation mode
	IsTraining() bool // Returns true if in training mode
}

// Linear implements a fully connected layer on the last axis: y = xW + b
type Linear struct {
	weight   *tensor.Tensor // [in, out]
	bias     *tensor.Tensor // [out]
	training bool
}

// NewLinear creates a Linear layer. A nil rng draws from the global source.
func NewLinear(inputSize, outputSize int, bias bool, rng *rand.Rand) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid linear size %dx%d", inputSize, outputSize)
	}
	if rng == nil {
		rng = defaultRng()
	}

	// Xavier/Glorot uniform: W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}

	weight, err := tensor.NewTensor([]int{inputSize, outputSize}, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{weight: weight, training: true}
	if bias {
		biasT, err := tensor.Zeros([]int{outputSize})
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}
	return linear, nil
}

// Forward performs the forward pass on input of shape (..., in).
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	inputSize := input.Shape[len(input.Shape)-1]
	if inputSize != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], inputSize)
	}

	output, err := tensor.MatMul(input, l.weight)
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		output, err = tensor.Add(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %w", err)
		}
	}
	return output, nil
}

// Weight returns the (in, out) matrix. Bias is nil without a bias term.
func (l *Linear) Weight() *tensor.Tensor { return l.weight }
func (l *Linear) Bias() *tensor.Tensor   { return l.bias }

// InFeatures and OutFeatures report the layer shape.
func (l *Linear) InFeatures() int  { return l.weight.Shape[0] }
func (l *Linear) OutFeatures() int { return l.weight.Shape[1] }

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

// NamedParameters names the tensors "weight" and "bias".
func (l *Linear) NamedParameters() []NamedParameter {
	named := []NamedParameter{{Name: "weight", Tensor: l.weight}}
	if l.bias != nil {
		named = append(named, NamedParameter{Name: "bias", Tensor: l.bias})
	}
	return named
}

// Train and Eval set the layer mode reported by IsTraining.
func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// activation wraps a parameter-free elementwise function as a Module.
type activation struct {
	fn       func(*tensor.Tensor) *tensor.Tensor
	training bool
}

func (a *activation) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return a.fn(input), nil
}

func (a *activation) Parameters() []*tensor.Tensor       { return nil }
func (a *activation) NamedParameters() []NamedParameter { return nil }
func (a *activation) Train()                            { a.training = true }
func (a *activation) Eval()                             { a.training = false }
func (a *activation) IsTraining() bool                  { return a.training }

// NewReLU creates a new ReLU activation module
func NewReLU() Module { return &activation{fn: tensor.ReLU, training: true} }

// NewSiLU creates a SiLU (swish) activation module
func NewSiLU() Module { return &activation{fn: tensor.SiLU, training: true} }

// Sequential chains modules. Parameter names are prefixed with the child
// index ("0.weight", "2.bias").
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error
	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %w", i, err)
		}
	}
	return output, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

// NamedParameters prefixes each name with the module index.
func (s *Sequential) NamedParameters() []NamedParameter {
	var named []NamedParameter
	for i, module := range s.modules {
		named = append(named, Prefixed(fmt.Sprintf("%d", i), module)...)
	}
	return named
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

// IsTraining reports the current mode.
func (s *Sequential) IsTraining() bool { return s.training }

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// Len returns the number of child modules.
func (s *Sequential) Len() int { return len(s.modules) }

// Prefixed returns the module's named parameters under prefix.
func Prefixed(prefix string, m Module) []NamedParameter {
	inner := m.NamedParameters()
	out := make([]NamedParameter, len(inner))
	for i, p := range inner {
		out[i] = NamedParameter{Name: prefix + "." + p.Name, Tensor: p.Tensor}
	}
	return out
}

// MLP builds Linear layers through the given widths with act between them
// and no activation after the last layer.
func MLP(widths []int, act func() Module, rng *rand.Rand) (*Sequential, error) {
	if len(widths) < 2 {
		return nil, fmt.Errorf("mlp needs at least two widths, got %v", widths)
	}
	seq := NewSequential()
	for i := 0; i+1 < len(widths); i++ {
		lin, err := NewLinear(widths[i], widths[i+1], true, rng)
		if err != nil {
			return nil, fmt.Errorf("mlp layer %d: %w", i, err)
		}
		seq.Add(lin)
		if i+2 < len(widths) {
			seq.Add(act())
		}
	}
	return seq, nil
}
