package tensor

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// DType records the numeric precision a tensor is meant to carry. Storage is
// always float32; Float16 and BFloat16 tensors hold values already rounded to
// that precision (see Cast).
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	case BFloat16:
		return "BFloat16"
	default:
		return "Unknown"
	}
}

// ParseDType maps the mixed precision names used in configuration files.
func ParseDType(name string) (DType, error) {
	switch name {
	case "", "no", "none", "fp32", "float32":
		return Float32, nil
	case "fp16", "float16", "half":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	default:
		return Float32, fmt.Errorf("unknown precision %q", name)
	}
}

var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Operation is a node in the autograd graph. Backward receives the gradient
// of the operation output and returns one gradient per input (nil for inputs
// that do not need one).
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) ([]*Tensor, error)
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Data         []float32
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// IsLeaf reports whether the tensor was created by the user rather than by an
// operation.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

var gradDisabled atomic.Int32

// NoGrad runs fn with graph recording switched off. Calls may nest.
func NoGrad(fn func() error) error {
	gradDisabled.Add(1)
	defer gradDisabled.Add(-1)
	return fn()
}

// GradEnabled reports whether new operations record autograd history.
func GradEnabled() bool {
	return gradDisabled.Load() == 0
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	return shapesEqual(a, b)
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

// attach wires an operation result into the graph when recording is on and
// any input needs gradients.
func attach(result *Tensor, op Operation) *Tensor {
	if !GradEnabled() {
		return result
	}
	for _, in := range op.Inputs() {
		if in != nil && in.requiresGrad {
			result.requiresGrad = true
			result.creator = op
			return result
		}
	}
	return result
}

func resultDType(ts ...*Tensor) DType {
	d := Float32
	for _, t := range ts {
		if t.DType > d {
			d = t.DType
		}
	}
	return d
}
