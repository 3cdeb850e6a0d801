package tensor

import (
	"fmt"
	"math/rand"
)

func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		DType:    Float32,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// MustNew is NewTensor for shapes known to be valid at the call site.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := NewTensor(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

// ZerosLike allocates a zero tensor with the shape and dtype of t.
func ZerosLike(t *Tensor) *Tensor {
	out := MustNew(t.Shape, nil)
	out.DType = t.DType
	return out
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

func Full(shape []int, value float32) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// FromScalar creates a one-element tensor.
func FromScalar(value float32) *Tensor {
	return MustNew([]int{1}, []float32{value})
}

// RandomNormal samples N(mean, std^2) values from rng.
func RandomNormal(rng *rand.Rand, shape []int, mean, std float32) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = mean + std*float32(rng.NormFloat64())
	}
	return t, nil
}

// RandomUniform samples U(low, high) values from rng.
func RandomUniform(rng *rand.Rand, shape []int, low, high float32) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	span := high - low
	for i := range t.Data {
		t.Data[i] = low + span*rng.Float32()
	}
	return t, nil
}
