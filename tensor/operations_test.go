package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func TestElementwiseBroadcast(t *testing.T) {
	a := MustNew([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	b := MustNew([]int{3}, []float32{10, 20, 30})

	tests := []struct {
		name     string
		op       func(a, b *Tensor) (*Tensor, error)
		expected []float32
	}{
		{"Add", Add, []float32{11, 22, 33, 14, 25, 36}},
		{"Sub", Sub, []float32{-9, -18, -27, -6, -15, -24}},
		{"Mul", Mul, []float32{10, 40, 90, 40, 100, 180}},
		{"Div", Div, []float32{0.1, 0.1, 0.1, 0.4, 0.25, 0.2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.op(a, b)
			if err != nil {
				t.Fatalf("%s failed: %v", tt.name, err)
			}
			for i, v := range tt.expected {
				if math.Abs(float64(result.Data[i]-v)) > 1e-6 {
					t.Errorf("index %d: expected %f, got %f", i, v, result.Data[i])
				}
			}
		})
	}
}

// numericGrad estimates d(sum(f(x)))/dx by central differences.
func numericGrad(f func(*Tensor) *Tensor, x *Tensor) []float32 {
	const eps = 1e-3
	grad := make([]float32, x.NumElems)
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		plus := Sum(f(x)).Data[0]
		x.Data[i] = orig - eps
		minus := Sum(f(x)).Data[0]
		x.Data[i] = orig
		grad[i] = (plus - minus) / (2 * eps)
	}
	return grad
}

func TestUnaryGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	tests := []struct {
		name string
		f    func(*Tensor) *Tensor
	}{
		{"SiLU", SiLU},
		{"Sigmoid", Sigmoid},
		{"Tanh", Tanh},
		{"Square", Square},
		{"Scale", func(x *Tensor) *Tensor { return Scale(x, 0.5) }},
		{"MulSelf", func(x *Tensor) *Tensor {
			y, _ := Mul(x, x)
			return y
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, _ := RandomNormal(rng, []int{2, 3}, 0, 1)
			want := numericGrad(tt.f, x)

			x.SetRequiresGrad(true)
			if err := Sum(tt.f(x)).Backward(); err != nil {
				t.Fatalf("Backward failed: %v", err)
			}
			for i, w := range want {
				if math.Abs(float64(x.Grad().Data[i]-w)) > 1e-2 {
					t.Errorf("index %d: analytic %f, numeric %f", i, x.Grad().Data[i], w)
				}
			}
		})
	}
}

func TestNaNToNum(t *testing.T) {
	x := MustNew([]int{4}, []float32{float32(math.NaN()), 1, float32(math.Inf(1)), float32(math.Inf(-1))})
	y := NaNToNum(x, 0)

	if y.Data[0] != 0 || y.Data[1] != 1 {
		t.Errorf("Expected NaN replaced with 0 and finite values kept, got %v", y.Data)
	}
	if y.Data[2] != math.MaxFloat32 || y.Data[3] != -math.MaxFloat32 {
		t.Errorf("Expected infinities clamped to max float32, got %v", y.Data[2:])
	}
	if !y.AllFinite() {
		t.Error("Expected all values finite after NaNToNum")
	}
}

func TestNoGradDisablesRecording(t *testing.T) {
	x := MustNew([]int{2}, []float32{1, 2})
	x.SetRequiresGrad(true)

	var y *Tensor
	_ = NoGrad(func() error {
		y = ReLU(x)
		return nil
	})
	if y.RequiresGrad() {
		t.Error("Expected no graph recording under NoGrad")
	}
	if !GradEnabled() {
		t.Error("Expected recording to resume after NoGrad")
	}
}
