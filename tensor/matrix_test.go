package tensor

import (
	"math"
	"reflect"
	"testing"
)

func TestMatMul(t *testing.T) {
	a := MustNew([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	b := MustNew([]int{3, 2}, []float32{7, 8, 9, 10, 11, 12})

	c, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	expected := []float32{58, 64, 139, 154}
	if !reflect.DeepEqual(c.Data, expected) {
		t.Errorf("Expected %v, got %v", expected, c.Data)
	}

	if _, err := MatMul(a, a); err == nil {
		t.Error("Expected error for mismatched inner dimensions")
	}
}

func TestMatMulGradient(t *testing.T) {
	a := MustNew([]int{2, 1, 3}, []float32{1, 2, 3, 4, 5, 6})
	b := MustNew([]int{3, 2}, []float32{1, 0, 0, 1, 1, 1})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	c, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	if !reflect.DeepEqual(c.Shape, []int{2, 1, 2}) {
		t.Fatalf("Expected shape [2 1 2], got %v", c.Shape)
	}
	if err := Sum(c).Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// d(sum)/dA = row sums of B, d(sum)/dB = column sums of A repeated
	wantA := []float32{1, 1, 2, 1, 1, 2}
	wantB := []float32{5, 5, 7, 7, 9, 9}
	if !reflect.DeepEqual(a.Grad().Data, wantA) {
		t.Errorf("grad A: expected %v, got %v", wantA, a.Grad().Data)
	}
	if !reflect.DeepEqual(b.Grad().Data, wantB) {
		t.Errorf("grad B: expected %v, got %v", wantB, b.Grad().Data)
	}
}

func TestReshape(t *testing.T) {
	x := MustNew([]int{2, 3, 4}, nil)

	tests := []struct {
		name     string
		shape    []int
		expected []int
		wantErr  bool
	}{
		{"Flatten", []int{24}, []int{24}, false},
		{"Inferred", []int{-1, 4}, []int{6, 4}, false},
		{"Bad size", []int{5, 5}, nil, true},
		{"Two inferred", []int{-1, -1}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			y, err := Reshape(x, tt.shape)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Reshape failed: %v", err)
			}
			if !reflect.DeepEqual(y.Shape, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, y.Shape)
			}
		})
	}
}

func TestPermuteRoundTrip(t *testing.T) {
	data := make([]float32, 24)
	for i := range data {
		data[i] = float32(i)
	}
	x := MustNew([]int{2, 3, 4}, data)

	p, err := Permute(x, 2, 0, 1)
	if err != nil {
		t.Fatalf("Permute failed: %v", err)
	}
	if !reflect.DeepEqual(p.Shape, []int{4, 2, 3}) {
		t.Fatalf("Expected shape [4 2 3], got %v", p.Shape)
	}
	v, _ := p.At(3, 1, 2)
	want, _ := x.At(1, 2, 3)
	if v != want {
		t.Errorf("Expected %f at permuted index, got %f", want, v)
	}

	back, err := Permute(p, 1, 2, 0)
	if err != nil {
		t.Fatalf("Permute failed: %v", err)
	}
	if !Equal(back, x) {
		t.Error("Expected inverse permutation to restore the tensor")
	}
}

func TestConcatNarrow(t *testing.T) {
	a := MustNew([]int{1, 2, 2}, []float32{1, 2, 3, 4})
	b := MustNew([]int{1, 1, 2}, []float32{5, 6})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	c, err := Concat([]*Tensor{b, a}, 1)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	if !reflect.DeepEqual(c.Data, []float32{5, 6, 1, 2, 3, 4}) {
		t.Errorf("Unexpected concat data %v", c.Data)
	}

	n, err := Narrow(c, 1, 1, 2)
	if err != nil {
		t.Fatalf("Narrow failed: %v", err)
	}
	if !reflect.DeepEqual(n.Data, []float32{1, 2, 3, 4}) {
		t.Errorf("Unexpected narrow data %v", n.Data)
	}

	if err := Sum(n).Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if !reflect.DeepEqual(a.Grad().Data, []float32{1, 1, 1, 1}) {
		t.Errorf("Expected ones for a, got %v", a.Grad().Data)
	}
	if b.Grad() == nil || !reflect.DeepEqual(b.Grad().Data, []float32{0, 0}) {
		t.Errorf("Expected zeros for b, got %v", b.Grad())
	}

	if _, err := Narrow(c, 1, 2, 2); err == nil {
		t.Error("Expected error for out-of-range narrow")
	}
}

func TestMeanAxisAndMSE(t *testing.T) {
	x := MustNew([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	m, err := MeanAxis(x, 1, false)
	if err != nil {
		t.Fatalf("MeanAxis failed: %v", err)
	}
	if !reflect.DeepEqual(m.Shape, []int{2}) || !reflect.DeepEqual(m.Data, []float32{2, 5}) {
		t.Errorf("Expected [2 5] with shape [2], got %v shape %v", m.Data, m.Shape)
	}

	pred := MustNew([]int{2}, []float32{1, 3})
	target := MustNew([]int{2}, []float32{0, 0})
	pred.SetRequiresGrad(true)
	loss, err := MSELoss(pred, target)
	if err != nil {
		t.Fatalf("MSELoss failed: %v", err)
	}
	if math.Abs(float64(loss.Data[0]-5)) > 1e-6 {
		t.Errorf("Expected loss 5, got %f", loss.Data[0])
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if !reflect.DeepEqual(pred.Grad().Data, []float32{1, 3}) {
		t.Errorf("Expected gradient [1 3], got %v", pred.Grad().Data)
	}
}
