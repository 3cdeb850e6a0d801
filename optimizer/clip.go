package optimizer

import (
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-sigdiffusion/tensor"
)

// GlobalGradNorm returns the L2 norm over the gradients of params.
func GlobalGradNorm(params []*tensor.Tensor) float64 {
	var sumSq float64
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		n := float64(blas32.Nrm2(blas32.Vector{N: g.NumElems, Inc: 1, Data: g.Data}))
		sumSq += n * n
	}
	return math.Sqrt(sumSq)
}

// ClipGradNorm rescales gradients in place so their global L2 norm is at most
// maxNorm and returns the norm before clipping. A non-positive maxNorm
// disables clipping.
func ClipGradNorm(params []*tensor.Tensor, maxNorm float64) float64 {
	total := GlobalGradNorm(params)
	if maxNorm <= 0 || total <= maxNorm || math.IsNaN(total) {
		return total
	}
	scale := float32(maxNorm / (total + 1e-6))
	for _, p := range params {
		if g := p.Grad(); g != nil {
			blas32.Scal(scale, blas32.Vector{N: g.NumElems, Inc: 1, Data: g.Data})
		}
	}
	return total
}
