// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package rnn

import "github.com/chewxy/math32"

// LayerNorm implements layer normalization with learnable scale and shift.
//
//	mean = mean(x) over the feature dimension, per sample
//	var  = mean((x - mean)^2)
//	y_i  = (x_i - mean) / sqrt(var + eps) * gamma_i + beta_i
//
// Inside a recurrent cell the same LayerNorm parameters are applied once per
// timestep, so unlike an ordinary feed-forward layer it cannot cache its
// activations on the struct: Apply returns an explicit cache that the caller
// stores per step and hands back to Backprop in reverse order.
//
// The epsilon keeps the all-zero vector well defined: var = 0 gives
// invStd = 1/sqrt(eps), xhat = 0, y = beta.
type LayerNorm struct {
	gamma *Tensor // learnable scale, shape [dim]
	beta  *Tensor // learnable shift, shape [dim]
	eps   float32
	dim   int
}

// layerNormCache holds the per-invocation values Backprop needs.
type layerNormCache struct {
	xhat   []float32 // normalized input, [batch*dim]
	invStd []float32 // 1/sqrt(var+eps) per sample, [batch]
}

// NewLayerNorm creates a LayerNorm over vectors of size dim,
// gamma initialized to 1 and beta to 0.
func NewLayerNorm(dim int, eps float32) *LayerNorm {
	return &LayerNorm{
		gamma: Ones(NewShape(dim), F32),
		beta:  Zeros(NewShape(dim), F32),
		eps:   eps,
		dim:   dim,
	}
}

// Apply normalizes each row of x ([batch, dim]) independently and returns
// the output together with the cache for the matching Backprop call.
func (n *LayerNorm) Apply(x *Tensor) (*Tensor, *layerNormCache) {
	batch := x.Shape().Numel() / n.dim
	out := New(x.Shape(), F32)
	cache := &layerNormCache{
		xhat:   make([]float32, batch*n.dim),
		invStd: make([]float32, batch),
	}

	in, dst := x.DataPtr(), out.DataPtr()
	g, b := n.gamma.DataPtr(), n.beta.DataPtr()
	invDim := 1.0 / float32(n.dim)
	for v := 0; v < batch; v++ {
		off := v * n.dim
		row := in[off : off+n.dim]

		mean := float32(0)
		for _, x := range row {
			mean += x
		}
		mean *= invDim

		variance := float32(0)
		for _, x := range row {
			d := x - mean
			variance += d * d
		}
		variance *= invDim

		invStd := 1.0 / math32.Sqrt(variance+n.eps)
		cache.invStd[v] = invStd
		for i := 0; i < n.dim; i++ {
			xh := (row[i] - mean) * invStd
			cache.xhat[off+i] = xh
			dst[off+i] = xh*g[i] + b[i]
		}
	}
	return out, cache
}

// Backprop computes the input gradient for one Apply invocation and
// accumulates the gamma/beta gradients.
//
//	dxhat = dy * gamma
//	dx    = invStd * (dxhat - mean(dxhat) - xhat * mean(dxhat * xhat))
//	dgamma_i += sum_v dy[v,i] * xhat[v,i]
//	dbeta_i  += sum_v dy[v,i]
func (n *LayerNorm) Backprop(cache *layerNormCache, gradOut *Tensor) *Tensor {
	batch := gradOut.Shape().Numel() / n.dim
	gradIn := New(gradOut.Shape(), F32)

	gOut, gIn := gradOut.DataPtr(), gradIn.DataPtr()
	g := n.gamma.DataPtr()
	dGamma := make([]float32, n.dim)
	dBeta := make([]float32, n.dim)
	invDim := 1.0 / float32(n.dim)

	for v := 0; v < batch; v++ {
		off := v * n.dim
		invStd := cache.invStd[v]

		// Per-sample reductions of dxhat and dxhat*xhat.
		sumDxhat := float32(0)
		sumDxhatXhat := float32(0)
		for i := 0; i < n.dim; i++ {
			dy := gOut[off+i]
			xh := cache.xhat[off+i]
			dxhat := dy * g[i]
			sumDxhat += dxhat
			sumDxhatXhat += dxhat * xh
			dGamma[i] += dy * xh
			dBeta[i] += dy
		}
		meanDxhat := sumDxhat * invDim
		meanDxhatXhat := sumDxhatXhat * invDim

		for i := 0; i < n.dim; i++ {
			dxhat := gOut[off+i] * g[i]
			gIn[off+i] = invStd * (dxhat - meanDxhat - cache.xhat[off+i]*meanDxhatXhat)
		}
	}

	n.gamma.AccumulateGrad(dGamma)
	n.beta.AccumulateGrad(dBeta)
	return gradIn
}

// Parameters returns the learnable scale and shift.
func (n *LayerNorm) Parameters() []*Tensor { return []*Tensor{n.gamma, n.beta} }
