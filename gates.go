// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package rnn

import "github.com/chewxy/math32"

// Elementwise LSTM gate math shared by LSTMCell and HyperLSTMCell.
//
// Both cells produce a fused pre-activation block u of shape [batch, 4H]
// (gate order i, f, o, g). Everything after that point is identical between
// the two variants: bias, optional per-gate layer norm, nonlinearities,
// recurrent dropout on the candidate, memory-cell update, optional cell
// layer norm, gated output. gateForward/gateBackward implement that shared
// tail with an explicit per-step cache, so each cell only owns its own
// pre-activation construction.

// Gate indices within the fused [4H] layout.
const (
	gateI = iota // input gate (sigmoid)
	gateF        // forget gate (sigmoid)
	gateO        // output gate (sigmoid)
	gateG        // candidate update (tanh)
	numGates
)

// cellNorms bundles the five LayerNorms a layer-normalized cell owns:
// one per gate pre-activation plus one for the memory cell. Nil when layer
// norm is disabled (no normalization parameters are allocated at all).
type cellNorms struct {
	gates [numGates]*LayerNorm
	cell  *LayerNorm
}

// lnEpsilon guards the degenerate all-zero normalization case.
const lnEpsilon = 1e-5

func newCellNorms(hidden int) *cellNorms {
	n := &cellNorms{cell: NewLayerNorm(hidden, lnEpsilon)}
	for k := range n.gates {
		n.gates[k] = NewLayerNorm(hidden, lnEpsilon)
	}
	return n
}

func (n *cellNorms) parameters() []*Tensor {
	if n == nil {
		return nil
	}
	return concatParams(
		n.gates[gateI].Parameters(), n.gates[gateF].Parameters(),
		n.gates[gateO].Parameters(), n.gates[gateG].Parameters(),
		n.cell.Parameters())
}

// gateCache holds one timestep's activations for the backward pass.
type gateCache struct {
	batch, hidden int
	cPrev         []float32            // previous memory cell
	i, f, o, g    []float32            // post-nonlinearity gate values (g before dropout)
	mask          []float32            // inverted dropout mask on g: 0 or 1/keep; all ones when inactive
	c             []float32            // new memory cell (raw, before cell norm)
	tanhC         []float32            // tanh of the (possibly normalized) cell
	gateLN        [numGates]*layerNormCache
	cellLN        *layerNormCache
}

// wrap views a flat slice as a tensor without copying.
func wrap(data []float32, shape Shape) *Tensor {
	return &Tensor{data: data, shape: shape, dtype: F32}
}

// gateForward runs the gate tail of one LSTM transition.
//
// u is the fused pre-activation [batch, 4H] WITHOUT bias (HyperLSTM applies
// its scaling before the bias, so the bias is added here for both cell
// types). cPrev is the previous memory cell [batch*H]. mask is the
// recurrent dropout mask for the candidate gate, already inverted
// (values 0 or 1/keep; all ones when dropout is inactive — the masking path
// always executes, keeping train and eval numerically symmetric when
// keep = 1).
//
//	i, f, o = sigmoid(norm(u_k + b_k));  g = tanh(norm(u_g + b_g))
//	c_t = f . c_{t-1} + i . (g . mask)
//	h_t = o . tanh(norm_c(c_t))
func gateForward(u, bias *Tensor, cPrev, mask []float32, norms *cellNorms, batch, hidden int) (h *Tensor, cache *gateCache) {
	cache = &gateCache{
		batch:  batch,
		hidden: hidden,
		cPrev:  cPrev,
		mask:   mask,
		c:      make([]float32, batch*hidden),
		tanhC:  make([]float32, batch*hidden),
	}

	uData, b := u.DataPtr(), bias.DataPtr()
	fused := numGates * hidden

	// Split u into per-gate blocks and add the bias.
	var pre [numGates][]float32
	for k := 0; k < numGates; k++ {
		blk := make([]float32, batch*hidden)
		for v := 0; v < batch; v++ {
			uRow := uData[v*fused+k*hidden : v*fused+(k+1)*hidden]
			bRow := b[k*hidden : (k+1)*hidden]
			dst := blk[v*hidden : (v+1)*hidden]
			for i := range dst {
				dst[i] = uRow[i] + bRow[i]
			}
		}
		if norms != nil {
			normed, lnCache := norms.gates[k].Apply(wrap(blk, NewShape(batch, hidden)))
			cache.gateLN[k] = lnCache
			blk = normed.DataPtr()
		}
		pre[k] = blk
	}

	// Nonlinearities.
	n := batch * hidden
	cache.i = make([]float32, n)
	cache.f = make([]float32, n)
	cache.o = make([]float32, n)
	cache.g = make([]float32, n)
	for j := 0; j < n; j++ {
		cache.i[j] = sigmoid(pre[gateI][j])
		cache.f[j] = sigmoid(pre[gateF][j])
		cache.o[j] = sigmoid(pre[gateO][j])
		cache.g[j] = math32.Tanh(pre[gateG][j])
	}

	// Memory cell update with recurrent dropout on the candidate.
	for j := 0; j < n; j++ {
		cache.c[j] = cache.f[j]*cPrev[j] + cache.i[j]*cache.g[j]*mask[j]
	}

	// Output path: optionally layer-normalize the cell before tanh.
	cellIn := cache.c
	if norms != nil {
		normed, lnCache := norms.cell.Apply(wrap(cache.c, NewShape(batch, hidden)))
		cache.cellLN = lnCache
		cellIn = normed.DataPtr()
	}
	h = New(NewShape(batch, hidden), F32)
	hData := h.DataPtr()
	for j := 0; j < n; j++ {
		cache.tanhC[j] = math32.Tanh(cellIn[j])
		hData[j] = cache.o[j] * cache.tanhC[j]
	}
	return h, cache
}

// gateBackward inverts gateForward for one timestep.
//
// dh is dL/dh_t (output gradient plus the recurrent hidden carry), dcIn is
// the memory-cell gradient carried back from timestep t+1. It accumulates
// the bias gradient on bias, runs the layer-norm backward passes, and
// returns du (gradient at the fused bias-free pre-activation, [batch, 4H])
// together with dcPrev, the carry for timestep t-1.
func gateBackward(cache *gateCache, bias *Tensor, dh, dcIn []float32, norms *cellNorms) (du *Tensor, dcPrev []float32) {
	batch, hidden := cache.batch, cache.hidden
	n := batch * hidden

	// Output gate and the tanh(cell) path.
	daO := make([]float32, n)
	dTanhC := make([]float32, n)
	for j := 0; j < n; j++ {
		o := cache.o[j]
		daO[j] = dh[j] * cache.tanhC[j] * o * (1 - o)
		dTanhC[j] = dh[j] * o * (1 - cache.tanhC[j]*cache.tanhC[j])
	}

	// Through the cell norm (output path only; the recurrent cell carry
	// bypasses it because c_{t-1} enters the next step unnormalized).
	dc := dTanhC
	if norms != nil {
		dc = norms.cell.Backprop(cache.cellLN, wrap(dTanhC, NewShape(batch, hidden))).DataPtr()
	}
	for j := 0; j < n; j++ {
		dc[j] += dcIn[j]
	}

	// Remaining gates and the dropout-masked candidate.
	daI := make([]float32, n)
	daF := make([]float32, n)
	daG := make([]float32, n)
	dcPrev = make([]float32, n)
	for j := 0; j < n; j++ {
		i, f, g := cache.i[j], cache.f[j], cache.g[j]
		daF[j] = dc[j] * cache.cPrev[j] * f * (1 - f)
		daI[j] = dc[j] * g * cache.mask[j] * i * (1 - i)
		daG[j] = dc[j] * i * cache.mask[j] * (1 - g*g)
		dcPrev[j] = dc[j] * f
	}

	// Per-gate layer norm backward, then reassemble the fused gradient and
	// accumulate the bias gradient (the bias sits between u and the norm).
	blocks := [numGates][]float32{daI, daF, daO, daG}
	du = New(NewShape(batch, numGates*hidden), F32)
	duData := du.DataPtr()
	dBias := make([]float32, numGates*hidden)
	fused := numGates * hidden
	for k := 0; k < numGates; k++ {
		dPre := blocks[k]
		if norms != nil {
			dPre = norms.gates[k].Backprop(cache.gateLN[k], wrap(dPre, NewShape(batch, hidden))).DataPtr()
		}
		for v := 0; v < batch; v++ {
			src := dPre[v*hidden : (v+1)*hidden]
			dst := duData[v*fused+k*hidden : v*fused+(k+1)*hidden]
			copy(dst, src)
			dbRow := dBias[k*hidden : (k+1)*hidden]
			for i := range src {
				dbRow[i] += src[i]
			}
		}
	}
	bias.AccumulateGrad(dBias)
	return du, dcPrev
}
