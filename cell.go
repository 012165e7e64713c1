// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package rnn

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
)

// RecurrentCell is one recurrent layer driven a single timestep at a time.
//
// Usage contract: BeginSequence once per unroll, then Step for t = 0..T-1,
// then StepBack for t = T-1..0 (exactly once per forward step, in reverse).
// The recurrent state and its gradient carry live inside the cell; StepBack
// only returns the gradient w.r.t. that step's input, which the caller
// routes to the layer below. Parameters are shared across every Step by
// construction — the cell holds one instance of each weight tensor no
// matter how long the unroll is.
type RecurrentCell interface {
	BeginSequence(batch int, mode Mode)
	Step(x *Tensor) *Tensor
	StepBack(gradOutput *Tensor) *Tensor
	Parameters() []*Tensor
	InputSize() int
	HiddenSize() int

	namedTensors(prefix string) []namedTensor
}

// LSTMCell is a standard LSTM with optional layer normalization and
// recurrent dropout on the candidate update.
//
// One timestep:
//
//	u   = W @ [x_t ; h_{t-1}]            -- fused [4H] pre-activation
//	i,f,o = sigmoid(LN(u_k + b_k));  g = tanh(LN(u_g + b_g))
//	c_t = f . c_{t-1} + i . dropout(g)
//	h_t = o . tanh(LN_c(c_t))
//
// The LN passes exist only when layer norm is enabled; otherwise no
// normalization parameters are allocated.
type LSTMCell struct {
	inSize int
	hidden int

	w     *Tensor    // fused gate weights [4H, in+H], gate order i, f, o, g
	b     *Tensor    // fused gate bias [4H]
	norms *cellNorms // nil when layer norm is off

	keepProb float32
	policy   DropoutPolicy

	// Unroll state.
	mode    Mode
	batch   int
	h, c    []float32 // current recurrent state, [batch*H]
	seqMask []float32 // per-sequence dropout mask (DropoutPerSequence)
	steps   []*lstmStep
	backIdx int

	// Backward carries.
	gradH, gradC []float32
}

// lstmStep caches what one forward step needs for its backward step.
type lstmStep struct {
	z     *Tensor // concatenated [x_t ; h_{t-1}], [batch, in+H]
	gates *gateCache
}

// NewLSTMCell creates an LSTM layer. Weights use Xavier-style init scaled
// by sqrt(1/(in+H)); biases start at zero.
func NewLSTMCell(inSize, hidden int, layerNorm bool, keepProb float32, policy DropoutPolicy) *LSTMCell {
	std := math32.Sqrt(1.0 / float32(inSize+hidden))
	c := &LSTMCell{
		inSize:   inSize,
		hidden:   hidden,
		w:        RandnWithStd(NewShape(numGates*hidden, inSize+hidden), F32, std),
		b:        Zeros(NewShape(numGates*hidden), F32),
		keepProb: keepProb,
		policy:   policy,
	}
	if layerNorm {
		c.norms = newCellNorms(hidden)
	}
	return c
}

// InputSize returns the expected width of x_t.
func (c *LSTMCell) InputSize() int { return c.inSize }

// HiddenSize returns the width of h_t.
func (c *LSTMCell) HiddenSize() int { return c.hidden }

// BeginSequence resets the recurrent state to zeros for a fresh unroll and
// clears all cached activations. mode is fixed for the whole pass; with
// DropoutPerSequence the candidate mask is drawn here and reused each step.
func (c *LSTMCell) BeginSequence(batch int, mode Mode) {
	c.mode = mode
	c.batch = batch
	c.h = make([]float32, batch*c.hidden)
	c.c = make([]float32, batch*c.hidden)
	c.steps = c.steps[:0]
	c.backIdx = 0
	c.gradH = make([]float32, batch*c.hidden)
	c.gradC = make([]float32, batch*c.hidden)
	if c.policy == DropoutPerSequence {
		c.seqMask = drawDropoutMask(batch*c.hidden, c.keepProb, mode)
	}
}

// stepMask returns the candidate-gate dropout mask for the current step.
func (c *LSTMCell) stepMask() []float32 {
	if c.policy == DropoutPerSequence {
		return c.seqMask
	}
	return drawDropoutMask(c.batch*c.hidden, c.keepProb, c.mode)
}

// Step consumes one timestep of input [batch, in] and returns h_t
// [batch, H], advancing the internal (h, c) state.
func (c *LSTMCell) Step(x *Tensor) *Tensor {
	if x.Shape().At(-1) != c.inSize {
		panic(fmt.Sprintf("lstm: input width %d != %d", x.Shape().At(-1), c.inSize))
	}
	z := concatCols(x, c.h, c.batch, c.inSize, c.hidden)
	u := MatmulTransposedB(z, c.w)

	h, cache := gateForward(u, c.b, c.c, c.stepMask(), c.norms, c.batch, c.hidden)
	c.steps = append(c.steps, &lstmStep{z: z, gates: cache})
	c.backIdx = len(c.steps)

	c.h = h.DataPtr()
	c.c = cache.c
	return h
}

// StepBack pops one timestep in reverse order. gradOutput is dL/dh_t from
// the consumer of this step's output; the recurrent dh/dc carries from
// step t+1 are added internally. Returns dL/dx_t and accumulates all
// parameter gradients.
func (c *LSTMCell) StepBack(gradOutput *Tensor) *Tensor {
	if c.backIdx == 0 {
		panic("lstm: StepBack called more times than Step")
	}
	c.backIdx--
	step := c.steps[c.backIdx]

	n := c.batch * c.hidden
	dh := make([]float32, n)
	gOut := gradOutput.DataPtr()
	for j := 0; j < n; j++ {
		dh[j] = gOut[j] + c.gradH[j]
	}

	du, dcPrev := gateBackward(step.gates, c.b, dh, c.gradC, c.norms)

	// dW += du^T @ z.
	fused := numGates * c.hidden
	cols := c.inSize + c.hidden
	dW := make([]float32, fused*cols)
	sgemmTransA(fused, cols, c.batch,
		1.0, du.DataPtr(), fused,
		step.z.DataPtr(), cols,
		0.0, dW, cols)
	c.w.AccumulateGrad(dW)

	// dz = du @ W, then split into the input part and the hidden carry.
	dz := Matmul(du, c.w)
	dx := New(NewShape(c.batch, c.inSize), F32)
	dzData, dxData := dz.DataPtr(), dx.DataPtr()
	for v := 0; v < c.batch; v++ {
		copy(dxData[v*c.inSize:(v+1)*c.inSize], dzData[v*cols:v*cols+c.inSize])
		copy(c.gradH[v*c.hidden:(v+1)*c.hidden], dzData[v*cols+c.inSize:(v+1)*cols])
	}
	c.gradC = dcPrev
	return dx
}

// Parameters returns the fused weights, bias, and any layer-norm
// scale/shift pairs.
func (c *LSTMCell) Parameters() []*Tensor {
	return concatParams([]*Tensor{c.w, c.b}, c.norms.parameters())
}

func (c *LSTMCell) namedTensors(prefix string) []namedTensor {
	out := []namedTensor{
		{prefix + "/w", c.w},
		{prefix + "/b", c.b},
	}
	return append(out, c.norms.namedTensors(prefix)...)
}

// namedTensors lists the layer-norm parameters for checkpointing.
func (n *cellNorms) namedTensors(prefix string) []namedTensor {
	if n == nil {
		return nil
	}
	labels := [numGates]string{"i", "f", "o", "g"}
	var out []namedTensor
	for k := 0; k < numGates; k++ {
		out = append(out,
			namedTensor{fmt.Sprintf("%s/norm_%s/gamma", prefix, labels[k]), n.gates[k].gamma},
			namedTensor{fmt.Sprintf("%s/norm_%s/beta", prefix, labels[k]), n.gates[k].beta})
	}
	return append(out,
		namedTensor{prefix + "/norm_c/gamma", n.cell.gamma},
		namedTensor{prefix + "/norm_c/beta", n.cell.beta})
}

// drawDropoutMask builds an inverted dropout mask of length n. Outside Train
// mode, or at keep = 1, every element is exactly 1 — the mask is still
// applied so the code path is identical between training and inference.
func drawDropoutMask(n int, keep float32, mode Mode) []float32 {
	mask := make([]float32, n)
	if mode != Train || keep >= 1 {
		for i := range mask {
			mask[i] = 1
		}
		return mask
	}
	invKeep := 1.0 / keep
	for i := range mask {
		if rand.Float32() < keep {
			mask[i] = invKeep
		}
	}
	return mask
}

// concatCols builds [x ; h] rows: [batch, xCols+hCols].
func concatCols(x *Tensor, h []float32, batch, xCols, hCols int) *Tensor {
	out := New(NewShape(batch, xCols+hCols), F32)
	dst, src := out.DataPtr(), x.DataPtr()
	cols := xCols + hCols
	for v := 0; v < batch; v++ {
		copy(dst[v*cols:v*cols+xCols], src[v*xCols:(v+1)*xCols])
		copy(dst[v*cols+xCols:(v+1)*cols], h[v*hCols:(v+1)*hCols])
	}
	return out
}
