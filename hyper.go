// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package rnn

import (
	"fmt"

	"github.com/chewxy/math32"
)

// HyperLSTMCell is an LSTM whose gate pre-activations are rescaled every
// timestep by a small auxiliary LSTM (the hypernetwork). The auxiliary cell
// observes the main cell's context — its input is [x_t ; h_{t-1}] — and its
// hidden state is projected through a low-rank embedding into one scaling
// vector per gate:
//
//	h^aux_t     = AuxLSTM([x_t ; h_{t-1}])
//	e_k         = Wembed_k @ h^aux_t + bembed_k        -- [Z], per gate k
//	s_k         = Wscale_k @ e_k                       -- [H], per gate k
//	u_k         = (1 + s_k) . (W @ [x_t ; h_{t-1}])_k  -- modulated pre-activation
//
// then the transition continues exactly as LSTMCell from the bias onward.
// A cheap auxiliary network modulating a larger main network lets the model
// adapt its effective weights per timestep without the parameter cost of
// fully dynamic weights.
//
// Wscale is zero-initialized, so a fresh HyperLSTMCell computes the exact
// standard LSTM update ((1+0) is the identity) until training moves the
// scaling weights.
//
// Externally the cell looks identical to LSTMCell: the auxiliary (h, c)
// state and its gradient carries stay inside; only the main h_t is emitted.
type HyperLSTMCell struct {
	inSize    int
	hidden    int
	hyperSize int // auxiliary cell hidden units (P)
	embedSize int // low-rank projection dimension (Z)

	w     *Tensor    // main fused gate weights [4H, in+H]
	b     *Tensor    // main fused bias [4H], added after the modulation
	norms *cellNorms // main cell layer norm, nil when off

	aux    *LSTMCell // the hypernetwork, composed not inherited
	wEmbed [numGates]*Tensor // [Z, P]
	bEmbed [numGates]*Tensor // [Z]
	wScale [numGates]*Tensor // [H, Z], zero-initialized

	keepProb float32
	policy   DropoutPolicy

	// Unroll state (main cell only; aux keeps its own).
	mode    Mode
	batch   int
	h, c    []float32
	seqMask []float32
	steps   []*hyperStep
	backIdx int

	gradH, gradC []float32
}

// hyperStep caches one timestep of the modulation path plus the shared
// gate cache.
type hyperStep struct {
	z      *Tensor           // [batch, in+H], input to both main matmul and aux cell
	hHyper *Tensor           // [batch, P]
	e      [numGates]*Tensor // [batch, Z]
	s      [numGates]*Tensor // [batch, H]
	uRaw   *Tensor           // [batch, 4H] pre-modulation
	gates  *gateCache
}

// NewHyperLSTMCell creates a HyperLSTM layer. layerNorm applies to both the
// main transition and the auxiliary cell, mirroring the standard cell's
// flag. Recurrent dropout is applied to the main candidate gate only.
func NewHyperLSTMCell(inSize, hidden, hyperSize, embedSize int, layerNorm bool, keepProb float32, policy DropoutPolicy) *HyperLSTMCell {
	std := math32.Sqrt(1.0 / float32(inSize+hidden))
	c := &HyperLSTMCell{
		inSize:    inSize,
		hidden:    hidden,
		hyperSize: hyperSize,
		embedSize: embedSize,
		w:         RandnWithStd(NewShape(numGates*hidden, inSize+hidden), F32, std),
		b:         Zeros(NewShape(numGates*hidden), F32),
		aux:       NewLSTMCell(inSize+hidden, hyperSize, layerNorm, 1.0, policy),
		keepProb:  keepProb,
		policy:    policy,
	}
	if layerNorm {
		c.norms = newCellNorms(hidden)
	}
	embedStd := math32.Sqrt(1.0 / float32(hyperSize))
	for k := 0; k < numGates; k++ {
		c.wEmbed[k] = RandnWithStd(NewShape(embedSize, hyperSize), F32, embedStd)
		c.bEmbed[k] = Zeros(NewShape(embedSize), F32)
		c.wScale[k] = Zeros(NewShape(hidden, embedSize), F32)
	}
	return c
}

// InputSize returns the expected width of x_t.
func (c *HyperLSTMCell) InputSize() int { return c.inSize }

// HiddenSize returns the width of the emitted h_t (main cell only).
func (c *HyperLSTMCell) HiddenSize() int { return c.hidden }

// BeginSequence zeroes the main and auxiliary states for a fresh unroll.
func (c *HyperLSTMCell) BeginSequence(batch int, mode Mode) {
	c.mode = mode
	c.batch = batch
	c.h = make([]float32, batch*c.hidden)
	c.c = make([]float32, batch*c.hidden)
	c.steps = c.steps[:0]
	c.backIdx = 0
	c.gradH = make([]float32, batch*c.hidden)
	c.gradC = make([]float32, batch*c.hidden)
	c.aux.BeginSequence(batch, mode)
	if c.policy == DropoutPerSequence {
		c.seqMask = drawDropoutMask(batch*c.hidden, c.keepProb, mode)
	}
}

func (c *HyperLSTMCell) stepMask() []float32 {
	if c.policy == DropoutPerSequence {
		return c.seqMask
	}
	return drawDropoutMask(c.batch*c.hidden, c.keepProb, c.mode)
}

// Step runs one timestep: auxiliary transition, per-gate scaling, modulated
// main transition. Returns the main h_t [batch, H].
func (c *HyperLSTMCell) Step(x *Tensor) *Tensor {
	if x.Shape().At(-1) != c.inSize {
		panic(fmt.Sprintf("hyper_lstm: input width %d != %d", x.Shape().At(-1), c.inSize))
	}
	step := &hyperStep{}
	step.z = concatCols(x, c.h, c.batch, c.inSize, c.hidden)

	// Auxiliary transition on the main cell's context.
	step.hHyper = c.aux.Step(step.z)

	// Per-gate low-rank scaling vectors.
	for k := 0; k < numGates; k++ {
		e := MatmulTransposedB(step.hHyper, c.wEmbed[k])
		addRowBias(e, c.bEmbed[k])
		step.e[k] = e
		step.s[k] = MatmulTransposedB(e, c.wScale[k])
	}

	// Modulate the fused pre-activation before the bias: u_k . (1 + s_k).
	step.uRaw = MatmulTransposedB(step.z, c.w)
	u := New(NewShape(c.batch, numGates*c.hidden), F32)
	uData, rawData := u.DataPtr(), step.uRaw.DataPtr()
	fused := numGates * c.hidden
	for v := 0; v < c.batch; v++ {
		for k := 0; k < numGates; k++ {
			sRow := step.s[k].DataPtr()[v*c.hidden : (v+1)*c.hidden]
			off := v*fused + k*c.hidden
			for i := 0; i < c.hidden; i++ {
				uData[off+i] = rawData[off+i] * (1 + sRow[i])
			}
		}
	}

	h, cache := gateForward(u, c.b, c.c, c.stepMask(), c.norms, c.batch, c.hidden)
	step.gates = cache
	c.steps = append(c.steps, step)
	c.backIdx = len(c.steps)

	c.h = h.DataPtr()
	c.c = cache.c
	return h
}

// StepBack pops one timestep in reverse order, propagating through the
// modulation path and the auxiliary cell. Returns dL/dx_t.
func (c *HyperLSTMCell) StepBack(gradOutput *Tensor) *Tensor {
	if c.backIdx == 0 {
		panic("hyper_lstm: StepBack called more times than Step")
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

	// Undo the modulation: du was taken at u = uRaw . (1 + s).
	//   duRaw_k = du_k . (1 + s_k)       ds_k = du_k . uRaw_k
	fused := numGates * c.hidden
	duRaw := New(NewShape(c.batch, fused), F32)
	duData, duRawData, rawData := du.DataPtr(), duRaw.DataPtr(), step.uRaw.DataPtr()
	dHyper := New(NewShape(c.batch, c.hyperSize), F32)
	for k := 0; k < numGates; k++ {
		ds := New(NewShape(c.batch, c.hidden), F32)
		dsData := ds.DataPtr()
		sData := step.s[k].DataPtr()
		for v := 0; v < c.batch; v++ {
			off := v*fused + k*c.hidden
			for i := 0; i < c.hidden; i++ {
				g := duData[off+i]
				duRawData[off+i] = g * (1 + sData[v*c.hidden+i])
				dsData[v*c.hidden+i] = g * rawData[off+i]
			}
		}

		// Scaling projection: s_k = e_k @ Wscale_k^T.
		dWScale := make([]float32, c.hidden*c.embedSize)
		sgemmTransA(c.hidden, c.embedSize, c.batch,
			1.0, dsData, c.hidden,
			step.e[k].DataPtr(), c.embedSize,
			0.0, dWScale, c.embedSize)
		c.wScale[k].AccumulateGrad(dWScale)
		de := Matmul(ds, c.wScale[k])

		// Embedding projection: e_k = hHyper @ Wembed_k^T + bembed_k.
		dWEmbed := make([]float32, c.embedSize*c.hyperSize)
		sgemmTransA(c.embedSize, c.hyperSize, c.batch,
			1.0, de.DataPtr(), c.embedSize,
			step.hHyper.DataPtr(), c.hyperSize,
			0.0, dWEmbed, c.hyperSize)
		c.wEmbed[k].AccumulateGrad(dWEmbed)

		dbEmbed := make([]float32, c.embedSize)
		deData := de.DataPtr()
		for v := 0; v < c.batch; v++ {
			for i := 0; i < c.embedSize; i++ {
				dbEmbed[i] += deData[v*c.embedSize+i]
			}
		}
		c.bEmbed[k].AccumulateGrad(dbEmbed)

		dHyper.AddInPlace(Matmul(de, c.wEmbed[k]))
	}

	// The auxiliary cell consumes the same z; its input gradient joins the
	// main path's.
	dzAux := c.aux.StepBack(dHyper)

	// Main weights: dW += duRaw^T @ z, dz = duRaw @ W.
	cols := c.inSize + c.hidden
	dW := make([]float32, fused*cols)
	sgemmTransA(fused, cols, c.batch,
		1.0, duRawData, fused,
		step.z.DataPtr(), cols,
		0.0, dW, cols)
	c.w.AccumulateGrad(dW)

	dz := Matmul(duRaw, c.w)
	dz.AddInPlace(dzAux)

	dx := New(NewShape(c.batch, c.inSize), F32)
	dzData, dxData := dz.DataPtr(), dx.DataPtr()
	for v := 0; v < c.batch; v++ {
		copy(dxData[v*c.inSize:(v+1)*c.inSize], dzData[v*cols:v*cols+c.inSize])
		copy(c.gradH[v*c.hidden:(v+1)*c.hidden], dzData[v*cols+c.inSize:(v+1)*cols])
	}
	c.gradC = dcPrev
	return dx
}

// Parameters returns main weights, auxiliary cell parameters, and the
// per-gate projection parameters.
func (c *HyperLSTMCell) Parameters() []*Tensor {
	params := concatParams([]*Tensor{c.w, c.b}, c.norms.parameters(), c.aux.Parameters())
	for k := 0; k < numGates; k++ {
		params = append(params, c.wEmbed[k], c.bEmbed[k], c.wScale[k])
	}
	return params
}

func (c *HyperLSTMCell) namedTensors(prefix string) []namedTensor {
	out := []namedTensor{
		{prefix + "/w", c.w},
		{prefix + "/b", c.b},
	}
	out = append(out, c.norms.namedTensors(prefix)...)
	out = append(out, c.aux.namedTensors(prefix+"/aux")...)
	labels := [numGates]string{"i", "f", "o", "g"}
	for k := 0; k < numGates; k++ {
		out = append(out,
			namedTensor{fmt.Sprintf("%s/scale_%s/w_embed", prefix, labels[k]), c.wEmbed[k]},
			namedTensor{fmt.Sprintf("%s/scale_%s/b_embed", prefix, labels[k]), c.bEmbed[k]},
			namedTensor{fmt.Sprintf("%s/scale_%s/w_scale", prefix, labels[k]), c.wScale[k]})
	}
	return out
}

// addRowBias adds a [cols] bias vector to every row of a [rows, cols] tensor.
func addRowBias(t *Tensor, bias *Tensor) {
	rows, cols := t.Shape().At(0), t.Shape().At(1)
	data, b := t.DataPtr(), bias.DataPtr()
	for v := 0; v < rows; v++ {
		row := data[v*cols : (v+1)*cols]
		for i := range row {
			row[i] += b[i]
		}
	}
}
