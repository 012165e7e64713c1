// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package rnn

import (
	"fmt"

	"github.com/chewxy/math32"
)

// ---------------------------------------------------------------------------
// Embedding
// ---------------------------------------------------------------------------

// Embedding is a lookup table: token ID -> dense vector, shared by every
// timestep of the unroll.
//
//	output[b, t, :] = weight[token_ids[b, t], :]
//
// Weight shape: [vocab_size, embedding_size].
type Embedding struct {
	weight    *Tensor
	vocabSize int
	embedDim  int
	lastIDs   []int // cached token IDs for the scatter-add backward
}

// NewEmbedding creates an embedding table initialized N(0, sqrt(1/d)).
func NewEmbedding(vocabSize, embedDim int) *Embedding {
	std := math32.Sqrt(1.0 / float32(embedDim))
	return &Embedding{
		weight:    RandnWithStd(NewShape(vocabSize, embedDim), F32, std),
		vocabSize: vocabSize,
		embedDim:  embedDim,
	}
}

// Forward looks up embeddings for each token ID.
// Input: [batch, num_steps] of float32-encoded token IDs.
// Output: [batch, num_steps, embedding_size].
func (e *Embedding) Forward(input *Tensor) *Tensor {
	dims := input.Shape().DimsRef()
	batch, steps := dims[0], dims[1]

	e.lastIDs = make([]int, batch*steps)
	inData := input.DataPtr()
	for i := range e.lastIDs {
		e.lastIDs[i] = int(inData[i])
	}

	out := New(NewShape(batch, steps, e.embedDim), F32)
	dst, w := out.DataPtr(), e.weight.DataPtr()
	for pos, tid := range e.lastIDs {
		if tid < 0 || tid >= e.vocabSize {
			panic(fmt.Sprintf("token ID %d out of range [0, %d)", tid, e.vocabSize))
		}
		copy(dst[pos*e.embedDim:], w[tid*e.embedDim:(tid+1)*e.embedDim])
	}
	return out
}

// Backward scatter-adds gradOutput rows into the weight gradient. There is
// no gradient w.r.t. the discrete token IDs.
func (e *Embedding) Backward(gradOutput *Tensor) {
	gData := gradOutput.DataPtr()
	if e.weight.Grad == nil {
		e.weight.Grad = make([]float32, len(e.weight.data))
	}
	wGrad := e.weight.Grad
	for pos, tid := range e.lastIDs {
		gOff := pos * e.embedDim
		wOff := tid * e.embedDim
		for d := 0; d < e.embedDim; d++ {
			wGrad[wOff+d] += gData[gOff+d]
		}
	}
}

// Row copies the embedding vector for a single token ID, used by the
// stepwise generator.
func (e *Embedding) Row(tid int) []float32 {
	if tid < 0 || tid >= e.vocabSize {
		panic(fmt.Sprintf("token ID %d out of range [0, %d)", tid, e.vocabSize))
	}
	out := make([]float32, e.embedDim)
	copy(out, e.weight.data[tid*e.embedDim:(tid+1)*e.embedDim])
	return out
}

// Parameters returns the embedding weight table.
func (e *Embedding) Parameters() []*Tensor { return []*Tensor{e.weight} }

// VocabSize returns the vocabulary size.
func (e *Embedding) VocabSize() int { return e.vocabSize }

// ---------------------------------------------------------------------------
// Linear
// ---------------------------------------------------------------------------

// Linear computes y = x @ W^T (+ bias) on 2D inputs [batch, in].
//
// Weight shape: [out, in] (transposed layout so MatmulTransposedB avoids a
// transpose allocation on the forward hot path). The pre-logit projection
// carries a bias only when batch norm is disabled — beta would make the
// bias redundant.
type Linear struct {
	weight    *Tensor
	bias      *Tensor // nil when useBias is false
	inFeat    int
	outFeat   int
	lastInput *Tensor
}

// NewLinear creates a linear layer with Xavier-style N(0, sqrt(1/in)) init.
func NewLinear(inFeatures, outFeatures int, useBias bool) *Linear {
	std := math32.Sqrt(1.0 / float32(inFeatures))
	l := &Linear{
		weight:  RandnWithStd(NewShape(outFeatures, inFeatures), F32, std),
		inFeat:  inFeatures,
		outFeat: outFeatures,
	}
	if useBias {
		l.bias = Zeros(NewShape(outFeatures), F32)
	}
	return l
}

// Forward computes y = x @ W^T (+ bias). Input: [batch, in].
func (l *Linear) Forward(input *Tensor) *Tensor {
	l.lastInput = input
	out := MatmulTransposedB(input, l.weight)
	if l.bias != nil {
		addRowBias(out, l.bias)
	}
	return out
}

// Backward computes dL/dx = dL/dy @ W and accumulates dW = gradOutput^T @ x
// and db = sum over the batch of gradOutput.
func (l *Linear) Backward(gradOutput *Tensor) *Tensor {
	if l.lastInput == nil {
		panic("linear: backward called before forward")
	}
	batch := gradOutput.Shape().At(0)

	dW := make([]float32, l.outFeat*l.inFeat)
	sgemmTransA(l.outFeat, l.inFeat, batch,
		1.0, gradOutput.DataPtr(), l.outFeat,
		l.lastInput.DataPtr(), l.inFeat,
		0.0, dW, l.inFeat)
	l.weight.AccumulateGrad(dW)

	if l.bias != nil {
		db := make([]float32, l.outFeat)
		gData := gradOutput.DataPtr()
		for v := 0; v < batch; v++ {
			row := gData[v*l.outFeat : (v+1)*l.outFeat]
			for j := range row {
				db[j] += row[j]
			}
		}
		l.bias.AccumulateGrad(db)
	}

	return Matmul(gradOutput, l.weight)
}

// Parameters returns the weight (and bias, if present).
func (l *Linear) Parameters() []*Tensor {
	if l.bias != nil {
		return []*Tensor{l.weight, l.bias}
	}
	return []*Tensor{l.weight}
}
