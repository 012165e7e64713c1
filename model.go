// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package rnn

import (
	"fmt"
)

// LanguageModel is a stacked recurrent language model:
//
//	token IDs -> Embedding -> input dropout -> L recurrent layers unrolled
//	num_steps timesteps -> output dropout -> Linear projection
//	(-> BatchNorm) -> logits [batch, num_steps, vocab]
//
// Each layer is a single cell instance invoked at every timestep, so weights
// are shared across the unroll by construction. The first layer reads
// embedding_size inputs; layers 2..L read the hidden width of the layer
// below. Backward replays the whole pipeline in reverse (truncated BPTT over
// the num_steps window).
type LanguageModel struct {
	cfg       Config
	embedding *Embedding
	cells     []RecurrentCell
	proj      *Linear
	batchNorm *BatchNorm // nil when cfg.BatchNormDecay == 0

	// Forward caches consumed by Backward.
	lastBatch   int
	lastSteps   int
	inputMasks  [][]float32 // per timestep, over [batch, embed]
	outputMask  []float32   // over [batch*steps, hidden]
	lastLogits  *Tensor     // [batch*steps, vocab]
	forwardDone bool
}

// NewLanguageModel validates cfg and builds the full pipeline. The pre-logit
// projection carries a bias only when batch norm is disabled; with batch
// norm on, its beta parameter plays that role.
func NewLanguageModel(cfg Config) (*LanguageModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &LanguageModel{
		cfg:       cfg,
		embedding: NewEmbedding(cfg.VocabSize, cfg.EmbeddingSize),
	}

	for l := 0; l < cfg.NLayers; l++ {
		in := cfg.NHidden
		if l == 0 {
			in = cfg.EmbeddingSize
		}
		switch cfg.Cell {
		case CellHyperLSTM:
			m.cells = append(m.cells, NewHyperLSTMCell(in, cfg.NHidden,
				cfg.NHiddenHyper, cfg.NEmbeddingHyper,
				cfg.LayerNorm, cfg.KeepProb, cfg.RecurrentDropout))
		default:
			m.cells = append(m.cells, NewLSTMCell(in, cfg.NHidden,
				cfg.LayerNorm, cfg.KeepProb, cfg.RecurrentDropout))
		}
	}

	useBN := cfg.BatchNormDecay > 0
	m.proj = NewLinear(cfg.NHidden, cfg.VocabSize, !useBN)
	if useBN {
		m.batchNorm = NewBatchNorm(cfg.VocabSize, cfg.BatchNormDecay, lnEpsilon)
	}
	return m, nil
}

// Config returns the configuration the model was built with.
func (m *LanguageModel) Config() Config { return m.cfg }

// Forward runs the full unroll and returns next-token probabilities
// [batch, num_steps, vocab]. inputs holds float32-encoded token IDs
// [batch, num_steps]. mode controls dropout and batch-norm statistics and
// must match the Backward that follows.
func (m *LanguageModel) Forward(inputs *Tensor, mode Mode) *Tensor {
	dims := inputs.Shape().DimsRef()
	if len(dims) != 2 {
		panic(fmt.Sprintf("model: inputs must be [batch, num_steps], got %v", inputs.Shape()))
	}
	batch, steps := dims[0], dims[1]
	if steps != m.cfg.NumSteps {
		panic(fmt.Sprintf("model: unroll length %d != configured %d", steps, m.cfg.NumSteps))
	}

	m.lastBatch, m.lastSteps = batch, steps
	m.forwardDone = true

	embedded := m.embedding.Forward(inputs) // [B, T, E]
	embData := embedded.DataPtr()
	E, H := m.cfg.EmbeddingSize, m.cfg.NHidden

	for _, cell := range m.cells {
		cell.BeginSequence(batch, mode)
	}

	// Unroll: one column of embeddings per step, through every layer.
	// Outputs land in merged as row (b*steps + t), so the projection sees
	// one row per (batch, step) pair.
	m.inputMasks = make([][]float32, steps)
	merged := New(NewShape(batch*steps, H), F32)
	mData := merged.DataPtr()
	for t := 0; t < steps; t++ {
		xt := New(NewShape(batch, E), F32)
		xData := xt.DataPtr()
		for b := 0; b < batch; b++ {
			copy(xData[b*E:(b+1)*E], embData[(b*steps+t)*E:(b*steps+t+1)*E])
		}
		mask := drawDropoutMask(batch*E, m.cfg.KeepProb, mode)
		m.inputMasks[t] = mask
		for j := range xData {
			xData[j] *= mask[j]
		}

		h := xt
		for _, cell := range m.cells {
			h = cell.Step(h)
		}
		hData := h.DataPtr()
		for b := 0; b < batch; b++ {
			copy(mData[(b*steps+t)*H:(b*steps+t+1)*H], hData[b*H:(b+1)*H])
		}
	}

	m.outputMask = drawDropoutMask(batch*steps*H, m.cfg.KeepProb, mode)
	for j := range mData {
		mData[j] *= m.outputMask[j]
	}

	logits := m.proj.Forward(merged) // [B*T, V]
	if m.batchNorm != nil {
		logits = m.batchNorm.Forward(logits, mode)
	}
	m.lastLogits = logits

	probs := logits.Softmax()
	return probs.Reshape(NewShape(batch, steps, m.cfg.VocabSize))
}

// Logits returns the pre-softmax output of the most recent Forward,
// shaped [batch*num_steps, vocab].
func (m *LanguageModel) Logits() *Tensor {
	if !m.forwardDone {
		panic("model: Logits called before Forward")
	}
	return m.lastLogits
}

// Backward propagates dL/dlogits [batch*num_steps, vocab] through the whole
// pipeline, accumulating gradients on every trainable tensor. Must follow a
// Forward with the same mode and inputs.
func (m *LanguageModel) Backward(gradLogits *Tensor) {
	if !m.forwardDone {
		panic("model: Backward called before Forward")
	}
	batch, steps := m.lastBatch, m.lastSteps
	E, H := m.cfg.EmbeddingSize, m.cfg.NHidden

	if m.batchNorm != nil {
		gradLogits = m.batchNorm.Backward(gradLogits)
	}
	gradMerged := m.proj.Backward(gradLogits) // [B*T, H]

	gmData := gradMerged.DataPtr()
	for j := range gmData {
		gmData[j] *= m.outputMask[j]
	}

	// Reverse the unroll: per step, gradient of the top layer's output,
	// routed down through the stack. Each cell adds its own recurrent
	// carries internally.
	gradEmbed := New(NewShape(batch, steps, E), F32)
	geData := gradEmbed.DataPtr()
	for t := steps - 1; t >= 0; t-- {
		dh := New(NewShape(batch, H), F32)
		dhData := dh.DataPtr()
		for b := 0; b < batch; b++ {
			copy(dhData[b*H:(b+1)*H], gmData[(b*steps+t)*H:(b*steps+t+1)*H])
		}

		grad := dh
		for l := len(m.cells) - 1; l >= 0; l-- {
			grad = m.cells[l].StepBack(grad)
		}

		// grad is now dL/dx_t over the post-dropout embeddings.
		gData := grad.DataPtr()
		mask := m.inputMasks[t]
		for b := 0; b < batch; b++ {
			for d := 0; d < E; d++ {
				geData[(b*steps+t)*E+d] = gData[b*E+d] * mask[b*E+d]
			}
		}
	}
	m.embedding.Backward(gradEmbed)
}

// Parameters returns every trainable tensor in the model: embedding table,
// per-layer cell parameters, projection, and batch-norm scale/shift.
func (m *LanguageModel) Parameters() []*Tensor {
	groups := [][]*Tensor{m.embedding.Parameters()}
	for _, cell := range m.cells {
		groups = append(groups, cell.Parameters())
	}
	groups = append(groups, m.proj.Parameters())
	if m.batchNorm != nil {
		groups = append(groups, m.batchNorm.Parameters())
	}
	return concatParams(groups...)
}

// NumParams returns the total trainable parameter count.
func (m *LanguageModel) NumParams() int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Shape().Numel()
	}
	return total
}

// namedTensors lists every persisted tensor with a stable name, including
// the batch-norm running statistics (not trainable, but part of the model's
// inference state).
func (m *LanguageModel) namedTensors() []namedTensor {
	out := []namedTensor{{"embedding/weight", m.embedding.weight}}
	for l, cell := range m.cells {
		out = append(out, cell.namedTensors(fmt.Sprintf("layer%d", l))...)
	}
	out = append(out, namedTensor{"proj/weight", m.proj.weight})
	if m.proj.bias != nil {
		out = append(out, namedTensor{"proj/bias", m.proj.bias})
	}
	if m.batchNorm != nil {
		mean, variance := m.batchNorm.RunningStats()
		out = append(out,
			namedTensor{"bn/gamma", m.batchNorm.gamma},
			namedTensor{"bn/beta", m.batchNorm.beta},
			namedTensor{"bn/running_mean", mean},
			namedTensor{"bn/running_var", variance})
	}
	return out
}
