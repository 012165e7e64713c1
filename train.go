// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package rnn

import (
	"fmt"
	"log/slog"

	"github.com/chewxy/math32"
)

// Trainer drives plain gradient descent over a LanguageModel: forward,
// sequence cross entropy plus weight decay, truncated BPTT, global-norm
// gradient clipping, SGD update. No adaptive optimizer state.
type Trainer struct {
	model *LanguageModel
	cfg   Config
	step  int

	// LogEvery emits a progress line every N train steps; 0 disables.
	LogEvery int
}

// NewTrainer wires a trainer to the model's own config.
func NewTrainer(model *LanguageModel) *Trainer {
	return &Trainer{model: model, cfg: model.Config(), LogEvery: 100}
}

// Step returns the number of completed train steps.
func (tr *Trainer) Step() int { return tr.step }

// TrainStep runs one optimization step on a [batch, num_steps] window of
// token IDs and its shifted targets. Returns the total training loss:
// sequence cross entropy (summed over timesteps, averaged over batch) plus
// the weight-decay penalty.
func (tr *Trainer) TrainStep(inputs, targets *Tensor) float32 {
	params := tr.model.Parameters()
	for _, p := range params {
		p.ZeroGrad()
	}

	probs := tr.model.Forward(inputs, Train)
	ceLoss, gradLogits := sequenceCrossEntropy(probs, tr.model.Logits(), targets)

	loss := ceLoss
	if tr.cfg.WeightDecay > 0 {
		loss += tr.weightDecayLoss(params)
	}

	tr.model.Backward(gradLogits)
	if tr.cfg.WeightDecay > 0 {
		// d(wd * ½‖v‖²)/dv = wd * v, added before clipping so the clip
		// threshold binds the full gradient.
		for _, p := range params {
			if p.Grad == nil {
				continue
			}
			data := p.DataPtr()
			for j := range p.Grad {
				p.Grad[j] += tr.cfg.WeightDecay * data[j]
			}
		}
	}

	scale := clipCoeff(params, tr.cfg.GradientClip)
	if scale != 1 {
		for _, p := range params {
			for j := range p.Grad {
				p.Grad[j] *= scale
			}
		}
	}

	lr := tr.cfg.LearningRate
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		data := p.DataPtr()
		for j := range p.Grad {
			data[j] -= lr * p.Grad[j]
		}
	}

	tr.step++
	if tr.LogEvery > 0 && tr.step%tr.LogEvery == 0 {
		slog.Info("train step",
			"step", tr.step,
			"loss", loss,
			"ce", ceLoss,
			"clip_scale", scale)
	}
	return loss
}

// Evaluate computes the sequence cross entropy on a held-out window in Eval
// mode: identity dropout masks, running batch-norm statistics, no weight
// decay, no parameter updates.
func (tr *Trainer) Evaluate(inputs, targets *Tensor) float32 {
	probs := tr.model.Forward(inputs, Eval)
	loss, _ := sequenceCrossEntropy(probs, tr.model.Logits(), targets)
	return loss
}

// weightDecayLoss is wd * Σ ½‖v‖² over every trainable tensor.
func (tr *Trainer) weightDecayLoss(params []*Tensor) float32 {
	var sum float32
	for _, p := range params {
		sum += 0.5 * p.SumSquares()
	}
	return tr.cfg.WeightDecay * sum
}

// sequenceCrossEntropy computes the per-window loss and dL/dlogits.
//
// probs is [batch, num_steps, vocab]; logits is the matching pre-softmax
// [batch*num_steps, vocab]; targets holds token IDs [batch, num_steps].
// Loss is summed over timesteps and averaged over batch, so dL/dlogits for
// row (b, t) is (softmax - onehot) / batch.
func sequenceCrossEntropy(probs, logits, targets *Tensor) (float32, *Tensor) {
	dims := probs.Shape().DimsRef()
	batch, steps, vocab := dims[0], dims[1], dims[2]
	if got := targets.Shape().DimsRef(); got[0] != batch || got[1] != steps {
		panic(fmt.Sprintf("loss: targets %v do not match probs %v", targets.Shape(), probs.Shape()))
	}

	grad := New(logits.Shape(), F32)
	gData, pData, tData := grad.DataPtr(), probs.DataPtr(), targets.DataPtr()
	invBatch := 1.0 / float32(batch)

	var loss float32
	for row := 0; row < batch*steps; row++ {
		tid := int(tData[row])
		if tid < 0 || tid >= vocab {
			panic(fmt.Sprintf("loss: target ID %d out of range [0, %d)", tid, vocab))
		}
		off := row * vocab
		p := pData[off+tid]
		// Clamp away from zero so a confidently wrong model yields a large
		// finite loss instead of +Inf.
		if p < 1e-12 {
			p = 1e-12
		}
		loss -= math32.Log(p)

		for v := 0; v < vocab; v++ {
			gData[off+v] = pData[off+v] * invBatch
		}
		gData[off+tid] -= invBatch
	}
	return loss * invBatch, grad
}

// clipCoeff returns the factor that rescales every gradient so the global
// L2 norm does not exceed clip. Returns 1 when clipping is disabled or the
// norm is already within the threshold.
func clipCoeff(params []*Tensor, clip float32) float32 {
	if clip <= 0 {
		return 1
	}
	var sq float32
	for _, p := range params {
		for _, g := range p.Grad {
			sq += g * g
		}
	}
	norm := math32.Sqrt(sq)
	if norm <= clip || norm == 0 {
		return 1
	}
	return clip / norm
}

// GlobalGradNorm reports the current global L2 norm over all parameter
// gradients, mostly for diagnostics.
func GlobalGradNorm(params []*Tensor) float32 {
	var sq float32
	for _, p := range params {
		for _, g := range p.Grad {
			sq += g * g
		}
	}
	return math32.Sqrt(sq)
}
