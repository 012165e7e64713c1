// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package rnn

import "github.com/chewxy/math32"

// BatchNorm normalizes each feature over the batch dimension, with running
// statistics for inference. Used on the bias-free pre-logit projection when
// Config.BatchNormDecay is set (the projection's bias would be redundant
// with beta).
//
//	Train: y = (x - mu_B) / sqrt(var_B + eps) * gamma + beta
//	       running = decay * running + (1 - decay) * batch statistic
//	Eval:  y uses the accumulated running mean/var.
//
// The running mean/var are state, not trainable parameters: they are
// excluded from Parameters() and from the optimizer, but included in
// checkpoints.
type BatchNorm struct {
	gamma, beta *Tensor // learnable, shape [dim]
	runMean     *Tensor // running mean, shape [dim]
	runVar      *Tensor // running variance, shape [dim]
	decay       float32
	eps         float32
	dim         int

	// Cached by the last Train-mode Forward for Backward.
	lastXhat   []float32
	lastInvStd []float32
	lastBatch  int
}

// NewBatchNorm creates a BatchNorm over feature vectors of size dim.
// decay is the running-statistic decay (0.95 is a reasonable value).
func NewBatchNorm(dim int, decay, eps float32) *BatchNorm {
	return &BatchNorm{
		gamma:   Ones(NewShape(dim), F32),
		beta:    Zeros(NewShape(dim), F32),
		runMean: Zeros(NewShape(dim), F32),
		runVar:  Ones(NewShape(dim), F32),
		decay:   decay,
		eps:     eps,
		dim:     dim,
	}
}

// Forward normalizes x ([batch, dim]). In Train mode batch statistics are
// used and folded into the running statistics; in Eval mode the running
// statistics are used and nothing is cached.
func (bn *BatchNorm) Forward(x *Tensor, mode Mode) *Tensor {
	batch := x.Shape().Numel() / bn.dim
	out := New(x.Shape(), F32)
	in, dst := x.DataPtr(), out.DataPtr()
	g, b := bn.gamma.DataPtr(), bn.beta.DataPtr()

	if mode != Train {
		rm, rv := bn.runMean.DataPtr(), bn.runVar.DataPtr()
		for i := 0; i < bn.dim; i++ {
			invStd := 1.0 / math32.Sqrt(rv[i]+bn.eps)
			for v := 0; v < batch; v++ {
				dst[v*bn.dim+i] = (in[v*bn.dim+i]-rm[i])*invStd*g[i] + b[i]
			}
		}
		return out
	}

	bn.lastBatch = batch
	bn.lastXhat = make([]float32, batch*bn.dim)
	bn.lastInvStd = make([]float32, bn.dim)
	rm, rv := bn.runMean.DataPtr(), bn.runVar.DataPtr()
	invBatch := 1.0 / float32(batch)

	for i := 0; i < bn.dim; i++ {
		mean := float32(0)
		for v := 0; v < batch; v++ {
			mean += in[v*bn.dim+i]
		}
		mean *= invBatch

		variance := float32(0)
		for v := 0; v < batch; v++ {
			d := in[v*bn.dim+i] - mean
			variance += d * d
		}
		variance *= invBatch

		invStd := 1.0 / math32.Sqrt(variance+bn.eps)
		bn.lastInvStd[i] = invStd
		for v := 0; v < batch; v++ {
			xh := (in[v*bn.dim+i] - mean) * invStd
			bn.lastXhat[v*bn.dim+i] = xh
			dst[v*bn.dim+i] = xh*g[i] + b[i]
		}

		rm[i] = bn.decay*rm[i] + (1-bn.decay)*mean
		rv[i] = bn.decay*rv[i] + (1-bn.decay)*variance
	}
	return out
}

// Backward propagates gradients through the last Train-mode Forward and
// accumulates gamma/beta gradients.
//
//	dx_i = gamma * invStd / N * (N*dy_i - sum(dy) - xhat_i * sum(dy * xhat))
func (bn *BatchNorm) Backward(gradOut *Tensor) *Tensor {
	if bn.lastXhat == nil {
		panic("batchnorm backward called before train-mode forward")
	}
	batch := bn.lastBatch
	gradIn := New(gradOut.Shape(), F32)
	gOut, gIn := gradOut.DataPtr(), gradIn.DataPtr()
	g := bn.gamma.DataPtr()

	dGamma := make([]float32, bn.dim)
	dBeta := make([]float32, bn.dim)
	n := float32(batch)

	for i := 0; i < bn.dim; i++ {
		sumDy := float32(0)
		sumDyXhat := float32(0)
		for v := 0; v < batch; v++ {
			dy := gOut[v*bn.dim+i]
			xh := bn.lastXhat[v*bn.dim+i]
			sumDy += dy
			sumDyXhat += dy * xh
		}
		dGamma[i] = sumDyXhat
		dBeta[i] = sumDy

		scale := g[i] * bn.lastInvStd[i] / n
		for v := 0; v < batch; v++ {
			dy := gOut[v*bn.dim+i]
			xh := bn.lastXhat[v*bn.dim+i]
			gIn[v*bn.dim+i] = scale * (n*dy - sumDy - xh*sumDyXhat)
		}
	}

	bn.gamma.AccumulateGrad(dGamma)
	bn.beta.AccumulateGrad(dBeta)
	return gradIn
}

// Parameters returns the learnable gamma and beta (running stats excluded).
func (bn *BatchNorm) Parameters() []*Tensor { return []*Tensor{bn.gamma, bn.beta} }

// RunningStats returns the running mean and variance tensors for
// checkpointing.
func (bn *BatchNorm) RunningStats() (mean, variance *Tensor) {
	return bn.runMean, bn.runVar
}
