// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package rnn

import (
	"testing"
)

// A fresh HyperLSTM cell is an exact standard LSTM: the scale projections
// are zero-initialized, so every gate is modulated by (1 + 0). Copying the
// main weights into a plain cell must reproduce the hidden states bit for
// bit over a whole unroll.
func TestHyperLSTMZeroScalingEqualsLSTM(t *testing.T) {
	const batch, in, hidden, steps = 2, 3, 4, 5

	hyper := NewHyperLSTMCell(in, hidden, 3, 2, false, 1.0, DropoutPerStep)
	plain := NewLSTMCell(in, hidden, false, 1.0, DropoutPerStep)
	copy(plain.w.DataPtr(), hyper.w.DataPtr())
	copy(plain.b.DataPtr(), hyper.b.DataPtr())

	hyper.BeginSequence(batch, Eval)
	plain.BeginSequence(batch, Eval)

	for s := 0; s < steps; s++ {
		x := Randn(NewShape(batch, in), F32)
		hH := hyper.Step(x)
		hP := plain.Step(x.Clone())

		a, b := hH.DataPtr(), hP.DataPtr()
		for j := range a {
			if a[j] != b[j] {
				t.Fatalf("step %d index %d: hyper %g != plain %g", s, j, a[j], b[j])
			}
		}
	}
}

// Same equivalence with layer norm enabled on both cells.
func TestHyperLSTMZeroScalingEqualsLSTMLayerNorm(t *testing.T) {
	const batch, in, hidden = 1, 2, 3

	hyper := NewHyperLSTMCell(in, hidden, 2, 2, true, 1.0, DropoutPerStep)
	plain := NewLSTMCell(in, hidden, true, 1.0, DropoutPerStep)
	copy(plain.w.DataPtr(), hyper.w.DataPtr())
	copy(plain.b.DataPtr(), hyper.b.DataPtr())

	hyper.BeginSequence(batch, Eval)
	plain.BeginSequence(batch, Eval)

	x := Randn(NewShape(batch, in), F32)
	hH, hP := hyper.Step(x), plain.Step(x.Clone())
	a, b := hH.DataPtr(), hP.DataPtr()
	for j := range a {
		if a[j] != b[j] {
			t.Fatalf("index %d: hyper %g != plain %g", j, a[j], b[j])
		}
	}
}

// Finite-difference gradient check through the whole modulation chain: main
// weights, scale and embedding projections, and the auxiliary cell.
func TestHyperLSTMGradientCheck(t *testing.T) {
	const batch, in, hidden, steps = 2, 3, 4, 3
	c := NewHyperLSTMCell(in, hidden, 3, 2, false, 1.0, DropoutPerStep)

	// Zero-initialized scale weights zero out most of the hyper path's
	// gradient signal; perturb them so the check exercises real values.
	for k := 0; k < numGates; k++ {
		sc := RandnWithStd(c.wScale[k].Shape(), F32, 0.1)
		copy(c.wScale[k].DataPtr(), sc.DataPtr())
	}

	inputs := gradCheckInputs(steps, batch, in)
	cellBackprop(c, inputs, batch)

	checkParamGrad(t, c, c.b, "b", inputs, batch, 3)
	checkParamGrad(t, c, c.w, "w", inputs, batch, 11)
	checkParamGrad(t, c, c.wScale[gateI], "scale_i/w_scale", inputs, batch, 2)
	checkParamGrad(t, c, c.wEmbed[gateF], "scale_f/w_embed", inputs, batch, 2)
	checkParamGrad(t, c, c.bEmbed[gateO], "scale_o/b_embed", inputs, batch, 1)
	checkParamGrad(t, c, c.aux.w, "aux/w", inputs, batch, 13)
	checkParamGrad(t, c, c.aux.b, "aux/b", inputs, batch, 3)
}

// The auxiliary cell's parameters are part of the hyper cell's parameter
// list exactly once.
func TestHyperLSTMParameters(t *testing.T) {
	c := NewHyperLSTMCell(2, 3, 2, 2, false, 1.0, DropoutPerStep)
	seen := make(map[*Tensor]int)
	for _, p := range c.Parameters() {
		seen[p]++
	}
	for p, n := range seen {
		if n != 1 {
			t.Fatalf("parameter %v listed %d times", p.Shape(), n)
		}
	}
	for _, p := range c.aux.Parameters() {
		if seen[p] != 1 {
			t.Fatal("auxiliary cell parameter missing from hyper parameter list")
		}
	}
}
