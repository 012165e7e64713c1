// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package rnn

import "testing"

func BenchmarkLSTMStep(b *testing.B) {
	c := NewLSTMCell(200, 200, true, 1.0, DropoutPerStep)
	c.BeginSequence(20, Eval)
	x := Randn(NewShape(20, 200), F32)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// Drop accumulated step caches so memory stays bounded.
		if i%64 == 0 {
			c.BeginSequence(20, Eval)
		}
		c.Step(x)
	}
}

func BenchmarkHyperLSTMStep(b *testing.B) {
	c := NewHyperLSTMCell(200, 200, 100, 4, true, 1.0, DropoutPerStep)
	c.BeginSequence(20, Eval)
	x := Randn(NewShape(20, 200), F32)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if i%64 == 0 {
			c.BeginSequence(20, Eval)
		}
		c.Step(x)
	}
}

func BenchmarkTrainStep(b *testing.B) {
	cfg := TinyConfig()
	m, err := NewLanguageModel(cfg)
	if err != nil {
		b.Fatal(err)
	}
	trainer := NewTrainer(m)
	trainer.LogEvery = 0
	inputs, targets := makeWindow(cfg, 4)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		trainer.TrainStep(inputs, targets)
	}
}
