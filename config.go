// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package rnn

import "fmt"

// CellType selects the recurrent cell variant used by every layer.
type CellType int

const (
	// CellLSTM is the standard LSTM cell with optional layer norm and
	// recurrent dropout.
	CellLSTM CellType = iota
	// CellHyperLSTM is the hypernetwork variant: a small auxiliary LSTM
	// rescales the main cell's gate pre-activations every timestep.
	CellHyperLSTM
)

// String returns a human-readable cell type name.
func (c CellType) String() string {
	if c == CellHyperLSTM {
		return "hyper_lstm"
	}
	return "lstm"
}

// Mode selects training or inference behavior for every stochastic
// operation (dropout masks, batch-norm statistics). It is passed explicitly
// through each forward pass and must stay constant for the whole pass.
type Mode int

const (
	// Eval disables dropout and uses accumulated batch-norm statistics.
	Eval Mode = iota
	// Train draws dropout masks and updates batch-norm running statistics.
	Train
)

// String returns "train" or "eval".
func (m Mode) String() string {
	if m == Train {
		return "train"
	}
	return "eval"
}

// DropoutPolicy controls how the recurrent dropout mask relates to the
// unroll: redrawn independently at every timestep, or drawn once per
// sequence and reused across all timesteps (variational style).
type DropoutPolicy int

const (
	// DropoutPerStep redraws the candidate-gate mask at every timestep.
	DropoutPerStep DropoutPolicy = iota
	// DropoutPerSequence draws one mask per unroll and reuses it each step.
	DropoutPerSequence
)

// Config holds the hyperparameters defining a recurrent language model and
// its training behavior. Zero-valued optional fields disable the feature
// (GradientClip, BatchNormDecay, WeightDecay); required dimensions must be
// positive or Validate fails.
type Config struct {
	// Architecture.
	NumSteps      int // unroll length (truncated BPTT window)
	VocabSize     int
	EmbeddingSize int
	NHidden       int // hidden units per recurrent layer
	NLayers       int // stacked recurrent layers

	// Hypernetwork variant only.
	NHiddenHyper    int // auxiliary cell hidden units
	NEmbeddingHyper int // low-rank dimension of the gate-scaling projection

	Cell      CellType
	LayerNorm bool // layer-normalize gate pre-activations and the memory cell

	// Regularization.
	KeepProb         float32 // dropout keep probability, (0, 1]; 1 disables
	RecurrentDropout DropoutPolicy
	WeightDecay      float32 // L2 coefficient over all trainable parameters

	// Optimization.
	LearningRate   float32
	GradientClip   float32 // global-norm clip threshold; 0 disables
	BatchNormDecay float32 // running-stat decay for pre-logit batch norm; 0 disables
}

// Validate checks that every required field is usable. Malformed
// configuration is a construction-time error; nothing is padded or
// defaulted silently.
func (c Config) Validate() error {
	type req struct {
		name string
		v    int
	}
	required := []req{
		{"num_steps", c.NumSteps},
		{"vocab_size", c.VocabSize},
		{"embedding_size", c.EmbeddingSize},
		{"n_hidden", c.NHidden},
		{"n_layers", c.NLayers},
	}
	if c.Cell == CellHyperLSTM {
		required = append(required,
			req{"n_hidden_hyper", c.NHiddenHyper},
			req{"n_embedding_hyper", c.NEmbeddingHyper})
	}
	for _, r := range required {
		if r.v <= 0 {
			return fmt.Errorf("config: %s must be positive, got %d", r.name, r.v)
		}
	}
	if c.KeepProb <= 0 || c.KeepProb > 1 {
		return fmt.Errorf("config: keep_prob must be in (0, 1], got %g", c.KeepProb)
	}
	if c.LearningRate < 0 {
		return fmt.Errorf("config: learning_rate must be non-negative, got %g", c.LearningRate)
	}
	if c.GradientClip < 0 {
		return fmt.Errorf("config: gradient_clip must be non-negative, got %g", c.GradientClip)
	}
	if c.BatchNormDecay < 0 || c.BatchNormDecay >= 1 {
		return fmt.Errorf("config: batch_norm_decay must be in [0, 1), got %g", c.BatchNormDecay)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("config: weight_decay must be non-negative, got %g", c.WeightDecay)
	}
	return nil
}

// PTBConfig returns the word-level Penn Treebank setup: 35-step unroll,
// 10K vocabulary, 200-dim embeddings and hidden state, two layers, with the
// 100/4 hypernetwork dimensions used by the HyperLSTM variant.
func PTBConfig() Config {
	return Config{
		NumSteps:        35,
		VocabSize:       10000,
		EmbeddingSize:   200,
		NHidden:         200,
		NLayers:         2,
		NHiddenHyper:    100,
		NEmbeddingHyper: 4,
		Cell:            CellLSTM,
		LayerNorm:       true,
		KeepProb:        0.8,
		LearningRate:    0.0001,
		GradientClip:    10,
		WeightDecay:     0.0001,
	}
}

// TinyConfig returns a minimal standard-LSTM config for fast unit tests.
func TinyConfig() Config {
	return Config{
		NumSteps:      5,
		VocabSize:     50,
		EmbeddingSize: 8,
		NHidden:       16,
		NLayers:       2,
		Cell:          CellLSTM,
		KeepProb:      1.0,
		LearningRate:  0.1,
	}
}

// TinyHyperConfig returns a minimal HyperLSTM config for fast unit tests.
func TinyHyperConfig() Config {
	cfg := TinyConfig()
	cfg.Cell = CellHyperLSTM
	cfg.NHiddenHyper = 8
	cfg.NEmbeddingHyper = 4
	return cfg
}
