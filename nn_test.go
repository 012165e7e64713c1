// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package rnn

// Tests for the recurrent language model.
//
// Testing philosophy: test module boundaries and exported behavior, not
// internals. Shape violations panic at the seams, so tests focus on numerical
// correctness, training/inference symmetry, and convergence.

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// Cross-module seam: Tensor -> Linear.
// Verifies that Linear correctly performs y = x @ W^T with known weights.
func TestTensorLinearSeamForward(t *testing.T) {
	input := FromSlice([]float32{1, 2, 3, 4}, NewShape(2, 2))
	layer := NewLinear(2, 3, false)

	// Override weights with a known matrix for deterministic testing.
	// W = [[1,0],[0,1],[1,1]], so y = x @ W^T = [[1,2,3],[3,4,7]]
	copy(layer.weight.DataPtr(), []float32{
		1, 0,
		0, 1,
		1, 1,
	})

	output := layer.Forward(input)
	if !output.Shape().Equal(NewShape(2, 3)) {
		t.Fatalf("expected shape [2, 3], got %v", output.Shape())
	}

	got := output.DataPtr()
	want := []float32{1, 2, 3, 3, 4, 7}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}

// Linear with bias: the bias is added to every row.
func TestLinearBias(t *testing.T) {
	layer := NewLinear(2, 2, true)
	copy(layer.weight.DataPtr(), []float32{1, 0, 0, 1})
	copy(layer.bias.DataPtr(), []float32{10, 20})

	out := layer.Forward(FromSlice([]float32{1, 2, 3, 4}, NewShape(2, 2)))
	want := []float32{11, 22, 13, 24}
	for i, w := range want {
		if out.DataPtr()[i] != w {
			t.Fatalf("index %d: expected %f, got %f", i, w, out.DataPtr()[i])
		}
	}
}

// Embedding lookup copies the right row per token ID.
func TestEmbeddingForward(t *testing.T) {
	e := NewEmbedding(4, 3)
	out := e.Forward(FromSlice([]float32{2, 0}, NewShape(1, 2)))

	if !out.Shape().Equal(NewShape(1, 2, 3)) {
		t.Fatalf("expected shape [1, 2, 3], got %v", out.Shape())
	}
	w := e.weight.DataPtr()
	got := out.DataPtr()
	for d := 0; d < 3; d++ {
		if got[d] != w[2*3+d] {
			t.Fatalf("row 0 should be embedding of token 2")
		}
		if got[3+d] != w[d] {
			t.Fatalf("row 1 should be embedding of token 0")
		}
	}
}

// Embedding backward scatter-adds into the looked-up rows only.
func TestEmbeddingBackward(t *testing.T) {
	e := NewEmbedding(4, 2)
	e.Forward(FromSlice([]float32{1, 1}, NewShape(1, 2)))
	e.Backward(FromSlice([]float32{1, 2, 3, 4}, NewShape(1, 2, 2)))

	grad := e.weight.Grad
	require.NotNil(t, grad)
	// Token 1 was used twice: grads sum. All other rows stay zero.
	require.Equal(t, float32(4), grad[1*2+0])
	require.Equal(t, float32(6), grad[1*2+1])
	require.Equal(t, float32(0), grad[0])
	require.Equal(t, float32(0), grad[3*2])
}

func makeWindow(cfg Config, batch int) (*Tensor, *Tensor) {
	n := batch * cfg.NumSteps
	inputData := make([]float32, n)
	targetData := make([]float32, n)
	for i := range inputData {
		inputData[i] = float32(i % cfg.VocabSize)
		targetData[i] = float32((i + 1) % cfg.VocabSize)
	}
	return FromSlice(inputData, NewShape(batch, cfg.NumSteps)),
		FromSlice(targetData, NewShape(batch, cfg.NumSteps))
}

// End-to-end forward pass: token IDs -> probabilities with correct shape.
func TestModelForward(t *testing.T) {
	cfg := TinyConfig()
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)

	inputs, _ := makeWindow(cfg, 2)
	probs := m.Forward(inputs, Eval)

	expected := NewShape(2, cfg.NumSteps, cfg.VocabSize)
	if !probs.Shape().Equal(expected) {
		t.Errorf("expected shape %v, got %v", expected, probs.Shape())
	}
}

// The softmax output is a probability distribution per (batch, step) row.
func TestModelProbsSumToOne(t *testing.T) {
	cfg := TinyConfig()
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)

	inputs, _ := makeWindow(cfg, 2)
	probs := m.Forward(inputs, Eval)

	data := probs.DataPtr()
	rows := 2 * cfg.NumSteps
	for r := 0; r < rows; r++ {
		var sum float32
		for v := 0; v < cfg.VocabSize; v++ {
			sum += data[r*cfg.VocabSize+v]
		}
		require.InDelta(t, 1.0, float64(sum), 1e-4, "row %d", r)
	}
}

// HyperLSTM variant builds and produces the same output shape.
func TestModelForwardHyper(t *testing.T) {
	cfg := TinyHyperConfig()
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)

	inputs, _ := makeWindow(cfg, 2)
	probs := m.Forward(inputs, Eval)
	require.True(t, probs.Shape().Equal(NewShape(2, cfg.NumSteps, cfg.VocabSize)))
}

// Weights are shared across the unroll: each layer holds exactly one fused
// weight tensor, and perturbing it changes the output at every timestep.
func TestWeightSharingAcrossUnroll(t *testing.T) {
	cfg := TinyConfig()
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)

	inputs, _ := makeWindow(cfg, 1)
	before := m.Forward(inputs, Eval).Clone()

	cell := m.cells[0].(*LSTMCell)
	cell.w.DataPtr()[0] += 0.5

	after := m.Forward(inputs, Eval)
	b, a := before.DataPtr(), after.DataPtr()

	firstRow, lastRow := 0, cfg.NumSteps-1
	changed := func(row int) bool {
		for v := 0; v < cfg.VocabSize; v++ {
			if b[row*cfg.VocabSize+v] != a[row*cfg.VocabSize+v] {
				return true
			}
		}
		return false
	}
	require.True(t, changed(firstRow), "first timestep unaffected by shared weight")
	require.True(t, changed(lastRow), "last timestep unaffected by shared weight")
}

// With keep probability 1, training and inference run the identical compute
// path; outputs must match bit for bit.
func TestTrainEvalSymmetryKeepOne(t *testing.T) {
	cfg := TinyConfig() // KeepProb 1, no batch norm
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)

	inputs, _ := makeWindow(cfg, 2)
	train := m.Forward(inputs, Train).Clone()
	eval := m.Forward(inputs, Eval)

	trainData, evalData := train.DataPtr(), eval.DataPtr()
	for i := range trainData {
		if trainData[i] != evalData[i] {
			t.Fatalf("index %d: train %g != eval %g", i, trainData[i], evalData[i])
		}
	}
}

// A distribution that puts all mass on each target yields ~zero loss.
func TestPerfectPredictionLoss(t *testing.T) {
	batch, steps, vocab := 2, 3, 4
	probs := Zeros(NewShape(batch, steps, vocab), F32)
	targets := Zeros(NewShape(batch, steps), F32)
	logits := Zeros(NewShape(batch*steps, vocab), F32)

	for row := 0; row < batch*steps; row++ {
		tid := row % vocab
		targets.DataPtr()[row] = float32(tid)
		probs.DataPtr()[row*vocab+tid] = 1
	}

	loss, grad := sequenceCrossEntropy(probs, logits, targets)
	require.InDelta(t, 0, float64(loss), 1e-5)

	// softmax - onehot vanishes at a perfect prediction.
	for i, g := range grad.DataPtr() {
		require.InDelta(t, 0, float64(g), 1e-6, "grad index %d", i)
	}
}

// Cross-entropy gradient rows sum to ~0 (softmax minus one-hot).
func TestSequenceCrossEntropyGrad(t *testing.T) {
	cfg := TinyConfig()
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)

	inputs, targets := makeWindow(cfg, 2)
	probs := m.Forward(inputs, Eval)
	_, grad := sequenceCrossEntropy(probs, m.Logits(), targets)

	require.True(t, grad.Shape().Equal(NewShape(2*cfg.NumSteps, cfg.VocabSize)))
	data := grad.DataPtr()
	for r := 0; r < 2*cfg.NumSteps; r++ {
		var sum float64
		for v := 0; v < cfg.VocabSize; v++ {
			sum += float64(data[r*cfg.VocabSize+v])
		}
		if math.Abs(sum) > 1e-4 {
			t.Fatalf("row %d: expected grad sum ~0, got %f", r, sum)
		}
	}
}

func TestTrainStep(t *testing.T) {
	cfg := TinyConfig()
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)
	trainer := NewTrainer(m)
	trainer.LogEvery = 0

	inputs, targets := makeWindow(cfg, 2)
	loss := trainer.TrainStep(inputs, targets)

	if loss <= 0 {
		t.Errorf("expected positive loss on random init, got %f", loss)
	}
	if trainer.Step() != 1 {
		t.Errorf("expected step 1, got %d", trainer.Step())
	}
}

// After clipping, the global gradient L2 norm never exceeds the threshold.
func TestGradClipThreshold(t *testing.T) {
	cfg := TinyConfig()
	cfg.GradientClip = 0.05 // low enough that a random init always trips it
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)
	trainer := NewTrainer(m)
	trainer.LogEvery = 0

	inputs, targets := makeWindow(cfg, 2)
	trainer.TrainStep(inputs, targets)

	norm := GlobalGradNorm(m.Parameters())
	require.LessOrEqual(t, norm, cfg.GradientClip*(1+1e-4),
		"post-clip global norm %g exceeds threshold %g", norm, cfg.GradientClip)
}

func TestClipCoeffDisabled(t *testing.T) {
	p := FromSlice([]float32{0}, NewShape(1))
	p.Grad = []float32{100}
	require.Equal(t, float32(1), clipCoeff([]*Tensor{p}, 0))
	require.Equal(t, float32(1), clipCoeff([]*Tensor{p}, 1000))
	require.InDelta(t, 0.1, float64(clipCoeff([]*Tensor{p}, 10)), 1e-6)
}

// Evaluate runs in inference mode and never mutates parameters.
func TestEvaluateDoesNotUpdate(t *testing.T) {
	cfg := TinyConfig()
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)
	trainer := NewTrainer(m)

	snapshot := make([][]float32, 0)
	for _, p := range m.Parameters() {
		snapshot = append(snapshot, append([]float32(nil), p.DataPtr()...))
	}

	inputs, targets := makeWindow(cfg, 2)
	loss := trainer.Evaluate(inputs, targets)
	require.Greater(t, loss, float32(0))

	for i, p := range m.Parameters() {
		for j, v := range p.DataPtr() {
			if v != snapshot[i][j] {
				t.Fatalf("parameter %d index %d changed during evaluation", i, j)
			}
		}
	}
}

// Weight decay adds wd * Σ ½‖v‖² to the training loss.
func TestWeightDecayLoss(t *testing.T) {
	cfg := TinyConfig()
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)

	cfgWD := cfg
	cfgWD.WeightDecay = 0.01
	trA := &Trainer{model: m, cfg: cfg}
	trB := &Trainer{model: m, cfg: cfgWD}

	params := m.Parameters()
	var sumSq float32
	for _, p := range params {
		sumSq += p.SumSquares()
	}
	require.Equal(t, float32(0), trA.cfg.WeightDecay)
	require.InDelta(t, float64(0.01*0.5*sumSq), float64(trB.weightDecayLoss(params)), 1e-3)
}

func TestNumParams(t *testing.T) {
	cfg := TinyConfig()
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)

	// embedding + 2 layers of fused weights/bias + projection weight/bias.
	E, H, V := cfg.EmbeddingSize, cfg.NHidden, cfg.VocabSize
	want := V*E +
		(4*H*(E+H) + 4*H) + (4*H*(H+H) + 4*H) +
		V*H + V
	require.Equal(t, want, m.NumParams())
}

func TestConfigValidate(t *testing.T) {
	good := TinyConfig()
	require.NoError(t, good.Validate())

	bad := good
	bad.VocabSize = 0
	require.Error(t, bad.Validate())

	bad = good
	bad.KeepProb = 0
	require.Error(t, bad.Validate())

	bad = good
	bad.KeepProb = 1.5
	require.Error(t, bad.Validate())

	bad = good
	bad.Cell = CellHyperLSTM // hyper dims missing
	require.Error(t, bad.Validate())

	bad = good
	bad.BatchNormDecay = 1
	require.Error(t, bad.Validate())

	_, err := NewLanguageModel(bad)
	require.Error(t, err)
}

// Batch norm: training updates running statistics; inference consumes them.
func TestBatchNormStatistics(t *testing.T) {
	bn := NewBatchNorm(2, 0.5, 1e-5)
	x := FromSlice([]float32{1, 10, 3, 30}, NewShape(2, 2))

	bn.Forward(x, Train)
	mean, _ := bn.RunningStats()
	// running = 0.5*0 + 0.5*batch_mean; batch means are 2 and 20.
	require.InDelta(t, 1.0, float64(mean.DataPtr()[0]), 1e-5)
	require.InDelta(t, 10.0, float64(mean.DataPtr()[1]), 1e-5)

	// Eval must not touch the running statistics.
	bn.Forward(x, Eval)
	mean, _ = bn.RunningStats()
	require.InDelta(t, 1.0, float64(mean.DataPtr()[0]), 1e-5)
}

// Pre-logit projection: bias present without batch norm, absent with it.
func TestProjectionBiasRule(t *testing.T) {
	cfg := TinyConfig()
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)
	require.NotNil(t, m.proj.bias)
	require.Nil(t, m.batchNorm)

	cfg.BatchNormDecay = 0.9
	m, err = NewLanguageModel(cfg)
	require.NoError(t, err)
	require.Nil(t, m.proj.bias)
	require.NotNil(t, m.batchNorm)
}

// Verify Generate with explicit strategy matches GenerateGreedy.
func TestGenerateWithStrategy(t *testing.T) {
	cfg := TinyConfig()
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)
	prompt := []int{1, 2, 3}

	result := Generate(m, prompt, 8, GreedySampling{})
	if len(result) != 8 {
		t.Fatalf("expected length 8, got %d", len(result))
	}
	if result[0] != 1 || result[1] != 2 || result[2] != 3 {
		t.Fatalf("expected prompt preserved, got %v", result[:3])
	}

	greedy := m.GenerateGreedy(prompt, 8)
	for i := range result {
		if result[i] != greedy[i] {
			t.Fatalf("Generate(GreedySampling) != GenerateGreedy at index %d: %d vs %d", i, result[i], greedy[i])
		}
	}
}

// Verify all four sampling strategies produce correct-length output.
func TestGenerationInterfaces(t *testing.T) {
	cfg := TinyConfig()
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)
	prompt := []int{1, 2, 3}

	greedy := m.GenerateGreedy(prompt, 8)
	if len(greedy) != 8 {
		t.Fatalf("expected greedy length 8, got %d", len(greedy))
	}

	sampled := m.GenerateSample(prompt, 8, 1.0, 42)
	if len(sampled) != 8 {
		t.Fatalf("expected sampled length 8, got %d", len(sampled))
	}

	topk := m.GenerateTopK(prompt, 8, 10, 1.0, 42)
	if len(topk) != 8 {
		t.Fatalf("expected top-k length 8, got %d", len(topk))
	}

	topp := m.GenerateTopP(prompt, 8, 0.9, 1.0, 42)
	if len(topp) != 8 {
		t.Fatalf("expected top-p length 8, got %d", len(topp))
	}
}

// Every token a strategy emits is a valid vocabulary ID.
func TestSamplingRange(t *testing.T) {
	cfg := TinyConfig()
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)

	out := m.GenerateSample([]int{0}, 32, 2.0, 7)
	for i, tid := range out {
		if tid < 0 || tid >= cfg.VocabSize {
			t.Fatalf("index %d: token %d out of vocabulary", i, tid)
		}
	}
}

// Repeated training on one window memorizes it: average loss over the last
// quarter of steps must fall below the first quarter.
func TestConvergence(t *testing.T) {
	cfg := TinyConfig()
	cfg.LearningRate = 0.05
	cfg.GradientClip = 5
	m, err := NewLanguageModel(cfg)
	require.NoError(t, err)
	trainer := NewTrainer(m)
	trainer.LogEvery = 0

	inputs, targets := makeWindow(cfg, 2)

	nSteps := 200
	losses := make([]float32, nSteps)
	for i := 0; i < nSteps; i++ {
		losses[i] = trainer.TrainStep(inputs, targets)
	}

	quarter := nSteps / 4
	var first, last float32
	for i := 0; i < quarter; i++ {
		first += losses[i]
		last += losses[nSteps-quarter+i]
	}
	first /= float32(quarter)
	last /= float32(quarter)

	if last >= first {
		t.Errorf("loss did not decrease: first_quarter_avg=%.6f last_quarter_avg=%.6f", first, last)
	}
}

// --- Tensor and Shape unit tests ---

func TestShape(t *testing.T) {
	s := NewShape(2, 3, 4)
	require.Equal(t, 3, s.NDim())
	require.Equal(t, 24, s.Numel())
	require.Equal(t, 4, s.At(-1))
	require.Equal(t, 2, s.At(0))
	require.True(t, s.Equal(NewShape(2, 3, 4)))
	require.False(t, s.Equal(NewShape(2, 3)))
}

func TestTensorElementwise(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4}, NewShape(2, 2))
	b := FromSlice([]float32{10, 20, 30, 40}, NewShape(2, 2))

	require.Equal(t, []float32{11, 22, 33, 44}, a.Add(b).DataPtr())
	require.Equal(t, []float32{9, 18, 27, 36}, b.Sub(a).DataPtr())
	require.Equal(t, []float32{10, 40, 90, 160}, a.Mul(b).DataPtr())
	require.Equal(t, []float32{2, 4, 6, 8}, a.Scale(2).DataPtr())
	require.Equal(t, float32(10), a.Sum())
	require.Equal(t, float32(2.5), a.Mean())
	require.Equal(t, float32(30), a.SumSquares())
}

func TestTensorSoftmax(t *testing.T) {
	x := FromSlice([]float32{1, 1, 1, 0, 0, 1000}, NewShape(2, 3))
	p := x.Softmax()
	data := p.DataPtr()

	require.InDelta(t, 1.0/3, float64(data[0]), 1e-5)
	require.InDelta(t, 1.0/3, float64(data[1]), 1e-5)
	// Large logits stay finite (max subtraction).
	require.InDelta(t, 1.0, float64(data[5]), 1e-5)
}

func TestMatmul(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, NewShape(2, 3))
	b := FromSlice([]float32{7, 8, 9, 10, 11, 12}, NewShape(3, 2))
	c := Matmul(a, b)

	require.True(t, c.Shape().Equal(NewShape(2, 2)))
	require.Equal(t, []float32{58, 64, 139, 154}, c.DataPtr())
}

func TestMatmulTransposedB(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, NewShape(2, 3))
	bT := FromSlice([]float32{7, 9, 11, 8, 10, 12}, NewShape(2, 3)) // b^T
	c := MatmulTransposedB(a, bT)

	require.Equal(t, []float32{58, 64, 139, 154}, c.DataPtr())
}

func TestAccumulateGrad(t *testing.T) {
	p := FromSlice([]float32{0, 0}, NewShape(2))
	p.AccumulateGrad([]float32{1, 2})
	p.AccumulateGrad([]float32{3, 4})
	require.Equal(t, []float32{4, 6}, p.Grad)

	p.ZeroGrad()
	require.Equal(t, []float32{0, 0}, p.Grad)
}
