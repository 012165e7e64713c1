// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package rnn implements a recurrent neural language model from scratch in Go:
// stacked LSTM layers with layer normalization and recurrent dropout, plus a
// hypernetwork-conditioned variant (HyperLSTM) whose gates are rescaled each
// timestep by a small auxiliary LSTM.
//
// All tensor storage uses flat []float32 slices in row-major order. Matrix
// multiplication is delegated to gonum's native float32 BLAS (see sgemm.go);
// scalar float32 math comes from chewxy/math32 so the whole compute path
// stays in single precision.
package rnn

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
)

// DType enumerates supported storage types. All runtime compute is F32;
// F16 exists for compact checkpoint storage.
type DType uint8

const (
	F32 DType = iota
	F16
)

// Size returns the byte width of the data type.
func (d DType) Size() int {
	if d == F16 {
		return 2
	}
	return 4
}

// String returns a human-readable name for the data type.
func (d DType) String() string {
	if d == F16 {
		return "f16"
	}
	return "f32"
}

// NegInf is the most negative finite float32, used as -infinity when masking
// logits during top-k sampling.
const NegInf = -math32.MaxFloat32

// sigmoid computes the logistic function in float32.
func sigmoid(x float32) float32 {
	return 1.0 / (1.0 + math32.Exp(-x))
}

// Shape represents tensor dimensions. The slice is private so callers cannot
// mutate a shape out from under a tensor.
type Shape struct{ dims []int }

// NewShape creates a Shape from variadic dimension sizes.
func NewShape(dims ...int) Shape {
	d := make([]int, len(dims))
	copy(d, dims)
	return Shape{dims: d}
}

// Dims returns a copy of the dimension sizes.
func (s Shape) Dims() []int {
	d := make([]int, len(s.dims))
	copy(d, s.dims)
	return d
}

// DimsRef returns the internal dimension slice without copying. The caller
// must NOT mutate it. Used in hot paths.
func (s Shape) DimsRef() []int { return s.dims }

// NDim returns the number of dimensions.
func (s Shape) NDim() int { return len(s.dims) }

// Numel returns the total number of elements.
func (s Shape) Numel() int {
	if len(s.dims) == 0 {
		return 0
	}
	return prod(s.dims)
}

// At returns the size of dimension dim. Negative indices count from the end,
// so At(-1) is the last dimension.
func (s Shape) At(dim int) int {
	if dim < 0 {
		dim += len(s.dims)
	}
	if dim < 0 || dim >= len(s.dims) {
		return 0
	}
	return s.dims[dim]
}

// Equal returns true if two shapes have identical dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s.dims) != len(other.dims) {
		return false
	}
	for i := range s.dims {
		if s.dims[i] != other.dims[i] {
			return false
		}
	}
	return true
}

// String formats the shape as "[d0, d1, ...]".
func (s Shape) String() string {
	out := "["
	for i, d := range s.dims {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%d", d)
	}
	return out + "]"
}

// ---------------------------------------------------------------------------
// Tensor
// ---------------------------------------------------------------------------

// Tensor stores multi-dimensional float32 data in a contiguous flat slice,
// row-major (last dimension varies fastest). Operations allocate new tensors
// unless suffixed with "InPlace".
type Tensor struct {
	data  []float32
	shape Shape
	dtype DType
	Grad  []float32 // per-element gradient, nil until accumulated
}

// New allocates a zero-filled tensor of the given shape.
func New(shape Shape, dtype DType) *Tensor {
	return &Tensor{data: make([]float32, shape.Numel()), shape: shape, dtype: dtype}
}

// Zeros is an alias for New (zero-filled tensor).
func Zeros(shape Shape, dtype DType) *Tensor { return New(shape, dtype) }

// Ones allocates a tensor filled with 1.0.
func Ones(shape Shape, dtype DType) *Tensor {
	t := New(shape, dtype)
	for i := range t.data {
		t.data[i] = 1
	}
	return t
}

// FromSlice creates a tensor by copying the provided data.
// Panics if len(data) != shape.Numel().
func FromSlice(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	d := make([]float32, len(data))
	copy(d, data)
	return &Tensor{data: d, shape: shape, dtype: F32}
}

// Randn allocates a tensor filled with standard normal random values.
func Randn(shape Shape, dtype DType) *Tensor {
	return RandnWithStd(shape, dtype, 1)
}

// RandnWithStd allocates a tensor filled with normal random values scaled by std.
func RandnWithStd(shape Shape, dtype DType, std float32) *Tensor {
	t := New(shape, dtype)
	for i := range t.data {
		t.data[i] = float32(rand.NormFloat64()) * std
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape { return t.shape }

// DType returns the tensor's data type tag.
func (t *Tensor) DType() DType { return t.dtype }

// DataPtr returns the underlying storage slice directly (no copy).
// Callers may mutate elements in place; use Data for a safe copy.
func (t *Tensor) DataPtr() []float32 { return t.data }

// Data returns a copy of the underlying storage.
func (t *Tensor) Data() []float32 {
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return d
}

// ZeroGrad resets the gradient. An existing buffer is zeroed in place;
// otherwise Grad stays nil until AccumulateGrad allocates it, so only
// parameters that actually received gradients carry a non-nil Grad.
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil && len(t.Grad) == len(t.data) {
		for i := range t.Grad {
			t.Grad[i] = 0
		}
	} else {
		t.Grad = nil
	}
}

// AccumulateGrad adds grad element-wise into t.Grad, allocating if nil.
func (t *Tensor) AccumulateGrad(grad []float32) {
	if t.Grad == nil {
		t.Grad = make([]float32, len(t.data))
	}
	for i, g := range grad {
		t.Grad[i] += g
	}
}

// flatIndex converts multi-dimensional indices to a flat row-major offset.
// Panics on out-of-bounds access.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.shape.NDim() {
		panic(fmt.Sprintf("expected %d indices, got %d", t.shape.NDim(), len(indices)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape.At(i) {
			panic(fmt.Sprintf("index %d out of bounds for dim %d with size %d", indices[i], i, t.shape.At(i)))
		}
		idx += indices[i] * stride
		stride *= t.shape.At(i)
	}
	return idx
}

// At reads a single element by multi-dimensional index.
func (t *Tensor) At(indices ...int) float32 { return t.data[t.flatIndex(indices)] }

// Set writes a single element by multi-dimensional index.
func (t *Tensor) Set(value float32, indices ...int) { t.data[t.flatIndex(indices)] = value }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor { return FromSlice(t.data, t.shape) }

// Reshape returns a new tensor sharing the same backing data with a different
// shape. The element count must be unchanged. Mutations through either view
// affect both.
func (t *Tensor) Reshape(s Shape) *Tensor {
	if t.shape.Numel() != s.Numel() {
		panic(fmt.Sprintf("cannot reshape %v to %v: different numel", t.shape, s))
	}
	return &Tensor{data: t.data, shape: s, dtype: t.dtype}
}

func (t *Tensor) assertShape(other *Tensor) {
	if !t.shape.Equal(other.shape) {
		panic(fmt.Sprintf("shape mismatch: %v vs %v", t.shape, other.shape))
	}
}

// Add returns element-wise t + o.
func (t *Tensor) Add(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape, t.dtype)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
	return r
}

// Sub returns element-wise t - o.
func (t *Tensor) Sub(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape, t.dtype)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] - b[i]
	}
	return r
}

// Mul returns element-wise t * o (Hadamard product).
func (t *Tensor) Mul(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape, t.dtype)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] * b[i]
	}
	return r
}

// Scale returns t * s (scalar multiplication).
func (t *Tensor) Scale(s float32) *Tensor {
	r := New(t.shape, t.dtype)
	src, dst := t.data, r.data
	for i := range dst {
		dst[i] = src[i] * s
	}
	return r
}

// AddInPlace adds other to t element-wise, mutating t.
func (t *Tensor) AddInPlace(other *Tensor) {
	t.assertShape(other)
	a, b := t.data, other.data
	for i := range a {
		a[i] += b[i]
	}
}

// MulInPlace multiplies t by other element-wise, mutating t.
func (t *Tensor) MulInPlace(other *Tensor) {
	t.assertShape(other)
	a, b := t.data, other.data
	for i := range a {
		a[i] *= b[i]
	}
}

// ScaleInPlace multiplies every element of t by s, mutating t.
func (t *Tensor) ScaleInPlace(s float32) {
	for i := range t.data {
		t.data[i] *= s
	}
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float32 {
	sum := float32(0)
	for _, v := range t.data {
		sum += v
	}
	return sum
}

// Mean returns the arithmetic mean of all elements.
func (t *Tensor) Mean() float32 { return t.Sum() / float32(len(t.data)) }

// SumSquares returns sum(x^2), the squared L2 norm of the data.
// The weight-decay term is 0.5 * SumSquares per parameter.
func (t *Tensor) SumSquares() float32 {
	sum := float32(0)
	for _, v := range t.data {
		sum += v * v
	}
	return sum
}

// softmaxCore computes row-wise softmax from src into dst along the last
// dimension. Max-subtraction keeps the exponentials from overflowing.
func softmaxCore(src, dst []float32, lastDim, numVectors int) {
	for v := 0; v < numVectors; v++ {
		off := v * lastDim
		sRow := src[off : off+lastDim]
		dRow := dst[off : off+lastDim]

		maxVal := sRow[0]
		for i := 1; i < lastDim; i++ {
			if sRow[i] > maxVal {
				maxVal = sRow[i]
			}
		}
		sum := float32(0)
		for i := 0; i < lastDim; i++ {
			e := math32.Exp(sRow[i] - maxVal)
			dRow[i] = e
			sum += e
		}
		invSum := 1.0 / sum
		for i := 0; i < lastDim; i++ {
			dRow[i] *= invSum
		}
	}
}

// Softmax computes row-wise softmax along the last dimension.
//
//	p_i = exp(x_i - max(x)) / sum_j(exp(x_j - max(x)))
func (t *Tensor) Softmax() *Tensor {
	if t.shape.NDim() < 1 {
		panic("softmax requires at least 1 dimension")
	}
	result := New(t.shape, t.dtype)
	lastDim := t.shape.At(-1)
	softmaxCore(t.data, result.data, lastDim, t.shape.Numel()/lastDim)
	return result
}

// Matmul computes 2D matrix multiplication C = A @ B.
//
//	C[i,j] = sum_k A[i,k] * B[k,j]
//
// A: [M, K], B: [K, N] -> C: [M, N]. Delegates to gonum's float32 GEMM.
func Matmul(a, b *Tensor) *Tensor {
	if a.shape.NDim() != 2 || b.shape.NDim() != 2 {
		panic("matmul requires 2D tensors")
	}
	aM, aK := a.shape.At(0), a.shape.At(1)
	bK, bN := b.shape.At(0), b.shape.At(1)
	if aK != bK {
		panic(fmt.Sprintf("matmul dimension mismatch: %d vs %d", aK, bK))
	}
	result := New(NewShape(aM, bN), a.dtype)
	sgemm(aM, bN, aK,
		1.0, a.data, aK,
		b.data, bN,
		0.0, result.data, bN)
	return result
}

// MatmulTransposedB computes C = A @ B^T without materializing the transpose.
// A: [M, K], B: [N, K] -> C: [M, N]. This is the hot path for every gate
// and projection matmul (weights are stored [out, in]).
func MatmulTransposedB(a, b *Tensor) *Tensor {
	if a.shape.NDim() != 2 || b.shape.NDim() != 2 {
		panic("MatmulTransposedB requires 2D tensors")
	}
	aM, aK := a.shape.At(0), a.shape.At(1)
	bN, bK := b.shape.At(0), b.shape.At(1)
	if aK != bK {
		panic(fmt.Sprintf("matmulT dimension mismatch: %d vs %d", aK, bK))
	}
	result := New(NewShape(aM, bN), a.dtype)
	sgemmTransB(aM, bN, aK,
		1.0, a.data, aK,
		b.data, bK,
		0.0, result.data, bN)
	return result
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// prod returns the product of all integers in xs.
func prod(xs []int) int {
	n := 1
	for _, x := range xs {
		n *= x
	}
	return n
}

// concatParams concatenates multiple parameter slices into one.
// Used by composite cells and the model to aggregate sub-layer parameters.
func concatParams(groups ...[]*Tensor) []*Tensor {
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	out := make([]*Tensor, 0, total)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func cloneInts(src []int) []int {
	dst := make([]int, len(src))
	copy(dst, src)
	return dst
}

// argmax returns the index and value of the maximum element.
func argmax(xs []float32) (int, float32) {
	bestIdx, bestVal := 0, xs[0]
	for i := 1; i < len(xs); i++ {
		if xs[i] > bestVal {
			bestIdx, bestVal = i, xs[i]
		}
	}
	return bestIdx, bestVal
}

// normalizeInPlace divides every element by the sum so they sum to 1.
func normalizeInPlace(xs []float32) {
	sum := float32(0)
	for _, v := range xs {
		sum += v
	}
	if sum == 0 {
		return
	}
	invSum := 1.0 / sum
	for i := range xs {
		xs[i] *= invSum
	}
}
