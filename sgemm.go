// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package rnn

// Float32 GEMM via gonum's pure-Go BLAS implementation. Row-major layout
// throughout, matching the flat []float32 tensor storage. gonum internally
// blocks and parallelizes large multiplies, so there is no CGO boundary to
// amortize and small per-step cell matmuls stay cheap.

import (
	"gonum.org/v1/gonum/blas"
	blasgonum "gonum.org/v1/gonum/blas/gonum"
)

var blasImpl blasgonum.Implementation

// sgemm computes C = alpha*A@B + beta*C.
// A: [m, k], B: [k, n], C: [m, n], all row-major.
//
// The zero-dimension guard keeps gonum from being handed empty slices when a
// degenerate batch reaches a matmul.
func sgemm(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blasImpl.Sgemm(blas.NoTrans, blas.NoTrans, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}

// sgemmTransA computes C = alpha*A^T@B + beta*C with A stored untransposed.
// A: [k, m] row-major (lda = m), B: [k, n], C: [m, n].
//
// Used for weight gradients dW = gradOutput^T @ input without allocating a
// transposed copy of gradOutput.
func sgemmTransA(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blasImpl.Sgemm(blas.Trans, blas.NoTrans, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}

// sgemmTransB computes C = alpha*A@B^T + beta*C with B stored untransposed.
// A: [m, k], B: [n, k] row-major (ldb = k), C: [m, n].
//
// Used for forward projections y = x @ W^T with weights stored [out, in].
func sgemmTransB(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blasImpl.Sgemm(blas.NoTrans, blas.Trans, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}
