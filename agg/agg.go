// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package agg

import (
	"context"
	"fmt"

	"github.com/MarcusParadies/daphne/matrix"
	"github.com/MarcusParadies/daphne/metrics"
	"github.com/grailbio/base/errors"
)

var (
	// CellsScanned counts the matrix cells an aggregation visits:
	// every cell for dense storage, stored entries for sparse.
	CellsScanned = metrics.NewCounter()
	// SparseFills counts the implicit-zero combines folded into
	// aggregations over sparse matrices with unrepresented cells.
	SparseFills = metrics.NewCounter()
)

// All computes the full-matrix aggregation of m under op. Elements
// are cast from the matrix element type VTArg to the result type
// VTRes before combining; m must be a *matrix.Dense[VTArg] or a
// *matrix.CSR[VTArg].
//
// Pure opcodes fold their combining function over the cells. Derived
// opcodes fold a sum and post-process the total: Mean divides by the
// total cell count, in VTRes, so integral result types truncate.
// StdDev is declared but not implemented and fails with a
// NotSupported error before visiting any cell.
func All[VTRes, VTArg matrix.Value](ctx context.Context, op Op, m matrix.Matrix) (VTRes, error) {
	switch arg := m.(type) {
	case *matrix.Dense[VTArg]:
		return allDense[VTRes](ctx, op, arg)
	case *matrix.CSR[VTArg]:
		return allCSR[VTRes](ctx, op, arg)
	}
	return 0, errors.E(errors.NotSupported,
		fmt.Sprintf("agg: %s aggregation over %s %s matrix", op, m.Storage(), m.ValueType()))
}

// AllErased aggregates without compile-time knowledge of the matrix
// element type. The result is computed in the matrix's own element
// type for pure opcodes and in float64 for derived ones.
func AllErased(ctx context.Context, op Op, m matrix.Matrix) (Result, error) {
	switch m.ValueType() {
	case matrix.I8:
		return allErased[int8](ctx, op, m)
	case matrix.I32:
		return allErased[int32](ctx, op, m)
	case matrix.I64:
		return allErased[int64](ctx, op, m)
	case matrix.U8:
		return allErased[uint8](ctx, op, m)
	case matrix.U32:
		return allErased[uint32](ctx, op, m)
	case matrix.U64:
		return allErased[uint64](ctx, op, m)
	case matrix.F32:
		return allErased[float32](ctx, op, m)
	case matrix.F64:
		return allErased[float64](ctx, op, m)
	}
	return Result{}, errors.E(errors.Invalid,
		fmt.Sprintf("agg: unknown element type %v", m.ValueType()))
}

func allErased[VTArg matrix.Value](ctx context.Context, op Op, m matrix.Matrix) (Result, error) {
	if !op.Pure() {
		v, err := All[float64, VTArg](ctx, op, m)
		if err != nil {
			return Result{}, err
		}
		return resultOf(v), nil
	}
	v, err := All[VTArg, VTArg](ctx, op, m)
	if err != nil {
		return Result{}, err
	}
	return resultOf(v), nil
}

// fold resolves the reduction driving op: pure opcodes fold
// themselves; derived opcodes fold a sum from zero. StdDev has no
// implementation and is rejected here, so no partial result is ever
// produced for it.
func fold[V matrix.Value](ctx context.Context, op Op) (reduction[V], error) {
	switch {
	case op.Pure():
		return reductionOf[V](ctx, op)
	case op == Mean:
		// Sum's neutral element is zero and sum is sparse-safe, so
		// the forced-sparse-safe derived path needs no special case.
		return reductionOf[V](ctx, Sum)
	}
	return reduction[V]{}, errors.E(errors.NotSupported,
		fmt.Sprintf("agg: %s aggregation is not implemented", op))
}

func allDense[VTRes, VTArg matrix.Value](ctx context.Context, op Op, m *matrix.Dense[VTArg]) (VTRes, error) {
	red, err := fold[VTRes](ctx, op)
	if err != nil {
		return 0, err
	}
	agg := red.neutral
	for i := 0; i < m.NumRows; i++ {
		for _, v := range m.Row(i) {
			agg = red.combine(agg, VTRes(v))
		}
	}
	count(ctx, CellsScanned, m.NumRows*m.NumCols)
	return finish(op, agg, m.NumRows*m.NumCols)
}

func allCSR[VTRes, VTArg matrix.Value](ctx context.Context, op Op, m *matrix.CSR[VTArg]) (VTRes, error) {
	red, err := fold[VTRes](ctx, op)
	if err != nil {
		return 0, err
	}
	cells := m.NumRows * m.NumCols
	var agg VTRes
	if nnz := m.NNZ(); nnz > 0 {
		// Fold left to right from the first stored value rather than
		// the neutral element, saving one combine. Stored zeros are
		// ordinary values here; only unrepresented cells get the
		// sparse treatment.
		agg = VTRes(m.Values[0])
		for _, v := range m.Values[1:] {
			agg = red.combine(agg, VTRes(v))
		}
		count(ctx, CellsScanned, nnz)
		if !red.sparseSafe && nnz < cells {
			// One combine against zero accounts for all
			// unrepresented cells at once.
			agg = red.combine(agg, 0)
			count(ctx, SparseFills, 1)
		}
	} else {
		agg = red.combine(red.neutral, 0)
	}
	return finish(op, agg, cells)
}

// finish applies derived post-processing to a folded total.
func finish[V matrix.Value](op Op, agg V, cells int) (V, error) {
	if op != Mean {
		return agg, nil
	}
	if cells == 0 {
		return 0, errors.E(errors.Invalid, "agg: mean of a matrix with no cells")
	}
	return agg / V(cells), nil
}

// count increments c when the context carries a metrics scope. The
// runtime attaches one per task; direct library callers may not.
func count(ctx context.Context, c metrics.Counter, n int) {
	if scope, ok := metrics.FromContext(ctx); ok {
		c.Incr(scope, int64(n))
	}
}
