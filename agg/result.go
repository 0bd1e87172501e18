// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package agg

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/MarcusParadies/daphne/matrix"
	"github.com/grailbio/base/errors"
)

// A Result is the scalar an aggregation produces, tagged with its
// element type. Results cross the wire as 1x1 matrices; in memory
// they keep the scalar in its exact type so nothing is lost between
// kernel and caller.
type Result struct {
	typ  matrix.Type
	bits uint64
}

func resultOf[V matrix.Value](v V) Result {
	r := Result{typ: matrix.TypeOf[V]()}
	switch v := any(v).(type) {
	case int8:
		r.bits = uint64(v)
	case int32:
		r.bits = uint64(v)
	case int64:
		r.bits = uint64(v)
	case uint8:
		r.bits = uint64(v)
	case uint32:
		r.bits = uint64(v)
	case uint64:
		r.bits = v
	case float32:
		r.bits = uint64(math.Float32bits(v))
	case float64:
		r.bits = math.Float64bits(v)
	}
	return r
}

// scalar recovers the typed value from a result. It is the inverse of
// resultOf for matching V; results of other types are reinterpreted
// bitwise, so callers switch on Type first.
func scalar[V matrix.Value](r Result) V {
	var v V
	switch p := any(&v).(type) {
	case *int8:
		*p = int8(r.bits)
	case *int32:
		*p = int32(r.bits)
	case *int64:
		*p = int64(r.bits)
	case *uint8:
		*p = uint8(r.bits)
	case *uint32:
		*p = uint32(r.bits)
	case *uint64:
		*p = r.bits
	case *float32:
		*p = math.Float32frombits(uint32(r.bits))
	case *float64:
		*p = math.Float64frombits(r.bits)
	}
	return v
}

// Type returns the element type of the scalar.
func (r Result) Type() matrix.Type { return r.typ }

// Float64 returns the scalar widened to float64.
func (r Result) Float64() float64 {
	switch r.typ {
	case matrix.I8:
		return float64(scalar[int8](r))
	case matrix.I32:
		return float64(scalar[int32](r))
	case matrix.I64:
		return float64(scalar[int64](r))
	case matrix.U8, matrix.U32, matrix.U64:
		return float64(r.bits)
	case matrix.F32:
		return float64(scalar[float32](r))
	default:
		return scalar[float64](r)
	}
}

// String renders the scalar in its own type's decimal form.
func (r Result) String() string {
	switch r.typ {
	case matrix.I8, matrix.I32, matrix.I64:
		return strconv.FormatInt(int64(scalar[int64](r)), 10)
	case matrix.U8, matrix.U32, matrix.U64:
		return strconv.FormatUint(r.bits, 10)
	case matrix.F32:
		return strconv.FormatFloat(float64(scalar[float32](r)), 'g', -1, 32)
	default:
		return strconv.FormatFloat(scalar[float64](r), 'g', -1, 64)
	}
}

// Matrix returns the scalar as a 1x1 dense matrix, the form results
// take on the wire.
func (r Result) Matrix() matrix.Matrix {
	switch r.typ {
	case matrix.I8:
		return matrix.DenseOf(1, 1, []int8{scalar[int8](r)})
	case matrix.I32:
		return matrix.DenseOf(1, 1, []int32{scalar[int32](r)})
	case matrix.I64:
		return matrix.DenseOf(1, 1, []int64{scalar[int64](r)})
	case matrix.U8:
		return matrix.DenseOf(1, 1, []uint8{scalar[uint8](r)})
	case matrix.U32:
		return matrix.DenseOf(1, 1, []uint32{scalar[uint32](r)})
	case matrix.U64:
		return matrix.DenseOf(1, 1, []uint64{scalar[uint64](r)})
	case matrix.F32:
		return matrix.DenseOf(1, 1, []float32{scalar[float32](r)})
	default:
		return matrix.DenseOf(1, 1, []float64{scalar[float64](r)})
	}
}

// FromMatrix recovers a result from a task output, which must be a
// 1x1 dense matrix.
func FromMatrix(m matrix.Matrix) (Result, error) {
	if m.Rows() != 1 || m.Cols() != 1 || m.Storage() != matrix.FormatDense {
		return Result{}, errors.E(errors.Invalid,
			fmt.Sprintf("agg: result must be a 1x1 dense matrix, have %dx%d %s", m.Rows(), m.Cols(), m.Storage()))
	}
	switch m := m.(type) {
	case *matrix.Dense[int8]:
		return resultOf(m.Values[0]), nil
	case *matrix.Dense[int32]:
		return resultOf(m.Values[0]), nil
	case *matrix.Dense[int64]:
		return resultOf(m.Values[0]), nil
	case *matrix.Dense[uint8]:
		return resultOf(m.Values[0]), nil
	case *matrix.Dense[uint32]:
		return resultOf(m.Values[0]), nil
	case *matrix.Dense[uint64]:
		return resultOf(m.Values[0]), nil
	case *matrix.Dense[float32]:
		return resultOf(m.Values[0]), nil
	case *matrix.Dense[float64]:
		return resultOf(m.Values[0]), nil
	}
	return Result{}, errors.E(errors.Invalid,
		fmt.Sprintf("agg: unknown element type %s", m.ValueType()))
}

// Combine folds two partial results under a pure opcode. The
// coordinator uses it to merge per-rank partials of a scattered
// aggregation; partials must agree on element type.
func Combine(ctx context.Context, op Op, a, b Result) (Result, error) {
	if !op.Pure() {
		return Result{}, errors.E(errors.NotSupported,
			fmt.Sprintf("agg: %s partials cannot be combined pairwise", op))
	}
	if a.typ != b.typ {
		return Result{}, errors.E(errors.Invalid,
			fmt.Sprintf("agg: cannot combine %s and %s results", a.typ, b.typ))
	}
	switch a.typ {
	case matrix.I8:
		return combine[int8](ctx, op, a, b)
	case matrix.I32:
		return combine[int32](ctx, op, a, b)
	case matrix.I64:
		return combine[int64](ctx, op, a, b)
	case matrix.U8:
		return combine[uint8](ctx, op, a, b)
	case matrix.U32:
		return combine[uint32](ctx, op, a, b)
	case matrix.U64:
		return combine[uint64](ctx, op, a, b)
	case matrix.F32:
		return combine[float32](ctx, op, a, b)
	default:
		return combine[float64](ctx, op, a, b)
	}
}

func combine[V matrix.Value](ctx context.Context, op Op, a, b Result) (Result, error) {
	red, err := reductionOf[V](ctx, op)
	if err != nil {
		return Result{}, err
	}
	return resultOf(red.combine(scalar[V](a), scalar[V](b))), nil
}
