// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package agg_test

import (
	"context"
	"math"
	"testing"

	"github.com/MarcusParadies/daphne/agg"
	"github.com/MarcusParadies/daphne/matrix"
	"github.com/MarcusParadies/daphne/metrics"
	"github.com/grailbio/base/errors"
)

// sparse10 is a 2x5 matrix with 10 cells, 3 of them stored:
//
//	5 0 -2 0 0
//	0 0  0 0 5
func sparse10() *matrix.CSR[int64] {
	return matrix.NewCSR(2, 5,
		[]int64{5, -2, 5},
		[]int{0, 2, 4},
		[]int{0, 2, 3},
	)
}

func TestSparseSafety(t *testing.T) {
	ctx := context.Background()
	m := sparse10()
	// Sum skips the implicit zeros; min and max must fold one in.
	for _, test := range []struct {
		op   agg.Op
		want int64
	}{
		{agg.Sum, 8},
		{agg.Max, 5},
		{agg.Min, -2},
		// Any unrepresented cell zeroes a product and falsifies a
		// conjunction.
		{agg.Prod, 0},
		{agg.And, 0},
		{agg.Or, 1},
	} {
		got, err := agg.All[int64, int64](ctx, test.op, m)
		if err != nil {
			t.Fatalf("%s: %v", test.op, err)
		}
		if got != test.want {
			t.Errorf("%s: got %v, want %v", test.op, got, test.want)
		}
	}
}

func TestSparseFullyStored(t *testing.T) {
	ctx := context.Background()
	// All cells stored: no implicit-zero combine, so prod and and see
	// only the stored values.
	m := matrix.NewCSR(1, 2, []int32{2, 3}, []int{0, 1}, []int{0, 2})
	got, err := agg.All[int32, int32](ctx, agg.Prod, m)
	if err != nil {
		t.Fatal(err)
	}
	if want := int32(6); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	gotAnd, err := agg.All[int32, int32](ctx, agg.And, m)
	if err != nil {
		t.Fatal(err)
	}
	if want := int32(1); gotAnd != want {
		t.Errorf("got %v, want %v", gotAnd, want)
	}
}

func TestSparseStoredZero(t *testing.T) {
	ctx := context.Background()
	// A stored zero is an ordinary value: it participates in the fold
	// even for sparse-safe opcodes.
	m := matrix.NewCSR(1, 2, []float64{0, 3}, []int{0, 1}, []int{0, 2})
	got, err := agg.All[float64, float64](ctx, agg.And, m)
	if err != nil {
		t.Fatal(err)
	}
	if want := 0.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSparseEmpty(t *testing.T) {
	ctx := context.Background()
	m := matrix.NewCSR(2, 2, []int64{}, []int{}, []int{0, 0, 0})
	got, err := agg.All[int64, int64](ctx, agg.Sum, m)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// For min the lone combine against zero pulls the neutral down to
	// the implicit zero.
	gotMin, err := agg.All[int64, int64](ctx, agg.Min, m)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(0); gotMin != want {
		t.Errorf("got %v, want %v", gotMin, want)
	}
}

func TestDenseMean(t *testing.T) {
	ctx := context.Background()
	m := matrix.DenseOf(2, 3, []float64{1, 2, 3, 4, 5, 6})
	got, err := agg.All[float64, float64](ctx, agg.Mean, m)
	if err != nil {
		t.Fatal(err)
	}
	if want := 3.5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSparseMean(t *testing.T) {
	ctx := context.Background()
	got, err := agg.All[float64, int64](ctx, agg.Mean, sparse10())
	if err != nil {
		t.Fatal(err)
	}
	if want := 0.8; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMeanEmpty(t *testing.T) {
	ctx := context.Background()
	m := matrix.NewDense[float64](0, 3)
	if _, err := agg.All[float64, float64](ctx, agg.Mean, m); err == nil || !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid error", err)
	}
}

func TestStdDevUnsupported(t *testing.T) {
	ctx := context.Background()
	for _, m := range []matrix.Matrix{
		matrix.DenseOf(1, 2, []float64{1, 2}),
		sparse10(),
	} {
		if _, err := agg.AllErased(ctx, agg.StdDev, m); err == nil || !errors.Is(errors.NotSupported, err) {
			t.Errorf("%s: got %v, want NotSupported error", m.Storage(), err)
		}
	}
}

func TestDenseStrided(t *testing.T) {
	ctx := context.Background()
	parent := matrix.DenseOf(4, 3, []int32{
		9, 9, 9,
		1, 2, 3,
		4, 5, 6,
		9, 9, 9,
	})
	// Aggregating a view must honor the row stride: the surrounding
	// 9s are not part of the view.
	got, err := agg.All[int32, int32](ctx, agg.Sum, parent.RowRange(1, 3))
	if err != nil {
		t.Fatal(err)
	}
	if want := int32(21); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	gotMax, err := agg.All[int32, int32](ctx, agg.Max, parent.RowRange(1, 3))
	if err != nil {
		t.Fatal(err)
	}
	if want := int32(6); gotMax != want {
		t.Errorf("got %v, want %v", gotMax, want)
	}
}

func TestDenseEmptyNeutral(t *testing.T) {
	ctx := context.Background()
	m := matrix.NewDense[float64](0, 0)
	got, err := agg.All[float64, float64](ctx, agg.Min, m)
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsInf(got, 1) {
		t.Errorf("got %v, want +Inf", got)
	}
	gotMax, err := agg.All[float64, float64](ctx, agg.Max, m)
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsInf(gotMax, -1) {
		t.Errorf("got %v, want -Inf", gotMax)
	}
}

func TestElementCast(t *testing.T) {
	ctx := context.Background()
	// int8 cells widened to int64 before combining: the sum exceeds
	// the argument type's range.
	m := matrix.DenseOf(1, 3, []int8{100, 100, 100})
	got, err := agg.All[int64, int8](ctx, agg.Sum, m)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(300); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestArgumentTypeMismatch(t *testing.T) {
	ctx := context.Background()
	m := matrix.DenseOf(1, 1, []int32{1})
	if _, err := agg.All[float64, float64](ctx, agg.Sum, m); err == nil || !errors.Is(errors.NotSupported, err) {
		t.Errorf("got %v, want NotSupported error", err)
	}
}

func TestAllErased(t *testing.T) {
	ctx := context.Background()
	res, err := agg.AllErased(ctx, agg.Sum, sparse10())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := res.Type(), matrix.I64; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.Float64(), 8.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Derived opcodes compute in float64 regardless of element type.
	res, err = agg.AllErased(ctx, agg.Mean, matrix.DenseOf(2, 2, []int32{1, 2, 3, 4}))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := res.Type(), matrix.F64; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.Float64(), 2.5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMetrics(t *testing.T) {
	var scope metrics.Scope
	ctx := metrics.ScopedContext(context.Background(), &scope)
	if _, err := agg.All[int64, int64](ctx, agg.Min, sparse10()); err != nil {
		t.Fatal(err)
	}
	if got, want := agg.CellsScanned.Value(&scope), int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := agg.SparseFills.Value(&scope), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := agg.All[int64, int64](ctx, agg.Sum, matrix.DenseOf(2, 2, []int64{1, 2, 3, 4})); err != nil {
		t.Fatal(err)
	}
	if got, want := agg.CellsScanned.Value(&scope), int64(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := agg.SparseFills.Value(&scope), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseOp(t *testing.T) {
	for _, op := range []agg.Op{agg.Sum, agg.Prod, agg.Min, agg.Max, agg.And, agg.Or, agg.Mean, agg.StdDev} {
		got, err := agg.ParseOp(op.String())
		if err != nil {
			t.Fatal(err)
		}
		if got != op {
			t.Errorf("got %v, want %v", got, op)
		}
	}
	if _, err := agg.ParseOp("median"); err == nil || !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid error", err)
	}
}
