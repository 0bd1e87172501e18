// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package agg implements the full-matrix aggregation kernels workers
// run against stored matrices: the pure binary reductions sum, prod,
// min, max, and, or, and the derived mean, over both dense and
// compressed sparse row storage.
//
// Dispatch is two-axis: element type and storage format are recovered
// from the matrix; the opcode resolves to a reduction carrying its
// combining function, neutral element and sparse-safety as data.
// Sparse kernels fold stored entries only and account for all
// unrepresented cells with a single combine against zero when the
// opcode is not sparse-safe.
package agg

import (
	"context"
	"fmt"
	"math"

	"github.com/MarcusParadies/daphne/matrix"
	"github.com/grailbio/base/errors"
)

// Op is an aggregation opcode.
type Op int

const (
	// Pure binary reductions.
	Sum Op = iota
	Prod
	Min
	Max
	And
	Or
	// Derived aggregations: folded as a sum, post-processed.
	Mean
	StdDev
)

var opStrings = [...]string{"sum", "prod", "min", "max", "and", "or", "mean", "stddev"}

func (o Op) String() string {
	if 0 <= o && int(o) < len(opStrings) {
		return opStrings[o]
	}
	return "INVALID"
}

// ParseOp parses an opcode name as it appears in task programs.
func ParseOp(s string) (Op, error) {
	for o, name := range opStrings {
		if s == name {
			return Op(o), nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("agg: unknown aggregation opcode %q", s))
}

// Pure reports whether o is a pure binary reduction: a fold of one
// combining function from a neutral element. Derived opcodes
// aggregate through a sum and post-process the total.
func (o Op) Pure() bool { return Sum <= o && o <= Or }

// A reduction carries everything needed to drive a fold for one
// opcode: the combining function, the element folds start from, and
// whether combining against an implicit zero leaves the result
// unchanged. Sparse kernels may skip unrepresented cells exactly when
// it does.
type reduction[V matrix.Value] struct {
	combine    func(V, V) V
	neutral    V
	sparseSafe bool
}

// reductionOf resolves the reduction for a pure opcode.
func reductionOf[V matrix.Value](ctx context.Context, op Op) (reduction[V], error) {
	switch op {
	case Sum:
		return reduction[V]{combine: func(a, b V) V { return a + b }, sparseSafe: true}, nil
	case Prod:
		return reduction[V]{combine: func(a, b V) V { return a * b }, neutral: 1}, nil
	case Min:
		return reduction[V]{combine: minValue[V], neutral: maxOf[V]()}, nil
	case Max:
		return reduction[V]{combine: maxValue[V], neutral: minOf[V]()}, nil
	case And:
		return reduction[V]{combine: andValue[V], neutral: 1}, nil
	case Or:
		return reduction[V]{combine: orValue[V], sparseSafe: true}, nil
	}
	return reduction[V]{}, errors.E(errors.NotSupported,
		fmt.Sprintf("agg: %s is not a pure binary reduction", op))
}

func minValue[V matrix.Value](a, b V) V {
	if b < a {
		return b
	}
	return a
}

func maxValue[V matrix.Value](a, b V) V {
	if b > a {
		return b
	}
	return a
}

// The logical reductions treat any nonzero value as true and yield
// 0 or 1.
func andValue[V matrix.Value](a, b V) V {
	if a != 0 && b != 0 {
		return 1
	}
	return 0
}

func orValue[V matrix.Value](a, b V) V {
	if a != 0 || b != 0 {
		return 1
	}
	return 0
}

// maxOf returns the largest value of V, the neutral element of min.
// For floats that is +Inf, the true identity, so that an all-empty
// fold yields a recognizable sentinel rather than an arbitrary finite
// value.
func maxOf[V matrix.Value]() V {
	var v V
	switch p := any(&v).(type) {
	case *int8:
		*p = math.MaxInt8
	case *int32:
		*p = math.MaxInt32
	case *int64:
		*p = math.MaxInt64
	case *uint8:
		*p = math.MaxUint8
	case *uint32:
		*p = math.MaxUint32
	case *uint64:
		*p = math.MaxUint64
	case *float32:
		*p = float32(math.Inf(1))
	case *float64:
		*p = math.Inf(1)
	}
	return v
}

// minOf returns the smallest value of V, the neutral element of max.
// Unsigned types fall through to their zero value.
func minOf[V matrix.Value]() V {
	var v V
	switch p := any(&v).(type) {
	case *int8:
		*p = math.MinInt8
	case *int32:
		*p = math.MinInt32
	case *int64:
		*p = math.MinInt64
	case *float32:
		*p = float32(math.Inf(-1))
	case *float64:
		*p = math.Inf(-1)
	}
	return v
}
