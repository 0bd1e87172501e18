// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package matrix implements the in-memory matrix representations the
// runtime ships between coordinator and workers: dense row-major
// storage and compressed sparse row (CSR) storage, over the fixed set
// of element types the engine supports, together with their binary
// codec.
package matrix

import "github.com/MarcusParadies/daphne/wire"

// Value is the set of element types a matrix can hold. The set is
// closed: codecs and kernels enumerate it.
type Value interface {
	int8 | int32 | int64 | uint8 | uint32 | uint64 | float32 | float64
}

// Type identifies a matrix element type at runtime.
type Type uint32

const (
	I8 Type = iota
	I32
	I64
	U8
	U32
	U64
	F32
	F64
)

var typeStrings = [...]string{"i8", "i32", "i64", "u8", "u32", "u64", "f32", "f64"}

func (t Type) String() string {
	if int(t) < len(typeStrings) {
		return typeStrings[t]
	}
	return "INVALID"
}

// Size returns the encoded size of one element in bytes.
func (t Type) Size() int {
	switch t {
	case I8, U8:
		return 1
	case I32, U32, F32:
		return 4
	default:
		return 8
	}
}

// TypeOf returns the runtime Type of element type T.
func TypeOf[T Value]() Type {
	var v T
	switch any(v).(type) {
	case int8:
		return I8
	case int32:
		return I32
	case int64:
		return I64
	case uint8:
		return U8
	case uint32:
		return U32
	case uint64:
		return U64
	case float32:
		return F32
	default:
		return F64
	}
}

// Format identifies a matrix storage format at runtime.
type Format uint32

const (
	FormatDense Format = iota
	FormatCSR
)

func (f Format) String() string {
	switch f {
	case FormatDense:
		return "dense"
	case FormatCSR:
		return "csr"
	default:
		return "INVALID"
	}
}

// Matrix is the format- and type-erased view of a matrix: what the
// object store holds and the wire ships. The set of implementations
// is closed; kernels recover concrete storage by type switch over
// *Dense[T] and *CSR[T].
type Matrix interface {
	// Rows and Cols return the matrix dimensions.
	Rows() int
	Cols() int
	// ValueType returns the runtime element type.
	ValueType() Type
	// Storage returns the storage format.
	Storage() Format

	encodedSize() int
	encode(w *wire.Writer)
	rowRange(from, to int) Matrix
}
