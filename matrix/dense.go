// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package matrix

import (
	"fmt"

	"github.com/MarcusParadies/daphne/wire"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
)

// Dense is row-major dense storage. RowSkip is the row stride in
// elements: row i's values start at i*RowSkip in Values. RowSkip
// equals NumCols for contiguous matrices and exceeds it for views
// into a wider parent; kernels must honor it.
type Dense[T Value] struct {
	NumRows, NumCols int
	RowSkip          int
	Values           []T
}

// NewDense returns a zeroed rows x cols matrix with contiguous
// storage.
func NewDense[T Value](rows, cols int) *Dense[T] {
	must.True(rows >= 0 && cols >= 0, "matrix: negative dimensions")
	return &Dense[T]{
		NumRows: rows,
		NumCols: cols,
		RowSkip: cols,
		Values:  make([]T, rows*cols),
	}
}

// DenseOf returns a rows x cols matrix over the given contiguous
// row-major values. The matrix aliases values.
func DenseOf[T Value](rows, cols int, values []T) *Dense[T] {
	must.Truef(len(values) == rows*cols, "matrix: %d values for %dx%d matrix", len(values), rows, cols)
	return &Dense[T]{NumRows: rows, NumCols: cols, RowSkip: cols, Values: values}
}

func (m *Dense[T]) Rows() int       { return m.NumRows }
func (m *Dense[T]) Cols() int       { return m.NumCols }
func (m *Dense[T]) ValueType() Type { return TypeOf[T]() }
func (m *Dense[T]) Storage() Format { return FormatDense }

// At returns the element at row i, column j.
func (m *Dense[T]) At(i, j int) T {
	return m.Values[i*m.RowSkip+j]
}

// Set stores v at row i, column j.
func (m *Dense[T]) Set(i, j int, v T) {
	m.Values[i*m.RowSkip+j] = v
}

// Row returns row i as a slice aliasing the matrix storage.
func (m *Dense[T]) Row(i int) []T {
	off := i * m.RowSkip
	return m.Values[off : off+m.NumCols]
}

// RowRange returns a view of rows [from, to). The view aliases the
// parent's storage and keeps its stride.
func (m *Dense[T]) RowRange(from, to int) *Dense[T] {
	must.Truef(0 <= from && from <= to && to <= m.NumRows, "matrix: row range [%d, %d) of %d rows", from, to, m.NumRows)
	v := &Dense[T]{NumRows: to - from, NumCols: m.NumCols, RowSkip: m.RowSkip}
	if to > from {
		v.Values = m.Values[from*m.RowSkip : (to-1)*m.RowSkip+m.NumCols]
	}
	return v
}

func (m *Dense[T]) rowRange(from, to int) Matrix { return m.RowRange(from, to) }

func (m *Dense[T]) encodedSize() int {
	return headerSize + m.NumRows*m.NumCols*TypeOf[T]().Size()
}

// encode writes the header and the values row-major. Views lose their
// stride: the encoding is always contiguous.
func (m *Dense[T]) encode(w *wire.Writer) {
	putHeader(w, TypeOf[T](), FormatDense, m.NumRows, m.NumCols)
	for i := 0; i < m.NumRows; i++ {
		row := m.Values[i*m.RowSkip : i*m.RowSkip+m.NumCols]
		for _, v := range row {
			putValue(w, v)
		}
	}
}

func decodeDense[T Value](r *wire.Reader, rows, cols int) (Matrix, error) {
	size := TypeOf[T]().Size()
	// Bound the dimensions by the remaining bytes before any
	// arithmetic that could overflow or any allocation a corrupt
	// frame could inflate.
	cells := r.Len() / size
	if rows != 0 && cols > cells/rows || r.Len() != rows*cols*size {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("matrix: dense frame declares %dx%d matrix but %d bytes remain", rows, cols, r.Len()))
	}
	m := NewDense[T](rows, cols)
	for i := range m.Values {
		v, err := getValue[T](r)
		if err != nil {
			return nil, err
		}
		m.Values[i] = v
	}
	return m, nil
}
