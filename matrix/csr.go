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

// CSR is compressed sparse row storage. Values holds the stored
// entries in row-major order, ColIdxs the column of each stored
// entry, and RowOffsets[i] the index of row i's first stored entry,
// with a sentinel RowOffsets[NumRows] == len(Values).
//
// A stored entry may itself be zero. Stored zeros are ordinary
// values: they count toward NNZ and participate in reductions like
// any other stored entry.
type CSR[T Value] struct {
	NumRows, NumCols int
	Values           []T
	ColIdxs          []int
	RowOffsets       []int
}

// NewCSR returns a rows x cols matrix over the given storage arrays.
// The matrix aliases them.
func NewCSR[T Value](rows, cols int, values []T, colIdxs, rowOffsets []int) *CSR[T] {
	must.Truef(len(values) == len(colIdxs), "matrix: %d values, %d column indexes", len(values), len(colIdxs))
	must.Truef(len(rowOffsets) == rows+1, "matrix: %d row offsets for %d rows", len(rowOffsets), rows)
	must.Truef(rowOffsets[rows] == len(values), "matrix: row offsets end at %d, have %d values", rowOffsets[rows], len(values))
	return &CSR[T]{
		NumRows:    rows,
		NumCols:    cols,
		Values:     values,
		ColIdxs:    colIdxs,
		RowOffsets: rowOffsets,
	}
}

func (m *CSR[T]) Rows() int       { return m.NumRows }
func (m *CSR[T]) Cols() int       { return m.NumCols }
func (m *CSR[T]) ValueType() Type { return TypeOf[T]() }
func (m *CSR[T]) Storage() Format { return FormatCSR }

// NNZ returns the number of stored entries. Conventionally "number of
// non-zeros", though stored zeros count too.
func (m *CSR[T]) NNZ() int { return len(m.Values) }

// RowValues returns the stored values of row i, aliasing the matrix
// storage.
func (m *CSR[T]) RowValues(i int) []T {
	return m.Values[m.RowOffsets[i]:m.RowOffsets[i+1]]
}

// RowRange returns a view of rows [from, to). Values and column
// indexes alias the parent's storage; row offsets are rebased into a
// fresh slice.
func (m *CSR[T]) RowRange(from, to int) *CSR[T] {
	must.Truef(0 <= from && from <= to && to <= m.NumRows, "matrix: row range [%d, %d) of %d rows", from, to, m.NumRows)
	base := m.RowOffsets[from]
	offsets := make([]int, to-from+1)
	for i := range offsets {
		offsets[i] = m.RowOffsets[from+i] - base
	}
	return &CSR[T]{
		NumRows:    to - from,
		NumCols:    m.NumCols,
		Values:     m.Values[base:m.RowOffsets[to]],
		ColIdxs:    m.ColIdxs[base:m.RowOffsets[to]],
		RowOffsets: offsets,
	}
}

func (m *CSR[T]) rowRange(from, to int) Matrix { return m.RowRange(from, to) }

func (m *CSR[T]) encodedSize() int {
	nnz := len(m.Values)
	return headerSize + 8 + nnz*TypeOf[T]().Size() + nnz*8 + (m.NumRows+1)*8
}

func (m *CSR[T]) encode(w *wire.Writer) {
	putHeader(w, TypeOf[T](), FormatCSR, m.NumRows, m.NumCols)
	w.PutUint64(uint64(len(m.Values)))
	for _, v := range m.Values {
		putValue(w, v)
	}
	for _, c := range m.ColIdxs {
		w.PutUint64(uint64(c))
	}
	for _, o := range m.RowOffsets {
		w.PutUint64(uint64(o))
	}
}

func decodeCSR[T Value](r *wire.Reader, rows, cols int) (Matrix, error) {
	nnz64, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	nnz := int(nnz64)
	size := TypeOf[T]().Size()
	// Bound nnz and rows by the remaining bytes before any arithmetic
	// that could overflow or any allocation a corrupt frame could
	// inflate.
	if rows >= r.Len()/8 || nnz < 0 || nnz > r.Len()/(size+8) ||
		r.Len() != nnz*(size+8)+(rows+1)*8 {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("matrix: csr frame declares %d stored entries for %d rows but %d bytes remain", nnz64, rows, r.Len()))
	}
	m := &CSR[T]{
		NumRows:    rows,
		NumCols:    cols,
		Values:     make([]T, nnz),
		ColIdxs:    make([]int, nnz),
		RowOffsets: make([]int, rows+1),
	}
	for i := range m.Values {
		if m.Values[i], err = getValue[T](r); err != nil {
			return nil, err
		}
	}
	for i := range m.ColIdxs {
		c, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		m.ColIdxs[i] = int(c)
	}
	for i := range m.RowOffsets {
		o, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		m.RowOffsets[i] = int(o)
	}
	return m, nil
}
