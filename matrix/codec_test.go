// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package matrix

import (
	"encoding/binary"
	"hash/crc32"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

// reseal recomputes the checksum footer after a test has edited the
// frame body.
func reseal(p []byte) []byte {
	binary.LittleEndian.PutUint32(p[len(p)-checksumSize:], crc32.ChecksumIEEE(p[:len(p)-checksumSize]))
	return p
}

func roundTrip(t *testing.T, m Matrix) Matrix {
	t.Helper()
	p := Marshal(m)
	if got, want := len(p), m.encodedSize()+checksumSize; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	got, err := Unmarshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func testRoundTrip[T Value](t *testing.T) {
	t.Helper()
	fz := fuzz.New()
	fz.NilChance(0)
	fz.NumElements(6, 6)
	for i := 0; i < 20; i++ {
		var values []T
		fz.Fuzz(&values)
		dense := DenseOf(2, 3, values)
		if got := roundTrip(t, dense); !reflect.DeepEqual(got, dense) {
			t.Errorf("got %v, want %v", got, dense)
		}
		var stored []T
		fz.NumElements(4, 4)
		fz.Fuzz(&stored)
		fz.NumElements(6, 6)
		csr := NewCSR(3, 4, stored, []int{0, 3, 1, 2}, []int{0, 2, 2, 4})
		if got := roundTrip(t, csr); !reflect.DeepEqual(got, csr) {
			t.Errorf("got %v, want %v", got, csr)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	testRoundTrip[int8](t)
	testRoundTrip[int32](t)
	testRoundTrip[int64](t)
	testRoundTrip[uint8](t)
	testRoundTrip[uint32](t)
	testRoundTrip[uint64](t)
	testRoundTrip[float32](t)
	testRoundTrip[float64](t)
}

func TestRoundTripEmpty(t *testing.T) {
	for _, m := range []Matrix{
		NewDense[float64](0, 0),
		NewDense[int32](0, 5),
		NewDense[int32](5, 0),
		NewCSR(0, 0, []uint8{}, []int{}, []int{0}),
		NewCSR(2, 8, []float32{}, []int{}, []int{0, 0, 0}),
	} {
		got := roundTrip(t, m)
		if got.Rows() != m.Rows() || got.Cols() != m.Cols() {
			t.Errorf("got %dx%d, want %dx%d", got.Rows(), got.Cols(), m.Rows(), m.Cols())
		}
		if got, want := got.ValueType(), m.ValueType(); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

// A strided view encodes as if it were contiguous: the decoded matrix
// holds only the view's cells, with RowSkip == NumCols.
func TestMarshalStridedView(t *testing.T) {
	parent := make([]int32, 16)
	for i := range parent {
		parent[i] = int32(i)
	}
	view := &Dense[int32]{NumRows: 2, NumCols: 2, RowSkip: 4, Values: parent[1:]}
	got, err := Unmarshal(Marshal(view))
	if err != nil {
		t.Fatal(err)
	}
	want := DenseOf(2, 2, []int32{1, 2, 5, 6})
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUnmarshalChecksumMismatch(t *testing.T) {
	p := Marshal(DenseOf(2, 2, []float64{1, 2, 3, 4}))
	p[headerSize+3] ^= 0xff
	_, err := Unmarshal(p)
	if err == nil || !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want checksum error", err)
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	p := Marshal(NewCSR(2, 2, []int64{7}, []int{1}, []int{0, 0, 1}))
	for n := 0; n < len(p); n++ {
		if _, err := Unmarshal(p[:n]); err == nil || !errors.Is(errors.Integrity, err) {
			t.Errorf("len %d: got %v, want Integrity error", n, err)
		}
	}
}

func TestUnmarshalTrailingBytes(t *testing.T) {
	p := Marshal(DenseOf(1, 2, []uint32{1, 2}))
	// Splice a byte between payload and checksum and reseal, so only
	// the frame length is off.
	p = append(p[:len(p)-checksumSize], append([]byte{0}, p[len(p)-checksumSize:]...)...)
	_, err := Unmarshal(reseal(p))
	if err == nil || !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want Integrity error", err)
	}
}

func TestUnmarshalUnknownHeader(t *testing.T) {
	for _, corrupt := range []func(p []byte){
		func(p []byte) { binary.LittleEndian.PutUint32(p[0:], 99) },  // element type
		func(p []byte) { binary.LittleEndian.PutUint32(p[4:], 99) },  // storage format
		func(p []byte) { binary.LittleEndian.PutUint64(p[8:], 1e18) }, // row count
	} {
		p := Marshal(DenseOf(1, 1, []int8{3}))
		corrupt(p)
		_, err := Unmarshal(reseal(p))
		if err == nil || !errors.Is(errors.Integrity, err) {
			t.Errorf("got %v, want Integrity error", err)
		}
	}
}

// A corrupt stored-entry count must be rejected by arithmetic on the
// remaining frame length, before any allocation sized from it.
func TestUnmarshalCSRBogusCount(t *testing.T) {
	for _, nnz := range []uint64{2, 1 << 40, 1 << 62} {
		p := Marshal(NewCSR(2, 3, []float64{1, 2, 3}, []int{0, 1, 2}, []int{0, 1, 3}))
		binary.LittleEndian.PutUint64(p[headerSize:], nnz)
		_, err := Unmarshal(reseal(p))
		if err == nil || !errors.Is(errors.Integrity, err) {
			t.Errorf("nnz %d: got %v, want Integrity error", nnz, err)
		}
	}
}
