// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package matrix

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/MarcusParadies/daphne/wire"
	"github.com/grailbio/base/errors"
)

// Frame layout: a fixed header of element type, storage format and
// dimensions; the format-specific payload; and a little-endian crc32
// (IEEE) of everything before it. All multi-byte integers are little
// endian and packed.
const (
	headerSize   = 4 + 4 + 8 + 8
	checksumSize = 4
)

// Marshal encodes m into a fresh buffer.
func Marshal(m Matrix) []byte {
	w := wire.NewWriter(m.encodedSize() + checksumSize)
	m.encode(w)
	w.PutUint32(crc32.ChecksumIEEE(w.Written()))
	return w.Bytes()
}

// Unmarshal decodes a frame produced by Marshal. Truncated or corrupt
// frames, including checksum mismatches, return an Integrity-kind
// error.
func Unmarshal(p []byte) (Matrix, error) {
	if len(p) < headerSize+checksumSize {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("matrix: frame of %d bytes is shorter than any matrix", len(p)))
	}
	body := p[:len(p)-checksumSize]
	sum, want := crc32.ChecksumIEEE(body), binary.LittleEndian.Uint32(p[len(p)-checksumSize:])
	if sum != want {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("matrix: computed checksum %x but frame carries %x", sum, want))
	}
	r := wire.NewReader(body)
	t32, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	f32, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	rows64, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	cols64, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	if rows64 > uint64(math.MaxInt) || cols64 > uint64(math.MaxInt) {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("matrix: frame declares %dx%d matrix", rows64, cols64))
	}
	decode := decoderOf(Type(t32), Format(f32))
	if decode == nil {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("matrix: frame declares unknown element type %d or format %d", t32, f32))
	}
	m, err := decode(r, int(rows64), int(cols64))
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("matrix: %d trailing bytes after matrix frame", r.Len()))
	}
	return m, nil
}

func putHeader(w *wire.Writer, t Type, f Format, rows, cols int) {
	w.PutUint32(uint32(t))
	w.PutUint32(uint32(f))
	w.PutUint64(uint64(rows))
	w.PutUint64(uint64(cols))
}

func putValue[T Value](w *wire.Writer, v T) {
	switch v := any(v).(type) {
	case int8:
		w.PutUint8(uint8(v))
	case int32:
		w.PutUint32(uint32(v))
	case int64:
		w.PutUint64(uint64(v))
	case uint8:
		w.PutUint8(v)
	case uint32:
		w.PutUint32(v)
	case uint64:
		w.PutUint64(v)
	case float32:
		w.PutUint32(math.Float32bits(v))
	case float64:
		w.PutUint64(math.Float64bits(v))
	}
}

func getValue[T Value](r *wire.Reader) (T, error) {
	var v T
	switch p := any(&v).(type) {
	case *int8:
		b, err := r.Uint8()
		*p = int8(b)
		return v, err
	case *int32:
		u, err := r.Uint32()
		*p = int32(u)
		return v, err
	case *int64:
		u, err := r.Uint64()
		*p = int64(u)
		return v, err
	case *uint8:
		b, err := r.Uint8()
		*p = b
		return v, err
	case *uint32:
		u, err := r.Uint32()
		*p = u
		return v, err
	case *uint64:
		u, err := r.Uint64()
		*p = u
		return v, err
	case *float32:
		u, err := r.Uint32()
		*p = math.Float32frombits(u)
		return v, err
	default:
		u, err := r.Uint64()
		*any(&v).(*float64) = math.Float64frombits(u)
		return v, err
	}
}

func decoderOf(t Type, f Format) func(*wire.Reader, int, int) (Matrix, error) {
	switch t {
	case I8:
		return formatDecoder[int8](f)
	case I32:
		return formatDecoder[int32](f)
	case I64:
		return formatDecoder[int64](f)
	case U8:
		return formatDecoder[uint8](f)
	case U32:
		return formatDecoder[uint32](f)
	case U64:
		return formatDecoder[uint64](f)
	case F32:
		return formatDecoder[float32](f)
	case F64:
		return formatDecoder[float64](f)
	}
	return nil
}

func formatDecoder[T Value](f Format) func(*wire.Reader, int, int) (Matrix, error) {
	switch f {
	case FormatDense:
		return decodeDense[T]
	case FormatCSR:
		return decodeCSR[T]
	}
	return nil
}
