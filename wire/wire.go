// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire implements the codecs used on the coordinator-worker
// message channels: a bounds-checked cursor for reading and writing
// packed little-endian buffers, the binary task frame, and the textual
// data-handle descriptor carried by acknowledgements.
//
// Buffers are framed by the transport, so frames carry no magic or
// self-describing length; readers instead validate every access
// against the buffer's bounds and fail with an Integrity-kind error
// on truncated or oversized input.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
)

// Writer is a write cursor over a fixed-size buffer. Writes advance
// the cursor; writing past the end of the buffer is a programming
// error in the caller's size accounting and panics via package must.
type Writer struct {
	buf []byte
	off int
}

// NewWriter returns a Writer over a fresh buffer of exactly n bytes.
func NewWriter(n int) *Writer {
	return &Writer{buf: make([]byte, n)}
}

// PutUint64 writes v in little-endian byte order.
func (w *Writer) PutUint64(v uint64) {
	w.reserve(8)
	binary.LittleEndian.PutUint64(w.buf[w.off:], v)
	w.off += 8
}

// PutUint32 writes v in little-endian byte order.
func (w *Writer) PutUint32(v uint32) {
	w.reserve(4)
	binary.LittleEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

// PutUint8 writes a single byte.
func (w *Writer) PutUint8(v uint8) {
	w.reserve(1)
	w.buf[w.off] = v
	w.off++
}

// PutBytes writes p verbatim, without a length prefix.
func (w *Writer) PutBytes(p []byte) {
	w.reserve(len(p))
	copy(w.buf[w.off:], p)
	w.off += len(p)
}

// PutString writes the raw bytes of s, without a length prefix or
// terminator.
func (w *Writer) PutString(s string) {
	w.reserve(len(s))
	copy(w.buf[w.off:], s)
	w.off += len(s)
}

// Bytes returns the completed buffer. The cursor must sit exactly at
// the buffer's end: a partially filled buffer indicates the same size
// accounting bug as an overflow, just caught late.
func (w *Writer) Bytes() []byte {
	must.Truef(w.off == len(w.buf), "wire: buffer sized %d but %d bytes written", len(w.buf), w.off)
	return w.buf
}

// Written returns the bytes written so far. The slice aliases the
// buffer; it is valid until the next write.
func (w *Writer) Written() []byte {
	return w.buf[:w.off]
}

func (w *Writer) reserve(n int) {
	must.Truef(n <= len(w.buf)-w.off, "wire: write of %d bytes overflows buffer of %d at offset %d", n, len(w.buf), w.off)
}

// Reader is a bounds-checked read cursor over a received buffer.
// Every read validates the remaining length before touching the
// buffer, so a truncated or corrupt frame is reported as an
// Integrity-kind error rather than read out of bounds.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over p. The Reader aliases p; callers
// must not mutate p while reading.
func NewReader(p []byte) *Reader {
	return &Reader{buf: p}
}

// Uint64 reads the next 8 bytes as a little-endian uint64.
func (r *Reader) Uint64() (uint64, error) {
	if err := r.bound(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// Uint32 reads the next 4 bytes as a little-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if err := r.bound(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// Uint8 reads the next byte.
func (r *Reader) Uint8() (uint8, error) {
	if err := r.bound(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

// Bytes reads the next n bytes. The returned slice aliases the
// underlying buffer.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.bound(n); err != nil {
		return nil, err
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p, nil
}

// String reads the next n bytes as a string.
func (r *Reader) String(n int) (string, error) {
	p, err := r.Bytes(n)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// bound reports an Integrity error if fewer than n bytes remain.
// n may be negative when converted from an attacker-controlled
// unsigned length field; that is rejected here too.
func (r *Reader) bound(n int) error {
	if n < 0 || n > len(r.buf)-r.off {
		return errors.E(errors.Integrity, fmt.Sprintf("wire: truncated buffer: need %d bytes at offset %d of %d", n, r.off, len(r.buf)))
	}
	return nil
}
