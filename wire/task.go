// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// taskHeaderSize is the fixed frame prefix: code length and input
// count, both little-endian uint64s, packed without padding.
const taskHeaderSize = 16

// descriptorFixedSize is the per-input overhead inside a task frame:
// the identifier length prefix and the two dimension fields.
const descriptorFixedSize = 24

// A Task is a unit of work shipped to a worker: a compiled program in
// textual form together with descriptors of the stored inputs the
// program operates on. The runtime treats Code as an opaque string;
// interpretation is the worker's business.
type Task struct {
	Code   string
	Inputs []Descriptor
}

// SizeInBytes returns the exact encoded size of the task frame.
// Marshal allocates precisely this many bytes.
func (t *Task) SizeInBytes() int {
	n := taskHeaderSize + len(t.Code)
	for i := range t.Inputs {
		n += descriptorFixedSize + len(t.Inputs[i].Identifier)
	}
	return n
}

// Marshal encodes the task into a fresh buffer: the header (code
// length, input count), the code bytes, then per input the
// length-prefixed identifier followed by its row and column counts.
// All integers are little-endian uint64s; fields are packed with no
// alignment padding.
func (t *Task) Marshal() []byte {
	w := NewWriter(t.SizeInBytes())
	w.PutUint64(uint64(len(t.Code)))
	w.PutUint64(uint64(len(t.Inputs)))
	w.PutString(t.Code)
	for _, in := range t.Inputs {
		w.PutUint64(uint64(len(in.Identifier)))
		w.PutString(in.Identifier)
		w.PutUint64(in.NumRows)
		w.PutUint64(in.NumCols)
	}
	return w.Bytes()
}

// UnmarshalTask decodes a task frame produced by Marshal. Truncated
// buffers and buffers with trailing bytes return an Integrity-kind
// error; a frame either parses completely or not at all.
func UnmarshalTask(p []byte) (Task, error) {
	r := NewReader(p)
	codeLen, err := r.Uint64()
	if err != nil {
		return Task{}, err
	}
	numInputs, err := r.Uint64()
	if err != nil {
		return Task{}, err
	}
	var task Task
	task.Code, err = r.String(int(codeLen))
	if err != nil {
		return Task{}, err
	}
	// Cap the allocation hint by what the remaining bytes can hold so
	// a corrupt count cannot force a huge allocation.
	if max := uint64(r.Len() / descriptorFixedSize); numInputs > max {
		return Task{}, errors.E(errors.Integrity,
			fmt.Sprintf("wire: task frame declares %d inputs but %d bytes remain", numInputs, r.Len()))
	}
	task.Inputs = make([]Descriptor, 0, numInputs)
	for i := uint64(0); i < numInputs; i++ {
		idLen, err := r.Uint64()
		if err != nil {
			return Task{}, err
		}
		id, err := r.String(int(idLen))
		if err != nil {
			return Task{}, err
		}
		rows, err := r.Uint64()
		if err != nil {
			return Task{}, err
		}
		cols, err := r.Uint64()
		if err != nil {
			return Task{}, err
		}
		task.Inputs = append(task.Inputs, Descriptor{Identifier: id, NumRows: rows, NumCols: cols})
	}
	if r.Len() != 0 {
		return Task{}, errors.E(errors.Integrity,
			fmt.Sprintf("wire: %d trailing bytes after task frame", r.Len()))
	}
	return task, nil
}
