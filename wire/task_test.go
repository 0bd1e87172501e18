// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

func TestTaskRoundTrip(t *testing.T) {
	task := Task{
		Code: `aggall sum`,
		Inputs: []Descriptor{
			{Identifier: "mat/0", NumRows: 100, NumCols: 20},
			{Identifier: "mat/1", NumRows: 0, NumCols: 0},
		},
	}
	p := task.Marshal()
	if got, want := len(p), task.SizeInBytes(); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	got, err := UnmarshalTask(p)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, task) {
		t.Errorf("got %v, want %v", got, task)
	}
}

func TestTaskRoundTripFuzz(t *testing.T) {
	fz := fuzz.New()
	fz.NilChance(0)
	fz.NumElements(1, 8)
	for i := 0; i < 100; i++ {
		var task Task
		fz.Fuzz(&task)
		got, err := UnmarshalTask(task.Marshal())
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, task) {
			t.Errorf("got %v, want %v", got, task)
		}
	}
}

func TestTaskEmpty(t *testing.T) {
	task := Task{}
	p := task.Marshal()
	if got, want := len(p), taskHeaderSize; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	got, err := UnmarshalTask(p)
	if err != nil {
		t.Fatal(err)
	}
	if got.Code != "" || len(got.Inputs) != 0 {
		t.Errorf("got %v, want empty task", got)
	}
}

func TestTaskTruncated(t *testing.T) {
	task := Task{
		Code:   "aggall min",
		Inputs: []Descriptor{{Identifier: "x", NumRows: 3, NumCols: 4}},
	}
	p := task.Marshal()
	for n := 0; n < len(p); n++ {
		_, err := UnmarshalTask(p[:n])
		if err == nil {
			t.Fatalf("prefix of %d bytes decoded successfully", n)
		}
		if !errors.Is(errors.Integrity, err) {
			t.Errorf("prefix of %d bytes: got %v, want Integrity", n, err)
		}
	}
}

func TestTaskTrailingBytes(t *testing.T) {
	task := Task{Code: "aggall max"}
	p := append(task.Marshal(), 0)
	if _, err := UnmarshalTask(p); !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want Integrity", err)
	}
}

func TestTaskBogusInputCount(t *testing.T) {
	// A frame that declares far more inputs than its bytes could hold
	// must be rejected without attempting the allocation.
	p := make([]byte, taskHeaderSize)
	binary.LittleEndian.PutUint64(p[8:], 1<<56)
	if _, err := UnmarshalTask(p); !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want Integrity", err)
	}
}
