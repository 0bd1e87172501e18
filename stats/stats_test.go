// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import "testing"

func TestStats(t *testing.T) {
	coll := NewMap()
	var (
		x = coll.Int("x")
		_ = coll.Int("y")
	)
	if got, want := x.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	x.Add(123)
	x.Add(123)
	if got, want := x.Get(), int64(123*2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := make(Values)
	coll.AddAll(all)
	coll.AddAll(all)
	if got, want := len(all), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["x"], int64(123*4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["y"], int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestValuesString(t *testing.T) {
	coll := NewMap()
	coll.Int("send.bytes").Add(100)
	coll.Int("recv.bytes").Add(42)
	coll.Int("tasks").Set(3)
	if got, want := coll.Values().String(), "recv.bytes:42 send.bytes:100 tasks:3"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNilInt(t *testing.T) {
	var v *Int
	v.Add(1)
	v.Set(2)
	if got, want := v.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
