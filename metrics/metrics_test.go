// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics_test

import (
	"testing"

	"github.com/MarcusParadies/daphne/metrics"
)

func TestCounter(t *testing.T) {
	var (
		a, b metrics.Scope
		c    = metrics.NewCounter()
	)
	c.Incr(&a, 2)
	if got, want := c.Value(&a), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	c.Incr(&b, 123)
	if got, want := c.Value(&a), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Value(&b), int64(123); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	a.Merge(&b)
	if got, want := c.Value(&a), int64(125); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Merging leaves the source scope alone.
	if got, want := c.Value(&b), int64(123); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCounterIndependence(t *testing.T) {
	var (
		scope metrics.Scope
		c, d  = metrics.NewCounter(), metrics.NewCounter()
	)
	c.Incr(&scope, 7)
	if got, want := d.Value(&scope), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	d.Incr(&scope, -2)
	if got, want := c.Value(&scope), int64(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := d.Value(&scope), int64(-2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
