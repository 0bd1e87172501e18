// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics defines the counters the runtime's kernels update
// while executing a task, and the scopes that carry their values.
// Counters are declared once, at package initialization time, by the
// package that owns them; a Scope holds one execution's values for
// every declared counter. The runtime attaches a fresh Scope to the
// context a task's kernels run under and merges it into longer-lived
// scopes when the task completes, so the same counter can be read per
// task, per worker rank, or per session.
//
// Counters are declared as package-level variables:
//
//	var CellsScanned = metrics.NewCounter()
//
// and incremented inside kernels through the scope carried by the
// context:
//
//	if scope, ok := metrics.FromContext(ctx); ok {
//		CellsScanned.Incr(scope, int64(n))
//	}
package metrics

import (
	"sync"

	"github.com/grailbio/base/must"
)

var (
	mu sync.Mutex
	// Counter ids start at 1 so the zero Counter is distinguishable
	// from a declared one.
	counters int
)

// A Counter is a cumulative int64 metric. The zero Counter is
// invalid; use NewCounter.
type Counter struct {
	id int
}

// NewCounter declares a new counter. Counters must be declared before
// any scope holding them is read, conventionally from package-level
// variable initialization.
func NewCounter() Counter {
	mu.Lock()
	defer mu.Unlock()
	counters++
	return Counter{id: counters}
}

// Incr adds n to the counter's value in scope.
func (c Counter) Incr(scope *Scope, n int64) {
	must.True(c.id != 0, "metrics: uninitialized counter")
	scope.add(c.id, n)
}

// Value returns the counter's value in scope.
func (c Counter) Value(scope *Scope) int64 {
	must.True(c.id != 0, "metrics: uninitialized counter")
	return scope.value(c.id)
}
