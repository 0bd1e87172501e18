// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides named counter collections for the runtime's
// long-lived actors. The transport helper counts messages and bytes
// moved per direction; workers count objects ingested and tasks run;
// a session aggregates all of them into one snapshot for logging.
// Counters are keyed by name at the collection, unlike package
// metrics' scoped per-task counters, because their consumers are
// humans reading a stats line, not kernels.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Values is a point-in-time snapshot of a counter collection,
// possibly aggregated from several collections.
type Values map[string]int64

// String returns the snapshot as "key:value" pairs sorted by key and
// joined by spaces, the form stats are logged in.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{
		values: make(map[string]*Int),
	}
}

// Int returns the counter with the provided name, creating it if it
// does not already exist.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	m.mu.Unlock()
	return v
}

// AddAll adds every counter in the map to the provided snapshot,
// summing with whatever the snapshot already holds, so several maps
// can be folded into one snapshot.
func (m *Map) AddAll(vals Values) {
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] += v.Get()
	}
	m.mu.Unlock()
}

// Values returns a snapshot of just this map.
func (m *Map) Values() Values {
	vals := make(Values)
	m.AddAll(vals)
	return vals
}

// An Int is an integer counter. Ints can be atomically incremented
// and set; a nil Int reads zero and drops writes, so optional
// counters need no guards at the increment site.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Set sets the counter's value to val.
func (v *Int) Set(val int64) {
	if v == nil {
		return
	}
	atomic.StoreInt64(&v.val, val)
}

// Get returns the current value of a counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
