// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"
)

// A Scope accumulates counter values for one execution: a task, a
// worker rank's lifetime, or a whole session. The zero Scope is valid
// and empty. Scopes are safe for concurrent use and gob-encodable, so
// they can travel from worker to coordinator inside replies.
type Scope struct {
	mu sync.Mutex
	// vals is indexed by counter id; index 0 is unused.
	vals []int64
}

// GobEncode implements a custom gob encoder for scopes.
func (s *Scope) GobEncode() ([]byte, error) {
	var b bytes.Buffer
	err := gob.NewEncoder(&b).Encode(s.snapshot())
	return b.Bytes(), err
}

// GobDecode implements a custom gob decoder for scopes.
func (s *Scope) GobDecode(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals = nil
	return gob.NewDecoder(bytes.NewReader(p)).Decode(&s.vals)
}

// Merge adds every counter value in u to the corresponding counter
// in s. u is unchanged.
func (s *Scope) Merge(u *Scope) {
	uvals := u.snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grow(len(uvals) - 1)
	for id, v := range uvals {
		s.vals[id] += v
	}
}

// Reset replaces s's values with u's. s is reset to its initial
// (zero) state if u is nil.
func (s *Scope) Reset(u *Scope) {
	var uvals []int64
	if u != nil {
		uvals = u.snapshot()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals = uvals
}

func (s *Scope) add(id int, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grow(id)
	s.vals[id] += n
}

func (s *Scope) value(id int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= len(s.vals) {
		return 0
	}
	return s.vals[id]
}

func (s *Scope) snapshot() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.vals...)
}

// grow extends vals to cover counter id. Callers must hold mu.
func (s *Scope) grow(id int) {
	if id < len(s.vals) {
		return
	}
	vals := make([]int64, id+1)
	copy(vals, s.vals)
	s.vals = vals
}

// contextKeyType is used to create a unique context key for scopes,
// available only to code in this package.
type contextKeyType struct{}

// contextKey is the key used to attach scopes to contexts.
var contextKey contextKeyType

// ScopedContext returns a context with the provided scope attached.
// The scope may be retrieved by FromContext.
func ScopedContext(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, contextKey, scope)
}

// FromContext returns the scope attached to the provided context, if
// any. Kernels run under scoped contexts when invoked by the runtime;
// direct library callers may pass bare contexts, so kernels treat a
// missing scope as "don't count".
func FromContext(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(contextKey).(*Scope)
	return scope, ok
}
