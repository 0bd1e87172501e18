// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"context"
	"fmt"
	"io/ioutil"
	"strings"
	"sync"

	"github.com/MarcusParadies/daphne/matrix"
	"github.com/MarcusParadies/daphne/wire"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/spaolacci/murmur3"
)

// A Store holds the matrices a rank has ingested or produced, keyed by
// object identifier. Identifiers must be nonempty and free of commas
// and newlines, which delimit the textual protocol messages that carry
// them.
type Store interface {
	// Put stores m under id and returns the descriptor acknowledging
	// it. Storing under an existing identifier is an Exists error.
	Put(ctx context.Context, id string, m matrix.Matrix) (wire.Descriptor, error)
	// Get returns the matrix stored under id. A missing identifier is
	// a NotExist error.
	Get(ctx context.Context, id string) (matrix.Matrix, error)
	// Discard removes the matrix stored under id.
	Discard(ctx context.Context, id string) error
}

// checkID vets an object identifier for the characters the protocol
// reserves as delimiters.
func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, ",\n") {
		return errors.E(errors.Invalid, fmt.Sprintf("store: bad object identifier %q", id))
	}
	return nil
}

// describe renders the acknowledgement descriptor for a stored matrix.
func describe(id string, m matrix.Matrix) wire.Descriptor {
	return wire.Descriptor{
		Identifier: id,
		NumRows:    uint64(m.Rows()),
		NumCols:    uint64(m.Cols()),
	}
}

// memoryStore keeps objects in process memory. It backs local worker
// ranks and tests.
type memoryStore struct {
	mu      sync.Mutex
	objects map[string]matrix.Matrix
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() Store {
	return &memoryStore{objects: make(map[string]matrix.Matrix)}
}

func (s *memoryStore) Put(ctx context.Context, id string, m matrix.Matrix) (wire.Descriptor, error) {
	if err := checkID(id); err != nil {
		return wire.Descriptor{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; ok {
		return wire.Descriptor{}, errors.E(errors.Exists, fmt.Sprintf("store: put %s", id))
	}
	s.objects[id] = m
	return describe(id, m), nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (matrix.Matrix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.objects[id]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("store: get %s", id))
	}
	return m, nil
}

func (s *memoryStore) Discard(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("store: discard %s", id))
	}
	delete(s.objects, id)
	return nil
}

// fileStore keeps objects serialized under a grailfile prefix, so
// ranks can spill to local disk or to any URL grailfile supports
// (e.g., S3). An object is stored at "{prefix}/{hash}/{id}", where
// hash spreads identifiers across 256 subdirectories.
type fileStore struct {
	prefix string
}

// NewFileStore returns a store writing under prefix.
func NewFileStore(prefix string) Store {
	return &fileStore{prefix: prefix}
}

func (s *fileStore) path(id string) string {
	shard := murmur3.Sum32([]byte(id)) & 0xff
	return file.Join(s.prefix, fmt.Sprintf("%02x", shard), id)
}

func (s *fileStore) Put(ctx context.Context, id string, m matrix.Matrix) (wire.Descriptor, error) {
	if err := checkID(id); err != nil {
		return wire.Descriptor{}, err
	}
	path := s.path(id)
	if _, err := file.Stat(ctx, path); err == nil {
		return wire.Descriptor{}, errors.E(errors.Exists, fmt.Sprintf("store: put %s", id))
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return wire.Descriptor{}, err
	}
	_, err = f.Writer(ctx).Write(matrix.Marshal(m))
	if closeErr := closeFile(ctx, f); err == nil {
		err = closeErr
	}
	if err != nil {
		return wire.Descriptor{}, err
	}
	return describe(id, m), nil
}

func (s *fileStore) Get(ctx context.Context, id string) (matrix.Matrix, error) {
	f, err := file.Open(ctx, s.path(id))
	if err != nil {
		return nil, err
	}
	p, err := ioutil.ReadAll(f.Reader(ctx))
	if closeErr := closeFile(ctx, f); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}
	return matrix.Unmarshal(p)
}

func (s *fileStore) Discard(ctx context.Context, id string) error {
	return file.Remove(ctx, s.path(id))
}

type closeNoSyncer interface {
	CloseNoSync(context.Context) error
}

// closeFile closes the provided file. It avoids syncing if the
// implementation supports it.
func closeFile(ctx context.Context, f file.File) error {
	if closer, ok := f.(closeNoSyncer); ok {
		return closer.CloseNoSync(ctx)
	}
	return f.Close(ctx)
}
