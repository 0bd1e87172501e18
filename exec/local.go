// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/MarcusParadies/daphne/comm"
	"github.com/MarcusParadies/daphne/worker"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"
)

// bootLocal hosts the session's universe in-process: rank 0 becomes
// the coordinator's transport and every other rank runs a worker
// loop on its own goroutine. A worker that fails its loop closes the
// universe, so the failure surfaces in whatever exchange the
// coordinator has in flight.
func (s *Session) bootLocal() error {
	s.flavor = "local"
	u := comm.NewUniverse(s.ranks)
	s.universe = u
	s.transport = u.Transport(comm.Coordinator)
	s.workers = new(errgroup.Group)
	s.local = make([]*worker.Worker, 0, s.ranks-1)
	for rank := 1; rank < s.ranks; rank++ {
		w := worker.New(u.Transport(rank), s.tags, s.newStore(rank), worker.AggInterpreter{})
		s.local = append(s.local, w)
		s.workers.Go(func() error {
			if err := w.Run(s.Context); err != nil {
				u.Close()
				return err
			}
			return nil
		})
	}
	log.Printf("exec: started %d local ranks", s.ranks-1)
	return nil
}

// newStore builds the object store for a local worker rank.
func (s *Session) newStore(rank int) worker.Store {
	if s.storeDir == "" {
		return worker.NewMemoryStore()
	}
	return worker.NewFileStore(file.Join(s.storeDir, fmt.Sprintf("rank%03d", rank)))
}
