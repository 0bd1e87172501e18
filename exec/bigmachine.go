// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io/ioutil"

	"github.com/MarcusParadies/daphne/comm"
	"github.com/MarcusParadies/daphne/worker"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/status"
)

// bootCluster provisions one machine per worker rank and leaves each
// running the worker loop. The returned transport is the
// coordinator's endpoint; closing it shuts the machines down.
func (s *Session) bootCluster() error {
	s.flavor = "bigmachine"
	var group *status.Group
	if s.status != nil {
		group = s.status.Group("ranks")
	}
	transport, err := comm.StartCluster(s.Context, s.system, s.ranks, serveWorker(s.storeDir), group)
	if err != nil {
		return err
	}
	s.transport = transport
	return nil
}

// serveWorker returns the loop run machine-side on each cluster
// rank. The rank spills objects under the configured store prefix,
// or under a machine-local temporary directory when there is none.
func serveWorker(storeDir string) comm.ServeFunc {
	return func(ctx context.Context, t comm.Transport) error {
		if storeDir == "" {
			dir, err := ioutil.TempDir("", "daphne")
			if err != nil {
				return errors.E("exec: worker store", err)
			}
			storeDir = dir
		}
		store := worker.NewFileStore(file.Join(storeDir, fmt.Sprintf("rank%03d", t.Rank())))
		w := worker.New(t, comm.NewRegistry(), store, worker.AggInterpreter{})
		return w.Run(ctx)
	}
}
