// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcusParadies/daphne/comm"
	"github.com/MarcusParadies/daphne/matrix"
	"github.com/MarcusParadies/daphne/wire"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
)

// A TaskResult is one worker rank's reply to a dispatched task
// frame.
type TaskResult struct {
	// Rank is the worker rank that executed the frame.
	Rank int
	// Stored describes the output object in the rank's store. Its
	// identifier can name the object as an input to later frames.
	Stored wire.Descriptor
	// Output is the frame's output matrix.
	Output matrix.Matrix
}

// claimName reserves an object name for the session. Names collide
// in the workers' stores, so a claim is permanent for the session's
// lifetime. The caller must hold s.mu.
func (s *Session) claimName(name string) error {
	if name == "" || strings.ContainsAny(name, ",\n") {
		return errors.E(errors.Invalid, fmt.Sprintf("exec: bad object name %q", name))
	}
	if s.names[name] {
		return errors.E(errors.Exists, fmt.Sprintf("exec: object name %q already used", name))
	}
	s.names[name] = true
	return nil
}

// checkAttached fails operations issued after Detach. The caller
// must hold s.mu.
func (s *Session) checkAttached() error {
	if s.detached {
		return errors.E(errors.Invalid, "exec: session is detached")
	}
	return nil
}

// Broadcast replicates the matrix m to every worker rank, storing it
// under the given name on each. It returns the workers'
// acknowledgments keyed by rank.
//
// Broadcast announces the name to each rank and then moves a single
// copy of the encoded matrix as a collective, so a large operand
// costs one encoding regardless of universe size. Broadcast blocks
// until every rank has acknowledged; callers bound the wait through
// ctx.
func (s *Session) Broadcast(ctx context.Context, name string, m matrix.Matrix) (map[int]wire.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAttached(); err != nil {
		return nil, err
	}
	if err := s.claimName(name); err != nil {
		return nil, err
	}
	task := s.runs.Startf("broadcast %s", name)
	defer task.Done()
	p := matrix.Marshal(m)
	task.Printf("%s to %d ranks", data.Size(len(p)), s.ranks-1)
	err := traverse.Each(s.ranks-1, func(i int) error {
		return s.helper.SendObjectID(ctx, i+1, name)
	})
	if err != nil {
		return nil, err
	}
	if err := s.helper.BroadcastBytes(ctx, p); err != nil {
		return nil, err
	}
	return s.collectAcks(ctx, s.ranks-1)
}

// Scatter splits the matrix m into one row block per worker rank and
// distributes block i to rank i+1, stored under "name/i-of-k". It
// returns the workers' acknowledgments keyed by rank. Ranks beyond
// m's row count receive empty blocks.
func (s *Session) Scatter(ctx context.Context, name string, m matrix.Matrix) (map[int]wire.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAttached(); err != nil {
		return nil, err
	}
	if err := s.claimName(name); err != nil {
		return nil, err
	}
	task := s.runs.Startf("scatter %s", name)
	defer task.Done()
	workers := s.ranks - 1
	blocks := matrix.RowBlocks(m, workers)
	err := traverse.Each(workers, func(i int) error {
		rank := i + 1
		id := fmt.Sprintf("%s/%d-of-%d", name, i, workers)
		if err := s.helper.SendObjectID(ctx, rank, id); err != nil {
			return err
		}
		return s.helper.DistributeData(ctx, rank, matrix.Marshal(blocks[i]))
	})
	if err != nil {
		return nil, err
	}
	return s.collectAcks(ctx, workers)
}

// collectAcks gathers n ingestion acknowledgments in completion
// order. A malformed acknowledgment is logged and skipped; it still
// counts toward n so that a single bad reply cannot wedge the
// operation.
func (s *Session) collectAcks(ctx context.Context, n int) (map[int]wire.Descriptor, error) {
	acks := make(map[int]wire.Descriptor, n)
	for got := 0; got < n; got++ {
		rank, d, err := s.helper.DataAck(ctx)
		if err != nil {
			if rank == comm.Coordinator {
				return nil, err
			}
			log.Error.Printf("exec: bad acknowledgment from rank %d: %v", rank, err)
			continue
		}
		acks[rank] = d
	}
	return acks, nil
}

// Run dispatches a task frame to one worker rank and waits for its
// result. The frame's code is interpreted by the rank's interpreter;
// inputs name objects already present in the rank's store, in the
// positional order the code expects. A failure reported by the rank
// is returned as an error of kind errors.Remote, and the rank stays
// available for further frames.
func (s *Session) Run(ctx context.Context, rank int, code string, inputs ...wire.Descriptor) (TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAttached(); err != nil {
		return TaskResult{}, err
	}
	return s.run(ctx, rank, code, inputs)
}

// RunAll dispatches the same code to every worker rank concurrently,
// rank r executing against inputs[r]. Results are returned in rank
// order. RunAll fails on the first failed rank; the remaining
// dispatches still run to completion so the session stays usable.
func (s *Session) RunAll(ctx context.Context, code string, inputs map[int][]wire.Descriptor) ([]TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAttached(); err != nil {
		return nil, err
	}
	results := make([]TaskResult, s.ranks-1)
	err := traverse.Each(s.ranks-1, func(i int) error {
		rank := i + 1
		res, err := s.run(ctx, rank, code, inputs[rank])
		if err != nil {
			return err
		}
		results[i] = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// run performs one dispatch exchange. The caller must hold s.mu;
// concurrent calls are safe for distinct ranks because every receive
// is pinned to the dispatched rank.
func (s *Session) run(ctx context.Context, rank int, code string, inputs []wire.Descriptor) (TaskResult, error) {
	if rank <= comm.Coordinator || rank >= s.ranks {
		return TaskResult{}, errors.E(errors.Invalid, fmt.Sprintf("exec: run on rank %d of %d", rank, s.ranks))
	}
	task := s.runs.Startf("rank %d: %s", rank, code)
	defer task.Done()
	frame := wire.Task{Code: code, Inputs: inputs}
	if err := s.helper.DistributeTask(ctx, rank, frame.Marshal()); err != nil {
		return TaskResult{}, err
	}
	key, err := s.helper.RecvOutputKey(ctx, rank)
	if err != nil {
		return TaskResult{}, err
	}
	if strings.HasPrefix(key, "!") {
		task.Print("failed")
		err := errors.E(errors.Remote, fmt.Sprintf("exec: task %q on rank %d: %s", code, rank, key[1:]))
		return TaskResult{}, err
	}
	p, err := s.helper.Results(ctx, rank)
	if err != nil {
		return TaskResult{}, err
	}
	output, err := matrix.Unmarshal(p)
	if err != nil {
		return TaskResult{}, err
	}
	res := TaskResult{
		Rank:   rank,
		Stored: wire.Descriptor{Identifier: key, NumRows: uint64(output.Rows()), NumCols: uint64(output.Cols())},
		Output: output,
	}
	return res, nil
}

// Detach orders every worker rank off its listening loop and waits
// for their acknowledgments, which arrive in completion order.
// Detached workers keep their stores but accept no further frames.
// Detach is idempotent.
func (s *Session) Detach(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return nil
	}
	for rank := 1; rank < s.ranks; rank++ {
		if err := s.helper.SendDetach(ctx, rank); err != nil {
			return err
		}
	}
	for i := 1; i < s.ranks; i++ {
		if _, err := s.helper.RecvDetach(ctx, comm.AnySource); err != nil {
			return err
		}
	}
	s.detached = true
	if s.workers != nil {
		if err := s.workers.Wait(); err != nil {
			return err
		}
	}
	log.Printf("exec: detached %d ranks", s.ranks-1)
	return nil
}
