// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package worker implements the worker-rank side of the runtime: the
// object store holding distributed matrices, the interpreter executing
// task frames, and the event loop speaking the coordinator protocol.
//
// A worker rank is passive. It polls its transport, dispatches on the
// tag of whatever message heads the queue, and answers: ingested
// matrices are acknowledged with their descriptors, executed tasks
// report an output key followed by the output itself, and a detach
// order is acknowledged on its own tag before the loop exits. A failed
// task is reported to the coordinator and leaves the rank listening; a
// failed protocol exchange ends the loop with an error.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarcusParadies/daphne/comm"
	"github.com/MarcusParadies/daphne/matrix"
	"github.com/MarcusParadies/daphne/metrics"
	"github.com/MarcusParadies/daphne/stats"
	"github.com/MarcusParadies/daphne/wire"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// State is the lifecycle of a worker rank.
type State int

const (
	// Listening means the rank is serving coordinator messages.
	Listening State = iota
	// Detached means the rank was ordered off the listening loop.
	Detached
	// Terminated means the event loop has exited.
	Terminated
)

var stateStrings = [...]string{"LISTENING", "DETACHED", "TERMINATED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateStrings) {
		return "INVALID"
	}
	return stateStrings[s]
}

// A Worker is one worker rank: an event loop that ingests broadcast
// and distributed matrices into its store, executes task frames
// against stored inputs, and reports results back to the coordinator.
type Worker struct {
	helper *comm.Helper
	store  Store
	interp Interpreter

	st      *stats.Map
	objects *stats.Int
	tasks   *stats.Int
	scope   *metrics.Scope

	mu    sync.Mutex
	state State

	// pendingID is the announced identifier for the next ingested
	// object; seq numbers minted identifiers.
	pendingID string
	seq       int
}

// New returns a worker rank serving transport with the given store and
// interpreter.
func New(transport comm.Transport, tags *comm.Registry, store Store, interp Interpreter) *Worker {
	st := stats.NewMap()
	return &Worker{
		helper:  comm.NewHelper(transport, tags, st),
		store:   store,
		interp:  interp,
		st:      st,
		objects: st.Int("objects"),
		tasks:   st.Int("tasks"),
		scope:   new(metrics.Scope),
	}
}

// Rank returns the rank this worker serves.
func (w *Worker) Rank() int { return w.helper.Rank() }

// State returns the worker's lifecycle state. It is synchronized with
// Run.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

// Stats returns a snapshot of the worker's counters, transport traffic
// included.
func (w *Worker) Stats() stats.Values { return w.st.Values() }

// Metrics returns the worker's cumulative kernel metrics scope, merged
// across all tasks it has run.
func (w *Worker) Metrics() *metrics.Scope { return w.scope }

// Run serves the coordinator until detached. It returns nil after a
// clean detach; a protocol failure ends the loop with its error and
// leaves the outstanding exchange dead.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("worker: rank %d of %d listening", w.helper.Rank(), w.helper.Size())
	err := w.loop(ctx)
	w.setState(Terminated)
	if err != nil {
		log.Error.Printf("worker: rank %d terminated: %v", w.helper.Rank(), err)
		return err
	}
	log.Printf("worker: rank %d terminated", w.helper.Rank())
	return nil
}

func (w *Worker) loop(ctx context.Context) error {
	tags := w.helper.Tags()
	for w.State() == Listening {
		status, err := w.helper.Poll(ctx)
		if err != nil {
			return err
		}
		switch status.Tag {
		case tags.Broadcast:
			err = w.ingestBroadcast(ctx)
		case tags.Data.Size:
			err = w.ingestData(ctx, status.Source)
		case tags.Code.Size:
			err = w.runTask(ctx, status.Source)
		case tags.ObjectID.Size:
			err = w.recvObjectID(ctx, status.Source)
		case tags.Detach:
			err = w.detach(ctx)
		default:
			// Drain the stray message so it cannot satisfy a later
			// receive, then fail: the protocol is out of step.
			w.helper.ReceiveTagged(ctx, status.Source, status.Tag)
			err = errors.E(errors.Invalid,
				fmt.Sprintf("worker: rank %d: unexpected %s from rank %d", w.helper.Rank(), status.Tag, status.Source))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) ingestBroadcast(ctx context.Context) error {
	p, err := w.helper.RecvBroadcast(ctx)
	if err != nil {
		return err
	}
	return w.ingest(ctx, p)
}

func (w *Worker) ingestData(ctx context.Context, src int) error {
	_, p, err := w.helper.RecvDistributed(ctx, comm.ChannelData, src)
	if err != nil {
		return err
	}
	return w.ingest(ctx, p)
}

// ingest decodes and stores one received matrix and acknowledges it
// back to the coordinator.
func (w *Worker) ingest(ctx context.Context, p []byte) error {
	m, err := matrix.Unmarshal(p)
	if err != nil {
		return err
	}
	id := w.takePendingID()
	d, err := w.store.Put(ctx, id, m)
	if err != nil {
		return err
	}
	w.objects.Add(1)
	log.Debug.Printf("worker: rank %d stored %s: %dx%d %s (%s)",
		w.helper.Rank(), id, m.Rows(), m.Cols(), m.ValueType(), data.Size(len(p)))
	return w.helper.SendDataAck(ctx, d)
}

// takePendingID consumes the announced identifier for the next object,
// minting one when the coordinator announced none.
func (w *Worker) takePendingID() string {
	id := w.pendingID
	w.pendingID = ""
	if id == "" {
		id = fmt.Sprintf("obj/%d/%d", w.helper.Rank(), w.seq)
		w.seq++
	}
	return id
}

func (w *Worker) recvObjectID(ctx context.Context, src int) error {
	id, err := w.helper.RecvObjectID(ctx, src)
	if err != nil {
		return err
	}
	// An announced identifier must receive its data before the next
	// announcement.
	if w.pendingID != "" {
		return errors.E(errors.Invalid,
			fmt.Sprintf("worker: rank %d: identifier %s announced while %s awaits its data",
				w.helper.Rank(), id, w.pendingID))
	}
	w.pendingID = id
	return nil
}

// runTask receives one task frame and executes it. Task failures are
// reported to the coordinator as a "!"-prefixed output key and leave
// the rank listening; only a failed protocol exchange is returned.
func (w *Worker) runTask(ctx context.Context, src int) error {
	_, frame, err := w.helper.RecvDistributed(ctx, comm.ChannelCode, src)
	if err != nil {
		return err
	}
	output, id, err := w.execute(ctx, frame)
	if err != nil {
		log.Error.Printf("worker: rank %d task failed: %v", w.helper.Rank(), err)
		return w.helper.SendOutputKey(ctx, "!"+err.Error())
	}
	if err := w.helper.SendOutputKey(ctx, id); err != nil {
		return err
	}
	return w.helper.SendOutput(ctx, matrix.Marshal(output))
}

// execute decodes and runs one task frame, returning the output and
// the identifier under which it was stored.
func (w *Worker) execute(ctx context.Context, frame []byte) (matrix.Matrix, string, error) {
	task, err := wire.UnmarshalTask(frame)
	if err != nil {
		return nil, "", err
	}
	inputs := make([]matrix.Matrix, len(task.Inputs))
	for i, d := range task.Inputs {
		m, err := w.store.Get(ctx, d.Identifier)
		if err != nil {
			return nil, "", err
		}
		if uint64(m.Rows()) != d.NumRows || uint64(m.Cols()) != d.NumCols {
			return nil, "", errors.E(errors.Invalid,
				fmt.Sprintf("worker: input %s is %dx%d but the frame declares %dx%d",
					d.Identifier, m.Rows(), m.Cols(), d.NumRows, d.NumCols))
		}
		inputs[i] = m
	}
	scope := new(metrics.Scope)
	output, err := w.interp.Execute(metrics.ScopedContext(ctx, scope), task, inputs)
	if err != nil {
		return nil, "", err
	}
	w.scope.Merge(scope)
	id := fmt.Sprintf("out/%d/%d", w.helper.Rank(), w.seq)
	w.seq++
	if _, err := w.store.Put(ctx, id, output); err != nil {
		return nil, "", err
	}
	w.tasks.Add(1)
	log.Printf("worker: rank %d ran %q: %s", w.helper.Rank(), task.Code, id)
	return output, id, nil
}

// detach acknowledges a detach order and takes the rank off the
// listening loop.
func (w *Worker) detach(ctx context.Context) error {
	if _, err := w.helper.RecvDetach(ctx, comm.Coordinator); err != nil {
		return err
	}
	w.setState(Detached)
	log.Printf("worker: rank %d detached", w.helper.Rank())
	return w.helper.AckDetach(ctx)
}
