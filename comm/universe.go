// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/sync/ctxsync"
)

// A Universe is an in-process transport fabric: n ranks exchanging
// messages through shared memory. It backs local sessions, where
// worker ranks run as goroutines of the coordinator process, and
// tests. The fabric tears down as a whole: closing any rank's
// transport closes the universe.
type Universe struct {
	n     int
	boxes []*mailbox

	// Collective state: a generation-counted broadcast barrier.
	mu       sync.Mutex
	cond     *ctxsync.Cond
	entered  int
	departed int
	payload  []byte
	err      error
}

// NewUniverse returns a universe of n ranks, n >= 1.
func NewUniverse(n int) *Universe {
	must.Truef(n >= 1, "comm: universe of %d ranks", n)
	u := &Universe{n: n, boxes: make([]*mailbox, n)}
	for i := range u.boxes {
		u.boxes[i] = newMailbox()
	}
	u.cond = ctxsync.NewCond(&u.mu)
	return u
}

// Transport returns rank's endpoint in the universe.
func (u *Universe) Transport(rank int) Transport {
	must.Truef(0 <= rank && rank < u.n, "comm: rank %d of %d", rank, u.n)
	return &universeTransport{u: u, rank: rank}
}

// Close tears down the fabric, failing blocked and future operations
// on every rank. Close is idempotent.
func (u *Universe) Close() error {
	err := errors.E(errors.Net, "comm: universe closed")
	for _, box := range u.boxes {
		box.close(err)
	}
	u.mu.Lock()
	if u.err == nil {
		u.err = err
	}
	u.cond.Broadcast()
	u.mu.Unlock()
	return nil
}

// bcast runs the collective broadcast. The barrier is two-phase so
// that back-to-back collectives cannot bleed into each other: an
// early entrant to the next collective waits until the previous one
// has fully drained.
func (u *Universe) bcast(ctx context.Context, rank int, p []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for u.err == nil && u.entered == u.n {
		if err := u.cond.Wait(ctx); err != nil {
			return err
		}
	}
	if u.err != nil {
		return u.err
	}
	if rank == Coordinator {
		u.payload = append([]byte(nil), p...)
	}
	u.entered++
	u.cond.Broadcast()
	for u.err == nil && u.entered < u.n {
		if err := u.cond.Wait(ctx); err != nil {
			if u.entered == u.n {
				// The collective completed as we were cancelled.
				// Finish it; withdrawing now would wedge the rest.
				break
			}
			u.entered--
			return err
		}
	}
	if u.err != nil {
		return u.err
	}
	var err error
	if rank != Coordinator {
		if len(p) == len(u.payload) {
			copy(p, u.payload)
		} else {
			err = errors.E(errors.Invalid,
				fmt.Sprintf("comm: broadcast of %d bytes into buffer of %d", len(u.payload), len(p)))
		}
	}
	// Depart even on a bad buffer; a participant that holds the
	// barrier open wedges every other rank.
	u.departed++
	if u.departed == u.n {
		u.entered, u.departed, u.payload = 0, 0, nil
		u.cond.Broadcast()
	}
	return err
}

// universeTransport is one rank's endpoint in a universe.
type universeTransport struct {
	u    *Universe
	rank int
}

func (t *universeTransport) Rank() int { return t.rank }

func (t *universeTransport) Size() int { return t.u.n }

func (t *universeTransport) Send(ctx context.Context, dst int, tag Tag, p []byte) error {
	if dst < 0 || dst >= t.u.n {
		return errors.E(errors.Invalid, fmt.Sprintf("comm: send to rank %d of %d", dst, t.u.n))
	}
	return t.u.boxes[dst].put(t.rank, tag, p)
}

func (t *universeTransport) Probe(ctx context.Context, src int, tag Tag) (Status, error) {
	return t.u.boxes[t.rank].probe(ctx, src, tag)
}

func (t *universeTransport) Recv(ctx context.Context, src int, tag Tag, p []byte) error {
	return t.u.boxes[t.rank].recv(ctx, src, tag, p)
}

func (t *universeTransport) Bcast(ctx context.Context, p []byte) error {
	return t.u.bcast(ctx, t.rank, p)
}

func (t *universeTransport) Close() error {
	return t.u.Close()
}
