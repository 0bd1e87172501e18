// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmachine"
)

func init() {
	gob.Register(&commService{})
}

// drainPollInterval bounds how long a Drain call parks on the worker
// machine before returning an empty batch to keep the connection
// fresh.
const drainPollInterval = 30 * time.Second

// A ServeFunc runs a worker rank's event loop over its transport,
// returning when the rank detaches.
type ServeFunc func(ctx context.Context, t Transport) error

// serveFunc is the process-global worker entry point. It must be
// registered before bigmachine takes over machine processes, which is
// why StartCluster registers it ahead of bigmachine.Start.
var (
	serveMu   sync.Mutex
	serveFunc ServeFunc
)

func registerServeFunc(serve ServeFunc) {
	serveMu.Lock()
	defer serveMu.Unlock()
	serveFunc = serve
}

func registeredServeFunc() ServeFunc {
	serveMu.Lock()
	defer serveMu.Unlock()
	return serveFunc
}

// A postRequest is one point-to-point message crossing the bigmachine
// boundary in either direction.
type postRequest struct {
	Src     int
	Tag     Tag
	Payload []byte
}

// commService is the bigmachine service hosting one worker rank: it
// queues coordinator-to-worker messages, hands worker-to-coordinator
// messages to the driver's drain loop, carries collective broadcast
// payloads, and runs the rank's event loop. The exported fields place
// the machine in the universe and ride along in the service's gob
// encoding.
type commService struct {
	Rank, Ranks int

	b     *bigmachine.B
	inbox *mailbox

	mu     sync.Mutex
	cond   *ctxsync.Cond
	outbox []postRequest
	// bcast is the parked collective payload; bcastFull distinguishes
	// a parked empty payload from no payload.
	bcast     []byte
	bcastFull bool
}

// Init implements bigmachine service initialization on the worker
// machine.
func (s *commService) Init(b *bigmachine.B) error {
	s.b = b
	s.inbox = newMailbox()
	s.cond = ctxsync.NewCond(&s.mu)
	return nil
}

// Ping verifies that the service is up. The driver retries it while
// the machine boots.
func (s *commService) Ping(ctx context.Context, _ struct{}, _ *struct{}) error {
	return nil
}

// Post queues one coordinator-to-worker message.
func (s *commService) Post(ctx context.Context, req postRequest, _ *struct{}) error {
	return s.inbox.put(req.Src, req.Tag, req.Payload)
}

// Drain returns queued worker-to-coordinator messages in send order,
// parking until at least one is available or the poll interval lapses.
// An empty batch means the interval lapsed.
func (s *commService) Drain(ctx context.Context, _ struct{}, batch *[]postRequest) error {
	ctx, cancel := context.WithTimeout(ctx, drainPollInterval)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.outbox) == 0 {
		if err := s.cond.Wait(ctx); err != nil {
			if err == context.DeadlineExceeded {
				return nil
			}
			return err
		}
	}
	*batch = s.outbox
	s.outbox = nil
	return nil
}

// Bcast parks one collective payload until the rank's transport enters
// the collective and consumes it, so the driver's collective completes
// only with this rank present.
func (s *commService) Bcast(ctx context.Context, req postRequest, _ *struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.bcastFull {
		if err := s.cond.Wait(ctx); err != nil {
			return err
		}
	}
	s.bcast, s.bcastFull = req.Payload, true
	s.cond.Broadcast()
	for s.bcastFull {
		if err := s.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Serve runs the rank's event loop. The call lasts the rank's whole
// listening life, returning when the loop exits after a detach or with
// the loop's error.
func (s *commService) Serve(ctx context.Context, _ struct{}, _ *struct{}) error {
	serve := registeredServeFunc()
	must.True(serve != nil, "comm: no worker loop registered")
	return serve(ctx, &machineTransport{s: s})
}

// machineTransport is a worker machine's endpoint of the universe. The
// cluster is a star centered on the coordinator: workers cannot send
// to other workers, and a probe naming another worker as source never
// matches.
type machineTransport struct {
	s *commService
}

func (t *machineTransport) Rank() int { return t.s.Rank }

func (t *machineTransport) Size() int { return t.s.Ranks }

func (t *machineTransport) Send(ctx context.Context, dst int, tag Tag, p []byte) error {
	if dst != Coordinator {
		return errors.E(errors.NotSupported,
			fmt.Sprintf("comm: rank %d cannot send to rank %d; cluster routing is coordinator-centered", t.s.Rank, dst))
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, postRequest{Src: s.Rank, Tag: tag, Payload: append([]byte(nil), p...)})
	s.cond.Broadcast()
	return nil
}

func (t *machineTransport) Probe(ctx context.Context, src int, tag Tag) (Status, error) {
	return t.s.inbox.probe(ctx, src, tag)
}

func (t *machineTransport) Recv(ctx context.Context, src int, tag Tag, p []byte) error {
	return t.s.inbox.recv(ctx, src, tag, p)
}

func (t *machineTransport) Bcast(ctx context.Context, p []byte) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.bcastFull {
		if err := s.cond.Wait(ctx); err != nil {
			return err
		}
	}
	var err error
	if len(p) == len(s.bcast) {
		copy(p, s.bcast)
	} else {
		err = errors.E(errors.Invalid,
			fmt.Sprintf("comm: broadcast of %d bytes into buffer of %d", len(s.bcast), len(p)))
	}
	// Release the parked payload even on a bad buffer so the driver's
	// collective is not wedged by a local bug.
	s.bcast, s.bcastFull = nil, false
	s.cond.Broadcast()
	return err
}

// Close is a no-op: a machine endpoint lives as long as its process.
func (t *machineTransport) Close() error { return nil }

// clusterTransport is the coordinator's endpoint of a bigmachine
// universe. machines[i] hosts rank i+1.
type clusterTransport struct {
	b        *bigmachine.B
	machines []*bigmachine.Machine
	tasks    []*status.Task
	inbox    *mailbox
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

func (c *clusterTransport) Rank() int { return Coordinator }

func (c *clusterTransport) Size() int { return len(c.machines) + 1 }

func (c *clusterTransport) machine(rank int) (*bigmachine.Machine, error) {
	if rank < 1 || rank > len(c.machines) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("comm: send to rank %d of %d", rank, c.Size()))
	}
	return c.machines[rank-1], nil
}

func (c *clusterTransport) Send(ctx context.Context, dst int, tag Tag, p []byte) error {
	m, err := c.machine(dst)
	if err != nil {
		return err
	}
	return m.Call(ctx, "Comm.Post", postRequest{Src: Coordinator, Tag: tag, Payload: p}, nil)
}

func (c *clusterTransport) Probe(ctx context.Context, src int, tag Tag) (Status, error) {
	return c.inbox.probe(ctx, src, tag)
}

func (c *clusterTransport) Recv(ctx context.Context, src int, tag Tag, p []byte) error {
	return c.inbox.recv(ctx, src, tag, p)
}

func (c *clusterTransport) Bcast(ctx context.Context, p []byte) error {
	return traverse.Each(len(c.machines), func(i int) error {
		return c.machines[i].Call(ctx, "Comm.Bcast", postRequest{Src: Coordinator, Payload: p}, nil)
	})
}

// Close tears down the cluster: the drain and serve loops are
// cancelled, the coordinator's inbox fails, and the machines are shut
// down. Close is idempotent.
func (c *clusterTransport) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.inbox.close(errors.E(errors.Net, "comm: cluster transport closed"))
		c.wg.Wait()
		for _, task := range c.tasks {
			task.Done()
		}
		c.b.Shutdown()
	})
	return nil
}

// drain pumps rank's worker-to-coordinator messages into the
// coordinator's inbox. A failed drain means a lost rank; the inbox is
// failed so blocked and future receives surface the loss.
func (c *clusterTransport) drain(ctx context.Context, rank int, m *bigmachine.Machine) {
	defer c.wg.Done()
	for {
		var batch []postRequest
		if err := m.Call(ctx, "Comm.Drain", struct{}{}, &batch); err != nil {
			if ctx.Err() == nil {
				log.Error.Printf("comm: lost rank %d (%s): %v", rank, m.Addr, err)
				c.inbox.close(errors.E(errors.Net, fmt.Sprintf("comm: lost rank %d", rank), err))
			}
			return
		}
		for _, msg := range batch {
			if c.inbox.put(msg.Src, msg.Tag, msg.Payload) != nil {
				return
			}
		}
	}
}

// serve runs rank's event loop to completion. A loop that fails,
// rather than returning after a detach, also fails the coordinator's
// inbox.
func (c *clusterTransport) serve(ctx context.Context, rank int, m *bigmachine.Machine) {
	defer c.wg.Done()
	if err := m.Call(ctx, "Comm.Serve", struct{}{}, nil); err != nil {
		if ctx.Err() == nil {
			log.Error.Printf("comm: rank %d worker failed (%s): %v", rank, m.Addr, err)
			c.inbox.close(errors.E(errors.Net, fmt.Sprintf("comm: rank %d worker failed", rank), err))
		}
		return
	}
	log.Debug.Printf("comm: rank %d worker finished", rank)
}

// StartCluster boots a bigmachine universe of n ranks: the calling
// process is the coordinator, and n-1 machines are started, each
// hosting one worker rank running serve. The returned transport is the
// coordinator's endpoint; closing it tears the cluster down. A nil
// group skips status reporting.
//
// Machine processes re-execute the binary, and the same StartCluster
// call registers serve on the machine side before bigmachine takes
// over the process, so drivers must call StartCluster unconditionally
// and early.
func StartCluster(ctx context.Context, system bigmachine.System, n int, serve ServeFunc, group *status.Group) (Transport, error) {
	must.Truef(n >= 2, "comm: cluster of %d ranks", n)
	registerServeFunc(serve)
	b := bigmachine.Start(system)
	machines := make([]*bigmachine.Machine, n-1)
	tasks := make([]*status.Task, n-1)
	err := traverse.Each(n-1, func(i int) error {
		rank := i + 1
		var task *status.Task
		if group != nil {
			task = group.Startf("rank %d", rank)
			task.Print("booting")
		}
		started, err := b.Start(ctx, 1, bigmachine.Services{
			"Comm": &commService{Rank: rank, Ranks: n},
		})
		if err == nil {
			m := started[0]
			<-m.Wait(bigmachine.Running)
			err = m.Err()
			if err == nil {
				err = m.RetryCall(ctx, "Comm.Ping", struct{}{}, nil)
			}
			if err == nil {
				machines[i] = m
				if task != nil {
					task.Title(m.Addr)
					task.Print("running")
				}
				log.Printf("comm: rank %d is ready on %s", rank, m.Addr)
			}
		}
		if err != nil {
			if task != nil {
				task.Printf("failed to start: %v", err)
				task.Done()
			}
			return err
		}
		tasks[i] = task
		return nil
	})
	if err != nil {
		b.Shutdown()
		return nil, errors.E(errors.Net, "comm: cluster start", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c := &clusterTransport{
		b:        b,
		machines: machines,
		inbox:    newMailbox(),
		cancel:   cancel,
	}
	for _, task := range tasks {
		if task != nil {
			c.tasks = append(c.tasks, task)
		}
	}
	for i, m := range machines {
		c.wg.Add(2)
		go c.drain(loopCtx, i+1, m)
		go c.serve(loopCtx, i+1, m)
	}
	return c, nil
}
