// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec manages distributed computation sessions. A session
// boots a universe of ranks: the calling process becomes rank 0, the
// coordinator, and ranks 1 through n-1 run worker loops that hold
// matrix objects and execute task frames against them. The
// coordinator owns every exchange on the universe's transport. It
// ships operands with Broadcast and Scatter, dispatches frames with
// Run and RunAll, and releases the workers with Detach.
//
// Universes come in two flavors. Local sessions host each worker
// rank on a goroutine inside the session process; they need no
// external resources and are the default. Bigmachine sessions
// provision one machine per worker rank from a bigmachine.System, so
// the same program scales from in-process tests to a cluster by a
// configuration change.
package exec

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MarcusParadies/daphne/comm"
	"github.com/MarcusParadies/daphne/metrics"
	"github.com/MarcusParadies/daphne/stats"
	"github.com/MarcusParadies/daphne/worker"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

// DefaultRanks is the universe size used when a session is started
// without a Local or Bigmachine option.
const DefaultRanks = 4

// A Session is a handle on a running universe. The process that
// created it is rank 0, the coordinator, and is the only party that
// may call the Session's methods. Worker ranks sit in the worker
// package's listening loop until the session detaches them.
//
// A Session embeds a context.Context that scopes the lifetime of the
// universe; it is the parent context of machine supervision and the
// ambient context for Shutdown.
type Session struct {
	context.Context
	index int32

	ranks    int
	storeDir string
	system   bigmachine.System
	status   *status.Status
	eventer  eventlog.Eventer
	flavor   string
	boot     func(*Session) error

	transport comm.Transport
	tags      *comm.Registry
	helper    *comm.Helper
	st        *stats.Map
	runs      *status.Group

	// universe, workers, and local are populated for local sessions
	// only; cluster ranks run in their own processes.
	universe *comm.Universe
	workers  *errgroup.Group
	local    []*worker.Worker

	// mu serializes protocol exchanges so that concurrent callers
	// cannot interleave multi-message operations.
	mu       sync.Mutex
	names    map[string]bool
	detached bool

	shutdownOnce sync.Once
}

var nextSessionIndex int32

func newSession() *Session {
	return &Session{
		Context: backgroundcontext.Get(),
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		tags:    comm.NewRegistry(),
		st:      stats.NewMap(),
		eventer: eventlog.Nop{},
		names:   make(map[string]bool),
	}
}

// An Option represents a session configuration parameter.
type Option func(s *Session)

// Local configures a session to host an n-rank universe inside the
// session process, each worker rank running on its own goroutine.
// Local ranks store objects in memory unless a store prefix is
// configured.
func Local(n int) Option {
	if n < 2 {
		panic("exec.Local: need at least one worker rank")
	}
	return func(s *Session) {
		s.ranks = n
		s.boot = (*Session).bootLocal
	}
}

// Bigmachine configures a session to host its worker ranks on
// machines provisioned from the given system, one machine per rank.
// Cluster ranks store objects under the session's store prefix, or
// under machine-local temporary directories when none is configured.
func Bigmachine(system bigmachine.System, n int) Option {
	if n < 2 {
		panic("exec.Bigmachine: need at least one worker rank")
	}
	return func(s *Session) {
		s.ranks = n
		s.system = system
		s.boot = (*Session).bootCluster
	}
}

// Status configures the session with a status object to which rank
// boot and task dispatch progress are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status

		name := fmt.Sprintf("daphne-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// StoreDir configures the grailfile prefix under which worker ranks
// keep their object stores.
func StoreDir(prefix string) Option {
	return func(s *Session) {
		s.storeDir = prefix
	}
}

// Eventer configures the session with an Eventer that is used to
// log session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// Start creates a new session and boots its universe, returning
// once every worker rank is running. When no option configures a
// universe, Start runs DefaultRanks local ranks.
//
// Programs that configure Bigmachine must call Start unconditionally
// and early in main: machine processes re-execute the binary, and
// Start is where they hand control to the machine-side worker loop.
func Start(options ...Option) (*Session, error) {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.boot == nil {
		Local(DefaultRanks)(s)
	}
	if s.status == nil {
		s.status = new(status.Status)
	}
	s.runs = s.status.Group("tasks")
	if err := s.boot(s); err != nil {
		return nil, err
	}
	s.helper = comm.NewHelper(s.transport, s.tags, s.st)
	s.eventer.Event("daphne:sessionStart",
		"command", command(),
		"flavor", s.flavor,
		"ranks", s.ranks)
	log.Printf("exec: session %02d started: %d ranks on %s", s.index, s.ranks, s.flavor)
	return s, nil
}

// Ranks returns the size of the session's universe, the coordinator
// included.
func (s *Session) Ranks() int { return s.ranks }

// Status returns the session's status object.
func (s *Session) Status() *status.Status { return s.status }

// Stats returns a snapshot of the coordinator's transport counters.
// For local sessions, worker counters are merged into the snapshot
// under rank-prefixed keys.
func (s *Session) Stats() stats.Values {
	values := make(stats.Values)
	s.st.AddAll(values)
	for _, w := range s.local {
		for k, v := range w.Stats() {
			values[fmt.Sprintf("rank%d.%s", w.Rank(), k)] += v
		}
	}
	return values
}

// Metrics returns the kernel metrics merged across the session's
// local worker ranks. Cluster ranks keep their metrics machine-side.
func (s *Session) Metrics() *metrics.Scope {
	scope := new(metrics.Scope)
	for _, w := range s.local {
		scope.Merge(w.Metrics())
	}
	return scope
}

// Shutdown releases the universe: it detaches any workers still
// listening and then tears down the session's transport. Shutdown
// is idempotent, so it is safe to defer even when the program also
// detaches explicitly.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() {
		if err := s.Detach(s.Context); err != nil {
			log.Error.Printf("exec: session %02d detach: %v", s.index, err)
		}
		if err := s.transport.Close(); err != nil {
			log.Error.Printf("exec: session %02d close: %v", s.index, err)
		}
		log.Printf("exec: session %02d done: %s", s.index, s.Stats())
	})
}

// command returns a rendering of the process's command line for
// event logs.
func command() string {
	return strings.Join(os.Args, " ")
}
