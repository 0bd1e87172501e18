// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm implements the runtime's tagged message-passing layer:
// the wire tags and their registry, the Transport capability that moves
// byte payloads between ranks, the protocol Helper the coordinator and
// workers speak through, and two transports, an in-process Universe
// for local execution and tests, and a bigmachine-backed cluster
// transport for distributed execution.
//
// The model is deliberately MPI-shaped. A fixed universe of ranks is
// established at startup; rank 0 is the coordinator and never changes.
// Every point-to-point message carries a small integer tag naming its
// logical channel, and messages between one (source, destination) pair
// bearing one tag are delivered in send order. Nothing is ordered
// across tags or across sources. Bulk payloads travel as a pair of
// messages: a 4-byte length announcement on the channel's size tag
// followed by the payload on its payload tag, so the receiver can size
// its buffer exactly before the payload arrives.
//
// All receiving operations block until satisfied and are cancelled by
// context. A peer that never sends means an operation that never
// completes, so callers needing bounded waits must bound their
// contexts.
package comm

import "context"

// Coordinator is the rank that owns matrix distribution and task
// dispatch. The numbering is fixed: rank 0 coordinates, ranks 1
// through Size-1 work.
const Coordinator = 0

// AnySource and AnyTag are wildcards accepted by Probe and Recv.
const (
	AnySource = -1
	AnyTag    = Tag(-1)
)

// A Tag is a small integer naming the logical channel of a message.
type Tag int

// The wire tag space. Bulk channels claim (size, payload) tag pairs;
// the rest are single-message channels. The numbering is part of the
// wire contract and must not change.
const (
	TagBroadcast Tag = iota
	TagDataSize
	TagData
	TagDataAck
	TagCodeSize
	TagCode
	TagInputKeys
	TagOutput
	TagOutputKey
	TagDetach
	TagObjectIDSize
	TagObjectID
	numTags
)

var tagStrings = [...]string{
	"BROADCAST",
	"DATASIZE",
	"DATA",
	"DATAACK",
	"CODESIZE",
	"CODE",
	"INPUTKEYS",
	"OUTPUT",
	"OUTPUTKEY",
	"DETACH",
	"OBJECTIDSIZE",
	"OBJECTID",
}

func (t Tag) String() string {
	if t == AnyTag {
		return "ANY"
	}
	if t < 0 || t >= numTags {
		return "INVALID"
	}
	return tagStrings[t]
}

// A Status describes a pending message observed by Probe: the rank
// that sent it, its tag, and its payload length in bytes.
type Status struct {
	Source int
	Tag    Tag
	Len    int
}

// Transport is the point-to-point and collective messaging capability
// on which the protocol helper builds. Implementations must deliver
// messages bearing the same tag between one (source, destination) pair
// in send order.
//
// Methods that wait honor context cancellation. Transports report
// failures of the underlying machinery as errors; they do not retry.
type Transport interface {
	// Rank returns this endpoint's rank in the universe.
	Rank() int
	// Size returns the number of ranks in the universe, coordinator
	// included.
	Size() int
	// Send delivers p to rank dst under tag. It returns once the
	// transport has accepted the message; acceptance does not imply
	// receipt.
	Send(ctx context.Context, dst int, tag Tag, p []byte) error
	// Probe blocks until a message matching src and tag is pending for
	// this rank and describes it without consuming it. src may be
	// AnySource and tag may be AnyTag.
	Probe(ctx context.Context, src int, tag Tag) (Status, error)
	// Recv consumes the first pending message matching src and tag
	// into p, whose length must equal the message's as reported by
	// Probe.
	Recv(ctx context.Context, src int, tag Tag, p []byte) error
	// Bcast is the collective broadcast rooted at the coordinator:
	// every rank in the universe must call it, the coordinator's p is
	// copied into every other rank's p, and no participant returns
	// before all have entered. Buffer lengths must agree with the
	// root's.
	Bcast(ctx context.Context, p []byte) error
	// Close tears down the endpoint. Blocked and future operations
	// fail once the transport is closed.
	Close() error
}
