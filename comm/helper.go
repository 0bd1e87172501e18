// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/MarcusParadies/daphne/stats"
	"github.com/MarcusParadies/daphne/wire"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

// detachByte is the single-byte payload of detach orders and their
// acknowledgements.
const detachByte = 1

// A Helper speaks the coordinator-worker protocol over a Transport:
// tagged sends and probe-sized receives, the size-announced collective
// broadcast, the size-then-payload bulk channels, and the small
// textual exchanges (acknowledgements, object identifiers, output
// keys, detach orders). It counts traffic into a stats map and wraps
// transport failures with the Net error kind.
//
// A Helper is safe for concurrent use to the extent its transport is;
// exchanges that must stay ordered (a size announcement and its
// payload) must be issued from one goroutine.
type Helper struct {
	transport Transport
	tags      *Registry

	sendMessages, sendBytes *stats.Int
	recvMessages, recvBytes *stats.Int
	bcastBytes              *stats.Int
}

// NewHelper returns a helper speaking tags over t, counting traffic
// into st. A nil st counts into a throwaway map.
func NewHelper(t Transport, tags *Registry, st *stats.Map) *Helper {
	if st == nil {
		st = stats.NewMap()
	}
	return &Helper{
		transport:    t,
		tags:         tags,
		sendMessages: st.Int("send.messages"),
		sendBytes:    st.Int("send.bytes"),
		recvMessages: st.Int("recv.messages"),
		recvBytes:    st.Int("recv.bytes"),
		bcastBytes:   st.Int("bcast.bytes"),
	}
}

// Rank returns the underlying transport's rank.
func (h *Helper) Rank() int { return h.transport.Rank() }

// Size returns the number of ranks in the universe.
func (h *Helper) Size() int { return h.transport.Size() }

// Tags returns the registry the helper speaks with.
func (h *Helper) Tags() *Registry { return h.tags }

// netErr wraps a transport failure with the Net kind, passing context
// cancellation through undisturbed.
func netErr(msg string, err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	return errors.E(errors.Net, msg, err)
}

// SendTagged sends p to rank dst under tag. It returns once the
// transport accepts the message; acceptance does not imply receipt.
func (h *Helper) SendTagged(ctx context.Context, dst int, tag Tag, p []byte) error {
	if err := h.transport.Send(ctx, dst, tag, p); err != nil {
		return netErr(fmt.Sprintf("comm: send %s to rank %d", tag, dst), err)
	}
	h.sendMessages.Add(1)
	h.sendBytes.Add(int64(len(p)))
	log.Debug.Printf("comm: rank %d sent %s to rank %d (%s)", h.Rank(), tag, dst, data.Size(len(p)))
	return nil
}

// ReceiveTagged receives the next message matching tag from src, which
// may be AnySource. It probes first, sizes the buffer from the probe,
// and then receives from the probed source, so the probe is the single
// source of truth for the payload size. It returns the sending rank
// along with the payload.
func (h *Helper) ReceiveTagged(ctx context.Context, src int, tag Tag) (int, []byte, error) {
	status, err := h.transport.Probe(ctx, src, tag)
	if err != nil {
		return 0, nil, netErr(fmt.Sprintf("comm: probe %s from rank %d", tag, src), err)
	}
	p := make([]byte, status.Len)
	if err := h.transport.Recv(ctx, status.Source, status.Tag, p); err != nil {
		return 0, nil, netErr(fmt.Sprintf("comm: receive %s from rank %d", status.Tag, status.Source), err)
	}
	h.recvMessages.Add(1)
	h.recvBytes.Add(int64(len(p)))
	log.Debug.Printf("comm: rank %d received %s from rank %d (%s)", h.Rank(), status.Tag, status.Source, data.Size(len(p)))
	return status.Source, p, nil
}

// Poll blocks until any message is pending for this rank and describes
// it without consuming it. The worker loop polls, then dispatches to
// the consumer matching the tag, which receives the message proper.
func (h *Helper) Poll(ctx context.Context) (Status, error) {
	status, err := h.transport.Probe(ctx, AnySource, AnyTag)
	if err != nil {
		return Status{}, netErr("comm: poll", err)
	}
	return status, nil
}

// sizeMessage renders a payload length as a size announcement: 4
// little-endian bytes. The announcement width caps payloads at 4 GiB.
func sizeMessage(n int) []byte {
	must.Truef(0 <= n && int64(n) <= math.MaxUint32, "comm: payload of %d bytes overflows size message", n)
	w := wire.NewWriter(4)
	w.PutUint32(uint32(n))
	return w.Bytes()
}

func parseSizeMessage(p []byte) (int, error) {
	r := wire.NewReader(p)
	n, err := r.Uint32()
	if err != nil || r.Len() != 0 {
		return 0, errors.E(errors.Integrity, fmt.Sprintf("comm: size message of %d bytes", len(p)))
	}
	return int(n), nil
}

// BroadcastBytes distributes p from the coordinator to every worker
// rank: the length is announced to each worker individually on the
// broadcast tag, then the payload moves as one collective. Every
// worker must consume its announcement and enter the collective
// (RecvBroadcast does both); the collective completes only when all
// ranks have entered.
func (h *Helper) BroadcastBytes(ctx context.Context, p []byte) error {
	must.True(h.Rank() == Coordinator, "comm: broadcast from a worker rank")
	size := sizeMessage(len(p))
	for rank := 0; rank < h.Size(); rank++ {
		if rank == Coordinator {
			continue
		}
		if err := h.SendTagged(ctx, rank, h.tags.Broadcast, size); err != nil {
			return err
		}
	}
	if err := h.transport.Bcast(ctx, p); err != nil {
		return netErr("comm: broadcast", err)
	}
	h.bcastBytes.Add(int64(len(p)))
	return nil
}

// RecvBroadcast consumes one broadcast at a worker rank: the size
// announcement, then the collective payload.
func (h *Helper) RecvBroadcast(ctx context.Context) ([]byte, error) {
	must.True(h.Rank() != Coordinator, "comm: broadcast receive at the coordinator")
	_, sp, err := h.ReceiveTagged(ctx, Coordinator, h.tags.Broadcast)
	if err != nil {
		return nil, err
	}
	n, err := parseSizeMessage(sp)
	if err != nil {
		return nil, err
	}
	p := make([]byte, n)
	if err := h.transport.Bcast(ctx, p); err != nil {
		return nil, netErr("comm: broadcast receive", err)
	}
	h.bcastBytes.Add(int64(n))
	return p, nil
}

// Distribute ships p to rank dst over a bulk channel: the length on
// the channel's size tag, then the payload on its payload tag.
// Distribution to the sender's own rank is a no-op; the coordinator
// keeps its own share in place rather than mailing it to itself.
func (h *Helper) Distribute(ctx context.Context, ch Channel, dst int, p []byte) error {
	if dst == h.Rank() {
		return nil
	}
	pair := h.tags.Pair(ch)
	if err := h.SendTagged(ctx, dst, pair.Size, sizeMessage(len(p))); err != nil {
		return err
	}
	return h.SendTagged(ctx, dst, pair.Payload, p)
}

// DistributeData ships a serialized matrix to rank dst.
func (h *Helper) DistributeData(ctx context.Context, dst int, p []byte) error {
	return h.Distribute(ctx, ChannelData, dst, p)
}

// DistributeTask ships a serialized task frame to rank dst.
func (h *Helper) DistributeTask(ctx context.Context, dst int, p []byte) error {
	return h.Distribute(ctx, ChannelCode, dst, p)
}

// RecvDistributed receives one bulk payload from src, which may be
// AnySource: the size announcement, then the payload pinned to the
// announcing rank. A payload that disagrees with its announcement is
// an Integrity error.
func (h *Helper) RecvDistributed(ctx context.Context, ch Channel, src int) (int, []byte, error) {
	pair := h.tags.Pair(ch)
	from, sp, err := h.ReceiveTagged(ctx, src, pair.Size)
	if err != nil {
		return 0, nil, err
	}
	n, err := parseSizeMessage(sp)
	if err != nil {
		return 0, nil, err
	}
	_, p, err := h.ReceiveTagged(ctx, from, pair.Payload)
	if err != nil {
		return 0, nil, err
	}
	if len(p) != n {
		return 0, nil, errors.E(errors.Integrity,
			fmt.Sprintf("comm: rank %d announced %d bytes on %s but sent %d", from, n, ch, len(p)))
	}
	return from, p, nil
}

// SendDataAck reports a stored object back to the coordinator in the
// textual acknowledgement form.
func (h *Helper) SendDataAck(ctx context.Context, d wire.Descriptor) error {
	return h.SendTagged(ctx, Coordinator, h.tags.DataAck, []byte(d.String()))
}

// DataAck receives one acknowledgement from any worker. On malformed
// acknowledgement text it returns the sending rank alongside the parse
// error so the caller can log and move on.
func (h *Helper) DataAck(ctx context.Context) (int, wire.Descriptor, error) {
	rank, p, err := h.ReceiveTagged(ctx, AnySource, h.tags.DataAck)
	if err != nil {
		return 0, wire.Descriptor{}, err
	}
	d, err := wire.ParseDescriptor(string(p))
	if err != nil {
		return rank, wire.Descriptor{}, err
	}
	return rank, d, nil
}

// SendObjectID announces the identifier under which rank dst must
// store the payload that follows on the data channel.
func (h *Helper) SendObjectID(ctx context.Context, dst int, id string) error {
	return h.Distribute(ctx, ChannelObjectID, dst, []byte(id))
}

// RecvObjectID receives an identifier announcement from src.
func (h *Helper) RecvObjectID(ctx context.Context, src int) (string, error) {
	_, p, err := h.RecvDistributed(ctx, ChannelObjectID, src)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// SendOutputKey reports the identifier under which a task's output was
// stored. Keys prefixed with "!" report task failure instead, carrying
// the error text.
func (h *Helper) SendOutputKey(ctx context.Context, key string) error {
	return h.SendTagged(ctx, Coordinator, h.tags.OutputKey, []byte(key))
}

// RecvOutputKey receives a task's output key from rank src.
func (h *Helper) RecvOutputKey(ctx context.Context, src int) (string, error) {
	_, p, err := h.ReceiveTagged(ctx, src, h.tags.OutputKey)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// SendOutput ships a task's serialized output matrix to the
// coordinator.
func (h *Helper) SendOutput(ctx context.Context, p []byte) error {
	return h.SendTagged(ctx, Coordinator, h.tags.Output, p)
}

// Results receives a task's serialized output from rank src.
func (h *Helper) Results(ctx context.Context, src int) ([]byte, error) {
	_, p, err := h.ReceiveTagged(ctx, src, h.tags.Output)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SendInputKeys ships a set of identifiers, newline-joined, to rank
// dst. Identifiers must not contain newlines.
func (h *Helper) SendInputKeys(ctx context.Context, dst int, keys []string) error {
	return h.SendTagged(ctx, dst, h.tags.InputKeys, []byte(strings.Join(keys, "\n")))
}

// RecvInputKeys receives a set of identifiers from rank src. An empty
// payload is an empty set.
func (h *Helper) RecvInputKeys(ctx context.Context, src int) (int, []string, error) {
	rank, p, err := h.ReceiveTagged(ctx, src, h.tags.InputKeys)
	if err != nil {
		return 0, nil, err
	}
	if len(p) == 0 {
		return rank, nil, nil
	}
	return rank, strings.Split(string(p), "\n"), nil
}

// SendDetach orders rank dst to stop listening. The worker
// acknowledges on the same tag in the opposite direction.
func (h *Helper) SendDetach(ctx context.Context, dst int) error {
	return h.SendTagged(ctx, dst, h.tags.Detach, []byte{detachByte})
}

// AckDetach acknowledges a detach order back to the coordinator.
func (h *Helper) AckDetach(ctx context.Context) error {
	return h.SendTagged(ctx, Coordinator, h.tags.Detach, []byte{detachByte})
}

// RecvDetach consumes a detach message from src and returns the
// sending rank. The coordinator collects acknowledgements with
// AnySource, in whatever order workers wind down.
func (h *Helper) RecvDetach(ctx context.Context, src int) (int, error) {
	rank, _, err := h.ReceiveTagged(ctx, src, h.tags.Detach)
	return rank, err
}
