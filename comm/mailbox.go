// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
)

// A message is one queued point-to-point payload.
type message struct {
	src     int
	tag     Tag
	payload []byte
}

func (m message) match(src int, tag Tag) bool {
	return (src == AnySource || m.src == src) && (tag == AnyTag || m.tag == tag)
}

// A mailbox is one rank's incoming queue: messages in arrival order,
// consumed by first match. Because the queue preserves arrival order
// and receives consume the first match, per-channel FIFO follows from
// FIFO delivery into the box.
type mailbox struct {
	mu   sync.Mutex
	cond *ctxsync.Cond
	q    []message
	err  error
}

func newMailbox() *mailbox {
	m := new(mailbox)
	m.cond = ctxsync.NewCond(&m.mu)
	return m
}

// put appends a message to the queue, copying the payload.
func (m *mailbox) put(src int, tag Tag, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.q = append(m.q, message{src: src, tag: tag, payload: append([]byte(nil), p...)})
	m.cond.Broadcast()
	return nil
}

// wait blocks until a message matching src and tag is queued and
// returns its index. The caller must hold mu; wait reacquires it
// before returning.
func (m *mailbox) wait(ctx context.Context, src int, tag Tag) (int, error) {
	for {
		if m.err != nil {
			return 0, m.err
		}
		for i := range m.q {
			if m.q[i].match(src, tag) {
				return i, nil
			}
		}
		if err := m.cond.Wait(ctx); err != nil {
			return 0, err
		}
	}
}

// probe describes the first matching message without consuming it.
func (m *mailbox) probe(ctx context.Context, src int, tag Tag) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.wait(ctx, src, tag)
	if err != nil {
		return Status{}, err
	}
	msg := m.q[i]
	return Status{Source: msg.src, Tag: msg.tag, Len: len(msg.payload)}, nil
}

// recv consumes the first matching message into p, whose length must
// equal the message's.
func (m *mailbox) recv(ctx context.Context, src int, tag Tag, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.wait(ctx, src, tag)
	if err != nil {
		return err
	}
	msg := m.q[i]
	if len(p) != len(msg.payload) {
		return errors.E(errors.Invalid,
			fmt.Sprintf("comm: receive of %d bytes into buffer of %d; probe for the size first", len(msg.payload), len(p)))
	}
	copy(p, msg.payload)
	m.q = append(m.q[:i], m.q[i+1:]...)
	return nil
}

// close fails pending and future operations with err. Messages still
// queued are dropped: teardown is terminal.
func (m *mailbox) close(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		m.err = err
	}
	m.cond.Broadcast()
}
