// Copyright 2021 The DAPHNE Consortium. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import "github.com/grailbio/base/must"

// A Channel names a bulk exchange that ships its payload as a
// size-then-payload message pair.
type Channel int

const (
	// ChannelData carries serialized matrices.
	ChannelData Channel = iota
	// ChannelCode carries serialized task frames.
	ChannelCode
	// ChannelObjectID carries object identifiers.
	ChannelObjectID
)

var channelStrings = [...]string{"data", "code", "object-id"}

func (c Channel) String() string {
	if c < 0 || int(c) >= len(channelStrings) {
		return "INVALID"
	}
	return channelStrings[c]
}

// A TagPair holds a bulk channel's wire tags: the size announcement
// tag and the payload tag.
type TagPair struct {
	Size, Payload Tag
}

// A Registry is the process's single mapping from protocol role to
// wire tag. It is built once at startup and passed by reference to
// every call site, so the tag assignment lives in exactly one place.
type Registry struct {
	Data     TagPair
	Code     TagPair
	ObjectID TagPair

	Broadcast Tag
	DataAck   Tag
	InputKeys Tag
	Output    Tag
	OutputKey Tag
	Detach    Tag
}

// NewRegistry returns the standard tag assignment.
func NewRegistry() *Registry {
	r := &Registry{
		Broadcast: TagBroadcast,
		Data:      TagPair{Size: TagDataSize, Payload: TagData},
		DataAck:   TagDataAck,
		Code:      TagPair{Size: TagCodeSize, Payload: TagCode},
		InputKeys: TagInputKeys,
		Output:    TagOutput,
		OutputKey: TagOutputKey,
		Detach:    TagDetach,
		ObjectID:  TagPair{Size: TagObjectIDSize, Payload: TagObjectID},
	}
	r.validate()
	return r
}

// Pair returns the tag pair assigned to a bulk channel.
func (r *Registry) Pair(ch Channel) TagPair {
	switch ch {
	case ChannelData:
		return r.Data
	case ChannelCode:
		return r.Code
	case ChannelObjectID:
		return r.ObjectID
	}
	panic("comm: unknown channel")
}

// validate checks that every role has its own tag: a shared tag
// silently cross-wires two channels.
func (r *Registry) validate() {
	tags := []Tag{
		r.Broadcast,
		r.Data.Size, r.Data.Payload,
		r.DataAck,
		r.Code.Size, r.Code.Payload,
		r.InputKeys,
		r.Output,
		r.OutputKey,
		r.Detach,
		r.ObjectID.Size, r.ObjectID.Payload,
	}
	seen := make(map[Tag]bool)
	for _, tag := range tags {
		must.Truef(!seen[tag], "comm: tag %d assigned twice", tag)
		seen[tag] = true
	}
}
