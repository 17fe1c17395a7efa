// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package relay

import (
	"testing"

	"github.com/evoluhq/evolu-sub002/pkg/skiplist"
	"github.com/evoluhq/evolu-sub002/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	frames []wire.Frame
	fail   bool
}

func (r *recordingSubscriber) SendBroadcast(frame wire.Frame) error {
	if r.fail {
		return assert.AnError
	}
	r.frames = append(r.frames, frame)
	return nil
}

func TestBroadcastSkipsExcludedSubscriber(t *testing.T) {
	reg := NewSubscriberRegistry(nil)
	var owner skiplist.OwnerID
	owner[0] = 1

	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	reg.Subscribe(owner, a)
	reg.Subscribe(owner, b)

	frame := wire.Frame{Version: wire.ProtocolVersion, OwnerID: owner}
	reg.Broadcast(owner, frame, a)

	assert.Empty(t, a.frames)
	require.Len(t, b.frames, 1)
	assert.Equal(t, frame, b.frames[0])
}

func TestUnsubscribePrunesEmptyOwnerSet(t *testing.T) {
	reg := NewSubscriberRegistry(nil)
	var owner skiplist.OwnerID
	owner[0] = 2

	a := &recordingSubscriber{}
	reg.Subscribe(owner, a)
	reg.Unsubscribe(owner, a)

	_, ok := reg.byOwner[owner]
	assert.False(t, ok)
}

func TestBroadcastToFailingSubscriberDoesNotPanicOrBlockOthers(t *testing.T) {
	reg := NewSubscriberRegistry(nil)
	var owner skiplist.OwnerID
	owner[0] = 3

	failing := &recordingSubscriber{fail: true}
	ok := &recordingSubscriber{}
	reg.Subscribe(owner, failing)
	reg.Subscribe(owner, ok)

	frame := wire.Frame{Version: wire.ProtocolVersion, OwnerID: owner}
	assert.NotPanics(t, func() { reg.Broadcast(owner, frame, nil) })
	assert.Len(t, ok.frames, 1)
}
