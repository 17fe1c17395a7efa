// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package relay

import (
	"strings"

	"github.com/evoluhq/evolu-sub002/pkg/log"
	natsclient "github.com/evoluhq/evolu-sub002/pkg/nats"
	"github.com/evoluhq/evolu-sub002/pkg/skiplist"
	"github.com/evoluhq/evolu-sub002/pkg/wire"
)

// envelope prefixes a published frame with the publishing instance's id,
// length-prefixed, so a receiving instance can tell its own publications
// apart from a peer's without relying on NATS not echoing subscriptions
// back to their own connection.
func encodeEnvelope(originID string, frame []byte) []byte {
	out := make([]byte, 0, 1+len(originID)+len(frame))
	out = append(out, byte(len(originID)))
	out = append(out, originID...)
	out = append(out, frame...)
	return out
}

func decodeEnvelope(data []byte) (originID string, frame []byte, ok bool) {
	if len(data) < 1 {
		return "", nil, false
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", nil, false
	}
	return string(data[1 : 1+n]), data[1+n:], true
}

const broadcastSubjectPrefix = "evolu.broadcast."

// Fanout publishes a relay instance's local broadcasts to every other
// instance over NATS, and rebroadcasts frames published by other
// instances into its own local SubscriberRegistry. This lets several
// relay processes share one logical owner's subscriber set without
// shared memory.
type Fanout struct {
	client  *natsclient.Client
	subs    *SubscriberRegistry
	localID string
}

// NewFanout wires client to subs. localID tags published frames so a
// relay instance can recognize (and ignore) its own publications if the
// broker ever echoes them back.
func NewFanout(client *natsclient.Client, subs *SubscriberRegistry, localID string) *Fanout {
	return &Fanout{client: client, subs: subs, localID: localID}
}

// Start subscribes to every owner's broadcast subject. Call once at
// startup; returns an error only if the underlying NATS subscribe fails.
func (f *Fanout) Start() error {
	if f.client == nil {
		log.Info("relay: fanout disabled, no NATS client configured")
		return nil
	}
	return f.client.Subscribe(broadcastSubjectPrefix+"*", f.onMessage)
}

// Publish fans frame out to every other relay instance subscribed to
// owner's broadcast subject. A nil client (NATS not configured) makes
// this a deliberate no-op: single-instance deployments need no fanout.
func (f *Fanout) Publish(owner skiplist.OwnerID, frame wire.Frame) {
	if f.client == nil {
		return
	}
	encoded, err := frame.Encode()
	if err != nil {
		log.Warnf("relay: fanout encode failed for owner %s: %v", owner, err)
		return
	}
	if err := f.client.Publish(broadcastSubjectPrefix+owner.String(), encodeEnvelope(f.localID, encoded)); err != nil {
		log.Warnf("relay: fanout publish failed for owner %s: %v", owner, err)
	}
}

func (f *Fanout) onMessage(subject string, data []byte) {
	originID, payload, ok := decodeEnvelope(data)
	if !ok {
		log.Warnf("relay: fanout received truncated envelope on %q", subject)
		return
	}
	if originID == f.localID {
		// Own publication echoed back: this instance already broadcast it
		// to its local subscribers before publishing.
		return
	}

	ownerStr := strings.TrimPrefix(subject, broadcastSubjectPrefix)
	owner, err := skiplist.ParseOwnerID(ownerStr)
	if err != nil {
		log.Warnf("relay: fanout received malformed subject %q: %v", subject, err)
		return
	}

	frame, err := wire.DecodeFrame(payload)
	if err != nil {
		log.Warnf("relay: fanout received malformed frame for owner %s: %v", owner, err)
		return
	}

	f.subs.Broadcast(owner, frame, nil)
}
