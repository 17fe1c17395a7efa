// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package relay

import (
	"sync"

	"github.com/evoluhq/evolu-sub002/pkg/skiplist"
	"github.com/evoluhq/evolu-sub002/pkg/wire"
)

// Subscriber receives broadcast frames for the owners it is subscribed
// to. A transport connection implements this directly.
type Subscriber interface {
	SendBroadcast(frame wire.Frame) error
}

// SubscriberRegistry tracks, per owner, the set of connections that asked
// to be kept in sync (a frame's subscription flag set to subscribe).
// Editing the set and iterating it for broadcast are serialized by the
// same lock, so a broadcast never observes a connection mid-removal.
type SubscriberRegistry struct {
	mu      sync.RWMutex
	byOwner map[skiplist.OwnerID]map[Subscriber]struct{}
	metrics *Metrics
}

// NewSubscriberRegistry creates an empty registry. metrics may be nil.
func NewSubscriberRegistry(metrics *Metrics) *SubscriberRegistry {
	return &SubscriberRegistry{
		byOwner: make(map[skiplist.OwnerID]map[Subscriber]struct{}),
		metrics: metrics,
	}
}

// Subscribe adds sub to owner's subscriber set.
func (r *SubscriberRegistry) Subscribe(owner skiplist.OwnerID, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byOwner[owner]
	if !ok {
		set = make(map[Subscriber]struct{})
		r.byOwner[owner] = set
	}
	if _, present := set[sub]; present {
		return
	}
	set[sub] = struct{}{}
	if r.metrics != nil {
		r.metrics.Subscribers.Inc()
	}
}

// Unsubscribe removes sub from owner's subscriber set, pruning the set
// entirely once it is empty.
func (r *SubscriberRegistry) Unsubscribe(owner skiplist.OwnerID, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byOwner[owner]
	if !ok {
		return
	}
	if _, present := set[sub]; !present {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(r.byOwner, owner)
	}
	if r.metrics != nil {
		r.metrics.Subscribers.Dec()
	}
}

// Broadcast delivers frame to every current subscriber of owner except
// exclude (typically the connection that originated the write). Send
// errors are swallowed here: a dead connection is the transport's own
// concern to detect and unsubscribe.
func (r *SubscriberRegistry) Broadcast(owner skiplist.OwnerID, frame wire.Frame, exclude Subscriber) {
	r.mu.RLock()
	set := r.byOwner[owner]
	targets := make([]Subscriber, 0, len(set))
	for sub := range set {
		if sub != exclude {
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		_ = sub.SendBroadcast(frame)
	}
}
