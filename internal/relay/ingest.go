// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package relay wires the reconciliation driver to a concrete transport
// and owner-addressable storage quota: it is the process-level glue a
// relay server needs beyond reconciliation itself, independent of the
// transport carrying each frame.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evoluhq/evolu-sub002/internal/reconcile"
	"github.com/evoluhq/evolu-sub002/pkg/skiplist"
	"github.com/evoluhq/evolu-sub002/pkg/wire"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// ownerLock is one owner's serialization point: every frame for a given
// owner is handled while holding it, matching the single-writer-per-owner
// invariant the reconciliation driver assumes.
type ownerLock struct {
	mu sync.Mutex
}

// IngestService is the relay-side entry point a transport calls per
// incoming frame. It owns:
//   - an unbounded per-owner mutex table (sync.Map: correctness-critical,
//     must never silently evict a lock a concurrent request is waiting on)
//   - a bounded LRU of per-owner token-bucket limiters (eviction here only
//     resets an owner's recent-burst history, never breaks correctness)
type IngestService struct {
	Store  *skiplist.Store
	Driver *reconcile.Driver

	locks sync.Map // skiplist.OwnerID -> *ownerLock

	limitersMu        sync.Mutex
	limiters          *lru.Cache[skiplist.OwnerID, *rate.Limiter]
	bytesPerSecond    float64
	burstBytes        int
	maxStoredBytes    int64
	metrics           *Metrics
}

// NewIngestService creates an IngestService. maxStoredBytes of 0 disables
// the per-owner storage quota. limiterCacheSize bounds the LRU of
// token-bucket limiters backing the quota check.
func NewIngestService(store *skiplist.Store, driver *reconcile.Driver, maxStoredBytes int64, limiterCacheSize int, metrics *Metrics) (*IngestService, error) {
	cache, err := lru.New[skiplist.OwnerID, *rate.Limiter](limiterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("relay: new ingest service: %w", err)
	}
	return &IngestService{
		Store:          store,
		Driver:         driver,
		limiters:       cache,
		bytesPerSecond: 1 << 20, // 1MiB/s sustained per owner
		burstBytes:     8 << 20, // 8MiB burst
		maxStoredBytes: maxStoredBytes,
		metrics:        metrics,
	}, nil
}

func (s *IngestService) lockFor(owner skiplist.OwnerID) *ownerLock {
	actual, _ := s.locks.LoadOrStore(owner, &ownerLock{})
	return actual.(*ownerLock)
}

func (s *IngestService) limiterFor(owner skiplist.OwnerID) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()

	if l, ok := s.limiters.Get(owner); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(s.bytesPerSecond), s.burstBytes)
	s.limiters.Add(owner, l)
	return l
}

// HandleFrame serializes processing of frame for owner behind that
// owner's lock, enforces the token-bucket byte quota, and delegates to
// the reconciliation driver.
func (s *IngestService) HandleFrame(ctx context.Context, owner skiplist.OwnerID, frame wire.Frame, source reconcile.MessageSource, opts reconcile.RelayOptions) (reconcile.Result, error) {
	lock := s.lockFor(owner)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	start := time.Now()
	incoming := int64(0)
	for _, m := range frame.Messages {
		incoming += int64(len(m.Change))
	}

	limiter := s.limiterFor(owner)
	if incoming > 0 && !limiter.AllowN(time.Now(), int(incoming)) {
		if s.metrics != nil {
			s.metrics.QuotaRejections.Inc()
		}
		return reconcile.Result{
			Outcome: reconcile.OutcomeResponse,
			Frame: wire.Frame{
				Version: wire.ProtocolVersion,
				Header:  wire.Header{Type: wire.MessageResponse, ErrorCode: wire.ErrorStorageQuota},
			},
		}, nil
	}

	if opts.WithinQuota == nil && s.maxStoredBytes > 0 {
		opts.WithinQuota = func(newTotal int64) bool {
			return newTotal <= s.maxStoredBytes
		}
	}

	result, err := s.Driver.ApplyAsRelay(ctx, owner, frame, source, opts)
	if s.metrics != nil {
		s.metrics.FramesIngested.Inc()
		s.metrics.RoundDuration.Observe(time.Since(start).Seconds())
	}
	return result, err
}
