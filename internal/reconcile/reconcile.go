// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package reconcile implements the range-based set reconciliation driver:
// the per-round algorithm that turns a peer's ranges into a response that
// narrows the two sides' symmetric difference, and the relay-specific
// bookkeeping (write key checks, quota, broadcast) layered on top of it.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/evoluhq/evolu-sub002/pkg/hlc"
	"github.com/evoluhq/evolu-sub002/pkg/skiplist"
	"github.com/evoluhq/evolu-sub002/pkg/wire"
)

// initialSyncThreshold is the inflection point (§ "31/32-timestamp
// initial") at or below which a Timestamps range is more compact than 16
// Fingerprint ranges.
const initialSyncThreshold = 31

// initialSyncBuckets is the bucket count used once the set exceeds
// initialSyncThreshold.
const initialSyncBuckets = 16

// subdivideBuckets is the fan-out used when a Fingerprint range disagrees
// and must be subdivided.
const subdivideBuckets = 16

// maxRounds bounds a single session's reconciliation rounds, guarding
// against an adversarial or corrupted peer that never converges.
const maxRounds = 64

// MaxRounds exports maxRounds for callers that own the round boundary
// themselves -- a connection loop counts its own rounds and compares
// against this rather than the driver tracking per-session state it has
// no other reason to hold.
const MaxRounds = maxRounds

var (
	// ErrUnsupportedVersion is returned when a frame names a protocol
	// version this driver does not speak.
	ErrUnsupportedVersion = errors.New("reconcile: unsupported protocol version")

	// ErrTooManyRounds names a session that exceeded maxRounds. The driver
	// keeps no per-session state and does not return it; the connection
	// loop counts rounds against MaxRounds itself.
	ErrTooManyRounds = errors.New("reconcile: too many rounds")
)

// MessageSource resolves Timestamps ranges down to ciphertext: given a
// list of timestamps the peer is missing, return their encrypted change
// records in the same order.
type MessageSource interface {
	GetMessages(ctx context.Context, owner skiplist.OwnerID, timestamps []hlc.Timestamp) ([][]byte, error)
}

// Driver runs one side of a reconciliation session against a Store.
type Driver struct {
	Store         *skiplist.Store
	RangesMaxSize int
}

// NewDriver constructs a Driver with the given ranges-per-round budget.
func NewDriver(store *skiplist.Store, rangesMaxSize int) *Driver {
	return &Driver{Store: store, RangesMaxSize: rangesMaxSize}
}

// InitialRanges builds the opening round for a fresh sync against owner:
// a single Timestamps range if the local set is small, otherwise
// FingerprintRanges split across initialSyncBuckets.
func (d *Driver) InitialRanges(ctx context.Context, owner skiplist.OwnerID) ([]wire.Range, error) {
	size, err := d.Store.GetSize(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("reconcile: initial ranges: %w", err)
	}

	if size <= initialSyncThreshold {
		var all []hlc.Timestamp
		err := d.Store.Iterate(ctx, owner, hlc.Zero, func(ts hlc.Timestamp) bool {
			all = append(all, ts)
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("reconcile: initial ranges: %w", err)
		}
		return []wire.Range{wire.TimestampsInfinite(all)}, nil
	}

	buckets, err := d.Store.FingerprintRanges(ctx, owner, initialSyncBuckets, maxTimestamp())
	if err != nil {
		return nil, fmt.Errorf("reconcile: initial ranges: %w", err)
	}
	return bucketsToRanges(buckets, true), nil
}

// bucketsToRanges converts skiplist.FingerprintRanges output into wire
// ranges, making the final bucket's upper bound infinite when infiniteTail
// is set -- the canonical closing range of a round that claims coverage of
// the rest of the timestamp space.
func bucketsToRanges(buckets []skiplist.Bucket, infiniteTail bool) []wire.Range {
	ranges := make([]wire.Range, len(buckets))
	for i, b := range buckets {
		if infiniteTail && i == len(buckets)-1 {
			ranges[i] = wire.Range{Tag: wire.RangeFingerprint, Infinite: true, Fingerprint: b.Fingerprint}
			continue
		}
		ranges[i] = wire.FingerprintRange(b.Fingerprint, b.UpperBound)
	}
	return ranges
}

// maxTimestamp is the largest representable Timestamp, standing in for
// "the end of the space" wherever a concrete (non-infinite) upper bound is
// required by a storage query that an infinite wire range maps onto.
func maxTimestamp() hlc.Timestamp {
	var node hlc.NodeID
	for i := range node {
		node[i] = 0xFF
	}
	return hlc.Timestamp{Millis: (uint64(1) << 48) - 1, Counter: 0xFFFF, Node: node}
}

func upperOrMax(r wire.Range) hlc.Timestamp {
	if r.Infinite {
		return maxTimestamp()
	}
	return r.Upper
}
