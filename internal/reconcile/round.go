// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package reconcile

import (
	"context"
	"fmt"

	"github.com/evoluhq/evolu-sub002/pkg/hlc"
	"github.com/evoluhq/evolu-sub002/pkg/skiplist"
	"github.com/evoluhq/evolu-sub002/pkg/wire"
)

// RoundResult is the outcome of processing one peer-supplied round of
// ranges: the ranges to send back, and the peer timestamps this side
// needs ciphertext for.
type RoundResult struct {
	Response []wire.Range
	Need     []hlc.Timestamp
	// HaveButPeerLacks holds, for each Timestamps range the peer sent, the
	// local timestamps in that range absent from the peer's list; both
	// ApplyAsInitiator and ApplyAsResponder attach their ciphertext to the
	// next frame.
	HaveButPeerLacks []hlc.Timestamp
}

// ProcessRound runs one round of the reconciliation algorithm against
// owner's local store, given the peer's ranges. The cursor advances range
// by range as described in the protocol: Skip moves it past the range's
// upper bound, Fingerprint and Timestamps additionally compare against
// local state.
func (d *Driver) ProcessRound(ctx context.Context, owner skiplist.OwnerID, peerRanges []wire.Range) (RoundResult, error) {
	var result RoundResult
	cursor := hlc.Zero

	budget := wire.NewRangeBudget(d.RangesMaxSize)

	for _, pr := range peerRanges {
		upper := upperOrMax(pr)

		switch pr.Tag {
		case wire.RangeSkip:
			cursor = upper

		case wire.RangeFingerprint:
			local, err := d.Store.RangeFingerprint(ctx, owner, cursor, upper)
			if err != nil {
				return RoundResult{}, fmt.Errorf("reconcile: process round: %w", err)
			}

			if local == pr.Fingerprint {
				budget.AddRange(wire.Skip(upper))
			} else if err := d.emitDisagreement(ctx, owner, cursor, upper, pr.Infinite, budget); err != nil {
				return RoundResult{}, err
			}
			cursor = upper

		case wire.RangeTimestamps:
			local, err := d.localTimestampsInRange(ctx, owner, cursor, upper)
			if err != nil {
				return RoundResult{}, fmt.Errorf("reconcile: process round: %w", err)
			}

			peerHas := toSet(pr.Timestamps)
			localHas := toSet(local)
			needBefore := len(result.Need)

			for _, ts := range pr.Timestamps {
				if !localHas[ts] {
					result.Need = append(result.Need, ts)
				}
			}
			for _, ts := range local {
				if !peerHas[ts] {
					result.HaveButPeerLacks = append(result.HaveButPeerLacks, ts)
				}
			}

			// If this side lacks some of the peer's timestamps, it answers
			// with its own Timestamps range over the same window: the peer
			// then sees which of its messages this side lacks and attaches
			// them. Otherwise the window is acked with a Skip. The ack is a
			// Skip rather than TimestampsInfinite(nil), which would be
			// wire-indistinguishable from a genuine "peer has zero items"
			// declaration and make the other side re-diff its local set
			// against an empty peer set every subsequent round.
			needsPeerMessages := len(result.Need) > needBefore
			switch {
			case needsPeerMessages && pr.Infinite:
				budget.AddRange(wire.TimestampsInfinite(local))
			case needsPeerMessages:
				budget.AddRange(wire.TimestampsRange(local, upper))
			case pr.Infinite:
				budget.AddRange(wire.SkipInfinite())
			default:
				budget.AddRange(wire.Skip(upper))
			}
			cursor = upper

		default:
			return RoundResult{}, fmt.Errorf("reconcile: process round: %w: unknown range tag %d", ErrUnsupportedVersion, pr.Tag)
		}
	}

	result.Response = budget.Ranges()
	return result, nil
}

// emitDisagreement handles a Fingerprint range whose local value differs
// from the peer's: respond with the bare local timestamps if they fit the
// remaining budget as a Timestamps range, otherwise subdivide into up to
// subdivideBuckets Fingerprint ranges and let a later round drill further.
func (d *Driver) emitDisagreement(ctx context.Context, owner skiplist.OwnerID, lower, upper hlc.Timestamp, infinite bool, budget *wire.RangeBudget) error {
	local, err := d.localTimestampsInRange(ctx, owner, lower, upper)
	if err != nil {
		return fmt.Errorf("reconcile: emit disagreement: %w", err)
	}

	var asTimestamps wire.Range
	if infinite {
		asTimestamps = wire.TimestampsInfinite(local)
	} else {
		asTimestamps = wire.TimestampsRange(local, upper)
	}

	if budget.AddRange(asTimestamps) {
		return nil
	}

	buckets, err := d.subdivide(ctx, owner, lower, upper, subdivideBuckets)
	if err != nil {
		return fmt.Errorf("reconcile: emit disagreement: %w", err)
	}
	for i, b := range buckets {
		r := wire.FingerprintRange(b.Fingerprint, b.UpperBound)
		if infinite && i == len(buckets)-1 {
			r.Infinite = true
		}
		if !budget.AddRange(r) {
			break
		}
	}
	return nil
}

// subdivide splits (lower, upper] into up to buckets fingerprint buckets,
// via the storage layer's own lower-bound-aware partitioning so every
// bucket boundary is guaranteed to fall strictly inside (lower, upper] --
// and so strictly shrink the disagreement -- rather than being computed
// against the whole [0, upper] population the way a naive reuse of
// FingerprintRanges(upper) would.
func (d *Driver) subdivide(ctx context.Context, owner skiplist.OwnerID, lower, upper hlc.Timestamp, buckets int) ([]skiplist.Bucket, error) {
	return d.Store.FingerprintRangesBetween(ctx, owner, buckets, lower, upper)
}

func (d *Driver) localTimestampsInRange(ctx context.Context, owner skiplist.OwnerID, lower, upper hlc.Timestamp) ([]hlc.Timestamp, error) {
	var out []hlc.Timestamp
	err := d.Store.Iterate(ctx, owner, lower, func(ts hlc.Timestamp) bool {
		if hlc.Compare(ts, upper) > 0 {
			return false
		}
		out = append(out, ts)
		return true
	})
	return out, err
}

func toSet(timestamps []hlc.Timestamp) map[hlc.Timestamp]bool {
	set := make(map[hlc.Timestamp]bool, len(timestamps))
	for _, ts := range timestamps {
		set[ts] = true
	}
	return set
}
