// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/evoluhq/evolu-sub002/pkg/hlc"
	"github.com/evoluhq/evolu-sub002/pkg/log"
	"github.com/evoluhq/evolu-sub002/pkg/skiplist"
	"github.com/evoluhq/evolu-sub002/pkg/wire"
)

// Outcome tags what a driver call produced: a Response to send, an
// explicit NoResponse (the round converged), or an Error.
type Outcome int

const (
	OutcomeResponse Outcome = iota
	OutcomeNoResponse
	OutcomeError
)

// Result is what ApplyAsInitiator/ApplyAsResponder/ApplyAsRelay return.
type Result struct {
	Outcome   Outcome
	Frame     wire.Frame
	Broadcast *wire.Frame
	Err       error
}

// ApplyAsInitiator processes a responder's frame from the initiator's
// point of view: store any ciphertext the responder attached, reconcile
// the ranges, and build the next round's frame.
func (d *Driver) ApplyAsInitiator(ctx context.Context, owner skiplist.OwnerID, frame wire.Frame, source MessageSource) (Result, error) {
	if frame.Version != wire.ProtocolVersion {
		return errorResult(wire.ErrorUnsupportedVersion), fmt.Errorf("reconcile: %w: %d", ErrUnsupportedVersion, frame.Version)
	}
	if frame.Header.ErrorCode != wire.ErrorNone {
		return Result{Outcome: OutcomeError, Err: fmt.Errorf("reconcile: responder error code %d", frame.Header.ErrorCode)}, nil
	}

	if err := d.ingestIncoming(ctx, owner, frame); err != nil {
		return Result{}, fmt.Errorf("reconcile: apply as initiator: %w", err)
	}

	round, err := d.ProcessRound(ctx, owner, frame.Ranges)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: apply as initiator: %w", err)
	}

	if len(round.Need) > 0 {
		// Nothing extra to encode here: ProcessRound already answered
		// each window holding round.Need with this side's own Timestamps
		// range, so the responder attaches that ciphertext next round.
		log.Debugf("reconcile: initiator needs %d messages for owner %s", len(round.Need), owner)
	}

	messages, err := attachMessages(ctx, owner, round.HaveButPeerLacks, source)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: apply as initiator: %w", err)
	}

	if onlySkips(round.Response) && len(messages) == 0 {
		return Result{Outcome: OutcomeNoResponse}, nil
	}

	resp := wire.Frame{
		Version:  wire.ProtocolVersion,
		OwnerID:  owner,
		Header:   wire.Header{Type: wire.MessageRequest},
		Messages: messages,
		Ranges:   round.Response,
	}
	return Result{Outcome: OutcomeResponse, Frame: resp}, nil
}

// ApplyAsResponder processes an initiator's frame from the responder's
// point of view, additionally validating the write key of a frame that
// carries messages before reconciling. The first write for an owner with
// no stored write key registers the key it presents.
func (d *Driver) ApplyAsResponder(ctx context.Context, owner skiplist.OwnerID, frame wire.Frame, source MessageSource) (Result, error) {
	if frame.Version != wire.ProtocolVersion {
		return errorResult(wire.ErrorUnsupportedVersion), fmt.Errorf("reconcile: %w: %d", ErrUnsupportedVersion, frame.Version)
	}

	if len(frame.Messages) > 0 {
		err := d.Store.CheckWriteKey(ctx, owner, frame.WriteKey)
		if errors.Is(err, skiplist.ErrOwnerNotFound) && len(frame.WriteKey) > 0 {
			err = d.Store.SetWriteKey(ctx, owner, frame.WriteKey)
		}
		if err != nil {
			log.Warnf("reconcile: write key rejected for owner %s: %v", owner, err)
			return errorResult(wire.ErrorWriteKey), nil
		}
		if err := d.ingestIncoming(ctx, owner, frame); err != nil {
			return Result{}, fmt.Errorf("reconcile: apply as responder: %w", err)
		}
	}

	round, err := d.ProcessRound(ctx, owner, frame.Ranges)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: apply as responder: %w", err)
	}

	messages, err := attachMessages(ctx, owner, round.HaveButPeerLacks, source)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: apply as responder: %w", err)
	}

	var broadcast *wire.Frame
	if len(frame.Messages) > 0 {
		b := frame
		b.Header.Type = wire.MessageBroadcast
		b.WriteKey = nil
		broadcast = &b
	}

	if onlySkips(round.Response) && len(messages) == 0 {
		return Result{Outcome: OutcomeNoResponse, Broadcast: broadcast}, nil
	}

	resp := wire.Frame{
		Version:  wire.ProtocolVersion,
		OwnerID:  owner,
		Header:   wire.Header{Type: wire.MessageResponse},
		Messages: messages,
		Ranges:   round.Response,
	}
	return Result{Outcome: OutcomeResponse, Frame: resp, Broadcast: broadcast}, nil
}

// onlySkips reports whether ranges asks the peer for nothing: an empty
// list, or one made only of Skip acks.
func onlySkips(ranges []wire.Range) bool {
	for _, r := range ranges {
		if r.Tag != wire.RangeSkip {
			return false
		}
	}
	return true
}

// attachMessages resolves timestamps this side has and the peer lacks
// into their encrypted change records, via the caller-supplied
// MessageSource (typically the same Store, addressed through the
// narrower interface so callers can substitute a cache).
func attachMessages(ctx context.Context, owner skiplist.OwnerID, timestamps []hlc.Timestamp, source MessageSource) ([]wire.EncryptedCrdtMessage, error) {
	if len(timestamps) == 0 || source == nil {
		return nil, nil
	}

	changes, err := source.GetMessages(ctx, owner, timestamps)
	if err != nil {
		return nil, fmt.Errorf("attach messages: %w", err)
	}

	out := make([]wire.EncryptedCrdtMessage, len(timestamps))
	for i, ts := range timestamps {
		out[i] = wire.EncryptedCrdtMessage{Timestamp: ts, Change: changes[i]}
	}
	return out, nil
}

// ApplyAsRelay is the transport-facing entry point a relay server calls
// per incoming frame: it is ApplyAsResponder plus quota enforcement and
// subscription bookkeeping, expressed as callbacks so the transport layer
// owns the actual connection/subscriber state.
type RelayOptions struct {
	Subscribe   func()
	Unsubscribe func()
	Broadcast   func(wire.Frame)
	WithinQuota func(newTotalBytes int64) bool
}

func (d *Driver) ApplyAsRelay(ctx context.Context, owner skiplist.OwnerID, frame wire.Frame, source MessageSource, opts RelayOptions) (Result, error) {
	if len(frame.Messages) > 0 && opts.WithinQuota != nil {
		incoming := int64(0)
		for _, m := range frame.Messages {
			incoming += int64(len(m.Change))
		}
		usage, err := d.Store.GetUsage(ctx, owner)
		if err != nil {
			return Result{}, fmt.Errorf("reconcile: apply as relay: %w", err)
		}
		if !opts.WithinQuota(usage.StoredBytes + incoming) {
			return errorResult(wire.ErrorStorageQuota), nil
		}
	}

	result, err := d.ApplyAsResponder(ctx, owner, frame, source)
	if err != nil {
		return result, err
	}

	switch frame.Header.SubscriptionFlag {
	case wire.SubscriptionSubscribe:
		if opts.Subscribe != nil {
			opts.Subscribe()
		}
	case wire.SubscriptionUnsubscribe:
		if opts.Unsubscribe != nil {
			opts.Unsubscribe()
		}
	}

	if result.Broadcast != nil && opts.Broadcast != nil {
		opts.Broadcast(*result.Broadcast)
	}

	return result, nil
}

// ingestIncoming stores every message in frame that the local side does
// not already have, inside one transaction per message via
// skiplist.Store.InsertMessage (itself transactional). Pre-insertion
// filtering against GetExistingTimestamps is the source of truth for
// idempotency, matching the design note against relying on the storage
// layer's own on-conflict-do-nothing.
func (d *Driver) ingestIncoming(ctx context.Context, owner skiplist.OwnerID, frame wire.Frame) error {
	if len(frame.Messages) == 0 {
		return nil
	}

	timestamps := make([]hlc.Timestamp, 0, len(frame.Messages))
	for _, m := range frame.Messages {
		timestamps = append(timestamps, m.Timestamp)
	}

	existing, err := d.Store.GetExistingTimestamps(ctx, owner, timestamps)
	if err != nil {
		return fmt.Errorf("ingest incoming: %w", err)
	}
	existingSet := make(map[hlc.Timestamp]bool, len(existing))
	for _, ts := range existing {
		existingSet[ts] = true
	}

	for _, m := range frame.Messages {
		if existingSet[m.Timestamp] {
			continue
		}
		if err := d.Store.InsertMessage(ctx, owner, m.Timestamp, m.Change); err != nil {
			return fmt.Errorf("ingest incoming: %w", err)
		}
	}
	return nil
}

func errorResult(code wire.ErrorCode) Result {
	return Result{
		Outcome: OutcomeResponse,
		Frame: wire.Frame{
			Version: wire.ProtocolVersion,
			Header:  wire.Header{Type: wire.MessageResponse, ErrorCode: code},
		},
	}
}
