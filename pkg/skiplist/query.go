// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package skiplist

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/evoluhq/evolu-sub002/pkg/fingerprint"
	"github.com/evoluhq/evolu-sub002/pkg/hlc"
)

// GetSize returns the number of timestamps stored for owner.
func (s *Store) GetSize(ctx context.Context, owner OwnerID) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM evolu_timestamp WHERE ownerId = ?`, owner[:])
	if err != nil {
		return 0, fmt.Errorf("skiplist: get size: %w", err)
	}
	return n, nil
}

// GetExistingTimestamps filters candidates down to the ones owner already
// has stored, used by the reconciliation driver to dedupe an incoming
// Timestamps range against local state before requesting messages.
func (s *Store) GetExistingTimestamps(ctx context.Context, owner OwnerID, candidates []hlc.Timestamp) ([]hlc.Timestamp, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	query, args := inClauseQuery(owner[:], encodeAll(candidates))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("skiplist: get existing timestamps: %w", err)
	}
	defer rows.Close()

	var out []hlc.Timestamp
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("skiplist: get existing timestamps: scan: %w", err)
		}
		ts, err := hlc.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("skiplist: get existing timestamps: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// FindLowerBound returns the timestamp at the given zero-based position in
// owner's ascending timestamp order, and false if offset is out of range.
func (s *Store) FindLowerBound(ctx context.Context, owner OwnerID, offset int64) (hlc.Timestamp, bool, error) {
	var b []byte
	err := s.db.GetContext(ctx, &b,
		`SELECT t FROM evolu_timestamp WHERE ownerId = ? ORDER BY t LIMIT 1 OFFSET ?`,
		owner[:], offset,
	)
	if err == sql.ErrNoRows {
		return hlc.Timestamp{}, false, nil
	}
	if err != nil {
		return hlc.Timestamp{}, false, fmt.Errorf("skiplist: find lower bound: %w", err)
	}

	ts, err := hlc.Decode(b)
	if err != nil {
		return hlc.Timestamp{}, false, fmt.Errorf("skiplist: find lower bound: %w", err)
	}
	return ts, true, nil
}

// Iterate calls fn for every timestamp owner holds strictly greater than
// lower, in ascending order, stopping early if fn returns false.
func (s *Store) Iterate(ctx context.Context, owner OwnerID, lower hlc.Timestamp, fn func(hlc.Timestamp) bool) error {
	lowerEnc := lower.Encode()
	rows, err := s.db.QueryContext(ctx,
		`SELECT t FROM evolu_timestamp WHERE ownerId = ? AND t > ? ORDER BY t`,
		owner[:], lowerEnc[:],
	)
	if err != nil {
		return fmt.Errorf("skiplist: iterate: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return fmt.Errorf("skiplist: iterate: scan: %w", err)
		}
		ts, err := hlc.Decode(b)
		if err != nil {
			return fmt.Errorf("skiplist: iterate: %w", err)
		}
		if !fn(ts) {
			break
		}
	}
	return rows.Err()
}

// byteRange is a half-open-on-the-left, closed-on-the-right window of
// encoded timestamp bytes: (lo, hi].
type byteRange struct {
	lo, hi []byte
}

// RangeFingerprint computes the XOR fingerprint of every timestamp owner
// holds in (lower, upper]. It descends the skiplist from MaxLevel to 1,
// at each level reading only the rows assigned exactly that level within
// the windows left over from the level above. Every stored row has some
// level in [1, MaxLevel], so by the time the descent reaches level 1 every
// row has been folded into the accumulator exactly once; the per-level
// index (ownerId, l, t) keeps each level's read bounded to that level's
// own population of the current window rather than a full range scan.
func (s *Store) RangeFingerprint(ctx context.Context, owner OwnerID, lower, upper hlc.Timestamp) (fingerprint.Fingerprint, error) {
	loEnc, hiEnc := lower.Encode(), upper.Encode()
	windows := []byteRange{{lo: loEnc[:], hi: hiEnc[:]}}

	acc := fingerprint.Zero
	for level := s.cfg.MaxLevel; level >= 1 && len(windows) > 0; level-- {
		var next []byteRange

		for _, w := range windows {
			rows, err := s.db.QueryContext(ctx,
				`SELECT t, h1, h2 FROM evolu_timestamp
				 WHERE ownerId = ? AND l = ? AND t > ? AND t <= ?
				 ORDER BY t`,
				owner[:], level, w.lo, w.hi,
			)
			if err != nil {
				return fingerprint.Zero, fmt.Errorf("skiplist: range fingerprint: level %d: %w", level, err)
			}

			prevBound := w.lo
			for rows.Next() {
				var t []byte
				var h1, h2 int64
				if err := rows.Scan(&t, &h1, &h2); err != nil {
					rows.Close()
					return fingerprint.Zero, fmt.Errorf("skiplist: range fingerprint: scan: %w", err)
				}
				acc = acc.XOR(fingerprint.FromHalves(uint64(h1), uint64(h2)))
				next = append(next, byteRange{lo: prevBound, hi: t})
				prevBound = t
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return fingerprint.Zero, fmt.Errorf("skiplist: range fingerprint: %w", err)
			}
			rows.Close()

			next = append(next, byteRange{lo: prevBound, hi: w.hi})
		}

		windows = next
	}

	return acc, nil
}

// Bucket is one partition of FingerprintRanges' output: the fingerprint of
// every timestamp up to and including UpperBound, relative to the
// preceding bucket's UpperBound.
type Bucket struct {
	UpperBound  hlc.Timestamp
	Fingerprint fingerprint.Fingerprint
}

// FingerprintRanges splits owner's timestamps up to upperBound into at
// most buckets contiguous, roughly-equal-sized partitions and returns each
// partition's upper boundary and fingerprint. It is the primitive behind
// the protocol's non-initial Fingerprint message: a responder that
// disagrees with one bucket need only recurse into that bucket on the
// next round, not the whole range.
func (s *Store) FingerprintRanges(ctx context.Context, owner OwnerID, buckets int, upperBound hlc.Timestamp) ([]Bucket, error) {
	return s.FingerprintRangesBetween(ctx, owner, buckets, hlc.Zero, upperBound)
}

// FingerprintRangesBetween is FingerprintRanges restricted to the window
// (lower, upper]: it partitions only the timestamps in that window, so
// every returned bucket boundary -- and every sub-range a caller recurses
// into -- is guaranteed to shrink relative to (lower, upper]. FingerprintRanges
// itself cannot promise that once lower is nonzero: its bucket boundaries
// are computed against the whole [0, upperBound] population, so a window
// deep inside that population can collapse back onto a single bucket and
// stall a reconciliation session's progress.
func (s *Store) FingerprintRangesBetween(ctx context.Context, owner OwnerID, buckets int, lower, upper hlc.Timestamp) ([]Bucket, error) {
	if buckets <= 0 {
		return nil, fmt.Errorf("skiplist: fingerprint ranges between: buckets must be positive, got %d", buckets)
	}

	total, err := s.countInRange(ctx, owner, lower, upper)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}

	bucketSize := (total + int64(buckets) - 1) / int64(buckets)

	result := make([]Bucket, 0, buckets)
	prev := lower
	for i := int64(0); i < total; i += bucketSize {
		offset := i + bucketSize - 1
		if offset >= total {
			offset = total - 1
		}

		boundary, ok, err := s.findOffsetInRange(ctx, owner, lower, upper, offset)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		fp, err := s.RangeFingerprint(ctx, owner, prev, boundary)
		if err != nil {
			return nil, err
		}

		result = append(result, Bucket{UpperBound: boundary, Fingerprint: fp})
		prev = boundary
	}

	return result, nil
}

// countInRange returns the number of owner's timestamps in (lower, upper].
func (s *Store) countInRange(ctx context.Context, owner OwnerID, lower, upper hlc.Timestamp) (int64, error) {
	loEnc, hiEnc := lower.Encode(), upper.Encode()
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM evolu_timestamp WHERE ownerId = ? AND t > ? AND t <= ?`,
		owner[:], loEnc[:], hiEnc[:],
	)
	if err != nil {
		return 0, fmt.Errorf("skiplist: count in range: %w", err)
	}
	return n, nil
}

// findOffsetInRange returns the timestamp at the given zero-based position
// in owner's ascending order restricted to (lower, upper], and false if
// offset is out of range.
func (s *Store) findOffsetInRange(ctx context.Context, owner OwnerID, lower, upper hlc.Timestamp, offset int64) (hlc.Timestamp, bool, error) {
	loEnc, hiEnc := lower.Encode(), upper.Encode()
	var b []byte
	err := s.db.GetContext(ctx, &b,
		`SELECT t FROM evolu_timestamp WHERE ownerId = ? AND t > ? AND t <= ? ORDER BY t LIMIT 1 OFFSET ?`,
		owner[:], loEnc[:], hiEnc[:], offset,
	)
	if err == sql.ErrNoRows {
		return hlc.Timestamp{}, false, nil
	}
	if err != nil {
		return hlc.Timestamp{}, false, fmt.Errorf("skiplist: find offset in range: %w", err)
	}

	ts, err := hlc.Decode(b)
	if err != nil {
		return hlc.Timestamp{}, false, fmt.Errorf("skiplist: find offset in range: %w", err)
	}
	return ts, true, nil
}

func encodeAll(timestamps []hlc.Timestamp) [][]byte {
	out := make([][]byte, len(timestamps))
	for i, ts := range timestamps {
		enc := ts.Encode()
		out[i] = append([]byte(nil), enc[:]...)
	}
	return out
}

// inClauseQuery builds a `t IN (?, ?, ...)` query sized to len(timestamps),
// since database/sql has no native slice-expansion for IN clauses.
func inClauseQuery(owner []byte, timestamps [][]byte) (string, []interface{}) {
	placeholders := make([]byte, 0, len(timestamps)*2)
	for i := range timestamps {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}

	query := fmt.Sprintf(
		`SELECT t FROM evolu_timestamp WHERE ownerId = ? AND t IN (%s)`,
		string(placeholders),
	)

	args := make([]interface{}, 0, len(timestamps)+1)
	args = append(args, owner)
	for _, t := range timestamps {
		args = append(args, t)
	}
	return query, args
}
