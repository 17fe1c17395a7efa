// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package skiplist

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/evoluhq/evolu-sub002/pkg/fingerprint"
	"github.com/evoluhq/evolu-sub002/pkg/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func combineFingerprints(timestamps []hlc.Timestamp) fingerprint.Fingerprint {
	return fingerprint.Combine(timestamps)
}

// sequence returns a deterministic Random source for Store.Open so a
// test's skiplist level assignments are reproducible across runs.
func sequence(values ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := values[i%len(values)]
		i++
		return v
	}
}

func openTestStore(t *testing.T, random func() float64) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "owner.db")
	s, err := Open(path, DefaultConfig(), random)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func owner(b byte) OwnerID {
	var o OwnerID
	o[0] = b
	return o
}

func ts(millis uint64, counter uint16, nodeByte byte) hlc.Timestamp {
	var n hlc.NodeID
	n[0] = nodeByte
	return hlc.Timestamp{Millis: millis, Counter: counter, Node: n}
}

func TestInsertTimestampIsIdempotent(t *testing.T) {
	s := openTestStore(t, sequence(0.9)) // always level 1
	ctx := context.Background()
	o := owner(1)
	t1 := ts(100, 0, 1)

	inserted, err := s.InsertTimestamp(ctx, o, t1)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertTimestamp(ctx, o, t1)
	require.NoError(t, err)
	assert.False(t, inserted)

	size, err := s.GetSize(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestRangeFingerprintMatchesCombineAcrossLevels(t *testing.T) {
	// Alternate low/high draws so timestamps land on a mix of levels.
	s := openTestStore(t, sequence(0.1, 0.1, 0.9, 0.1, 0.9, 0.9, 0.1))
	ctx := context.Background()
	o := owner(2)

	timestamps := []hlc.Timestamp{
		ts(10, 0, 1), ts(20, 0, 1), ts(30, 0, 1), ts(40, 0, 1), ts(50, 0, 1),
	}
	for _, tstamp := range timestamps {
		_, err := s.InsertTimestamp(ctx, o, tstamp)
		require.NoError(t, err)
	}

	got, err := s.RangeFingerprint(ctx, o, hlc.Zero, ts(1000, 0, 0))
	require.NoError(t, err)

	want := combineFingerprints(timestamps)
	assert.Equal(t, want, got)
}

func TestRangeFingerprintRespectsBounds(t *testing.T) {
	s := openTestStore(t, sequence(0.9))
	ctx := context.Background()
	o := owner(3)

	a, b, c := ts(10, 0, 1), ts(20, 0, 1), ts(30, 0, 1)
	for _, tstamp := range []hlc.Timestamp{a, b, c} {
		_, err := s.InsertTimestamp(ctx, o, tstamp)
		require.NoError(t, err)
	}

	got, err := s.RangeFingerprint(ctx, o, a, b)
	require.NoError(t, err)
	assert.Equal(t, combineFingerprints([]hlc.Timestamp{b}), got)
}

func TestFingerprintRangesCoverEverythingOnce(t *testing.T) {
	s := openTestStore(t, sequence(0.1, 0.9, 0.1, 0.9, 0.1, 0.9))
	ctx := context.Background()
	o := owner(4)

	var all []hlc.Timestamp
	for i := uint64(0); i < 12; i++ {
		tstamp := ts(i*10, 0, 1)
		all = append(all, tstamp)
		_, err := s.InsertTimestamp(ctx, o, tstamp)
		require.NoError(t, err)
	}

	buckets, err := s.FingerprintRanges(ctx, o, 4, ts(1000, 0, 0))
	require.NoError(t, err)
	require.Len(t, buckets, 4)

	combined := fingerprint.Zero
	for _, b := range buckets {
		combined = combined.XOR(b.Fingerprint)
	}
	assert.Equal(t, combineFingerprints(all), combined)
}

func TestInsertMessageAndRetrieve(t *testing.T) {
	s := openTestStore(t, sequence(0.9))
	ctx := context.Background()
	o := owner(5)
	tstamp := ts(1, 0, 1)

	require.NoError(t, s.InsertMessage(ctx, o, tstamp, []byte("hello")))

	err := s.InsertMessage(ctx, o, tstamp, []byte("again"))
	assert.ErrorIs(t, err, ErrMessageExists)

	got, err := s.GetMessages(ctx, o, []hlc.Timestamp{tstamp})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("hello"), got[0])

	usage, err := s.GetUsage(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello")), usage.StoredBytes)
	assert.True(t, usage.HasFirst)
	assert.Equal(t, tstamp, usage.FirstTimestamp)
}

func TestWriteKeyRoundTrip(t *testing.T) {
	s := openTestStore(t, sequence(0.9))
	ctx := context.Background()
	o := owner(6)

	err := s.CheckWriteKey(ctx, o, []byte("key"))
	assert.ErrorIs(t, err, ErrOwnerNotFound)

	require.NoError(t, s.SetWriteKey(ctx, o, []byte("correct-key")))

	assert.NoError(t, s.CheckWriteKey(ctx, o, []byte("correct-key")))
	assert.ErrorIs(t, s.CheckWriteKey(ctx, o, []byte("wrong-key")), ErrWriteKeyMismatch)
}

func TestDeleteOwnerRemovesEverything(t *testing.T) {
	s := openTestStore(t, sequence(0.9))
	ctx := context.Background()
	o := owner(7)
	tstamp := ts(1, 0, 1)

	require.NoError(t, s.InsertMessage(ctx, o, tstamp, []byte("x")))
	require.NoError(t, s.SetWriteKey(ctx, o, []byte("k")))

	require.NoError(t, s.DeleteOwner(ctx, o))

	size, err := s.GetSize(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	usage, err := s.GetUsage(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.StoredBytes)

	assert.ErrorIs(t, s.CheckWriteKey(ctx, o, []byte("k")), ErrOwnerNotFound)
}
