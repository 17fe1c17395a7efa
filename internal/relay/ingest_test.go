// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package relay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/evoluhq/evolu-sub002/internal/reconcile"
	"github.com/evoluhq/evolu-sub002/pkg/skiplist"
	"github.com/evoluhq/evolu-sub002/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIngest(t *testing.T, maxStoredBytes int64) (*IngestService, skiplist.OwnerID) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "owner.db")
	store, err := skiplist.Open(path, skiplist.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	driver := reconcile.NewDriver(store, 1<<20)
	ingest, err := NewIngestService(store, driver, maxStoredBytes, 64, nil)
	require.NoError(t, err)

	var owner skiplist.OwnerID
	owner[0] = 7
	return ingest, owner
}

func TestHandleFrameEmptySyncYieldsNoResponse(t *testing.T) {
	ingest, owner := newTestIngest(t, 0)

	frame := wire.Frame{
		Version: wire.ProtocolVersion,
		OwnerID: owner,
		Header:  wire.Header{Type: wire.MessageRequest},
		Ranges:  []wire.Range{wire.TimestampsInfinite(nil)},
	}

	result, err := ingest.HandleFrame(context.Background(), owner, frame, ingest.Store, reconcile.RelayOptions{})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeNoResponse, result.Outcome)
}

func TestHandleFrameSameOwnerIsSerializedBySameLock(t *testing.T) {
	ingest, owner := newTestIngest(t, 0)

	first := ingest.lockFor(owner)
	second := ingest.lockFor(owner)
	assert.Same(t, first, second)

	var otherOwner skiplist.OwnerID
	otherOwner[0] = 9
	other := ingest.lockFor(otherOwner)
	assert.NotSame(t, first, other)
}

func TestHandleFrameRejectsOverQuotaWrite(t *testing.T) {
	ingest, owner := newTestIngest(t, 0)
	ingest.bytesPerSecond = 1
	ingest.burstBytes = 1

	frame := wire.Frame{
		Version: wire.ProtocolVersion,
		OwnerID: owner,
		Header:  wire.Header{Type: wire.MessageRequest},
		Messages: []wire.EncryptedCrdtMessage{
			{Change: make([]byte, 4096)},
		},
		Ranges: []wire.Range{wire.TimestampsInfinite(nil)},
	}

	result, err := ingest.HandleFrame(context.Background(), owner, frame, ingest.Store, reconcile.RelayOptions{})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeResponse, result.Outcome)
	assert.Equal(t, wire.ErrorStorageQuota, result.Frame.Header.ErrorCode)
}

func TestLimiterForReusesCachedLimiterPerOwner(t *testing.T) {
	ingest, owner := newTestIngest(t, 0)

	first := ingest.limiterFor(owner)
	second := ingest.limiterFor(owner)
	assert.Same(t, first, second)
}
