// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package skiplist

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/evoluhq/evolu-sub002/pkg/hlc"
	"github.com/jmoiron/sqlx"
)

// Usage summarizes an owner's storage footprint: total bytes and the span
// of timestamps currently held, used to enforce per-owner storage quotas
// and to report usage to the owner.
type Usage struct {
	StoredBytes    int64
	FirstTimestamp hlc.Timestamp
	HasFirst       bool
	LastTimestamp  hlc.Timestamp
	HasLast        bool
}

// GetUsage returns owner's current usage record. A never-written owner
// reports a zero Usage rather than ErrOwnerNotFound: usage accounting
// starts implicitly on first write.
func (s *Store) GetUsage(ctx context.Context, owner OwnerID) (Usage, error) {
	var row struct {
		StoredBytes    int64   `db:"storedBytes"`
		FirstTimestamp []byte  `db:"firstTimestamp"`
		LastTimestamp  []byte  `db:"lastTimestamp"`
	}

	err := s.db.GetContext(ctx, &row,
		`SELECT storedBytes, firstTimestamp, lastTimestamp FROM evolu_usage WHERE ownerId = ?`,
		owner[:],
	)
	if err == sql.ErrNoRows {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("skiplist: get usage: %w", err)
	}

	u := Usage{StoredBytes: row.StoredBytes}
	if row.FirstTimestamp != nil {
		ts, err := hlc.Decode(row.FirstTimestamp)
		if err != nil {
			return Usage{}, fmt.Errorf("skiplist: get usage: %w", err)
		}
		u.FirstTimestamp, u.HasFirst = ts, true
	}
	if row.LastTimestamp != nil {
		ts, err := hlc.Decode(row.LastTimestamp)
		if err != nil {
			return Usage{}, fmt.Errorf("skiplist: get usage: %w", err)
		}
		u.LastTimestamp, u.HasLast = ts, true
	}
	return u, nil
}

// recordUsageTx updates owner's usage row to account for a message of the
// given size stored at ts, creating the row if this is the owner's first
// write. firstTimestamp/lastTimestamp track the min/max timestamp seen,
// independent of insertion order.
func (s *Store) recordUsageTx(ctx context.Context, tx *sqlx.Tx, owner OwnerID, ts hlc.Timestamp, size int) error {
	enc := ts.Encode()

	_, err := tx.ExecContext(ctx,
		`INSERT INTO evolu_usage (ownerId, storedBytes, firstTimestamp, lastTimestamp)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(ownerId) DO UPDATE SET
		   storedBytes = storedBytes + excluded.storedBytes,
		   firstTimestamp = CASE WHEN firstTimestamp IS NULL OR excluded.firstTimestamp < firstTimestamp
		                         THEN excluded.firstTimestamp ELSE firstTimestamp END,
		   lastTimestamp = CASE WHEN lastTimestamp IS NULL OR excluded.lastTimestamp > lastTimestamp
		                        THEN excluded.lastTimestamp ELSE lastTimestamp END`,
		owner[:], size, enc[:], enc[:],
	)
	if err != nil {
		return fmt.Errorf("skiplist: record usage: %w", err)
	}
	return nil
}
