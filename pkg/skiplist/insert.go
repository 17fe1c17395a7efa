// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package skiplist

import (
	"context"
	"fmt"

	"github.com/evoluhq/evolu-sub002/pkg/fingerprint"
	"github.com/evoluhq/evolu-sub002/pkg/hlc"
	"github.com/jmoiron/sqlx"
)

// InsertTimestamp adds ts to owner's skiplist if not already present. It
// reports whether a row was actually inserted (false means ts was already
// known, a routine occurrence when peers' ranges overlap).
//
// A fresh node's skiplist level is sampled independently of its neighbors
// -- there is no per-level aggregate to maintain incrementally, only the
// node's own leaf hash, so insertion never touches any row but the new
// one. Range fingerprints recompute the relevant level's contribution at
// query time (see query.go); this trades a cheaper, always-correct insert
// for a query-time cost that stays bounded by the skiplist's level index.
func (s *Store) InsertTimestamp(ctx context.Context, owner OwnerID, ts hlc.Timestamp) (bool, error) {
	return s.insertTimestampTx(ctx, s.db, owner, ts)
}

// insertTimestampTx runs the insert against any sqlx execer, so it can run
// standalone (via s.db) or as part of a larger transaction (via a *sqlx.Tx,
// as InsertMessage does to keep a message and its skiplist entry atomic).
func (s *Store) insertTimestampTx(ctx context.Context, tx sqlx.ExecerContext, owner OwnerID, ts hlc.Timestamp) (bool, error) {
	level := s.sampleLevel()
	enc := ts.Encode()
	h1, h2 := fingerprint.Hash(ts).Halves()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO evolu_timestamp (ownerId, t, h1, h2, c, l) VALUES (?, ?, ?, ?, ?, ?)`,
		owner[:], enc[:], int64(h1), int64(h2), int64(ts.Counter), level,
	)
	if err != nil {
		return false, fmt.Errorf("skiplist: insert timestamp: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("skiplist: insert timestamp rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteOwner removes every row belonging to owner across all tables: the
// skiplist, stored messages, usage accounting, and write key.
func (s *Store) DeleteOwner(ctx context.Context, owner OwnerID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("skiplist: delete owner: begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"evolu_timestamp", "evolu_message", "evolu_usage", "evolu_writeKey"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE ownerId = ?`, table), owner[:]); err != nil {
			return fmt.Errorf("skiplist: delete owner: %s: %w", table, err)
		}
	}

	return tx.Commit()
}
