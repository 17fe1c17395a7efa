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
	"github.com/mattn/go-sqlite3"
)

// InsertMessage stores the encrypted change record change at ts for owner,
// alongside inserting ts into the skiplist, and updates the owner's usage
// accounting. Both writes happen in one transaction: a message can never
// be visible in evolu_message without a matching skiplist entry, or vice
// versa.
func (s *Store) InsertMessage(ctx context.Context, owner OwnerID, ts hlc.Timestamp, change []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("skiplist: insert message: begin: %w", err)
	}
	defer tx.Rollback()

	enc := ts.Encode()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO evolu_message (ownerId, timestamp, change) VALUES (?, ?, ?)`,
		owner[:], enc[:], change,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrMessageExists
		}
		return fmt.Errorf("skiplist: insert message: %w", err)
	}

	if _, err := s.insertTimestampTx(ctx, tx, owner, ts); err != nil {
		return fmt.Errorf("skiplist: insert message: %w", err)
	}

	if err := s.recordUsageTx(ctx, tx, owner, ts, len(change)); err != nil {
		return fmt.Errorf("skiplist: insert message: %w", err)
	}

	return tx.Commit()
}

// GetMessages returns the encrypted change records for owner at exactly
// the given timestamps, in the order requested.
func (s *Store) GetMessages(ctx context.Context, owner OwnerID, timestamps []hlc.Timestamp) ([][]byte, error) {
	out := make([][]byte, len(timestamps))
	for i, ts := range timestamps {
		enc := ts.Encode()
		var change []byte
		err := s.db.GetContext(ctx, &change,
			`SELECT change FROM evolu_message WHERE ownerId = ? AND timestamp = ?`,
			owner[:], enc[:],
		)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("skiplist: get messages: no message at %x for owner %s", enc, owner)
		}
		if err != nil {
			return nil, fmt.Errorf("skiplist: get messages: %w", err)
		}
		out[i] = change
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	sqliteErr, ok := err.(sqlite3.Error)
	return ok && sqliteErr.Code == sqlite3.ErrConstraint
}
