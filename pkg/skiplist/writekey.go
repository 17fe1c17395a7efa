// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package skiplist

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
)

// SetWriteKey records owner's write key, the capability a peer must
// present to append messages. It is set once, typically on an owner's
// first write, and is not intended to rotate.
func (s *Store) SetWriteKey(ctx context.Context, owner OwnerID, writeKey []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evolu_writeKey (ownerId, writeKey) VALUES (?, ?)
		 ON CONFLICT(ownerId) DO NOTHING`,
		owner[:], writeKey,
	)
	if err != nil {
		return fmt.Errorf("skiplist: set write key: %w", err)
	}
	return nil
}

// CheckWriteKey reports whether candidate matches owner's write key in
// constant time, and ErrOwnerNotFound if owner has never registered one.
func (s *Store) CheckWriteKey(ctx context.Context, owner OwnerID, candidate []byte) error {
	var stored []byte
	err := s.db.GetContext(ctx, &stored,
		`SELECT writeKey FROM evolu_writeKey WHERE ownerId = ?`,
		owner[:],
	)
	if err == sql.ErrNoRows {
		return ErrOwnerNotFound
	}
	if err != nil {
		return fmt.Errorf("skiplist: check write key: %w", err)
	}

	if len(stored) != len(candidate) || subtle.ConstantTimeCompare(stored, candidate) != 1 {
		return ErrWriteKeyMismatch
	}
	return nil
}
