// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package skiplist

import "errors"

var (
	// ErrOwnerNotFound is returned when an operation addresses an owner
	// with no rows in any of this package's tables.
	ErrOwnerNotFound = errors.New("skiplist: owner not found")

	// ErrWriteKeyMismatch is returned when a caller's write key does not
	// match the one on record for the owner.
	ErrWriteKeyMismatch = errors.New("skiplist: write key mismatch")

	// ErrMessageExists is returned by InsertMessage when a message already
	// exists for the given timestamp: messages are immutable once stored.
	ErrMessageExists = errors.New("skiplist: message already exists at timestamp")
)
