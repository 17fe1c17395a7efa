// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package skiplist

import (
	"encoding/base64"
	"fmt"
)

// OwnerID identifies the namespace a set of timestamps belongs to: every
// table in this package is keyed on it, and a single sqlite3 file can hold
// many owners side by side.
type OwnerID [16]byte

// String renders id as the url-safe, unpadded base64 text used in wire
// messages and log lines.
func (id OwnerID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// ParseOwnerID decodes the textual form produced by OwnerID.String.
func ParseOwnerID(s string) (OwnerID, error) {
	var id OwnerID
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("skiplist: parse owner id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("skiplist: owner id must decode to %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}
