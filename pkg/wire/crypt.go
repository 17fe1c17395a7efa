// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire

import (
	"fmt"

	"github.com/evoluhq/evolu-sub002/pkg/hlc"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrTimestampMismatch is returned by Decrypt whenever the ciphertext does
// not authenticate under the key and the supplied timestamp. A ciphertext
// bound to a different timestamp fails this way, which defends against
// swapping a valid message's timestamp; a wrong key or corrupted
// ciphertext fails the same way.
type ErrTimestampMismatch struct {
	Expected hlc.Timestamp
	Embedded hlc.Timestamp
}

func (e *ErrTimestampMismatch) Error() string {
	return fmt.Sprintf("wire: timestamp mismatch: expected %+v, ciphertext bound to %+v", e.Expected, e.Embedded)
}

// Encrypt seals plaintext under key, binding ts as AEAD associated data so
// that any attempt to replay the ciphertext under a different timestamp
// fails authentication. nonce must be chacha20poly1305.NonceSize bytes and
// unique per (key, timestamp).
func Encrypt(key []byte, nonce []byte, ts hlc.Timestamp, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("wire: encrypt: %w", err)
	}
	enc := ts.Encode()
	return aead.Seal(nil, nonce, plaintext, enc[:]), nil
}

// Decrypt opens ciphertext under key, verifying it was sealed with ts as
// associated data. Every authentication failure returns
// ErrTimestampMismatch. The AEAD does not expose what associated data a
// ciphertext was bound to, so the embedded timestamp is not recovered:
// both Expected and Embedded are set to ts.
func Decrypt(key []byte, nonce []byte, ts hlc.Timestamp, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("wire: decrypt: %w", err)
	}
	enc := ts.Encode()
	plaintext, err := aead.Open(nil, nonce, ciphertext, enc[:])
	if err != nil {
		return nil, &ErrTimestampMismatch{Expected: ts, Embedded: ts}
	}
	return plaintext, nil
}
