// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fingerprint implements the commutative, cancellative set
// summary used by the reconciliation driver: the XOR of truncated SHA-256
// digests of each element's canonical byte encoding.
//
// Using stdlib crypto/sha256 here is deliberate, not a gap: SHA-256 is
// the named hash for this algebra, and the standard library is its
// canonical Go implementation -- there is nothing a third-party hashing
// package would add.
package fingerprint

import (
	"crypto/sha256"

	"github.com/evoluhq/evolu-sub002/pkg/hlc"
)

// Size is the length in bytes of a Fingerprint.
const Size = 12

// Fingerprint summarizes a set of timestamps. Combination is XOR, which is
// associative, commutative, and cancellative (f.XOR(f) == Zero).
type Fingerprint [Size]byte

// Zero is the fingerprint of the empty set.
var Zero Fingerprint

// Hash returns the fingerprint contribution of a single timestamp: the
// first 12 bytes of SHA-256(timestamp's canonical 24-byte encoding).
func Hash(ts hlc.Timestamp) Fingerprint {
	enc := ts.Encode()
	sum := sha256.Sum256(enc[:])

	var f Fingerprint
	copy(f[:], sum[:Size])
	return f
}

// XOR combines two fingerprints.
func (f Fingerprint) XOR(other Fingerprint) Fingerprint {
	var out Fingerprint
	for i := range out {
		out[i] = f[i] ^ other[i]
	}
	return out
}

// Combine reduces a slice of timestamps to their fingerprint.
func Combine(timestamps []hlc.Timestamp) Fingerprint {
	var acc Fingerprint
	for _, ts := range timestamps {
		acc = acc.XOR(Hash(ts))
	}
	return acc
}

// Halves splits f into the two 48-bit big-endian halves the skiplist
// storage persists per node (h1, h2): the arithmetic split the SQL layer
// mirrors to implement XOR as (a|b)-(a&b) where the query engine exposes
// no bitwise XOR operator.
func (f Fingerprint) Halves() (h1, h2 uint64) {
	h1 = beUint48(f[0:6])
	h2 = beUint48(f[6:12])
	return h1, h2
}

// FromHalves reassembles a Fingerprint from its two 48-bit halves.
func FromHalves(h1, h2 uint64) Fingerprint {
	var f Fingerprint
	putUint48(f[0:6], h1)
	putUint48(f[6:12], h2)
	return f
}

func beUint48(b []byte) uint64 {
	_ = b[5]
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

func putUint48(b []byte, v uint64) {
	_ = b[5]
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

// XORHalves implements XOR on the 48-bit-half representation using the
// arithmetic identity a XOR b == (a|b) - (a&b), which is the identity
// pushed down into the skiplist storage's SQL CTEs (see pkg/skiplist) so
// that both the application-side combination here and the in-query
// combination there are provably the same operation.
func XORHalves(a, b uint64) uint64 {
	return (a | b) - (a & b)
}
