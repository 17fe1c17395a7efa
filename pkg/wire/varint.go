// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wire implements the binary framing used between reconciliation
// peers: varint integers, a tagged value union, range descriptors, and the
// encrypted message envelope, all bit-exact with the documented wire
// format so independent implementations interoperate.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidData marks a byte sequence that does not parse as valid wire
// format: a truncated varint, an unknown tag, or a value outside this
// codec's supported range.
var ErrInvalidData = errors.New("wire: invalid data")

// maxSafeInt is 2^53-1, the largest integer this codec's NonNegativeInt
// guarantees round-trips without precision loss in cross-language peers
// that represent it as a float64.
const maxSafeInt = uint64(1)<<53 - 1

// AppendUvarint encodes v as an unsigned LEB128 varint and appends it to
// buf, returning the extended slice. v must not exceed maxSafeInt.
func AppendUvarint(buf []byte, v uint64) ([]byte, error) {
	if v > maxSafeInt {
		return nil, fmt.Errorf("wire: %w: value %d exceeds max safe integer", ErrInvalidData, v)
	}
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...), nil
}

// ReadUvarint decodes a varint from the front of buf, returning the value
// and the number of bytes consumed.
func ReadUvarint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, fmt.Errorf("wire: %w: truncated varint", ErrInvalidData)
	}
	if v > maxSafeInt {
		return 0, 0, fmt.Errorf("wire: %w: value %d exceeds max safe integer", ErrInvalidData, v)
	}
	return v, n, nil
}

// AppendBytes length-prefixes b with a varint and appends both to buf.
func AppendBytes(buf []byte, b []byte) []byte {
	buf, _ = AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// ReadBytes reads a varint-length-prefixed byte sequence from the front of
// buf, returning the payload and bytes consumed including the prefix.
func ReadBytes(buf []byte) ([]byte, int, error) {
	n, prefixLen, err := ReadUvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	total := prefixLen + int(n)
	if total > len(buf) || int(n) < 0 {
		return nil, 0, fmt.Errorf("wire: %w: byte sequence length %d exceeds buffer", ErrInvalidData, n)
	}
	return buf[prefixLen:total], total, nil
}
