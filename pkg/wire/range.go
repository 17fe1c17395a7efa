// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire

import (
	"fmt"

	"github.com/evoluhq/evolu-sub002/pkg/fingerprint"
	"github.com/evoluhq/evolu-sub002/pkg/hlc"
)

// RangeTag identifies which variant of Range is encoded.
type RangeTag byte

const (
	RangeSkip        RangeTag = 0
	RangeFingerprint RangeTag = 1
	RangeTimestamps  RangeTag = 2
)

// Range is one entry of a reconciliation round: a claim about the local
// set restricted to (cursor, Upper], where an Infinite Upper stands for
// "everything from the cursor to the end of the space".
type Range struct {
	Tag         RangeTag
	Upper       hlc.Timestamp
	Infinite    bool
	Fingerprint fingerprint.Fingerprint
	Timestamps  []hlc.Timestamp
}

// Skip builds a Skip(upper) range.
func Skip(upper hlc.Timestamp) Range {
	return Range{Tag: RangeSkip, Upper: upper}
}

// SkipInfinite builds a Skip(∞) range, valid only as the last range in a
// batch.
func SkipInfinite() Range {
	return Range{Tag: RangeSkip, Infinite: true}
}

// FingerprintRange builds a Fingerprint(fp, upper) range.
func FingerprintRange(fp fingerprint.Fingerprint, upper hlc.Timestamp) Range {
	return Range{Tag: RangeFingerprint, Upper: upper, Fingerprint: fp}
}

// TimestampsRange builds a Timestamps(list, upper) range.
func TimestampsRange(list []hlc.Timestamp, upper hlc.Timestamp) Range {
	return Range{Tag: RangeTimestamps, Upper: upper, Timestamps: list}
}

// TimestampsInfinite builds a Timestamps(list, ∞) range, valid only as the
// last range in a batch.
func TimestampsInfinite(list []hlc.Timestamp) Range {
	return Range{Tag: RangeTimestamps, Infinite: true, Timestamps: list}
}

func (r Range) encodeUpper(buf []byte) []byte {
	if r.Infinite {
		return append(buf, 1)
	}
	enc := r.Upper.Encode()
	buf = append(buf, 0)
	return append(buf, enc[:]...)
}

func decodeUpper(buf []byte) (hlc.Timestamp, bool, int, error) {
	if len(buf) < 1 {
		return hlc.Timestamp{}, false, 0, fmt.Errorf("wire: %w: truncated range upper bound", ErrInvalidData)
	}
	if buf[0] == 1 {
		return hlc.Timestamp{}, true, 1, nil
	}
	if len(buf) < 1+hlc.Size {
		return hlc.Timestamp{}, false, 0, fmt.Errorf("wire: %w: truncated range upper bound", ErrInvalidData)
	}
	ts, err := hlc.Decode(buf[1 : 1+hlc.Size])
	if err != nil {
		return hlc.Timestamp{}, false, 0, fmt.Errorf("wire: %w: %v", ErrInvalidData, err)
	}
	return ts, false, 1 + hlc.Size, nil
}

// Encode appends r's wire representation to buf.
func (r Range) Encode(buf []byte) []byte {
	buf = append(buf, byte(r.Tag))
	buf = r.encodeUpper(buf)

	switch r.Tag {
	case RangeSkip:
		return buf
	case RangeFingerprint:
		return append(buf, r.Fingerprint[:]...)
	case RangeTimestamps:
		buf, _ = AppendUvarint(buf, uint64(len(r.Timestamps)))
		for _, ts := range r.Timestamps {
			enc := ts.Encode()
			buf = append(buf, enc[:]...)
		}
		return buf
	default:
		return buf
	}
}

// DecodeRange parses a Range from the front of buf, returning bytes
// consumed.
func DecodeRange(buf []byte) (Range, int, error) {
	if len(buf) < 1 {
		return Range{}, 0, fmt.Errorf("wire: %w: empty range", ErrInvalidData)
	}
	tag := RangeTag(buf[0])
	offset := 1

	upper, infinite, n, err := decodeUpper(buf[offset:])
	if err != nil {
		return Range{}, 0, err
	}
	offset += n

	r := Range{Tag: tag, Upper: upper, Infinite: infinite}

	switch tag {
	case RangeSkip:
		return r, offset, nil
	case RangeFingerprint:
		if len(buf) < offset+fingerprint.Size {
			return Range{}, 0, fmt.Errorf("wire: %w: truncated fingerprint range", ErrInvalidData)
		}
		copy(r.Fingerprint[:], buf[offset:offset+fingerprint.Size])
		return r, offset + fingerprint.Size, nil
	case RangeTimestamps:
		count, n, err := ReadUvarint(buf[offset:])
		if err != nil {
			return Range{}, 0, err
		}
		offset += n

		r.Timestamps = make([]hlc.Timestamp, count)
		for i := uint64(0); i < count; i++ {
			if len(buf) < offset+hlc.Size {
				return Range{}, 0, fmt.Errorf("wire: %w: truncated timestamps range", ErrInvalidData)
			}
			ts, err := hlc.Decode(buf[offset : offset+hlc.Size])
			if err != nil {
				return Range{}, 0, fmt.Errorf("wire: %w: %v", ErrInvalidData, err)
			}
			r.Timestamps[i] = ts
			offset += hlc.Size
		}
		return r, offset, nil
	default:
		return Range{}, 0, fmt.Errorf("wire: %w: unknown range tag %d", ErrInvalidData, tag)
	}
}
