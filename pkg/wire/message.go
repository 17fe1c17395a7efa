// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire

import (
	"bytes"
	"fmt"

	"github.com/evoluhq/evolu-sub002/pkg/hlc"
)

// EncryptedCrdtMessage pairs a timestamp with its encrypted change record.
// Change is ciphertext; the codec never looks inside it.
type EncryptedCrdtMessage struct {
	Timestamp hlc.Timestamp
	Change    []byte
}

// EncodeMessages serializes msgs with delta + run-length encoding: the
// first timestamp is written in full, each subsequent one as a varint
// delta on Millis, with Counter and Node runs collapsed whenever they
// repeat the previous message's value.
func EncodeMessages(buf []byte, msgs []EncryptedCrdtMessage) []byte {
	buf, _ = AppendUvarint(buf, uint64(len(msgs)))

	var prev hlc.Timestamp
	for i, m := range msgs {
		if i == 0 {
			enc := m.Timestamp.Encode()
			buf = append(buf, enc[:]...)
		} else {
			delta := m.Timestamp.Millis - prev.Millis
			buf, _ = AppendUvarint(buf, delta)

			sameCounter := m.Timestamp.Counter == prev.Counter
			sameNode := m.Timestamp.Node == prev.Node
			flags := byte(0)
			if sameCounter {
				flags |= 1
			}
			if sameNode {
				flags |= 2
			}
			buf = append(buf, flags)

			if !sameCounter {
				buf, _ = AppendUvarint(buf, uint64(m.Timestamp.Counter))
			}
			if !sameNode {
				buf = append(buf, m.Timestamp.Node[:]...)
			}
		}
		buf = AppendBytes(buf, m.Change)
		prev = m.Timestamp
	}
	return buf
}

// DecodeMessages parses a message list produced by EncodeMessages from the
// front of buf, returning bytes consumed.
func DecodeMessages(buf []byte) ([]EncryptedCrdtMessage, int, error) {
	count, offset, err := ReadUvarint(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("wire: decode messages: %w", err)
	}

	msgs := make([]EncryptedCrdtMessage, count)
	var prev hlc.Timestamp

	for i := uint64(0); i < count; i++ {
		var ts hlc.Timestamp

		if i == 0 {
			if len(buf) < offset+hlc.Size {
				return nil, 0, fmt.Errorf("wire: decode messages: %w: truncated timestamp", ErrInvalidData)
			}
			ts, err = hlc.Decode(buf[offset : offset+hlc.Size])
			if err != nil {
				return nil, 0, fmt.Errorf("wire: decode messages: %w", err)
			}
			offset += hlc.Size
		} else {
			delta, n, err := ReadUvarint(buf[offset:])
			if err != nil {
				return nil, 0, fmt.Errorf("wire: decode messages: %w", err)
			}
			offset += n

			if len(buf) < offset+1 {
				return nil, 0, fmt.Errorf("wire: decode messages: %w: truncated flags", ErrInvalidData)
			}
			flags := buf[offset]
			offset++

			ts.Millis = prev.Millis + delta
			ts.Counter = prev.Counter
			ts.Node = prev.Node

			if flags&1 == 0 {
				counter, n, err := ReadUvarint(buf[offset:])
				if err != nil {
					return nil, 0, fmt.Errorf("wire: decode messages: %w", err)
				}
				offset += n
				ts.Counter = uint16(counter)
			}
			if flags&2 == 0 {
				if len(buf) < offset+16 {
					return nil, 0, fmt.Errorf("wire: decode messages: %w: truncated node", ErrInvalidData)
				}
				copy(ts.Node[:], buf[offset:offset+16])
				offset += 16
			}
		}

		change, n, err := ReadBytes(buf[offset:])
		if err != nil {
			return nil, 0, fmt.Errorf("wire: decode messages: %w", err)
		}
		offset += n

		msgs[i] = EncryptedCrdtMessage{Timestamp: ts, Change: bytes.Clone(change)}
		prev = ts
	}

	return msgs, offset, nil
}
