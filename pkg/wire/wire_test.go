// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wire

import (
	"testing"

	"github.com/evoluhq/evolu-sub002/pkg/fingerprint"
	"github.com/evoluhq/evolu-sub002/pkg/hlc"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

func testTS(millis uint64, counter uint16, nodeByte byte) hlc.Timestamp {
	var n hlc.NodeID
	n[0] = nodeByte
	return hlc.Timestamp{Millis: millis, Counter: counter, Node: n}
}

func TestUvarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, maxSafeInt} {
		buf, err := AppendUvarint(nil, v)
		require.NoError(t, err)

		got, n, err := ReadUvarint(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, v, got)
	}
}

func TestUvarintRejectsUnsafeInt(t *testing.T) {
	_, err := AppendUvarint(nil, maxSafeInt+1)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestNewValueRespectsJSONSchemaValidator(t *testing.T) {
	schema, err := jsonschema.CompileString("mem://value.schema.json", `{"type":"object","required":["kind"]}`)
	require.NoError(t, err)

	SetJSONSchemaValidator(schema)
	t.Cleanup(func() { SetJSONSchemaValidator(nil) })

	matching, err := NewValue(`{"kind":"change"}`)
	require.NoError(t, err)
	assert.Equal(t, TagJson, matching.Tag)

	mismatched, err := NewValue(`{"other":"field"}`)
	require.NoError(t, err)
	assert.Equal(t, TagString, mismatched.Tag, "JSON failing the schema falls back to a plain string")
}

func TestNewValueWithoutValidatorAcceptsAnyValidJSON(t *testing.T) {
	SetJSONSchemaValidator(nil)

	v, err := NewValue(`{"anything":true}`)
	require.NoError(t, err)
	assert.Equal(t, TagJson, v.Tag)
}

func TestValueRoundTrip(t *testing.T) {
	cases := []interface{}{
		"", "hello world", uint64(42), 3.5,
		"2023-01-15T10:30:00.000Z", "1950-06-20T00:00:00.000Z",
	}
	for _, c := range cases {
		v, err := NewValue(c)
		require.NoError(t, err)

		buf := v.Encode(nil)
		got, n, err := DecodeValue(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, v, got)
	}
}

func TestNewValueSelectsDateIsoTagBySign(t *testing.T) {
	afterEpoch, err := NewValue("2023-01-15T10:30:00.000Z")
	require.NoError(t, err)
	assert.Equal(t, TagDateIsoWithNonNegativeTime, afterEpoch.Tag)

	atEpoch, err := NewValue("1970-01-01T00:00:00.000Z")
	require.NoError(t, err)
	assert.Equal(t, TagDateIsoWithNonNegativeTime, atEpoch.Tag)

	beforeEpoch, err := NewValue("1950-06-20T00:00:00.000Z")
	require.NoError(t, err)
	assert.Equal(t, TagDateIsoWithNegativeTime, beforeEpoch.Tag)

	// A looser ISO-8601 variant without millisecond precision is not the
	// exact round-trippable shape, so it stays a plain string.
	notMillisPrecise, err := NewValue("2023-01-15T10:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, TagString, notMillisPrecise.Tag)
}

func TestRangeRoundTrip(t *testing.T) {
	fp := fingerprint.Hash(testTS(1, 0, 1))
	ranges := []Range{
		Skip(testTS(10, 0, 1)),
		FingerprintRange(fp, testTS(20, 0, 1)),
		TimestampsRange([]hlc.Timestamp{testTS(1, 0, 1), testTS(2, 0, 2)}, testTS(30, 0, 1)),
		SkipInfinite(),
	}

	for _, r := range ranges {
		buf := r.Encode(nil)
		got, n, err := DecodeRange(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, r, got)
	}
}

func TestEncodeMessagesDeltaRoundTrip(t *testing.T) {
	msgs := []EncryptedCrdtMessage{
		{Timestamp: testTS(100, 0, 1), Change: []byte("a")},
		{Timestamp: testTS(105, 0, 1), Change: []byte("bb")},
		{Timestamp: testTS(105, 1, 2), Change: []byte("ccc")},
	}

	buf := EncodeMessages(nil, msgs)
	got, n, err := DecodeMessages(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, msgs, got)
}

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{
		Version: ProtocolVersion,
		Header:  Header{Type: MessageRequest, SubscriptionFlag: SubscriptionSubscribe},
		Messages: []EncryptedCrdtMessage{
			{Timestamp: testTS(1, 0, 1), Change: []byte("x")},
		},
		WriteKey: make([]byte, 16),
		Ranges:   []Range{SkipInfinite()},
	}
	copy(f.OwnerID[:], []byte("0123456789abcdef"))

	buf, err := f.Encode()
	require.NoError(t, err)

	got, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFrameRejectsInfiniteRangeNotLast(t *testing.T) {
	f := Frame{Ranges: []Range{SkipInfinite(), Skip(testTS(1, 0, 1))}}
	_, err := f.Encode()
	assert.Error(t, err)
}

func TestRangeBudgetStopsAtLimit(t *testing.T) {
	b := NewRangeBudget(20)
	added := 0
	for i := 0; i < 100; i++ {
		if !b.AddRange(Skip(testTS(uint64(i), 0, 1))) {
			break
		}
		added++
	}
	assert.Less(t, added, 100)
	assert.LessOrEqual(t, len(b.Ranges()), added)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	ts := testTS(1, 0, 1)

	ciphertext, err := Encrypt(key, nonce, ts, []byte("secret"))
	require.NoError(t, err)

	plaintext, err := Decrypt(key, nonce, ts, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), plaintext)
}

func TestDecryptFailsOnTimestampSwap(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	ts := testTS(1, 0, 1)
	other := testTS(2, 0, 1)

	ciphertext, err := Encrypt(key, nonce, ts, []byte("secret"))
	require.NoError(t, err)

	_, err = Decrypt(key, nonce, other, ciphertext)
	var mismatch *ErrTimestampMismatch
	assert.ErrorAs(t, err, &mismatch)
}
