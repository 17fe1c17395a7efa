// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package hlc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ millis uint64 }

func (f *fakeClock) NowMillis() uint64 { return f.millis }

func node(b byte) NodeID {
	var n NodeID
	n[0] = b
	return n
}

func TestSendIncrementsCounterWithinSameMillis(t *testing.T) {
	clock := &fakeClock{millis: 1000}
	timer := New(node(1), clock)

	first, err := timer.Send()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), first.Millis)
	assert.Equal(t, uint16(0), first.Counter)

	second, err := timer.Send()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), second.Millis)
	assert.Equal(t, uint16(1), second.Counter)
}

func TestSendResetsCounterWhenWallAdvances(t *testing.T) {
	clock := &fakeClock{millis: 1000}
	timer := New(node(1), clock)

	_, err := timer.Send()
	require.NoError(t, err)

	clock.millis = 2000
	next, err := timer.Send()
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), next.Millis)
	assert.Equal(t, uint16(0), next.Counter)
}

func TestSendCounterOverflow(t *testing.T) {
	clock := &fakeClock{millis: 1000}
	timer := New(node(1), clock)
	timer.last = Timestamp{Millis: 1000, Counter: maxCounter, Node: node(1)}

	_, err := timer.Send()
	assert.ErrorIs(t, err, ErrCounterOverflow)
}

func TestReceiveAdvancesBeyondAllThree(t *testing.T) {
	clock := &fakeClock{millis: 1000}
	local := New(node(1), clock)

	remote := Timestamp{Millis: 1500, Counter: 3, Node: node(2)}
	result, err := local.Receive(remote)
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), result.Millis)
	assert.Equal(t, uint16(4), result.Counter)
	assert.Equal(t, node(1), result.Node)
}

func TestReceiveRejectsOwnNode(t *testing.T) {
	clock := &fakeClock{millis: 1000}
	local := New(node(1), clock)

	_, err := local.Receive(Timestamp{Millis: 1000, Node: node(1)})
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestReceiveRejectsExcessiveDrift(t *testing.T) {
	clock := &fakeClock{millis: 1_000_000}
	local := New(node(1), clock, WithMaxDrift(1000))

	_, err := local.Receive(Timestamp{Millis: 1_000_000 + 5000, Node: node(2)})
	assert.ErrorIs(t, err, ErrClockDrift)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := Timestamp{Millis: 0x0000_BEEF_CAFE, Counter: 0xABCD, Node: node(7)}
	enc := ts.Encode()
	require.Len(t, enc[:], Size)

	decoded, err := Decode(enc[:])
	require.NoError(t, err)
	assert.Equal(t, ts, decoded)
}

func TestCompareIsLexicographicOnEncoding(t *testing.T) {
	a := Timestamp{Millis: 100, Counter: 0, Node: node(1)}
	b := Timestamp{Millis: 100, Counter: 1, Node: node(1)}
	c := Timestamp{Millis: 101, Counter: 0, Node: node(1)}

	assert.Negative(t, Compare(a, b))
	assert.Negative(t, Compare(b, c))
	assert.Zero(t, Compare(a, a))
}
