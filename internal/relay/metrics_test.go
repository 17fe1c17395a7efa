// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package relay

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsCountersIncrementIndependently(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.FramesIngested.Inc()
	m.FramesIngested.Inc()
	m.QuotaRejections.Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.FramesIngested))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QuotaRejections))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Subscribers))
}

func TestSubscriberRegistryDrivesSubscribersGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	subs := NewSubscriberRegistry(m)

	var owner [16]byte
	owner[0] = 1
	sub := &recordingSubscriber{}

	subs.Subscribe(owner, sub)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Subscribers))

	subs.Unsubscribe(owner, sub)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Subscribers))
}
