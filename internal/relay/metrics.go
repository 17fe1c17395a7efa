// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's ambient observability surface: an always-on
// /metrics endpoint, independent of whatever reconciliation features are
// in scope for a given build.
type Metrics struct {
	FramesIngested  prometheus.Counter
	QuotaRejections prometheus.Counter
	RoundDuration   prometheus.Histogram
	Subscribers     prometheus.Gauge
}

// NewMetrics registers the relay's collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "evolu_relay_frames_ingested_total",
			Help: "Number of protocol frames processed by the relay.",
		}),
		QuotaRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "evolu_relay_quota_rejections_total",
			Help: "Number of frames rejected for exceeding an owner's storage quota.",
		}),
		RoundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "evolu_relay_round_duration_seconds",
			Help:    "Time spent processing one reconciliation round.",
			Buckets: prometheus.DefBuckets,
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "evolu_relay_subscribers",
			Help: "Current number of subscribed connections across all owners.",
		}),
	}
}
