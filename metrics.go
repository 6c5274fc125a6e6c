// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h2backend

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsSet is the supplemented observability surface named in
// SPEC_FULL.md §3.4. Metrics are not one of spec.md's Non-goals (only
// server-side behavior, push, prioritization, and persistent storage are
// named), so they are carried the way the rest of the ambient stack is.
type metricsSet struct {
	streamsActive          prometheus.Gauge
	settingsAckSeconds     prometheus.Histogram
	connectionChecksTotal  *prometheus.CounterVec
	goawaysSentTotal       *prometheus.CounterVec
	streamsResetTotal      *prometheus.CounterVec
}

func newMetricsSet(reg prometheus.Registerer, constLabels prometheus.Labels) *metricsSet {
	m := &metricsSet{
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "h2backend_streams_active",
			Help:        "Number of backend HTTP/2 streams currently open on this session.",
			ConstLabels: constLabels,
		}),
		settingsAckSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "h2backend_settings_ack_seconds",
			Help:        "Time between sending a SETTINGS frame and receiving its ACK.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		connectionChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "h2backend_connection_checks_total",
			Help:        "Outcomes of idle-connection liveness checks (PING round trips).",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		goawaysSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "h2backend_goaways_sent_total",
			Help:        "GOAWAY frames sent, by error code.",
			ConstLabels: constLabels,
		}, []string{"code"}),
		streamsResetTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "h2backend_streams_reset_total",
			Help:        "Stream resets, sent or received via RST_STREAM, by error code.",
			ConstLabels: constLabels,
		}, []string{"code"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.streamsActive,
			m.settingsAckSeconds,
			m.connectionChecksTotal,
			m.goawaysSentTotal,
			m.streamsResetTotal,
		)
	}
	return m
}
