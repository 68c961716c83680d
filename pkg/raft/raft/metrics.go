// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raft

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricHeartbeatInterval = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "raftpeer",
		Name:      "heartbeat_interval_seconds",
		Help:      "Current adaptive heartbeat interval of a peer",
	}, []string{"peer"})

	metricInflightAppends = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "raftpeer",
		Name:      "inflight_appends",
		Help:      "Number of append requests sent to a peer and not completed yet",
	}, []string{"peer"})

	metricRPCs = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "raftpeer",
		Name:      "rpc_count",
		Help:      "Number of completed RPCs to a peer",
	}, []string{"peer", "type", "result"})

	metricSkippedHeartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "raftpeer",
		Name:      "skipped_heartbeats",
		Help:      "Number of heartbeats not sent because the peer was busy",
	}, []string{"peer"})
)

// peerMetrics are the metrics of one peer, with the label already bound.
type peerMetrics struct {
	id       string
	interval prometheus.Gauge
	inflight prometheus.Gauge
	skipped  prometheus.Counter
}

func newPeerMetrics(id string) *peerMetrics {
	return &peerMetrics{
		id:       id,
		interval: metricHeartbeatInterval.WithLabelValues(id),
		inflight: metricInflightAppends.WithLabelValues(id),
		skipped:  metricSkippedHeartbeats.WithLabelValues(id),
	}
}

func (m *peerMetrics) setInterval(d time.Duration) {
	m.interval.Set(d.Seconds())
}

func (m *peerMetrics) rpcDone(typ string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	metricRPCs.WithLabelValues(m.id, typ, result).Inc()
}

// unregister drops the series of a peer that left the configuration.
func (m *peerMetrics) unregister() {
	metricHeartbeatInterval.DeleteLabelValues(m.id)
	metricInflightAppends.DeleteLabelValues(m.id)
	metricSkippedHeartbeats.DeleteLabelValues(m.id)
	for _, typ := range msgTypes {
		for _, result := range []string{"ok", "failed"} {
			metricRPCs.DeleteLabelValues(m.id, typ, result)
		}
	}
}
