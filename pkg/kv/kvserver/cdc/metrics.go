// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package cdc

import (
	"github.com/johnny-rice/tikv/pkg/cdcpb"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tikv"
const metricsSubsystem = "cdc"

// Metrics are the change feed metrics of a node.
type Metrics struct {
	RegionCount       prometheus.Gauge
	DownstreamCount   prometheus.Gauge
	PendingScans      prometheus.Gauge
	UnresolvedRegions prometheus.Gauge
	MinResolvedTsLag  prometheus.Gauge

	EventRows      *prometheus.CounterVec
	ResolvedEvents prometheus.Counter
	RegionErrors   *prometheus.CounterVec

	ScanRows     prometheus.Counter
	ScanBytes    prometheus.Counter
	ScanDuration prometheus.Histogram
	ScanFailures prometheus.Counter

	OldValueCacheHits      prometheus.Counter
	OldValueCacheMisses    prometheus.Counter
	OldValueCacheEvictions prometheus.Counter
	OldValueCacheBytes     prometheus.Gauge

	SinkBufferedBytes prometheus.Gauge
	SinkCongested     prometheus.Counter
	RegionPanics      prometheus.Counter
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace, Subsystem: metricsSubsystem, Name: name, Help: help,
	})
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace, Subsystem: metricsSubsystem, Name: name, Help: help,
	})
}

// NewMetrics makes the metrics for a node. They are not registered with any
// registry; see Register.
func NewMetrics() *Metrics {
	return &Metrics{
		RegionCount:       newGauge("regions", "Number of regions with at least one subscription"),
		DownstreamCount:   newGauge("downstreams", "Number of active subscriptions"),
		PendingScans:      newGauge("pending_scans", "Number of incremental scans not yet finished"),
		UnresolvedRegions: newGauge("unresolved_regions", "Number of regions whose resolver is not initialized"),
		MinResolvedTsLag: newGauge("min_resolved_ts_lag_seconds",
			"Lag between the current time and the minimum resolved timestamp of all regions"),
		EventRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "event_rows_total", Help: "Rows delivered to subscriptions, by row type",
		}, []string{"type"}),
		ResolvedEvents: newCounter("resolved_ts_events_total", "Resolved timestamp events sent"),
		RegionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "region_errors_total", Help: "Regional errors delivered to subscriptions, by kind",
		}, []string{"kind"}),
		ScanRows:  newCounter("scan_rows_total", "Rows produced by incremental scans"),
		ScanBytes: newCounter("scan_bytes_total", "Bytes produced by incremental scans"),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "scan_duration_seconds", Help: "Duration of incremental scans",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 20),
		}),
		ScanFailures:           newCounter("scan_failures_total", "Incremental scans that failed"),
		OldValueCacheHits:      newCounter("old_value_cache_hits_total", "Old value cache hits"),
		OldValueCacheMisses:    newCounter("old_value_cache_misses_total", "Old value cache misses"),
		OldValueCacheEvictions: newCounter("old_value_cache_evictions_total", "Old value cache evictions"),
		OldValueCacheBytes:     newGauge("old_value_cache_bytes", "Memory used by the old value cache"),
		SinkBufferedBytes:      newGauge("sink_buffered_bytes", "Bytes buffered for all connections"),
		SinkCongested:          newCounter("sink_congested_total", "Connections closed for exceeding their memory quota"),
		RegionPanics:           newCounter("region_panics_total", "Panics recovered while processing a region"),
	}
}

// Collectors returns every metric for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RegionCount, m.DownstreamCount, m.PendingScans, m.UnresolvedRegions, m.MinResolvedTsLag,
		m.EventRows, m.ResolvedEvents, m.RegionErrors,
		m.ScanRows, m.ScanBytes, m.ScanDuration, m.ScanFailures,
		m.OldValueCacheHits, m.OldValueCacheMisses, m.OldValueCacheEvictions, m.OldValueCacheBytes,
		m.SinkBufferedBytes, m.SinkCongested, m.RegionPanics,
	}
}

// Register registers all metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) recordRows(rows []cdcpb.EventRow) {
	for i := range rows {
		m.EventRows.WithLabelValues(rows[i].Type.String()).Inc()
	}
}
