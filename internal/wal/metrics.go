package wal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seglog_appends_total",
		Help: "Records appended to the log.",
	})
	metricAppendBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seglog_appended_bytes_total",
		Help: "Payload and framing bytes appended to segment files.",
	})
	metricRollovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seglog_rollovers_total",
		Help: "Segment rollovers by trigger reason.",
	}, []string{"reason"})
	metricFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seglog_flushes_total",
		Help: "Explicit and background segment flushes.",
	})
	metricSegmentsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seglog_segments_deleted_total",
		Help: "Sealed segments removed by retention cleanup.",
	})
	metricActiveReaders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seglog_active_readers",
		Help: "Currently registered tailing readers.",
	})
)
