// Package metrics holds the Prometheus collectors of an extraction run.
// A run has no scrape endpoint, so collectors are flushed to a node-exporter
// textfile when it ends.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "speechprep"

// Cut outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeFiltered  = "filtered"
)

// Metrics holds all collectors of a run, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	CutsTotal       *prometheus.CounterVec
	CutSeconds      *prometheus.HistogramVec
	AudioSeconds    *prometheus.CounterVec
	FramesTotal     *prometheus.CounterVec
	ShardBytesTotal *prometheus.CounterVec
	SplitDuration   *prometheus.GaugeVec
	LastRunUnix     *prometheus.GaugeVec
	Workers         prometheus.Gauge
}

// New creates a Metrics instance with a constant run_id label.
func New(runID string) *Metrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"run_id": runID}

	m := &Metrics{
		registry: registry,
		CutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "extract",
			Name:        "cuts_total",
			Help:        "Cuts processed, by split and outcome.",
			ConstLabels: constLabels,
		}, []string{"split", "outcome"}),
		CutSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "extract",
			Name:        "cut_processing_seconds",
			Help:        "Wall time spent loading and extracting one cut.",
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 8), // 10ms → ~164s
			ConstLabels: constLabels,
		}, []string{"split"}),
		AudioSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "extract",
			Name:        "audio_seconds_total",
			Help:        "Seconds of audio turned into features.",
			ConstLabels: constLabels,
		}, []string{"split"}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "extract",
			Name:        "frames_total",
			Help:        "Feature frames written.",
			ConstLabels: constLabels,
		}, []string{"split"}),
		ShardBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "featstore",
			Name:        "written_bytes_total",
			Help:        "Compressed bytes appended to feature shards.",
			ConstLabels: constLabels,
		}, []string{"split"}),
		SplitDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "extract",
			Name:        "split_duration_seconds",
			Help:        "Wall time of the last extraction of each split.",
			ConstLabels: constLabels,
		}, []string{"split"}),
		LastRunUnix: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "extract",
			Name:        "last_completion_timestamp_seconds",
			Help:        "Unix time each split last finished, by status.",
			ConstLabels: constLabels,
		}, []string{"split", "status"}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "extract",
			Name:        "workers",
			Help:        "Size of the worker pool.",
			ConstLabels: constLabels,
		}),
	}

	registry.MustRegister(
		m.CutsTotal,
		m.CutSeconds,
		m.AudioSeconds,
		m.FramesTotal,
		m.ShardBytesTotal,
		m.SplitDuration,
		m.LastRunUnix,
		m.Workers,
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCut records one processed cut.
func (m *Metrics) ObserveCut(split, outcome string, elapsed time.Duration) {
	m.CutsTotal.WithLabelValues(split, outcome).Inc()
	if outcome != OutcomeFiltered {
		m.CutSeconds.WithLabelValues(split).Observe(elapsed.Seconds())
	}
}

// ObserveFeatures records stored features of one cut.
func (m *Metrics) ObserveFeatures(split string, audioSeconds float64, frames int, bytes int64) {
	m.AudioSeconds.WithLabelValues(split).Add(audioSeconds)
	m.FramesTotal.WithLabelValues(split).Add(float64(frames))
	m.ShardBytesTotal.WithLabelValues(split).Add(float64(bytes))
}

// SplitDone records the end of a split.
func (m *Metrics) SplitDone(split, status string, elapsed time.Duration, now time.Time) {
	m.SplitDuration.WithLabelValues(split).Set(elapsed.Seconds())
	m.LastRunUnix.WithLabelValues(split, status).Set(float64(now.Unix()))
}

// WriteTextfile writes every collector to path in the Prometheus text
// format. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
