// Package metrics exposes recorder counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recording lifecycle metrics
var (
	RecordingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gbox_recorder_recordings_total",
			Help: "Total number of finished recordings by result",
		},
		[]string{"result"}, // "completed", "drift", "failed"
	)

	RecordingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gbox_recorder_recording_active",
			Help: "Whether a recording is currently in progress",
		},
	)

	FinalizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gbox_recorder_finalize_duration_seconds",
			Help:    "Time spent flushing encoders and closing the container",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		},
	)
)

// Frame and sample metrics
var (
	FramesCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gbox_recorder_frames_committed_total",
			Help: "Raw frames handed to an encoder",
		},
		[]string{"kind"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gbox_recorder_frames_dropped_total",
			Help: "Raw frames dropped before reaching an encoder",
		},
		[]string{"kind", "reason"}, // "queue_full", "encoder_busy", "not_running"
	)

	SamplesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gbox_recorder_samples_written_total",
			Help: "Encoded samples written to the container",
		},
		[]string{"kind"},
	)
)

// Result labels for RecordingsTotal.
const (
	ResultCompleted = "completed"
	ResultDrift     = "drift"
	ResultFailed    = "failed"
)

// Reason labels for FramesDropped.
const (
	DropQueueFull   = "queue_full"
	DropEncoderBusy = "encoder_busy"
	DropNotRunning  = "not_running"
)
