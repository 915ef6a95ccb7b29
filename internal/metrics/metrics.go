// Package metrics holds the recorder's Prometheus collectors.
//
// All collectors are labelled by stream name. Writers publish from the
// consumer side. Aligners resolve their children once at construction so
// the frame path only performs atomic adds.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "motionrec"

var (
	// RingOverflow counts items the producer could not push (channel full).
	RingOverflow = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "overflow_total",
		Help:      "Items dropped on submit because the data channel was full.",
	}, []string{"stream"})

	// Appended counts items handed to an open destination.
	Appended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "appended_total",
		Help:      "Items appended to an open destination.",
	}, []string{"stream"})

	// Discarded counts items drained while idle.
	Discarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "discarded_total",
		Help:      "Items drained and discarded while not recording.",
	}, []string{"stream"})

	// ControlDropped counts start/stop events lost to a full control channel.
	ControlDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "control_dropped_total",
		Help:      "Control events dropped because the control channel was full.",
	}, []string{"stream"})

	// OpenFailures counts StartWrite events whose destination failed to open.
	OpenFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "open_failures_total",
		Help:      "Destinations that failed to open on start.",
	}, []string{"stream"})

	// RingFill is the data channel fill level observed at the last drain.
	RingFill = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "ring_fill_ratio",
		Help:      "Fraction of the data channel occupied before the last drain.",
	}, []string{"stream"})

	// AlignerFrames counts aligner outcomes: emitted, synthesized, dropped, clamped.
	AlignerFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aligner",
		Name:      "frames_total",
		Help:      "Frames seen by the aligner, by outcome.",
	}, []string{"stream", "outcome"})

	// ContinuityGaps counts non-adjacent raw counters.
	ContinuityGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aligner",
		Name:      "continuity_gaps_total",
		Help:      "Raw counter discontinuities observed per source.",
	}, []string{"stream"})

	// SuggestedOffset is the latest offset estimate per auxiliary stream.
	SuggestedOffset = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "suggested_offset_frames",
		Help:      "Offset suggested by the synchronisation estimator.",
	}, []string{"stream"})
)

// Aligner outcome label values.
const (
	OutcomeEmitted     = "emitted"
	OutcomeSynthesized = "synthesized"
	OutcomeDropped     = "dropped"
	OutcomeClamped     = "clamped"
)
