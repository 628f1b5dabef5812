package triage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sintonia_submissions_recorded_total",
		Help: "Questionnaire submissions accepted by the engine",
	})

	tierChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sintonia_tier_changes_total",
		Help: "Priority tier changes by direction",
	}, []string{"direction"})

	classificationFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sintonia_classification_fallbacks_total",
		Help: "Scores that matched no configured tier range",
	})

	assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sintonia_assignments_total",
		Help: "Patient assignments by source",
	}, []string{"source"})

	invalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sintonia_invalidations_total",
		Help: "Invalidation requests by outcome",
	}, []string{"outcome"})

	recalculationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sintonia_recalculation_duration_seconds",
		Help:    "Time spent replaying history after an approved invalidation",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sintonia_queue_depth",
		Help: "Unassigned active patients at the last queue read",
	})
)
