/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MetricsSignPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsign_sign_passes_total",
			Help: "Completed signing passes per zone.",
		},
		[]string{"zone"},
	)
	MetricsSignPassErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsign_sign_pass_errors_total",
			Help: "Signing passes that ended in an error.",
		},
		[]string{"zone"},
	)
	MetricsSignPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsign_sign_pass_duration_seconds",
			Help:    "Wall clock duration of signing passes.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"zone"},
	)
	MetricsSignatures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsign_signatures_created_total",
			Help: "New RRSIGs produced.",
		},
		[]string{"zone"},
	)
	MetricsChangesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsign_changes_applied_total",
			Help: "Records added or removed by applied changesets.",
		},
		[]string{"zone"},
	)
	MetricsKeyTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsign_key_transitions_total",
			Help: "DNSSEC key lifecycle transitions applied.",
		},
		[]string{"zone"},
	)
	MetricsValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsign_validation_failures_total",
			Help: "RRsets that failed signature validation.",
		},
		[]string{"zone"},
	)
	MetricsNextSignPass = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tsign_next_sign_pass_timestamp_seconds",
			Help: "Unix time of the next scheduled signing pass per zone.",
		},
		[]string{"zone"},
	)
)
