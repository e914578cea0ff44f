// Package metrics provides Prometheus metrics for the Fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DetectionsTotal tracks duplicate detection runs by status
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "detection",
			Name:      "runs_total",
			Help:      "Total number of duplicate detection runs by status",
		},
		[]string{"tenant_id", "entity_type", "status"},
	)

	// MatchesFound tracks detected duplicate matches by suggested action
	MatchesFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "detection",
			Name:      "matches_total",
			Help:      "Total number of duplicate matches found by suggested action",
		},
		[]string{"tenant_id", "suggested_action"},
	)

	// DetectionDuration tracks detection duration in seconds
	DetectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "detection",
			Name:      "duration_seconds",
			Help:      "Duration of duplicate detection runs in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"tenant_id"},
	)

	// ClustersBuilt tracks clusters produced by cluster builds
	ClustersBuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "clustering",
			Name:      "clusters_total",
			Help:      "Total number of clusters produced",
		},
		[]string{"tenant_id"},
	)

	// MergesTotal tracks merges by status
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merging",
			Name:      "merges_total",
			Help:      "Total number of merge attempts by status",
		},
		[]string{"tenant_id", "status"},
	)

	// UnmergesTotal tracks unmerges by status
	UnmergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merging",
			Name:      "unmerges_total",
			Help:      "Total number of unmerge attempts by status",
		},
		[]string{"tenant_id", "status"},
	)

	// AutoMergeClusters tracks auto-merge outcomes per cluster
	AutoMergeClusters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "automerge",
			Name:      "clusters_total",
			Help:      "Total number of clusters considered by auto-merge, by outcome",
		},
		[]string{"tenant_id", "outcome"},
	)
)
