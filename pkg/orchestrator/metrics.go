package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imgcompat_run_duration_seconds",
			Help:    "Time taken by a complete validation fan-out across all nodes",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		},
	)

	nodeValidationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imgcompat_node_validation_duration_seconds",
			Help:    "Time taken to validate the image on a single node",
			Buckets: []float64{5, 15, 30, 60, 120, 300},
		},
		[]string{"status"}, // success or error
	)

	jobRecreations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imgcompat_job_recreations_total",
			Help: "Number of conflicting jobs deleted and re-created during runs",
		},
	)
)
