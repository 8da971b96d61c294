package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StationsFitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamtemp_stations_fitted_total",
			Help: "Stations successfully fitted per stage",
		},
		[]string{"stage"},
	)

	StationsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamtemp_stations_skipped_total",
			Help: "Stations skipped during fitting per stage",
		},
		[]string{"stage"},
	)

	KrigingFitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamtemp_kriging_fit_duration_seconds",
			Help:    "Wall time of one coefficient surface fit",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"coefficient"},
	)

	PredictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamtemp_predictions_total",
			Help: "Rows predicted",
		},
	)

	PredictionsMissing = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamtemp_predictions_missing_total",
			Help: "Rows with a missing covariate and therefore no temp.mod",
		},
	)

	CovariateFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamtemp_covariate_fetches_total",
			Help: "Remote covariate fetches by source and status",
		},
		[]string{"source", "status"},
	)
)
