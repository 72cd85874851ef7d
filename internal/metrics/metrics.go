package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WeatherAPICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentalweather_weather_api_calls_total",
			Help: "Total National Weather Service API calls",
		},
		[]string{"endpoint", "status"},
	)

	WeatherAPILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rentalweather_weather_api_latency_seconds",
			Help:    "Weather API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	ObservationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentalweather_observations_ingested_total",
			Help: "Total weather rows stored",
		},
		[]string{"location", "kind"},
	)

	POSRowsImported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentalweather_pos_rows_imported_total",
			Help: "Total POS export rows upserted",
		},
		[]string{"table"},
	)

	CorrelationsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rentalweather_correlations_persisted_total",
			Help: "Total weather/business correlations upserted",
		},
	)

	ForecastsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentalweather_forecasts_persisted_total",
			Help: "Total demand forecasts upserted",
		},
		[]string{"method"},
	)

	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentalweather_cache_requests_total",
			Help: "Cache lookups by result",
		},
		[]string{"kind", "result"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rentalweather_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)
)
