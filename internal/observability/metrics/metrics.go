package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "calista_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	syncRuns    *prometheus.CounterVec
	syncLatency *prometheus.HistogramVec

	parseRows      prometheus.Counter
	parseSkipped   prometheus.Counter
	parseBadValues prometheus.Counter

	portalRequests *prometheus.CounterVec

	devicesTracked prometheus.Gauge
)

// Init registers all collectors. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		syncRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sync_runs_total",
				Help: "Total sync runs by result",
			},
			[]string{"result"},
		)
		syncLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "sync_latency_seconds",
				Help:    "Sync run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		parseRows = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "parse_devices_total",
			Help: "Total device rows parsed from exports",
		})
		parseSkipped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "parse_skipped_rows_total",
			Help: "Total export rows skipped during parsing",
		})
		parseBadValues = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "parse_bad_values_total",
			Help: "Total reading cells that failed conversion",
		})

		portalRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "portal_fetches_total",
				Help: "Total portal fetch runs by result",
			},
			[]string{"result"},
		)

		devicesTracked = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "devices_tracked",
			Help: "Devices present in the most recent sync",
		})

		prometheus.MustRegister(
			syncRuns,
			syncLatency,
			parseRows,
			parseSkipped,
			parseBadValues,
			portalRequests,
			devicesTracked,
		)
	})
}

// ObserveSyncRun records one sync run with its outcome and duration.
func ObserveSyncRun(err error, elapsed time.Duration) {
	if syncRuns == nil {
		return
	}
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	syncRuns.WithLabelValues(result).Inc()
	syncLatency.WithLabelValues(result).Observe(elapsed.Seconds())
}

// ObserveParse records the outcome of one export parse.
func ObserveParse(devices, skippedRows, badValues int) {
	if parseRows == nil {
		return
	}
	parseRows.Add(float64(devices))
	parseSkipped.Add(float64(skippedRows))
	parseBadValues.Add(float64(badValues))
}

// ObservePortalFetch records one portal fetch run.
func ObservePortalFetch(err error) {
	if portalRequests == nil {
		return
	}
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	portalRequests.WithLabelValues(result).Inc()
}

// SetDevicesTracked records the device count of the latest sync.
func SetDevicesTracked(n int) {
	if devicesTracked == nil {
		return
	}
	devicesTracked.Set(float64(n))
}
