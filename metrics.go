package touchview

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var UpdateCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "touchview",
	Subsystem: "view",
	Name:      "updates",
}, []string{"view", "status"})

var UpdateDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "touchview",
	Subsystem: "view",
	Name:      "update_duration_ms",
	Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500, 1000},
}, []string{"view"})

var indexedDocs = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "touchview",
	Subsystem: "view",
	Name:      "indexed_docs",
}, []string{"view"})

var QueryCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "touchview",
	Subsystem: "view",
	Name:      "queries",
}, []string{"view", "reduce"})

var QueryRows = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "touchview",
	Subsystem: "view",
	Name:      "query_rows",
	Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
}, []string{"view"})

var PendingUpdates = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "touchview",
	Subsystem: "indexer",
	Name:      "pending_updates",
})

var jsRuntimes = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "touchview",
	Subsystem: "js",
	Name:      "runtimes_created",
})

var jsTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "touchview",
	Subsystem: "js",
	Name:      "timeouts",
})

// RegisterMetrics registers all of the package's collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{UpdateCount, UpdateDuration, indexedDocs, QueryCount, QueryRows, PendingUpdates, jsRuntimes, jsTimeouts} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func observeUpdate(view string, status Status, elapsed time.Duration) {
	UpdateCount.WithLabelValues(view, strconv.Itoa(int(status))).Inc()
	if status == StatusOK {
		UpdateDuration.WithLabelValues(view).Observe(float64(elapsed.Milliseconds()))
	}
}

func observeQuery(view string, reduced bool, rows int) {
	QueryCount.WithLabelValues(view, strconv.FormatBool(reduced)).Inc()
	QueryRows.WithLabelValues(view).Observe(float64(rows))
}
