// Package metrics defines the Prometheus collectors exported by the deep-dive engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeOK labels tickers that reached stage 3.
	OutcomeOK = "ok"
	// OutcomeFailed labels tickers marked failed.
	OutcomeFailed = "failed"
	// OutcomeSkipped labels tickers claimed by another invocation.
	OutcomeSkipped = "skipped"
)

var (
	tickersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deepdive",
			Name:      "tickers_total",
			Help:      "Tickers processed by the deep-dive consumer, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deepdive",
			Name:      "cache_lookups_total",
			Help:      "Completion cache activity, partitioned by result (hit, miss, expired, store, evict, error).",
		},
		[]string{"result"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deepdive",
			Name:      "notifications_total",
			Help:      "Notification delivery attempts, partitioned by status.",
		},
		[]string{"status"},
	)

	batchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "deepdive",
			Name:      "batch_seconds",
			Help:      "Deep-dive batch latency in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 240, 480},
		},
	)
)

// Register attaches deep-dive collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		tickersTotal,
		cacheLookupsTotal,
		notificationsTotal,
		batchDurationSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveTicker counts one processed ticker.
func ObserveTicker(outcome string) {
	tickersTotal.WithLabelValues(outcome).Inc()
}

// ObserveCacheLookup counts one cache event.
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveNotification counts one delivery attempt.
func ObserveNotification(status string) {
	notificationsTotal.WithLabelValues(status).Inc()
}

// ObserveBatch records a batch duration.
func ObserveBatch(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	batchDurationSeconds.Observe(duration.Seconds())
}
