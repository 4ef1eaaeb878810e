package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "livequery"

const (
	MetricNotifications = "notifications_total"
	MetricBatches       = "batches_total"
	MetricBatchKeys     = "batch_keys"
	MetricBatchQueries  = "batch_queries"
	MetricRefreshes     = "refreshes_total"
	MetricRefreshTime   = "refresh_duration_seconds"
	MetricEmissions     = "emissions_total"
	MetricLiveQueries   = "live_queries"
)

var batchBuckets = prometheus.ExponentialBuckets(1, 4, 6)

// Recorder is the Prometheus side of reactive.Recorder.
type Recorder struct {
	notifications prometheus.Counter
	batches       prometheus.Counter
	batchKeys     prometheus.Histogram
	batchQueries  prometheus.Histogram
	refreshed     *prometheus.CounterVec
	refreshTime   prometheus.Histogram
	emissions     prometheus.Counter
	live          prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricNotifications,
			Help:      "Change notifications received by the manager.",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricBatches,
			Help:      "Notification batches dispatched.",
		}),
		batchKeys: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricBatchKeys,
			Help:      "Distinct change keys per dispatched batch.",
			Buckets:   batchBuckets,
		}),
		batchQueries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricBatchQueries,
			Help:      "Queries refreshed per dispatched batch.",
			Buckets:   batchBuckets,
		}),
		refreshed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRefreshes,
			Help:      "Query refreshes by outcome.",
		}, []string{"result"}),
		refreshTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricRefreshTime,
			Help:      "Time spent executing and reconciling one refresh.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		emissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricEmissions,
			Help:      "Result sets delivered to subscribers.",
		}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricLiveQueries,
			Help:      "Queries currently known to the manager.",
		}),
	}
	reg.MustRegister(r.notifications, r.batches, r.batchKeys, r.batchQueries, r.refreshed, r.refreshTime, r.emissions, r.live)
	return r
}

func (r *Recorder) Notified(changes int) { r.notifications.Add(float64(changes)) }

func (r *Recorder) Dispatched(keys, queries int) {
	r.batches.Inc()
	r.batchKeys.Observe(float64(keys))
	r.batchQueries.Observe(float64(queries))
}

func (r *Recorder) Refreshed(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.refreshed.WithLabelValues(result).Inc()
	r.refreshTime.Observe(d.Seconds())
}

func (r *Recorder) Emitted() { r.emissions.Inc() }

func (r *Recorder) LiveQueries(n int) { r.live.Set(float64(n)) }
