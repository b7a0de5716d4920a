package proxy

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	requests       *prometheus.CounterVec
	duration       prometheus.Histogram
	chunks         prometheus.Counter
	upstreamErrors prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copilot_proxy",
			Name:      "requests_total",
			Help:      "Relayed queries by response status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "copilot_proxy",
			Name:      "request_duration_seconds",
			Help:      "Time spent relaying one query, stream included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "copilot_proxy",
			Name:      "chunks_total",
			Help:      "Event stream chunks written to clients.",
		}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "copilot_proxy",
			Name:      "upstream_errors_total",
			Help:      "Queries the target could not answer.",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.chunks, m.upstreamErrors)
	return m
}
