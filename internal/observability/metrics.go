package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nlpctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served by the stub annotation server.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nlpctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	clientRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nlpctl",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Annotation requests issued by clients.",
		},
		[]string{"server", "format", "outcome"},
	)
	clientDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nlpctl",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Annotation request duration in seconds, including server startup.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "format", "outcome"},
	)
	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nlpctl",
			Subsystem: "supervisor",
			Name:      "starts_total",
			Help:      "Annotation server startup attempts by outcome.",
		},
		[]string{"server", "outcome"},
	)
	serverRefs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nlpctl",
			Subsystem: "supervisor",
			Name:      "refs",
			Help:      "Active references held on a supervised server.",
		},
		[]string{"server"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, clientRequests, clientDuration, serverStarts, serverRefs)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordClientRequest(server, format, outcome string, duration time.Duration) {
	RegisterMetrics()
	clientRequests.WithLabelValues(server, format, outcome).Inc()
	clientDuration.WithLabelValues(server, format, outcome).Observe(duration.Seconds())
}

func RecordServerStart(server, outcome string) {
	RegisterMetrics()
	serverStarts.WithLabelValues(server, outcome).Inc()
}

func SetServerRefs(server string, refs int) {
	RegisterMetrics()
	serverRefs.WithLabelValues(server).Set(float64(refs))
}
