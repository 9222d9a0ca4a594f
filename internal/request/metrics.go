package request

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the per-client request collectors
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the request collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btclient",
			Name:      "requests_total",
			Help:      "Requests sent to torrent client daemons.",
		}, []string{"client", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "btclient",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of requests sent to torrent client daemons.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"client"}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}

	return m
}

func (m *Metrics) observe(client, method string, resp *http.Response, err error, took time.Duration) {
	if m == nil {
		return
	}

	code := "error"
	if err == nil && resp != nil {
		code = strconv.Itoa(resp.StatusCode)
	}

	m.requests.WithLabelValues(client, method, code).Inc()
	m.duration.WithLabelValues(client).Observe(took.Seconds())
}
