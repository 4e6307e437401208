// Package metrics holds the Prometheus collectors shared by the submission
// engine, the read model and the HTTP server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketplace"

var registry = prometheus.NewRegistry()

var (
	submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "submit",
		Name:      "transactions_total",
		Help:      "Submitted transactions by operation and outcome.",
	}, []string{"operation", "outcome"})

	submitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "submit",
		Name:      "duration_seconds",
		Help:      "Time from submission to finality or failure.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
	}, []string{"operation"})

	refreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "refreshes_total",
		Help:      "Collection fetches from the indexer by kind and outcome.",
	}, []string{"kind", "outcome"})

	entities = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "entities",
		Help:      "Entities in the latest snapshot by kind.",
	}, []string{"kind"})

	decodeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "decode_failures_total",
		Help:      "Indexer nodes skipped because they could not be decoded.",
	}, []string{"kind"})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern and status code.",
	}, []string{"route", "code"})

	wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "clients",
		Help:      "Connected websocket clients.",
	})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		submissions, submitDuration,
		refreshes, entities, decodeFailures,
		httpRequests, wsClients,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry exposes the collectors for tests and embedding.
func Registry() *prometheus.Registry { return registry }

// ObserveSubmission records one finished submission.
func ObserveSubmission(operation, outcome string, took time.Duration) {
	submissions.WithLabelValues(operation, outcome).Inc()
	submitDuration.WithLabelValues(operation).Observe(took.Seconds())
}

// ObserveRefresh records one collection fetch. n is ignored on failure.
func ObserveRefresh(kind string, n int, err error) {
	if err != nil {
		refreshes.WithLabelValues(kind, "error").Inc()
		return
	}
	refreshes.WithLabelValues(kind, "ok").Inc()
	entities.WithLabelValues(kind).Set(float64(n))
}

// ObserveDecodeFailure counts a skipped indexer node.
func ObserveDecodeFailure(kind string) { decodeFailures.WithLabelValues(kind).Inc() }

// ObserveHTTP counts a served request.
func ObserveHTTP(route, code string) { httpRequests.WithLabelValues(route, code).Inc() }

// WSClientConnected adjusts the connected client gauge by delta.
func WSClientConnected(delta int) { wsClients.Add(float64(delta)) }
