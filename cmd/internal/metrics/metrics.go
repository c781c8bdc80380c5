// Package metrics exposes voicegate's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicegate"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TokenRedemptions *prometheus.CounterVec
	SessionsCreated  prometheus.Counter
	CleanupRecords   *prometheus.CounterVec
	ChatReplies      *prometheus.CounterVec
	TTSRequests      *prometheus.CounterVec
	WSConnections    prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New builds and registers the collectors. Process and Go runtime collectors are included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TokenRedemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_redemptions_total",
			Help:      "Access token redemption attempts by outcome.",
		}, []string{"outcome"}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created from redeemed tokens.",
		}),
		CleanupRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_total",
			Help:      "Expired records removed by cleanup, by kind.",
		}, []string{"kind"}),
		ChatReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_replies_total",
			Help:      "Chat replies by source (model or fallback).",
		}, []string{"source"}),
		TTSRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_requests_total",
			Help:      "Speech synthesis requests by outcome.",
		}, []string{"outcome"}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open voice websocket connections.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TokenRedemptions,
		m.SessionsCreated,
		m.CleanupRecords,
		m.ChatReplies,
		m.TTSRequests,
		m.WSConnections,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Redemption(outcome string) { m.TokenRedemptions.WithLabelValues(outcome).Inc() }

func (m *Metrics) SessionCreated() { m.SessionsCreated.Inc() }

func (m *Metrics) CleanupDeleted(kind string, n int64) {
	if n > 0 {
		m.CleanupRecords.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) ChatReply(source string) { m.ChatReplies.WithLabelValues(source).Inc() }

func (m *Metrics) Synthesis(outcome string) { m.TTSRequests.WithLabelValues(outcome).Inc() }

func (m *Metrics) ConnOpened() { m.WSConnections.Inc() }

func (m *Metrics) ConnClosed() { m.WSConnections.Dec() }

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}
