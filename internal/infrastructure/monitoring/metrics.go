package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics manages the Prometheus metrics for the key management service.
type Metrics struct {
	KeyRequests         *prometheus.CounterVec
	KeyRequestLatency   *prometheus.HistogramVec
	KeyAgreementQBER    prometheus.Histogram
	KeyAgreementRetries prometheus.Histogram
	KeysByState         *prometheus.GaugeVec
	KeyConsumptions     *prometheus.CounterVec
	CryptoOperations    *prometheus.CounterVec
	CacheLookups        *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPLatency         *prometheus.HistogramVec
	RateLimitHits       *prometheus.CounterVec
}

// NewMetrics creates the Prometheus metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates the metrics on a caller-owned registry.
// Tests use this to avoid duplicate registration across cases.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		KeyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qkms_key_requests_total",
				Help: "Total number of key requests.",
			},
			[]string{"source", "result"},
		),
		KeyRequestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qkms_key_request_latency_seconds",
				Help:    "Latency of key requests including key agreement.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		KeyAgreementQBER: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qkms_key_agreement_qber",
				Help:    "Quantum bit error rate observed per key agreement.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.15},
			},
		),
		KeyAgreementRetries: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qkms_key_agreement_attempts",
				Help:    "Number of attempts needed per key agreement.",
				Buckets: []float64{1, 2, 3, 4},
			},
		),
		KeysByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qkms_keys_by_state",
				Help: "Number of stored key records per lifecycle state.",
			},
			[]string{"state"},
		),
		KeyConsumptions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qkms_key_consumptions_total",
				Help: "Total number of key consumptions.",
			},
			[]string{"result"},
		),
		CryptoOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qkms_crypto_operations_total",
				Help: "Total number of encrypt/decrypt dispatches.",
			},
			[]string{"level", "operation", "result"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qkms_local_cache_lookups_total",
				Help: "Local key cache lookups by outcome.",
			},
			[]string{"outcome"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qkms_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qkms_http_request_latency_seconds",
				Help:    "Latency of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qkms_rate_limit_hits_total",
				Help: "Total number of rate limit rejections.",
			},
			[]string{"scope"},
		),
	}
}

// RecordKeyRequest records metrics for a key request.
func (m *Metrics) RecordKeyRequest(source, result string, duration time.Duration) {
	m.KeyRequests.WithLabelValues(source, result).Inc()
	m.KeyRequestLatency.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordKeyAgreement records the diagnostics of one completed key agreement.
func (m *Metrics) RecordKeyAgreement(qber float64, attempts int) {
	m.KeyAgreementQBER.Observe(qber)
	m.KeyAgreementRetries.Observe(float64(attempts))
}

// RecordKeyConsumption records a consumption outcome.
func (m *Metrics) RecordKeyConsumption(result string) {
	m.KeyConsumptions.WithLabelValues(result).Inc()
}

// RecordCryptoOperation records an encrypt or decrypt dispatch.
func (m *Metrics) RecordCryptoOperation(level, operation, result string) {
	m.CryptoOperations.WithLabelValues(level, operation, result).Inc()
}

// RecordCacheLookup records a local cache lookup outcome (hit, miss, fallback).
func (m *Metrics) RecordCacheLookup(outcome string) {
	m.CacheLookups.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records metrics for one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPLatency.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRateLimitHit records a rate limit rejection.
func (m *Metrics) RecordRateLimitHit(scope string) {
	m.RateLimitHits.WithLabelValues(scope).Inc()
}

// SetKeysByState updates the per-state gauges.
func (m *Metrics) SetKeysByState(counts map[string]int64) {
	for state, n := range counts {
		m.KeysByState.WithLabelValues(state).Set(float64(n))
	}
}
