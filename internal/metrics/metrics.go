package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "caseflow"

// Metrics tracks system metrics on a dedicated prometheus registry
type Metrics struct {
	registry *prometheus.Registry

	casesCreated      prometheus.Counter
	casesClaimed      prometheus.Counter
	leaseExpirations  prometheus.Counter
	leaseReleases     prometheus.Counter
	extractionReports *prometheus.CounterVec
	jobsCreated       prometheus.Counter
	jobsFinished      *prometheus.CounterVec
	ocrResults        *prometheus.CounterVec
	idempotentReplays prometheus.Counter
	webhookDeliveries *prometheus.CounterVec
	webhookLatency    prometheus.Histogram
	ocrCaseLatency    prometheus.Histogram
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		casesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cases_created_total",
			Help:      "Total number of cases created",
		}),
		casesClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cases_claimed_total",
			Help:      "Total number of cases claimed for extraction",
		}),
		leaseExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_expirations_total",
			Help:      "Total number of extraction leases reclaimed after expiry",
		}),
		leaseReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_releases_total",
			Help:      "Total number of extraction leases released by their holder",
		}),
		extractionReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_reports_total",
			Help:      "Terminal extraction reports by outcome",
		}, []string{"outcome"}),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Total number of OCR jobs created",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "OCR jobs reaching a terminal status",
		}, []string{"status"}),
		ocrResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocr_results_total",
			Help:      "Per-case OCR results by outcome",
		}, []string{"outcome"}),
		idempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotent_replays_total",
			Help:      "Requests answered from a stored idempotency record",
		}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by result",
		}, []string{"result"}),
		webhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_seconds",
			Help:      "Latency of webhook delivery attempts",
			Buckets:   prometheus.DefBuckets,
		}),
		ocrCaseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ocr_case_seconds",
			Help:      "Time spent running OCR for one case",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.casesCreated,
		m.casesClaimed,
		m.leaseExpirations,
		m.leaseReleases,
		m.extractionReports,
		m.jobsCreated,
		m.jobsFinished,
		m.ocrResults,
		m.idempotentReplays,
		m.webhookDeliveries,
		m.webhookLatency,
		m.ocrCaseLatency,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncrementCasesCreated() {
	m.casesCreated.Inc()
}

func (m *Metrics) AddCasesClaimed(n int) {
	m.casesClaimed.Add(float64(n))
}

func (m *Metrics) IncrementLeaseExpirations() {
	m.leaseExpirations.Inc()
}

func (m *Metrics) IncrementLeaseReleases() {
	m.leaseReleases.Inc()
}

func (m *Metrics) IncrementExtractionReports(outcome string) {
	m.extractionReports.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementJobsCreated() {
	m.jobsCreated.Inc()
}

func (m *Metrics) IncrementJobsFinished(status string) {
	m.jobsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) IncrementIdempotentReplays() {
	m.idempotentReplays.Inc()
}

// IncrementOCRResults counts one per-case OCR result, however it was
// reported.
func (m *Metrics) IncrementOCRResults(outcome string) {
	m.ocrResults.WithLabelValues(outcome).Inc()
}

// ObserveOCRCase records the duration of one OCR run by the embedded
// dispatcher.
func (m *Metrics) ObserveOCRCase(d time.Duration) {
	m.ocrCaseLatency.Observe(d.Seconds())
}

// ObserveWebhookAttempt records one delivery attempt. result is one of
// delivered, retried or failed.
func (m *Metrics) ObserveWebhookAttempt(result string, d time.Duration) {
	m.webhookDeliveries.WithLabelValues(result).Inc()
	m.webhookLatency.Observe(d.Seconds())
}

// GetSnapshot returns a snapshot of the caseflow counters keyed by metric
// name without the namespace. Labelled counters are flattened as
// name{label=value}.
func (m *Metrics) GetSnapshot() map[string]float64 {
	snapshot := make(map[string]float64)
	families, err := m.registry.Gather()
	if err != nil {
		return snapshot
	}
	prefix := namespace + "_"
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		name = strings.TrimPrefix(name, prefix)
		for _, metric := range mf.GetMetric() {
			counter := metric.GetCounter()
			if counter == nil {
				continue
			}
			key := name
			for _, lp := range metric.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			snapshot[key] = counter.GetValue()
		}
	}
	return snapshot
}
