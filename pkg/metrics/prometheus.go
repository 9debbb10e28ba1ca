// Package metrics provides Prometheus metrics for the buma triage service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the triage service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Pipeline outcomes
	eventsIngested  prometheus.Counter
	eventsOutcome   *prometheus.CounterVec
	eventsDuplicate prometheus.Counter
	decisions       *prometheus.CounterVec
	classifications *prometheus.CounterVec

	// Per-stage behaviour
	stageLatency *prometheus.HistogramVec
	stageRetries *prometheus.CounterVec

	// Roster
	developerLoad *prometheus.GaugeVec
	rosterSize    prometheus.Gauge

	// Queue
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueue       prometheus.Counter
	queueDequeue       prometheus.Counter
	queueEnqueueErrors prometheus.Counter
	queueRedelivered   prometheus.Counter

	// Workers
	workerCount             prometheus.Gauge
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram

	// Applier
	applierRequests *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorRateByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage prometheus.Gauge
	systemGoroutines  prometheus.Gauge
	systemGCPauseTime prometheus.Histogram
	configReloads     *prometheus.CounterVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "buma",
		subsystem:        "triage",
		histogramBuckets: prometheus.DefBuckets,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counterOpts(n, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(n),
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) gaugeOpts(n, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(n),
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) histogramOpts(n, help string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(n),
		Help:        help,
		Buckets:     m.histogramBuckets,
		ConstLabels: m.customLabels,
	}
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.eventsIngested = auto.NewCounter(m.counterOpts("events_ingested_total",
		"Total number of events accepted onto the queue"))
	m.eventsOutcome = auto.NewCounterVec(m.counterOpts("events_outcome_total",
		"Terminal handling of each delivery attempt (acked, requeued, dead_lettered, dropped)"),
		[]string{"outcome"})
	m.eventsDuplicate = auto.NewCounter(m.counterOpts("events_duplicate_total",
		"Deliveries skipped because a decision was already logged"))
	m.decisions = auto.NewCounterVec(m.counterOpts("decisions_total",
		"Assignment decisions by outcome and reason"),
		[]string{"outcome", "reason"})
	m.classifications = auto.NewCounterVec(m.counterOpts("classifications_total",
		"Classified issues by category and priority"),
		[]string{"category", "priority"})

	m.stageLatency = auto.NewHistogramVec(m.histogramOpts("stage_latency_milliseconds",
		"Latency of each pipeline stage in milliseconds"),
		[]string{"stage"})
	m.stageRetries = auto.NewCounterVec(m.counterOpts("stage_retries_total",
		"Retries scheduled per stage and error kind"),
		[]string{"stage", "kind"})

	m.developerLoad = auto.NewGaugeVec(m.gaugeOpts("developer_load",
		"Current open assignments per developer"),
		[]string{"developer"})
	m.rosterSize = auto.NewGauge(m.gaugeOpts("roster_size",
		"Number of developers in the roster"))

	m.queueSize = auto.NewGauge(m.gaugeOpts("queue_size",
		"Current size of the event queue (backlog indicator)"))
	m.queueCapacity = auto.NewGauge(m.gaugeOpts("queue_capacity",
		"Maximum queue capacity"))
	m.queueEnqueue = auto.NewCounter(m.counterOpts("queue_enqueue_total",
		"Messages enqueued"))
	m.queueDequeue = auto.NewCounter(m.counterOpts("queue_dequeue_total",
		"Messages received by workers"))
	m.queueEnqueueErrors = auto.NewCounter(m.counterOpts("queue_enqueue_errors_total",
		"Enqueue attempts rejected (full or closed)"))
	m.queueRedelivered = auto.NewCounter(m.counterOpts("queue_redelivered_total",
		"Messages returned to the queue after a lease expired or a nack"))

	m.workerCount = auto.NewGauge(m.gaugeOpts("worker_count",
		"Configured number of workers"))
	m.workerActiveCount = auto.NewGauge(m.gaugeOpts("worker_active_count",
		"Workers currently processing a message"))
	m.workerProcessingLatency = auto.NewHistogram(m.histogramOpts("worker_processing_latency_milliseconds",
		"End-to-end processing latency of one delivery in milliseconds"))

	m.applierRequests = auto.NewCounterVec(m.counterOpts("applier_requests_total",
		"Requests made to the issue tracker by operation and status"),
		[]string{"operation", "status"})

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total",
		"Total number of HTTP requests by endpoint and method"),
		[]string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_milliseconds",
		"HTTP request duration in milliseconds"),
		[]string{"endpoint", "method", "status_code"})

	m.errorRateByComponent = auto.NewCounterVec(m.counterOpts("errors_by_component_total",
		"Errors by component and type"),
		[]string{"component", "error_type"})

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_bytes",
		"Heap bytes allocated"))
	m.systemGoroutines = auto.NewGauge(m.gaugeOpts("system_goroutines",
		"Number of goroutines"))
	m.systemGCPauseTime = auto.NewHistogram(m.histogramOpts("system_gc_pause_milliseconds",
		"Average GC pause in milliseconds"))
	m.configReloads = auto.NewCounterVec(m.counterOpts("config_reloads_total",
		"Configuration reloads by result"),
		[]string{"result"})
}

// RecordEventIngested increments the ingested events counter.
func RecordEventIngested() {
	globalManager.eventsIngested.Inc()
}

// RecordEventOutcome counts how a delivery attempt ended.
func RecordEventOutcome(outcome string) {
	globalManager.eventsOutcome.WithLabelValues(outcome).Inc()
}

// RecordEventDuplicate increments the duplicate events counter.
func RecordEventDuplicate() {
	globalManager.eventsDuplicate.Inc()
}

// RecordDecision counts a logged decision. reason is empty for assignments.
func RecordDecision(outcome, reason string) {
	globalManager.decisions.WithLabelValues(outcome, reason).Inc()
}

// RecordClassification counts a classification result.
func RecordClassification(category, priority string) {
	globalManager.classifications.WithLabelValues(category, priority).Inc()
}

// RecordStageLatency records the latency of one pipeline stage.
func RecordStageLatency(stage string, latencyMs float64) {
	globalManager.stageLatency.WithLabelValues(stage).Observe(latencyMs)
}

// RecordStageRetry counts a scheduled retry.
func RecordStageRetry(stage, kind string) {
	globalManager.stageRetries.WithLabelValues(stage, kind).Inc()
}

// UpdateDeveloperLoad sets the current load gauge for one developer.
func UpdateDeveloperLoad(developerID string, load int) {
	globalManager.developerLoad.WithLabelValues(developerID).Set(float64(load))
}

// DeleteDeveloperLoad removes the gauge of a developer no longer in the roster.
func DeleteDeveloperLoad(developerID string) {
	globalManager.developerLoad.DeleteLabelValues(developerID)
}

// UpdateRosterSize sets the roster size.
func UpdateRosterSize(count int) {
	globalManager.rosterSize.Set(float64(count))
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueue.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeue.Inc()
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrors.Inc()
}

// RecordQueueRedelivered increments the redelivery counter.
func RecordQueueRedelivered() {
	globalManager.queueRedelivered.Inc()
}

// UpdateWorkerCount sets the configured worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// UpdateWorkerActiveCount sets the number of busy workers.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActiveCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordApplierRequest counts one request to the issue tracker.
func RecordApplierRequest(operation, status string) {
	globalManager.applierRequests.WithLabelValues(operation, status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the allocated heap bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the goroutine count.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutines.Set(float64(count))
}

// RecordSystemGCPauseTime records the average GC pause.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// RecordConfigReload counts a reload attempt; result is "ok" or "error".
func RecordConfigReload(result string) {
	globalManager.configReloads.WithLabelValues(result).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
