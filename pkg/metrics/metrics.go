package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "bulkbridge"

	Pipeline = "pipeline"
	Sink     = "sink"
	Events   = "events"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple bridge instances.
type Labels struct {
	Cluster     string // source queue cluster name
	Index       string // destination index
	Environment string // deployment environment (e.g., "production", "staging")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Cluster != "" {
		labels["cluster"] = l.Cluster
	}
	if l.Index != "" {
		labels["index"] = l.Index
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	return labels
}

// Metrics is the observability sink for the pipeline. All methods are safe
// to call on a nil *Metrics, which turns them into no-ops.
type Metrics struct {
	// Pipeline timings
	messageWait        prometheus.Histogram
	dispatchWait       prometheus.Histogram
	batchProcessing    prometheus.Histogram
	ackingDuration     prometheus.Histogram
	batchSize          prometheus.Histogram
	slotsInFlight      prometheus.Gauge
	fatalErrors        prometheus.Counter
	overflowedMessages prometheus.Counter

	// Per-event outcomes
	eventsOK           prometheus.Counter
	eventsFailed       prometheus.Counter
	eventsDeduplicated prometheus.Counter
	unrolledBatches    prometheus.Counter

	// Sink responses
	sinkItems   *prometheus.CounterVec // by item status, error type
	sinkBatches *prometheus.CounterVec // by http status, reason phrase
}

var durationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messageWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Pipeline,
			Name:      "message_wait_duration_seconds",
			Help:      "Time spent blocked in a single queue receive",
			Buckets:   durationBuckets,
		}),
		dispatchWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Pipeline,
			Name:      "dispatch_wait_duration_seconds",
			Help:      "Time the dispatch loop waited to claim a free batch slot",
			Buckets:   durationBuckets,
		}),
		batchProcessing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Pipeline,
			Name:      "batch_processing_duration_seconds",
			Help:      "Time a worker spent on one batch, from dedup to the last ack",
			Buckets:   durationBuckets,
		}),
		ackingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Pipeline,
			Name:      "acking_duration_seconds",
			Help:      "Time spent reconciling a sink response into acks and nacks",
			Buckets:   durationBuckets,
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Pipeline,
			Name:      "batch_size_messages",
			Help:      "Number of messages in each published batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		slotsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Pipeline,
			Name:      "slots_in_flight",
			Help:      "Number of ring slots claimed and not yet released",
		}),
		fatalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Pipeline,
			Name:      "fatal_errors_total",
			Help:      "Total number of errors that tripped the fatal latch",
		}),
		overflowedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Pipeline,
			Name:      "overflowed_messages_total",
			Help:      "Total number of messages carried over to the next batch",
		}),
		eventsOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Events,
			Name:      "ok_total",
			Help:      "Total number of messages acknowledged after indexing",
		}),
		eventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Events,
			Name:      "failed_total",
			Help:      "Total number of messages negatively acknowledged after a sink item error",
		}),
		eventsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Events,
			Name:      "deduplicated_total",
			Help:      "Total number of messages acknowledged as duplicates within their batch",
		}),
		unrolledBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Events,
			Name:      "unrolled_batches_total",
			Help:      "Total number of batches acknowledged item by item",
		}),
		sinkItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Sink,
			Name:      "items_total",
			Help:      "Total number of bulk response items by item status and error type",
		}, []string{"status", "reason"}),
		sinkBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Sink,
			Name:      "batches_total",
			Help:      "Total number of bulk requests by HTTP status and reason phrase",
		}, []string{"status", "reason"}),
	}

	err := errors.Join(
		reg.Register(m.messageWait),
		reg.Register(m.dispatchWait),
		reg.Register(m.batchProcessing),
		reg.Register(m.ackingDuration),
		reg.Register(m.batchSize),
		reg.Register(m.slotsInFlight),
		reg.Register(m.fatalErrors),
		reg.Register(m.overflowedMessages),
		reg.Register(m.eventsOK),
		reg.Register(m.eventsFailed),
		reg.Register(m.eventsDeduplicated),
		reg.Register(m.unrolledBatches),
		reg.Register(m.sinkItems),
		reg.Register(m.sinkBatches),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveMessageWait records how long one queue receive blocked.
func (m *Metrics) ObserveMessageWait(seconds float64) {
	if m == nil {
		return
	}
	m.messageWait.Observe(seconds)
}

// ObserveDispatchWait records how long claiming a ring slot blocked.
func (m *Metrics) ObserveDispatchWait(seconds float64) {
	if m == nil {
		return
	}
	m.dispatchWait.Observe(seconds)
}

// ObserveBatchProcessing records a worker's end-to-end batch duration.
func (m *Metrics) ObserveBatchProcessing(seconds float64) {
	if m == nil {
		return
	}
	m.batchProcessing.Observe(seconds)
}

// ObserveAcking records the response reconciliation duration.
func (m *Metrics) ObserveAcking(seconds float64) {
	if m == nil {
		return
	}
	m.ackingDuration.Observe(seconds)
}

// RecordBatchPublished records a batch handed to the workers along with any
// messages that overflowed into the next one.
func (m *Metrics) RecordBatchPublished(size, overflow int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
	if overflow > 0 {
		m.overflowedMessages.Add(float64(overflow))
	}
}

// IncSlotsInFlight increments the claimed slot gauge.
func (m *Metrics) IncSlotsInFlight() {
	if m == nil {
		return
	}
	m.slotsInFlight.Inc()
}

// DecSlotsInFlight decrements the claimed slot gauge.
func (m *Metrics) DecSlotsInFlight() {
	if m == nil {
		return
	}
	m.slotsInFlight.Dec()
}

// IncFatalErrors counts an error that stopped the pipeline.
func (m *Metrics) IncFatalErrors() {
	if m == nil {
		return
	}
	m.fatalErrors.Inc()
}

// AddEventsOK counts acknowledged messages.
func (m *Metrics) AddEventsOK(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsOK.Add(float64(n))
}

// AddEventsFailed counts negatively acknowledged messages.
func (m *Metrics) AddEventsFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsFailed.Add(float64(n))
}

// AddEventsDeduplicated counts in-batch duplicates acked without indexing.
func (m *Metrics) AddEventsDeduplicated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDeduplicated.Add(float64(n))
}

// IncUnrolledBatches counts batches that needed per-item reconciliation.
func (m *Metrics) IncUnrolledBatches() {
	if m == nil {
		return
	}
	m.unrolledBatches.Inc()
}

// RecordSinkItem records one bulk response item. reason is the item error
// type, empty for successful items.
func (m *Metrics) RecordSinkItem(status int, reason string) {
	if m == nil {
		return
	}
	m.sinkItems.WithLabelValues(strconv.Itoa(status), reason).Inc()
}

// RecordSinkBatch records the HTTP outcome of one bulk request.
func (m *Metrics) RecordSinkBatch(status int, reason string) {
	if m == nil {
		return
	}
	m.sinkBatches.WithLabelValues(strconv.Itoa(status), reason).Inc()
}
