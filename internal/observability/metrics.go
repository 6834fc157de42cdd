package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cqstream"

// Metrics holds the Prometheus collectors of the delivery and projection
// paths.
type Metrics struct {
	mu sync.Mutex

	streamRows    *prometheus.CounterVec
	streamBatches *prometheus.CounterVec
	streamBytes   *prometheus.CounterVec
	queryRows     *prometheus.CounterVec
	queryBytes    *prometheus.CounterVec
	queryErrors   *prometheus.CounterVec
	rebuilds      *prometheus.CounterVec
	coercions     *prometheus.CounterVec
	routeEvents   *prometheus.CounterVec
	ackWait       *prometheus.HistogramVec
	workerBatch   *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registry uses the Prometheus
// default registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if registry != nil {
		registerer, gatherer = registry, registry
	}

	return &Metrics{
		registerer:    registerer,
		gatherer:      gatherer,
		streamRows:    newCounterVec("stream", "input_rows_total", "Rows inserted into a stream", []string{"stream"}),
		streamBatches: newCounterVec("stream", "input_batches_total", "Sub-batches delivered to worker queues", []string{"stream"}),
		streamBytes:   newCounterVec("stream", "input_bytes_total", "Framed bytes delivered to worker queues", []string{"stream"}),
		queryRows:     newCounterVec("query", "input_rows_total", "Rows read by a continuous query", []string{"query"}),
		queryBytes:    newCounterVec("query", "input_bytes_total", "Message bytes read by a continuous query", []string{"query"}),
		queryErrors:   newCounterVec("query", "errors_total", "Worker batches a continuous query failed to process", []string{"query"}),
		rebuilds:      newCounterVec("projection", "mapping_rebuilds_total", "Field mapping rebuilds after a descriptor change", []string{"query"}),
		coercions:     newCounterVec("projection", "coercions_total", "Field coercions by path", []string{"path"}),
		routeEvents:   newCounterVec("router", "events_total", "Queue routing decisions", []string{"event"}),
		ackWait:       newHistogramVec("ack", "wait_seconds", "Time a synchronous producer waited for acknowledgments", prometheus.ExponentialBuckets(0.0005, 4, 10), []string{"stream"}),
		workerBatch:   newHistogramVec("worker", "batch_seconds", "Time a worker spent on one batch", prometheus.ExponentialBuckets(0.0005, 4, 10), []string{"worker"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "bytes",
			Help:      "Payload bytes waiting in a worker queue",
		}, []string{"queue"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.streamRows,
		m.streamBatches,
		m.streamBytes,
		m.queryRows,
		m.queryBytes,
		m.queryErrors,
		m.rebuilds,
		m.coercions,
		m.routeEvents,
		m.ackWait,
		m.workerBatch,
		m.queueDepth,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == prometheus.DefaultGatherer {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) streamInsert(stream string, rows, batches, bytes int) {
	m.streamRows.WithLabelValues(stream).Add(float64(rows))
	m.streamBatches.WithLabelValues(stream).Add(float64(batches))
	m.streamBytes.WithLabelValues(stream).Add(float64(bytes))
}

func (m *Metrics) queryRead(query string, rows, bytes int, rebuilds uint64) {
	m.queryRows.WithLabelValues(query).Add(float64(rows))
	m.queryBytes.WithLabelValues(query).Add(float64(bytes))
	m.rebuilds.WithLabelValues(query).Add(float64(rebuilds))
}

func (m *Metrics) queryError(query string) {
	m.queryErrors.WithLabelValues(query).Inc()
}

func (m *Metrics) procBatch(worker, _ int, busy time.Duration) {
	m.workerBatch.WithLabelValues(strconv.Itoa(worker)).Observe(busy.Seconds())
}

// ObserveCoercions adds direct and fallback coercion counts.
func (m *Metrics) ObserveCoercions(direct, fallback uint64) {
	if direct > 0 {
		m.coercions.WithLabelValues("direct").Add(float64(direct))
	}
	if fallback > 0 {
		m.coercions.WithLabelValues("fallback").Add(float64(fallback))
	}
}

// ObserveAckWait records how long a producer waited on stream's batch.
func (m *Metrics) ObserveAckWait(stream string, d time.Duration) {
	m.ackWait.WithLabelValues(stream).Observe(d.Seconds())
}

// SetQueueBytes records the payload waiting in queue.
func (m *Metrics) SetQueueBytes(queue, bytes int) {
	m.queueDepth.WithLabelValues(strconv.Itoa(queue)).Set(float64(bytes))
}

// Rotated implements router.Observer.
func (m *Metrics) Rotated(_, _ int) {
	m.routeEvents.WithLabelValues("rotated").Inc()
}

// Rerouted implements router.Observer.
func (m *Metrics) Rerouted(_, _ int) {
	m.routeEvents.WithLabelValues("rerouted").Inc()
}

// Blocked implements router.Observer.
func (m *Metrics) Blocked(_ int) {
	m.routeEvents.WithLabelValues("blocked").Inc()
}
