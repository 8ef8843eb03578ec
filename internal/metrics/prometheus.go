package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Recorder backed by Prometheus.
type PrometheusCollector struct {
	reg       *prometheus.Registry
	namespace string

	publishes      *prometheus.CounterVec
	fetches        *prometheus.CounterVec
	fetchLatency   prometheus.Histogram
	deltas         prometheus.Counter
	deltaEntries   prometheus.Histogram
	verifications  *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	deliveryLat    *prometheus.HistogramVec
	abandoned      prometheus.Counter
	bigPending     prometheus.Gauge
	contention     prometheus.Counter
	enqueues       *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec
	storageBytes   *prometheus.CounterVec
	storageLatency *prometheus.HistogramVec
}

// Compile-time assertion that PrometheusCollector implements Recorder.
var _ Recorder = (*PrometheusCollector)(nil)

// NewPrometheus creates a collector registered on its own registry, which
// also carries the Go runtime and process collectors.
func NewPrometheus(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "pushhub"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	p := &PrometheusCollector{reg: reg, namespace: namespace}

	p.publishes = p.counterVec("intake", "publish_urls_total", "Publish pings by outcome (scheduled, coalesced, ignored, rejected).", "outcome")
	p.fetches = p.counterVec("fetch", "polls_total", "Feed polls by outcome (delta, noop, failure, contention).", "outcome")
	p.fetchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "poll_duration_seconds",
		Help:      "Duration of feed polls in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
	})
	p.deltas = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "deltas_total",
		Help:      "Deltas appended to the delta queue.",
	})
	p.deltaEntries = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "delta_new_entries",
		Help:      "New entries carried per delta.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 200},
	})
	p.verifications = p.counterVec("verify", "verifications_total", "Verification handshakes by mode and outcome.", "mode", "outcome")
	p.deliveries = p.counterVec("dispatch", "deliveries_total", "Delivery attempts by subscriber kind and outcome.", "kind", "outcome")
	p.deliveryLat = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "delivery_duration_seconds",
		Help:      "Duration of delivery attempts in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"kind"})
	p.abandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "abandoned_total",
		Help:      "Deliveries abandoned after exhausting retries.",
	})
	p.bigPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "big_subscriber_pending",
		Help:      "Deltas parked on big-subscriber pending lists.",
	})
	p.contention = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lease",
		Name:      "contention_total",
		Help:      "Failed topic lease acquisitions.",
	})
	p.enqueues = p.counterVec("queue", "enqueues_total", "Work queue enqueues by queue and whether they coalesced.", "queue", "coalesced")
	p.deadLetters = p.counterVec("queue", "dead_letters_total", "Items moved to a dead-letter set.", "queue")
	p.storageBytes = p.counterVec("storage", "bytes_total", "Bytes read and written by operation.", "op")
	p.storageLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "op_duration_seconds",
		Help:      "Storage operation latency by operation.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"op"})

	reg.MustRegister(p.fetchLatency, p.deltas, p.deltaEntries, p.deliveryLat, p.abandoned,
		p.bigPending, p.contention, p.storageLatency)
	return p
}

func (p *PrometheusCollector) counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
	p.reg.MustRegister(c)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (p *PrometheusCollector) Registry() *prometheus.Registry { return p.reg }

func (p *PrometheusCollector) PublishReceived(outcome string) {
	p.publishes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) FetchCompleted(outcome string, d time.Duration) {
	p.fetches.WithLabelValues(outcome).Inc()
	p.fetchLatency.Observe(d.Seconds())
}

func (p *PrometheusCollector) DeltaEnqueued(newEntries int) {
	p.deltas.Inc()
	p.deltaEntries.Observe(float64(newEntries))
}

func (p *PrometheusCollector) VerificationCompleted(mode, outcome string) {
	p.verifications.WithLabelValues(mode, outcome).Inc()
}

func (p *PrometheusCollector) DeliveryAttempted(kind, outcome string, d time.Duration) {
	p.deliveries.WithLabelValues(kind, outcome).Inc()
	p.deliveryLat.WithLabelValues(kind).Observe(d.Seconds())
}

func (p *PrometheusCollector) DeliveryAbandoned() { p.abandoned.Inc() }

func (p *PrometheusCollector) BigSubscriberPending(delta int) { p.bigPending.Add(float64(delta)) }

// LeaseContention ignores the owner label to keep cardinality bounded.
func (p *PrometheusCollector) LeaseContention(string) { p.contention.Inc() }

func (p *PrometheusCollector) ObserveEnqueue(queue string, coalesced bool) {
	p.enqueues.WithLabelValues(queue, strconv.FormatBool(coalesced)).Inc()
}

func (p *PrometheusCollector) ObserveDeadLetter(queue string) {
	p.deadLetters.WithLabelValues(queue).Inc()
}

func (p *PrometheusCollector) ObserveWrite(d time.Duration, bytes int) {
	p.storage("write", d, bytes)
}

func (p *PrometheusCollector) ObserveRead(d time.Duration, bytes int) {
	p.storage("read", d, bytes)
}

func (p *PrometheusCollector) ObserveBatchCommit(d time.Duration, _ int, bytes int) {
	p.storage("batch_commit", d, bytes)
}

func (p *PrometheusCollector) storage(op string, d time.Duration, bytes int) {
	p.storageBytes.WithLabelValues(strings.ToLower(op)).Add(float64(bytes))
	p.storageLatency.WithLabelValues(op).Observe(d.Seconds())
}
