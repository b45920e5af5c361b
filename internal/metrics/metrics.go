// Package metrics exposes gateway counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event sources
const (
	SourceLocal = "local"
	SourceRelay = "relay"
)

// Recorder is what the gateway, relay and presence callers report into
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	EventDelivered(eventType, source string)
	BusPublishFailed()
	StoreCallFailed(op string)
	MessageRejected(reason string)
}

type Collector struct {
	connections    prometheus.Gauge
	events         *prometheus.CounterVec
	publishFailed  prometheus.Counter
	storeFailed    *prometheus.CounterVec
	rejectedByKind *prometheus.CounterVec
}

// NewCollector registers every metric on reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_active_connections",
			Help: "Open WebSocket connections on this instance",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_events_delivered_total",
			Help: "Collaboration events delivered to local rooms",
		}, []string{"type", "source"}),
		publishFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_bus_publish_failures_total",
			Help: "Event bus publishes that failed or were skipped while degraded",
		}),
		storeFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_presence_store_failures_total",
			Help: "Presence store calls that returned a degraded result",
		}, []string{"op"}),
		rejectedByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_messages_rejected_total",
			Help: "Client messages answered with an error event",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.connections,
		c.events,
		c.publishFailed,
		c.storeFailed,
		c.rejectedByKind,
	)
	return c
}

func (c *Collector) ConnectionOpened() { c.connections.Inc() }
func (c *Collector) ConnectionClosed() { c.connections.Dec() }

func (c *Collector) EventDelivered(eventType, source string) {
	c.events.WithLabelValues(eventType, source).Inc()
}

func (c *Collector) BusPublishFailed() { c.publishFailed.Inc() }

func (c *Collector) StoreCallFailed(op string) {
	c.storeFailed.WithLabelValues(op).Inc()
}

func (c *Collector) MessageRejected(reason string) {
	c.rejectedByKind.WithLabelValues(reason).Inc()
}

// RegisterQueueDepth exposes a worker queue's backlog as a gauge read at
// scrape time
func RegisterQueueDepth(reg prometheus.Registerer, queue string, depth func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "collab_queue_depth",
		Help:        "Jobs waiting for a worker",
		ConstLabels: prometheus.Labels{"queue": queue},
	}, func() float64 { return float64(depth()) }))
}

// Nop discards everything
type Nop struct{}

func (Nop) ConnectionOpened()             {}
func (Nop) ConnectionClosed()             {}
func (Nop) EventDelivered(string, string) {}
func (Nop) BusPublishFailed()             {}
func (Nop) StoreCallFailed(string)        {}
func (Nop) MessageRejected(string)        {}

// Handler serves the registry for Prometheus scrapes
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
