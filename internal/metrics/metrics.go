// Package metrics exposes broker activity as prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sidorares/webpubsub-local/internal/fanout"
)

const namespace = "webpubsub"

// Collector implements the fan-out and router recorders and the registry
// observer on top of prometheus.
type Collector struct {
	gatherer prometheus.Gatherer

	connections   *prometheus.GaugeVec
	groups        *prometheus.GaugeVec
	delivered     *prometheus.CounterVec
	failed        *prometheus.CounterVec
	denied        *prometheus.CounterVec
	malformed     prometheus.Counter
	throttled     prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// New registers every collector on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		gatherer: reg,
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Admitted connections per hub.",
		}, []string{"hub"}),
		groups: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groups",
			Help:      "Non-empty groups per hub.",
		}, []string{"hub"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Frames handed to a transport, by send target.",
		}, []string{"target"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Per-connection delivery failures, by send target.",
		}, []string{"target"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_denied_total",
			Help:      "Client frames refused for missing scopes, by frame type.",
		}, []string{"type"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_malformed_total",
			Help:      "Client frames that could not be parsed or had an unknown type.",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_throttled_total",
			Help:      "Client frames dropped by the per-session rate limit.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(
		c.connections,
		c.groups,
		c.delivered,
		c.failed,
		c.denied,
		c.malformed,
		c.throttled,
		c.httpRequests,
		c.httpDurations,
	)
	return c
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ConnectionAdmitted(hub string) { c.connections.WithLabelValues(hub).Inc() }
func (c *Collector) ConnectionRemoved(hub string)  { c.connections.WithLabelValues(hub).Dec() }
func (c *Collector) GroupCreated(hub string)       { c.groups.WithLabelValues(hub).Inc() }
func (c *Collector) GroupDropped(hub string)       { c.groups.WithLabelValues(hub).Dec() }

func (c *Collector) MessageDelivered(target fanout.Target) {
	c.delivered.WithLabelValues(string(target)).Inc()
}

func (c *Collector) DeliveryFailed(target fanout.Target, _ error) {
	c.failed.WithLabelValues(string(target)).Inc()
}

func (c *Collector) FrameDenied(frameType string) { c.denied.WithLabelValues(frameType).Inc() }
func (c *Collector) FrameMalformed()              { c.malformed.Inc() }
func (c *Collector) FrameThrottled()              { c.throttled.Inc() }

// ObserveRequest records one finished HTTP request.
func (c *Collector) ObserveRequest(route string, code int, elapsed time.Duration) {
	c.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	c.httpDurations.WithLabelValues(route).Observe(elapsed.Seconds())
}
