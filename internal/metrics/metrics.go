// Package metrics holds the Prometheus collectors of the poll engine.
// A nil *Collectors is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Collectors struct {
	polls           *prometheus.CounterVec
	retries         *prometheus.CounterVec
	pollDuration    prometheus.Histogram
	breakerOpen     *prometheus.GaugeVec
	cacheRequests   *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldpoll_polls_total",
			Help: "Completed poll cycles by device and result.",
		}, []string{"device_id", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldpoll_poll_retries_total",
			Help: "Retried poll attempts within a cycle.",
		}, []string{"device_id"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldpoll_poll_duration_seconds",
			Help:    "Duration of poll cycles including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldpoll_breaker_open",
			Help: "1 while a device polls at a backed-off interval.",
		}, []string{"device_id"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldpoll_cache_requests_total",
			Help: "On-demand read cache lookups by result.",
		}, []string{"result"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldpoll_persist_failures_total",
			Help: "Failed sink writes by kind.",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(c.polls, c.retries, c.pollDuration, c.breakerOpen, c.cacheRequests, c.persistFailures)
	}
	return c
}

func (c *Collectors) Poll(deviceID string, success bool, d time.Duration) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	c.polls.WithLabelValues(deviceID, result).Inc()
	c.pollDuration.Observe(d.Seconds())
}

func (c *Collectors) Retry(deviceID string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(deviceID).Inc()
}

func (c *Collectors) Breaker(deviceID string, open bool) {
	if c == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	c.breakerOpen.WithLabelValues(deviceID).Set(v)
}

func (c *Collectors) CacheRequest(result string) {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues(result).Inc()
}

func (c *Collectors) PersistFailure(kind string) {
	if c == nil {
		return
	}
	c.persistFailures.WithLabelValues(kind).Inc()
}

// Forget drops the per-device series of a removed device.
func (c *Collectors) Forget(deviceID string) {
	if c == nil {
		return
	}
	c.polls.DeleteLabelValues(deviceID, "success")
	c.polls.DeleteLabelValues(deviceID, "failure")
	c.retries.DeleteLabelValues(deviceID)
	c.breakerOpen.DeleteLabelValues(deviceID)
}
