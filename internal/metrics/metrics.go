// Package metrics exports limiter metrics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/manenim/window-limiter/pkg/limiter"
)

const namespace = "windowlimit"

// Collector implements limiter.MetricsRecorder on Prometheus vectors labelled
// by limiter namespace.
type Collector struct {
	Calls     *prometheus.CounterVec
	Allowed   *prometheus.CounterVec
	Denied    *prometheus.CounterVec
	Errors    *prometheus.CounterVec
	Rollovers *prometheus.CounterVec
	Latency   *prometheus.HistogramVec

	counters map[string]*prometheus.CounterVec
}

// New creates a collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a collector registered with reg.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	labels := []string{"namespace"}
	counter := func(name, help string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}

	c := &Collector{
		Calls:     counter("calls_total", "Total number of rate limit checks"),
		Allowed:   counter("allowed_hits_total", "Total number of hits admitted"),
		Denied:    counter("denied_total", "Total number of checks that admitted nothing"),
		Errors:    counter("errors_total", "Total number of checks that failed"),
		Rollovers: counter("rollovers_total", "Total number of windows started"),
		Latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Rate limit check duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, labels),
	}
	c.counters = map[string]*prometheus.CounterVec{
		limiter.MetricCall:     c.Calls,
		limiter.MetricAllowed:  c.Allowed,
		limiter.MetricDenied:   c.Denied,
		limiter.MetricError:    c.Errors,
		limiter.MetricRollover: c.Rollovers,
	}
	return c
}

// Add increments the counter for name. Unknown names are ignored.
func (c *Collector) Add(name string, value float64, tags map[string]string) {
	if vec, ok := c.counters[name]; ok && value > 0 {
		vec.WithLabelValues(tags["namespace"]).Add(value)
	}
}

// Observe records a latency sample.
func (c *Collector) Observe(name string, value float64, tags map[string]string) {
	if name == limiter.MetricLatency {
		c.Latency.WithLabelValues(tags["namespace"]).Observe(value)
	}
}

var _ limiter.MetricsRecorder = (*Collector)(nil)
