// Package metrics exposes the control plane's Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paas"

// Registry wraps a private prometheus registry with the counters the
// services report into.
type Registry struct {
	reg *prometheus.Registry

	swept    *prometheus.CounterVec
	messages *prometheus.CounterVec
	tasks    *prometheus.CounterVec
}

// New creates a registry with the Go runtime and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_swept_total",
			Help:      "Expired entries removed by the cleanup scheduler.",
		}, []string{"job"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages handled, by direction and type.",
		}, []string{"direction", "type"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state.",
		}, []string{"state"}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.swept,
		r.messages,
		r.tasks,
	)
	return r
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (r *Registry) Gauge(name, help string, fn func() float64) error {
	return r.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Register adds an arbitrary collector.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.reg.Register(c)
}

// ObserveSweep records the result of one cleanup sweep.
func (r *Registry) ObserveSweep(job string, removed int) {
	r.swept.WithLabelValues(job).Add(float64(removed))
}

// ObserveMessage counts one WebSocket message.
func (r *Registry) ObserveMessage(direction, msgType string) {
	r.messages.WithLabelValues(direction, msgType).Inc()
}

// ObserveTask counts one finished task.
func (r *Registry) ObserveTask(state string) {
	r.tasks.WithLabelValues(state).Inc()
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(r.reg, promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
}
