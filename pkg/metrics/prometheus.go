package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "raftkv"

// Prometheus is a Collector backed by its own registry. Vectors are created on first
// use; later calls with the same name must use the same label keys.
type Prometheus struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var _ Collector = (*Prometheus)(nil)

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Prometheus{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) IncCounter(name string, labels map[string]string, delta float64) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
		}, labelNames(labels))
		if !p.register(name, vec) {
			p.mu.Unlock()
			return
		}
		p.counters[name] = vec
	}
	p.mu.Unlock()

	c, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Debug("metrics: bad counter labels", "name", name, "error", err)
		return
	}
	c.Add(delta)
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
		}, labelNames(labels))
		if !p.register(name, vec) {
			p.mu.Unlock()
			return
		}
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	g, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Debug("metrics: bad gauge labels", "name", name, "error", err)
		return
	}
	g.Set(value)
}

func (p *Prometheus) ObserveHistogram(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, labelNames(labels))
		if !p.register(name, vec) {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	h, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Debug("metrics: bad histogram labels", "name", name, "error", err)
		return
	}
	h.Observe(value)
}

func (p *Prometheus) register(name string, c prometheus.Collector) bool {
	if err := p.registry.Register(c); err != nil {
		slog.Warn("metrics: failed to register collector", "name", name, "error", err)
		return false
	}
	return true
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func helpFor(name string) string {
	return fmt.Sprintf("raftkv %s", name)
}
