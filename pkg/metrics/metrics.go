// Package metrics provides a small façade over prometheus/client_golang
// with the counter/gauge/histogram/ServeAsync call shape the rest of the
// codebase expects, so workers and the orchestrator don't import the
// Prometheus API directly.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are the default histogram buckets (in seconds).
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Counter is a monotonically increasing counter.
type Counter struct{ c prometheus.Counter }

func (c *Counter) Inc()          { c.c.Inc() }
func (c *Counter) Add(n float64) { c.c.Add(n) }

// Gauge can go up and down.
type Gauge struct{ g prometheus.Gauge }

func (g *Gauge) Set(f float64) { g.g.Set(f) }
func (g *Gauge) Inc()          { g.g.Inc() }
func (g *Gauge) Dec()          { g.g.Dec() }
func (g *Gauge) Add(f float64) { g.g.Add(f) }

// Histogram tracks the distribution of observed values using fixed buckets.
type Histogram struct{ h prometheus.Histogram }

func (h *Histogram) Observe(v float64) { h.h.Observe(v) }

// Since is a convenience to observe duration since t, in seconds.
func (h *Histogram) Since(t time.Time) { h.h.Observe(time.Since(t).Seconds()) }

// Registry holds named metrics backed by a Prometheus registry.
type Registry struct {
	reg        *prometheus.Registry
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// New creates a new Registry.
func New() *Registry {
	return &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter returns (or creates) a counter registered under name.
func (r *Registry) Counter(name, help string) *Counter {
	if c, ok := r.counters[name]; ok {
		return c
	}
	pc := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	r.reg.MustRegister(pc)
	c := &Counter{c: pc}
	r.counters[name] = c
	return c
}

// Gauge returns (or creates) a gauge registered under name.
func (r *Registry) Gauge(name, help string) *Gauge {
	if g, ok := r.gauges[name]; ok {
		return g
	}
	pg := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	r.reg.MustRegister(pg)
	g := &Gauge{g: pg}
	r.gauges[name] = g
	return g
}

// Histogram returns (or creates) a histogram registered under name.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if h, ok := r.histograms[name]; ok {
		return h
	}
	if buckets == nil {
		buckets = DefaultBuckets
	}
	ph := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	r.reg.MustRegister(ph)
	h := &Histogram{h: ph}
	r.histograms[name] = h
	return h
}

// Handler returns an http.Handler that serves /metrics in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server on the given port serving /metrics.
func (r *Registry) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	return srv.ListenAndServe()
}

// ServeAsync starts the metrics server in a goroutine. Errors are logged.
func (r *Registry) ServeAsync(port int, log *slog.Logger) {
	go func() {
		if err := r.Serve(port); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server exited", "port", port, "error", err)
		}
	}()
}
