// Package metrics provides process-wide meters with a no-op default.
// Calling InitializePrometheus switches the package to real Prometheus
// collectors; library code meters unconditionally and pays nothing when
// metrics are disabled.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "defacto"

// CountVecMeter is a monotonically increasing counter with labels.
type CountVecMeter interface {
	AddWithLabels(int64, map[string]string)
}

// HistogramMeter aggregates reported measurements (milliseconds).
type HistogramMeter interface {
	Observe(int64)
}

type backend interface {
	counterVec(name string, labels []string) CountVecMeter
	histogram(name string, buckets []float64) HistogramMeter
	handler() http.Handler
}

var (
	mu      sync.Mutex
	impl    backend = noopBackend{}
	enabled bool
)

// InitializePrometheus switches the package to Prometheus collectors.
// Meters created before initialization stay no-op; initialize during
// bootstrap, before services are constructed.
func InitializePrometheus() {
	mu.Lock()
	defer mu.Unlock()
	if !enabled {
		impl = &promBackend{}
		enabled = true
	}
}

// HTTPHandler serves the metrics scrape endpoint.
func HTTPHandler() http.Handler {
	mu.Lock()
	defer mu.Unlock()
	return impl.handler()
}

// CounterVec returns a labeled counter registered under the given name.
func CounterVec(name string, labels []string) CountVecMeter {
	mu.Lock()
	defer mu.Unlock()
	return impl.counterVec(name, labels)
}

// Histogram returns a histogram registered under the given name.
func Histogram(name string, buckets []float64) HistogramMeter {
	mu.Lock()
	defer mu.Unlock()
	return impl.histogram(name, buckets)
}

type noopBackend struct{}

type noopMeter struct{}

func (noopMeter) AddWithLabels(int64, map[string]string) {}
func (noopMeter) Observe(int64)                          {}

func (noopBackend) counterVec(string, []string) CountVecMeter { return noopMeter{} }
func (noopBackend) histogram(string, []float64) HistogramMeter {
	return noopMeter{}
}
func (noopBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
}

type promBackend struct {
	counterVecs sync.Map
	histograms  sync.Map
}

type promCounterVec struct{ vec *prometheus.CounterVec }

func (c promCounterVec) AddWithLabels(v int64, labels map[string]string) {
	c.vec.With(labels).Add(float64(v))
}

type promHistogram struct{ h prometheus.Histogram }

func (p promHistogram) Observe(v int64) { p.h.Observe(float64(v)) }

func (b *promBackend) counterVec(name string, labels []string) CountVecMeter {
	if m, ok := b.counterVecs.Load(name); ok {
		return m.(CountVecMeter)
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
	}, labels)
	prometheus.MustRegister(vec)
	meter := promCounterVec{vec: vec}
	b.counterVecs.Store(name, meter)
	return meter
}

func (b *promBackend) histogram(name string, buckets []float64) HistogramMeter {
	if m, ok := b.histograms.Load(name); ok {
		return m.(HistogramMeter)
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Buckets:   buckets,
	})
	prometheus.MustRegister(h)
	meter := promHistogram{h: h}
	b.histograms.Store(name, meter)
	return meter
}

func (b *promBackend) handler() http.Handler { return promhttp.Handler() }

// BucketSweepMillis covers the expected sweep latency range.
var BucketSweepMillis = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}
