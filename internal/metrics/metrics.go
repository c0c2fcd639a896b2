// Package metrics keeps the process counters exported on /metrics. A nil
// *Metrics records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operations labelling bytes_processed_total.
const (
	OpUpload   = "upload"
	OpDownload = "download"
)

type Metrics struct {
	registry       *prometheus.Registry
	uploads        prometheus.Counter
	downloads      prometheus.Counter
	bytesProcessed *prometheus.CounterVec
	errors         *prometheus.CounterVec
}

// New registers the counters on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imghost",
			Name:      "uploads_total",
			Help:      "Accepted uploads, deduplicated ones included.",
		}),
		downloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imghost",
			Name:      "downloads_total",
			Help:      "Image bodies served.",
		}),
		bytesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imghost",
			Name:      "bytes_processed_total",
			Help:      "Bytes received, served or generated, by operation.",
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imghost",
			Name:      "errors_total",
			Help:      "Errors returned to clients or recorded by workers, by kind.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		m.uploads,
		m.downloads,
		m.bytesProcessed,
		m.errors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) RecordUpload(size int) {
	if m == nil {
		return
	}
	m.uploads.Inc()
	m.bytesProcessed.WithLabelValues(OpUpload).Add(float64(size))
}

func (m *Metrics) RecordDownload(size int) {
	if m == nil {
		return
	}
	m.downloads.Inc()
	m.bytesProcessed.WithLabelValues(OpDownload).Add(float64(size))
}

// RecordBytes counts bytes produced by a named operation, such as a job type.
func (m *Metrics) RecordBytes(operation string, size int) {
	if m == nil {
		return
	}
	m.bytesProcessed.WithLabelValues(operation).Add(float64(size))
}

func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
