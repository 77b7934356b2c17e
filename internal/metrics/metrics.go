// Package metrics holds the Prometheus instruments of the grading service.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavelanni/omrgrade/internal/model"
	"github.com/pavelanni/omrgrade/internal/vision"
)

type Metrics struct {
	reg *prometheus.Registry

	PagesTotal      *prometheus.CounterVec
	BatchesTotal    *prometheus.CounterVec
	BatchDuration   prometheus.Histogram
	VisionDuration  *prometheus.HistogramVec
	RequestCounter  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the instruments on a private registry, together with the Go
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		PagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omrgrade_pages_total",
				Help: "Scanned pages by scan mode and save status",
			},
			[]string{"mode", "status"},
		),
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omrgrade_batches_total",
				Help: "Scan batches by scan mode and whether they ran to completion",
			},
			[]string{"mode", "completed"},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "omrgrade_batch_duration_seconds",
				Help:    "Wall time of one scan batch",
				Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900},
			},
		),
		VisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omrgrade_vision_request_duration_seconds",
				Help:    "Duration of vision service calls",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30},
			},
			[]string{"backend", "outcome"},
		),
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omrgrade_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omrgrade_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: []float64{0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
	}
	m.reg.MustRegister(
		m.PagesTotal, m.BatchesTotal, m.BatchDuration, m.VisionDuration,
		m.RequestCounter, m.RequestDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveBatch records a finished batch and each of its pages.
func (m *Metrics) ObserveBatch(b model.BatchReport) {
	mode := string(b.Mode)
	for _, p := range b.Pages {
		m.PagesTotal.WithLabelValues(mode, string(p.Status)).Inc()
	}
	m.BatchesTotal.WithLabelValues(mode, strconv.FormatBool(!b.Cancelled)).Inc()
	if !b.FinishedAt.IsZero() {
		m.BatchDuration.Observe(b.FinishedAt.Sub(b.StartedAt).Seconds())
	}
}

// Middleware counts requests by their chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// InstrumentClient wraps a vision backend so every call is timed.
func (m *Metrics) InstrumentClient(c vision.Client) vision.Client {
	return &instrumentedClient{Client: c, hist: m.VisionDuration}
}

type instrumentedClient struct {
	vision.Client
	hist *prometheus.HistogramVec
}

func (c *instrumentedClient) Complete(ctx context.Context, req vision.Request) (string, error) {
	start := time.Now()
	reply, err := c.Client.Complete(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.hist.WithLabelValues(c.Name(), outcome).Observe(time.Since(start).Seconds())
	return reply, err
}
