// Package telemetry exposes Prometheus metrics for the chart server.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "casechart"

// Config holds telemetry settings.
type Config struct {
	Enabled        bool
	ServiceVersion string
	Environment    string
}

// Provider owns a registry and the application collectors. A disabled
// provider still accepts observations but serves no metrics.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	requests     *prometheus.HistogramVec
	inflight     prometheus.Gauge
	sessions     prometheus.Gauge
	uploads      *prometheus.CounterVec
	frames       *prometheus.CounterVec
	reloads      *prometheus.CounterVec
	records      prometheus.Gauge
	lastReloadTS prometheus.Gauge
}

func NewProvider(cfg Config) *Provider {
	reg := prometheus.NewRegistry()
	p := &Provider{
		cfg:      cfg,
		registry: reg,
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Requests currently being served.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Open chart sessions.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Dataset uploads by outcome.",
		}, []string{"outcome"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "playback",
			Name:      "frames_total",
			Help:      "Playback frames by result.",
		}, []string{"result"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reference",
			Name:      "reloads_total",
			Help:      "Reference dataset loads by result.",
		}, []string{"result"}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reference",
			Name:      "records",
			Help:      "Records in the loaded reference dataset.",
		}),
		lastReloadTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reference",
			Name:      "last_reload_timestamp_seconds",
			Help:      "Unix time of the last successful reference load.",
		}),
	}

	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build information.",
		ConstLabels: prometheus.Labels{"version": cfg.ServiceVersion, "env": cfg.Environment},
	})
	build.Set(1)

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		build,
		p.requests, p.inflight, p.sessions, p.uploads, p.frames,
		p.reloads, p.records, p.lastReloadTS,
	)
	return p
}

// Enabled reports whether /metrics should be served.
func (p *Provider) Enabled() bool { return p.cfg.Enabled }

// Registry exposes the registry for extra collectors.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// UploadObserved implements chartstate.Metrics.
func (p *Provider) UploadObserved(outcome string) {
	p.uploads.WithLabelValues(outcome).Inc()
}

// FrameApplied implements chartstate.Metrics.
func (p *Provider) FrameApplied(stale bool) {
	result := "applied"
	if stale {
		result = "stale"
	}
	p.frames.WithLabelValues(result).Inc()
}

// SessionsChanged tracks the session registry size.
func (p *Provider) SessionsChanged(n int) {
	p.sessions.Set(float64(n))
}

// ReferenceLoaded records a reference load attempt.
func (p *Provider) ReferenceLoaded(records int, err error) {
	if err != nil {
		p.reloads.WithLabelValues("error").Inc()
		return
	}
	p.reloads.WithLabelValues("ok").Inc()
	p.records.Set(float64(records))
	p.lastReloadTS.Set(float64(time.Now().Unix()))
}

// GaugeFunc registers a gauge whose value is read at scrape time.
func (p *Provider) GaugeFunc(name, help string, fn func() float64) {
	p.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Middleware records request latency by route pattern.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().URL.Path == "/metrics" {
				return next(c)
			}
			p.inflight.Inc()
			start := time.Now()

			err := next(c)

			p.inflight.Dec()
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			p.requests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the Prometheus exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
