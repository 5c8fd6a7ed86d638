// Package server builds the HTTP surface shared by the hello binaries.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/riandyrn/otelchi"
	otelchimetric "github.com/riandyrn/otelchi/metric"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/hhertout/otel-example/internal/api"
	"github.com/hhertout/otel-example/internal/metrics"
	"github.com/hhertout/otel-example/internal/sentry"
)

// ListenAddr is the fixed address both binaries bind to.
const ListenAddr = "127.0.0.1:8080"

const healthPath = "/health"

// Route is a single static GET endpoint.
type Route struct {
	Pattern string
	Handler http.HandlerFunc
}

type Options struct {
	// ServerName names the tracer and meters of the HTTP middleware.
	ServerName string

	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator
	MeterProvider  metric.MeterProvider

	// Metrics counts requests per endpoint; nil disables it.
	Metrics *metrics.HTTPMetrics

	// CORSAllowedOrigins installs the CORS middleware when non-empty.
	CORSAllowedOrigins []string

	// ReportPanics recovers panics through Sentry instead of chi's Recoverer.
	ReportPanics bool
}

// NewRouter returns a chi router serving routes plus /health. Every request
// except /health gets a server span.
func NewRouter(opts Options, routes ...Route) chi.Router {
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	prop := opts.Propagator
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	r := chi.NewRouter()

	r.Use(otelchi.Middleware(opts.ServerName,
		otelchi.WithChiRoutes(r),
		otelchi.WithTracerProvider(tp),
		otelchi.WithPropagators(prop),
		otelchi.WithRequestMethodInSpanName(true),
		otelchi.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != healthPath
		}),
	))

	// HTTP metrics
	metricCfg := otelchimetric.NewBaseConfig(opts.ServerName, otelchimetric.WithMeterProvider(mp))
	r.Use(otelchimetric.NewRequestDurationMillis(metricCfg))
	r.Use(otelchimetric.NewRequestInFlight(metricCfg))
	r.Use(otelchimetric.NewResponseSizeBytes(metricCfg))
	r.Use(opts.Metrics.Middleware)

	if len(opts.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "traceparent", "tracestate", "baggage"},
		}))
	}

	if opts.ReportPanics {
		r.Use(sentry.HTTPMiddleware)
	} else {
		r.Use(chimiddleware.Recoverer)
	}

	r.Get(healthPath, api.HandleHealth)
	for _, route := range routes {
		r.Get(route.Pattern, route.Handler)
	}

	return r
}
