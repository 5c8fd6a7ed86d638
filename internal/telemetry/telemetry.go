package telemetry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	apperrors "github.com/hhertout/otel-example/internal/errors"
)

const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"

	defaultBatchTimeout   = 5 * time.Second
	defaultMetricInterval = 15 * time.Second
)

// Config describes the export pipeline. SampleRatio is used as given, so a
// zero value samples nothing.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	Endpoint string
	Protocol string
	Headers  map[string]string

	SampleRatio    float64
	BatchTimeout   time.Duration
	MetricInterval time.Duration

	// LogsEndpoint enables OTLP/HTTP log export when non-empty.
	LogsEndpoint string
}

// Option customizes StartTracing.
type Option func(*options)

type options struct {
	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
}

// WithSpanExporter replaces the OTLP span exporter.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) {
		o.spanExporter = exp
	}
}

// WithMetricReader replaces the periodic OTLP metric reader.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) {
		o.metricReader = r
	}
}

// Handle owns the providers created by StartTracing.
type Handle struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	loggerProvider *sdklog.LoggerProvider
	propagator     propagation.TextMapPropagator
	conn           *grpc.ClientConn

	once sync.Once
	err  error
}

// StartTracing initializes OpenTelemetry and installs the providers and the
// W3C propagator as process-wide defaults. A later call replaces them.
func StartTracing(ctx context.Context, cfg Config, opts ...Option) (*Handle, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ep, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, apperrors.NewExporterError("invalid OTEL_ENDPOINT", "EXPORTER_ENDPOINT", err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, apperrors.NewExporterError("failed to build telemetry resource", "EXPORTER_RESOURCE", err)
	}

	h := &Handle{propagator: NewPropagator()}

	needsCollector := o.spanExporter == nil || o.metricReader == nil
	if needsCollector && cfg.Protocol != ProtocolHTTP {
		h.conn, err = newConn(ep)
		if err != nil {
			return nil, apperrors.NewExporterError("failed to create gRPC connection to collector", "EXPORTER_CONN", err)
		}
	}

	spanExporter := o.spanExporter
	if spanExporter == nil {
		spanExporter, err = newSpanExporter(ctx, cfg, ep, h.conn)
		if err != nil {
			h.closeConn()
			return nil, apperrors.NewExporterError("failed to create trace exporter", "EXPORTER_TRACE", err)
		}
	}

	reader := o.metricReader
	if reader == nil {
		metricExporter, err := newMetricExporter(ctx, cfg, ep, h.conn)
		if err != nil {
			_ = spanExporter.Shutdown(ctx)
			h.closeConn()
			return nil, apperrors.NewExporterError("failed to create metric exporter", "EXPORTER_METRIC", err)
		}
		reader = sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(orDefault(cfg.MetricInterval, defaultMetricInterval)),
		)
	}

	if cfg.LogsEndpoint != "" {
		lp, err := newLoggerProvider(ctx, cfg, res)
		if err != nil {
			_ = spanExporter.Shutdown(ctx)
			_ = reader.Shutdown(ctx)
			h.closeConn()
			return nil, apperrors.NewExporterError("failed to create log exporter", "EXPORTER_LOG", err)
		}
		h.loggerProvider = lp
		global.SetLoggerProvider(lp)
	}

	h.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter,
			sdktrace.WithBatchTimeout(orDefault(cfg.BatchTimeout, defaultBatchTimeout)),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(h.tracerProvider)

	h.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(h.meterProvider)

	otel.SetTextMapPropagator(h.propagator)

	slog.Info("Telemetry initialized",
		"endpoint", ep.hostPort(defaultPort(cfg.Protocol)),
		"protocol", protocolName(cfg.Protocol),
		"insecure", ep.insecure,
		"logs", h.loggerProvider != nil,
	)

	return h, nil
}

// Shutdown flushes buffered telemetry and releases the exporters. Only the
// first call does any work; later calls return its result.
func (h *Handle) Shutdown(ctx context.Context) error {
	h.once.Do(func() {
		var errs []error
		if err := h.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
		if err := h.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
		if h.loggerProvider != nil {
			if err := h.loggerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("logger provider: %w", err))
			}
		}
		if err := h.closeConn(); err != nil {
			errs = append(errs, fmt.Errorf("grpc connection: %w", err))
		}
		h.err = errors.Join(errs...)
	})
	return h.err
}

func (h *Handle) TracerProvider() trace.TracerProvider {
	return h.tracerProvider
}

func (h *Handle) MeterProvider() metric.MeterProvider {
	return h.meterProvider
}

// LoggerProvider returns nil when log export is disabled.
func (h *Handle) LoggerProvider() log.LoggerProvider {
	if h.loggerProvider == nil {
		return nil
	}
	return h.loggerProvider
}

func (h *Handle) Propagator() propagation.TextMapPropagator {
	return h.propagator
}

// Tracer returns a tracer with the given name
func (h *Handle) Tracer(name string) trace.Tracer {
	return h.tracerProvider.Tracer(name)
}

func (h *Handle) closeConn() error {
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}

// NewPropagator returns the W3C trace-context and baggage propagator.
func NewPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(uuid.NewString()),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
			attribute.String("env", cfg.Environment),
		),
	)
}

func newSampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// newConn creates the client connection shared by the gRPC exporters.
// grpc.NewClient does not dial; the first export does.
func newConn(ep endpoint) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if ep.insecure {
		creds = insecure.NewCredentials()
	}
	return grpc.NewClient(ep.hostPort(defaultGRPCPort), grpc.WithTransportCredentials(creds))
}

func newSpanExporter(ctx context.Context, cfg Config, ep endpoint, conn *grpc.ClientConn) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == ProtocolHTTP {
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(ep.hostPort(defaultHTTPPort)),
			otlptracehttp.WithURLPath(ep.urlPath("traces")),
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if ep.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return exp, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithGRPCConn(conn)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return exp, nil
}

func newMetricExporter(ctx context.Context, cfg Config, ep endpoint, conn *grpc.ClientConn) (sdkmetric.Exporter, error) {
	if cfg.Protocol == ProtocolHTTP {
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(ep.hostPort(defaultHTTPPort)),
			otlpmetrichttp.WithURLPath(ep.urlPath("metrics")),
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
		}
		if ep.insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return exp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithGRPCConn(conn)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return exp, nil
}

func newLoggerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	ep, err := parseEndpoint(cfg.LogsEndpoint)
	if err != nil {
		return nil, err
	}

	opts := []otlploghttp.Option{
		otlploghttp.WithEndpoint(ep.hostPort(defaultHTTPPort)),
		otlploghttp.WithURLPath(ep.urlPath("logs")),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
	}
	if ep.insecure {
		opts = append(opts, otlploghttp.WithInsecure())
	}

	exp, err := otlploghttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}

func defaultPort(protocol string) string {
	if protocol == ProtocolHTTP {
		return defaultHTTPPort
	}
	return defaultGRPCPort
}

func protocolName(p string) string {
	if p == "" {
		return ProtocolGRPC
	}
	return p
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
