// Package app wires configuration, telemetry, profiling and the HTTP server
// into the run loop shared by the ping and users binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hhertout/otel-example/internal/api"
	"github.com/hhertout/otel-example/internal/config"
	apperrors "github.com/hhertout/otel-example/internal/errors"
	"github.com/hhertout/otel-example/internal/logger"
	"github.com/hhertout/otel-example/internal/metrics"
	"github.com/hhertout/otel-example/internal/profiling"
	"github.com/hhertout/otel-example/internal/sentry"
	"github.com/hhertout/otel-example/internal/server"
	"github.com/hhertout/otel-example/internal/telemetry"
)

const defaultShutdownTimeout = 5 * time.Second

// Variant describes one binary: the routes it serves and whether it runs the
// profiler.
type Variant struct {
	Name      string
	Routes    []server.Route
	Profiling bool
}

var (
	Ping = Variant{
		Name:      "ping",
		Routes:    []server.Route{{Pattern: "/ping", Handler: api.HandlePing}},
		Profiling: true,
	}
	Users = Variant{
		Name:   "users",
		Routes: []server.Route{{Pattern: "/users/{id}", Handler: api.HandleUser}},
	}
)

type Options struct {
	// Listen binds the server socket. Defaults to net.Listen.
	Listen func(network, address string) (net.Listener, error)

	Config    []config.Option
	Telemetry []telemetry.Option

	ShutdownTimeout time.Duration
}

func (o Options) listen(network, address string) (net.Listener, error) {
	if o.Listen != nil {
		return o.Listen(network, address)
	}
	return net.Listen(network, address)
}

func (o Options) shutdownTimeout() time.Duration {
	if o.ShutdownTimeout > 0 {
		return o.ShutdownTimeout
	}
	return defaultShutdownTimeout
}

// Run serves v until ctx is done. Telemetry is flushed on every return path
// once it has been started.
func Run(ctx context.Context, v Variant, opts Options) error {
	cfgOpts := append([]config.Option{}, opts.Config...)
	if v.Profiling {
		cfgOpts = append(cfgOpts, config.WithProfiling())
	}

	cfg, err := config.Load(cfgOpts...)
	if err != nil {
		return apperrors.NewConfigError("failed to load config", "CONFIG_INVALID", err)
	}

	handle, err := telemetry.StartTracing(ctx, telemetryConfig(cfg), opts.Telemetry...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.shutdownTimeout())
		defer cancel()
		if err := handle.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown telemetry",
				"error", apperrors.NewShutdownError("telemetry flush failed", "TELEMETRY_SHUTDOWN", err))
		}
	}()

	log := logger.New(cfg.Env, handle.LoggerProvider())
	slog.SetDefault(log)

	reportPanics, err := sentry.Init(cfg.SentryDSN, cfg.Env, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		slog.Warn("Failed to init Sentry", "error", err)
	}
	if reportPanics {
		defer sentry.Flush(2 * time.Second)
	}

	if v.Profiling {
		profiler, err := profiling.Start(profiling.Config{
			ApplicationName: cfg.ServiceName,
			ServerAddress:   cfg.PyroscopeEndpoint,
			Environment:     cfg.Env,
			ProfileTypes:    cfg.Telemetry.ProfileTypes,
		}, log)
		if err != nil {
			slog.Warn("Profiling disabled, continuing without it", "error", err)
		} else {
			defer func() {
				if err := profiler.Stop(); err != nil {
					slog.Warn("Failed to stop profiler", "error", err)
				}
			}()
		}
	}

	httpMetrics, err := metrics.NewHTTPMetrics(handle.MeterProvider())
	if err != nil {
		slog.Warn("Failed to init request metrics", "error", err)
	}

	router := server.NewRouter(server.Options{
		ServerName:         cfg.ServiceName,
		TracerProvider:     handle.TracerProvider(),
		Propagator:         handle.Propagator(),
		MeterProvider:      handle.MeterProvider(),
		Metrics:            httpMetrics,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		ReportPanics:       reportPanics,
	}, v.Routes...)

	ln, err := opts.listen("tcp", server.ListenAddr)
	if err != nil {
		return apperrors.NewBindError("failed to listen on "+server.ListenAddr, "LISTEN_FAILED", err)
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	slog.Info("Starting server", "variant", v.Name, "addr", ln.Addr().String())

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func telemetryConfig(cfg *config.Config) telemetry.Config {
	return telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Env,
		Endpoint:       cfg.OtelEndpoint,
		Protocol:       cfg.OtelProtocol,
		Headers:        cfg.OtelHeaders,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		BatchTimeout:   cfg.Telemetry.BatchTimeout,
		MetricInterval: cfg.Telemetry.MetricInterval,
		LogsEndpoint:   logsEndpoint(cfg),
	}
}

func logsEndpoint(cfg *config.Config) string {
	if !cfg.OtelLogEnabled {
		return ""
	}
	return cfg.OtelLogsEndpoint
}
