package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hhertout/otel-example/internal/config"
	apperrors "github.com/hhertout/otel-example/internal/errors"
	"github.com/hhertout/otel-example/internal/server"
	"github.com/hhertout/otel-example/internal/telemetry"
)

type countingExporter struct {
	*tracetest.InMemoryExporter
	shutdowns atomic.Int32
}

func (e *countingExporter) Shutdown(context.Context) error {
	e.shutdowns.Add(1)
	return nil
}

func setEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OTEL_SERVICE_NAME", "hello-test")
	t.Setenv("OTEL_ENDPOINT", "http://127.0.0.1:4317")
	t.Setenv("PYROSCOPE_ENDPOINT", "http://127.0.0.1:4040")
	t.Setenv("RUST_ENV", "test")
	t.Setenv("OTEL_LOG_ENABLED", "false")
	t.Setenv("SENTRY_DSN", "")
}

// harness runs the app against an in-memory exporter and a loopback listener.
type harness struct {
	exporter *countingExporter
	addr     chan string
	listened atomic.Bool
	opts     Options
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		exporter: &countingExporter{InMemoryExporter: tracetest.NewInMemoryExporter()},
		addr:     make(chan string, 1),
	}
	h.opts = Options{
		Listen: func(network, address string) (net.Listener, error) {
			h.listened.Store(true)
			if address != server.ListenAddr {
				return nil, fmt.Errorf("unexpected address %s", address)
			}
			ln, err := net.Listen(network, "127.0.0.1:0")
			if err == nil {
				h.addr <- ln.Addr().String()
			}
			return ln, err
		},
		Config: []config.Option{config.WithYAMLPath(filepath.Join(t.TempDir(), "config.yaml"))},
		Telemetry: []telemetry.Option{
			telemetry.WithSpanExporter(h.exporter),
			telemetry.WithMetricReader(sdkmetric.NewManualReader()),
		},
		ShutdownTimeout: 2 * time.Second,
	}
	return h
}

func (h *harness) start(t *testing.T, v Variant) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, v, h.opts)
	}()

	select {
	case addr := <-h.addr:
		return addr, cancel, done
	case err := <-done:
		cancel()
		t.Fatalf("Run returned before listening: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("timed out waiting for listener")
	}
	return "", cancel, done
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRunMissingEnvFailsBeforeBind(t *testing.T) {
	for _, name := range []string{"OTEL_SERVICE_NAME", "OTEL_ENDPOINT", "PYROSCOPE_ENDPOINT", "RUST_ENV"} {
		t.Run(name, func(t *testing.T) {
			setEnv(t)
			t.Setenv(name, "")
			h := newHarness(t)

			err := Run(context.Background(), Ping, h.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
			assert.False(t, h.listened.Load(), "listener must not be bound")

			var appErr *apperrors.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, apperrors.ErrorTypeConfig, appErr.Type)
		})
	}
}

func TestRunMalformedEndpointFailsBeforeBind(t *testing.T) {
	setEnv(t)
	t.Setenv("OTEL_ENDPOINT", "ftp://collector")
	h := newHarness(t)

	err := Run(context.Background(), Users, h.opts)
	require.Error(t, err)
	assert.False(t, h.listened.Load())

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrorTypeExporter, appErr.Type)
}

func TestRunUsersServesAndFlushesOnShutdown(t *testing.T) {
	setEnv(t)
	h := newHarness(t)
	addr, cancel, done := h.start(t, Users)
	defer cancel()

	const n = 10
	for i := 0; i < n; i++ {
		status, body := get(t, fmt.Sprintf("http://%s/users/%d", addr, i))
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "Hello world!", body)
	}
	status, _ := get(t, "http://"+addr+"/ping")
	assert.Equal(t, http.StatusNotFound, status)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, int32(1), h.exporter.shutdowns.Load())

	var userSpans int
	for _, s := range h.exporter.GetSpans() {
		if strings.Contains(s.Name, "/users/{id}") {
			userSpans++
		}
	}
	assert.Equal(t, n, userSpans)
}

func TestRunPingContinuesWhenProfilerFails(t *testing.T) {
	setEnv(t)
	// An unknown profile type makes the profiler fail before any agent starts.
	t.Setenv("PYROSCOPE_PROFILE_TYPES", "wallclock")
	h := newHarness(t)
	addr, cancel, done := h.start(t, Ping)
	defer cancel()

	status, body := get(t, "http://"+addr+"/ping")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Hello world!", body)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), h.exporter.shutdowns.Load())
}

func TestRunBindFailureStillFlushes(t *testing.T) {
	setEnv(t)
	h := newHarness(t)
	h.opts.Listen = func(network, address string) (net.Listener, error) {
		return nil, errors.New("bind: address already in use")
	}

	err := Run(context.Background(), Users, h.opts)
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrorTypeBind, appErr.Type)
	assert.True(t, appErr.IsFatal())
	assert.Equal(t, int32(1), h.exporter.shutdowns.Load())
}

func TestTelemetryConfig(t *testing.T) {
	cfg := &config.Config{
		Env:              "production",
		ServiceName:      "hello",
		ServiceVersion:   "2.0.0",
		OtelEndpoint:     "http://collector:4317",
		OtelProtocol:     config.ProtocolGRPC,
		OtelLogsEndpoint: "http://collector:4318",
		Telemetry:        config.TelemetryConfig{SampleRatio: 0.5},
	}

	tc := telemetryConfig(cfg)
	assert.Equal(t, "hello", tc.ServiceName)
	assert.Equal(t, "production", tc.Environment)
	assert.Equal(t, 0.5, tc.SampleRatio)
	assert.Empty(t, tc.LogsEndpoint, "logs stay off unless OTEL_LOG_ENABLED is set")

	cfg.OtelLogEnabled = true
	assert.Equal(t, "http://collector:4318", telemetryConfig(cfg).LogsEndpoint)
}
