package metrics

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "otel-example/http"

type HTTPMetrics struct {
	requests metric.Int64Counter
}

func NewHTTPMetrics(provider metric.MeterProvider) (*HTTPMetrics, error) {
	meter := provider.Meter(meterName)

	requests, err := meter.Int64Counter(
		"endpoint.requests.total",
		metric.WithDescription("Total number of requests per endpoint"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{
		requests: requests,
	}, nil
}

// Middleware counts every request by route pattern, method and status.
// Unmatched requests are counted under an empty endpoint.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		var endpoint string
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			endpoint = rctx.RoutePattern()
		}

		m.requests.Add(r.Context(), 1, metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("method", r.Method),
			attribute.String("status", strconv.Itoa(status)),
		))
	})
}
