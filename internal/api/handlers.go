package api

import (
	"log/slog"
	"net/http"

	"github.com/hhertout/otel-example/internal/logger"
)

// Greeting is the body served by every hello route.
const Greeting = "Hello world!"

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// HandlePing serves GET /ping.
func HandlePing(w http.ResponseWriter, r *http.Request) {
	slog.DebugContext(r.Context(), "Request received", "route", "/ping", logger.WithTraceContext(r.Context()))
	writeText(w, http.StatusOK, Greeting)
}

// HandleUser serves GET /users/{id}. The id is not used.
func HandleUser(w http.ResponseWriter, r *http.Request) {
	slog.DebugContext(r.Context(), "Request received", "route", "/users/{id}", logger.WithTraceContext(r.Context()))
	writeText(w, http.StatusOK, Greeting)
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "OK")
}
