package errors

import (
	"fmt"
)

// ErrorType defines the category of the error
type ErrorType string

const (
	ErrorTypeConfig   ErrorType = "CONFIG_ERROR"
	ErrorTypeExporter ErrorType = "EXPORTER_ERROR"
	ErrorTypeBind     ErrorType = "BIND_ERROR"
	ErrorTypeProfiler ErrorType = "PROFILER_ERROR"
	ErrorTypeShutdown ErrorType = "SHUTDOWN_ERROR"
)

// AppError represents a structured error for the application
type AppError struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	ErrorCode string    `json:"errorCode"`
	Recovery  string    `json:"recoverySuggestion,omitempty"`
	Err       error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Code returns the application-specific error code
func (e *AppError) Code() string {
	return e.ErrorCode
}

// RecoverySuggestion returns the suggestion on how to recover from the error
func (e *AppError) RecoverySuggestion() string {
	return e.Recovery
}

// IsFatal reports whether the process must stop instead of serving.
// Profiler and shutdown failures are reported but never stop the process.
func (e *AppError) IsFatal() bool {
	switch e.Type {
	case ErrorTypeConfig, ErrorTypeExporter, ErrorTypeBind:
		return true
	default:
		return false
	}
}

// NewConfigError creates a new configuration error
func NewConfigError(message string, errorCode string, err error) *AppError {
	return &AppError{
		Type:      ErrorTypeConfig,
		Message:   message,
		ErrorCode: errorCode,
		Recovery:  "Set the missing environment variables or fix config.yaml.",
		Err:       err,
	}
}

// NewExporterError creates a new telemetry exporter error
func NewExporterError(message string, errorCode string, err error) *AppError {
	return &AppError{
		Type:      ErrorTypeExporter,
		Message:   message,
		ErrorCode: errorCode,
		Recovery:  "Check OTEL_ENDPOINT, e.g. http://127.0.0.1:4317.",
		Err:       err,
	}
}

// NewBindError creates a new listener bind error
func NewBindError(message string, errorCode string, err error) *AppError {
	return &AppError{
		Type:      ErrorTypeBind,
		Message:   message,
		ErrorCode: errorCode,
		Recovery:  "Make sure no other process is listening on the same address.",
		Err:       err,
	}
}

// NewProfilerError creates a new profiler error
func NewProfilerError(message string, errorCode string, err error) *AppError {
	return &AppError{
		Type:      ErrorTypeProfiler,
		Message:   message,
		ErrorCode: errorCode,
		Recovery:  "Check PYROSCOPE_ENDPOINT; the service keeps running without profiles.",
		Err:       err,
	}
}

// NewShutdownError creates a new shutdown error
func NewShutdownError(message string, errorCode string, err error) *AppError {
	return &AppError{
		Type:      ErrorTypeShutdown,
		Message:   message,
		ErrorCode: errorCode,
		Err:       err,
	}
}
