// Package telemetry provides OpenTelemetry initialization for the hello
// services.
//
// StartTracing builds the trace, metric and (optional) log pipelines that
// export over OTLP to the collector named by OTEL_ENDPOINT. gRPC is the
// default transport, with a single client connection shared by the trace
// and metric exporters. OTLP/HTTP is used when the protocol is
// "http/protobuf", and always for logs.
//
// The providers are installed as the process-wide defaults and also exposed
// on the returned Handle, so the router can be wired explicitly and tests can
// swap in in-memory exporters.
package telemetry
