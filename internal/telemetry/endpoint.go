package telemetry

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	defaultGRPCPort = "4317"
	defaultHTTPPort = "4318"
)

// endpoint is a parsed collector address.
type endpoint struct {
	hostname string
	port     string
	basePath string
	insecure bool
}

// parseEndpoint accepts "host:port", "http://host:port[/base]" or
// "https://host:port[/base]". Plain http and bare addresses are insecure.
func parseEndpoint(raw string) (endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return endpoint{}, fmt.Errorf("endpoint is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}

	var ep endpoint
	switch u.Scheme {
	case "http":
		ep.insecure = true
	case "https":
	default:
		return endpoint{}, fmt.Errorf("invalid endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}

	ep.hostname = u.Hostname()
	if ep.hostname == "" {
		return endpoint{}, fmt.Errorf("invalid endpoint %q: missing host", raw)
	}

	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return endpoint{}, fmt.Errorf("invalid endpoint %q: bad port %q", raw, port)
		}
		ep.port = port
	}

	basePath := strings.TrimSuffix(u.Path, "/")
	for _, signal := range []string{"/v1/traces", "/v1/metrics", "/v1/logs"} {
		basePath = strings.TrimSuffix(basePath, signal)
	}
	ep.basePath = basePath

	return ep, nil
}

// hostPort returns host:port, falling back to defaultPort.
func (e endpoint) hostPort(defaultPort string) string {
	port := e.port
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(e.hostname, port)
}

// urlPath returns the OTLP/HTTP path for a signal ("traces", "metrics", "logs").
func (e endpoint) urlPath(signal string) string {
	return e.basePath + "/v1/" + signal
}
