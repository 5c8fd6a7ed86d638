// Package profiling runs the Pyroscope continuous profiling agent.
//
// Profiling is a side channel: callers are expected to log a Start error and
// keep serving without it.
package profiling

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"

	apperrors "github.com/hhertout/otel-example/internal/errors"
)

// Rates used for mutex and block profiling, matching the pyroscope docs.
const (
	mutexProfileFraction = 5
	blockProfileRate     = 5
)

// DefaultProfileTypes are uploaded when Config.ProfileTypes is empty.
// CPU samples are taken at the Go runtime's fixed 100 Hz.
var DefaultProfileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

var knownProfileTypes = func() map[string]pyroscope.ProfileType {
	m := make(map[string]pyroscope.ProfileType, len(DefaultProfileTypes))
	for _, t := range DefaultProfileTypes {
		m[string(t)] = t
	}
	return m
}()

// startAgent is swapped in tests.
var startAgent = pyroscope.Start

type Config struct {
	ApplicationName string
	ServerAddress   string
	Environment     string
	ProfileTypes    []string
	UploadRate      time.Duration
}

// Profiler wraps a running agent. A nil *Profiler is valid and does nothing.
type Profiler struct {
	agent         *pyroscope.Profiler
	mutexAndBlock bool
}

// Start launches the agent. Uploads happen in the background.
func Start(cfg Config, logger *slog.Logger) (*Profiler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	types, err := profileTypes(cfg.ProfileTypes)
	if err != nil {
		return nil, apperrors.NewProfilerError("invalid profile types", "PROFILER_TYPES", err)
	}

	p := &Profiler{mutexAndBlock: wantsMutexOrBlock(types)}
	if p.mutexAndBlock {
		runtime.SetMutexProfileFraction(mutexProfileFraction)
		runtime.SetBlockProfileRate(blockProfileRate)
	}

	agent, err := startAgent(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Tags:            map[string]string{"env": cfg.Environment},
		UploadRate:      cfg.UploadRate,
		Logger:          slogLogger{logger: logger.With("component", "pyroscope")},
		ProfileTypes:    types,
	})
	if err != nil {
		p.resetRuntimeRates()
		return nil, apperrors.NewProfilerError("could not start pyroscope", "PROFILER_START", err)
	}
	p.agent = agent

	logger.Info("Profiling started",
		"server", cfg.ServerAddress,
		"application", cfg.ApplicationName,
		"profile_types", len(types),
	)
	return p, nil
}

// Stop flushes the last profile and stops the agent.
func (p *Profiler) Stop() error {
	if p == nil {
		return nil
	}
	defer p.resetRuntimeRates()
	if p.agent == nil {
		return nil
	}
	return p.agent.Stop()
}

func (p *Profiler) resetRuntimeRates() {
	if p.mutexAndBlock {
		runtime.SetMutexProfileFraction(0)
		runtime.SetBlockProfileRate(0)
	}
}

func profileTypes(names []string) ([]pyroscope.ProfileType, error) {
	if len(names) == 0 {
		return DefaultProfileTypes, nil
	}
	types := make([]pyroscope.ProfileType, 0, len(names))
	for _, name := range names {
		t, ok := knownProfileTypes[name]
		if !ok {
			return nil, fmt.Errorf("unknown profile type %q", name)
		}
		types = append(types, t)
	}
	return types, nil
}

func wantsMutexOrBlock(types []pyroscope.ProfileType) bool {
	for _, t := range types {
		switch t {
		case pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration:
			return true
		}
	}
	return false
}

// slogLogger adapts slog to pyroscope.Logger.
type slogLogger struct {
	logger *slog.Logger
}

func (l slogLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l slogLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l slogLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
