package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-gateway/internal/logger"
)

// HealthChecker is the dependency probe behind /health and /ready.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
	GetHealthStatus() HealthStatus
}

// HealthStatus is the outcome of the last probe.
type HealthStatus struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Duration     time.Duration     `json:"duration"`
	Details      map[string]string `json:"details,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// CheckFunc probes a single dependency.
type CheckFunc func(ctx context.Context) error

type dependency struct {
	name  string
	check CheckFunc
}

// SimpleHealthChecker runs a named check per dependency (storage, origin, lock)
// in registration order and remembers the outcome of the last run.
type SimpleHealthChecker struct {
	name    string
	logger  *logger.ComponentLogger
	timeout time.Duration

	mu   sync.RWMutex
	deps []dependency
	last HealthStatus
	err  error
}

// NewSimpleHealthChecker creates a health checker with no dependencies.
func NewSimpleHealthChecker(name string, log *logger.ComponentLogger) *SimpleHealthChecker {
	return &SimpleHealthChecker{name: name, logger: log, timeout: 5 * time.Second}
}

// AddDependency registers check under name. Re-registering replaces the check.
func (h *SimpleHealthChecker) AddDependency(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.deps {
		if h.deps[i].name == name {
			h.deps[i].check = check
			return
		}
	}
	h.deps = append(h.deps, dependency{name: name, check: check})
}

// HealthCheck runs every dependency check with its own timeout and returns
// their joined failures.
func (h *SimpleHealthChecker) HealthCheck(ctx context.Context) error {
	h.mu.RLock()
	deps := append([]dependency(nil), h.deps...)
	h.mu.RUnlock()

	start := time.Now()
	details := make(map[string]string, len(deps))
	names := make([]string, 0, len(deps))
	var errs []error

	for _, d := range deps {
		names = append(names, d.name)
		checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := d.check(checkCtx)
		cancel()

		if err != nil {
			details[d.name] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			h.logger.WarnContext(ctx, "dependency unhealthy", "checker", h.name, "dependency", d.name, "error", err)
			continue
		}
		details[d.name] = "ok"
	}

	err := errors.Join(errs...)
	status := HealthStatus{
		Status:       "healthy",
		Timestamp:    start,
		Duration:     time.Since(start),
		Details:      details,
		Dependencies: names,
	}
	if err != nil {
		status.Status = "unhealthy"
	}

	h.mu.Lock()
	h.last, h.err = status, err
	h.mu.Unlock()
	return err
}

// GetHealthStatus returns a copy of the last HealthCheck outcome. Before the
// first run it lists the registered dependencies with no details.
func (h *SimpleHealthChecker) GetHealthStatus() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.last.Timestamp.IsZero() {
		names := make([]string, 0, len(h.deps))
		for _, d := range h.deps {
			names = append(names, d.name)
		}
		return HealthStatus{Status: "unknown", Timestamp: time.Now(), Dependencies: names}
	}

	out := h.last
	out.Details = make(map[string]string, len(h.last.Details)+1)
	for k, v := range h.last.Details {
		out.Details[k] = v
	}
	if h.err != nil {
		out.Details["error"] = h.err.Error()
	}
	out.Dependencies = append([]string(nil), h.last.Dependencies...)
	return out
}
