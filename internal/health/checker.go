// Package health provides health check functionality for the bridge.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status values reported by checks and the overall response.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Checker interface defines a component that can be health checked.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f(ctx).
func (f CheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// HealthChecker manages health checks for the service.
type HealthChecker struct {
	config    Config
	startTime time.Time
	mu        sync.RWMutex
	checks    map[string]registeredCheck
	statuses  map[string]*CheckStatus
}

type registeredCheck struct {
	checker  Checker
	critical bool
}

// Config holds health checker configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	CheckTimeout   time.Duration
}

// CheckStatus represents the status of a single health check.
type CheckStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Critical  bool      `json:"critical"`
	Error     string    `json:"error,omitempty"`
	Latency   string    `json:"latency,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// HealthResponse represents the full health response.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*CheckStatus `json:"checks,omitempty"`
	Uptime    string                  `json:"uptime,omitempty"`
}

// NewChecker creates a new health checker.
func NewChecker(config Config) *HealthChecker {
	if config.CheckTimeout == 0 {
		config.CheckTimeout = 5 * time.Second
	}

	return &HealthChecker{
		config:    config,
		startTime: time.Now(),
		checks:    make(map[string]registeredCheck),
		statuses:  make(map[string]*CheckStatus),
	}
}

// AddCheck registers a check. A failing critical check makes the service
// unhealthy; a failing non-critical check only degrades it.
func (h *HealthChecker) AddCheck(name string, checker Checker, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registeredCheck{checker: checker, critical: critical}
	h.statuses[name] = &CheckStatus{
		Name:     name,
		Status:   StatusUnknown,
		Critical: critical,
	}
}

// RemoveCheck removes a health check.
func (h *HealthChecker) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
	delete(h.statuses, name)
}

// Check performs all health checks concurrently and returns the overall status.
func (h *HealthChecker) Check(ctx context.Context) *HealthResponse {
	h.mu.RLock()
	checks := make(map[string]registeredCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	response := &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Checks:    make(map[string]*CheckStatus),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, check := range checks {
		wg.Add(1)
		go func(name string, check registeredCheck) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
			defer cancel()

			start := time.Now()
			status := &CheckStatus{
				Name:      name,
				Critical:  check.critical,
				LastCheck: start,
				Status:    StatusHealthy,
			}
			if err := check.checker.HealthCheck(checkCtx); err != nil {
				status.Status = StatusUnhealthy
				status.Error = err.Error()
			}
			status.Latency = time.Since(start).String()

			mu.Lock()
			response.Checks[name] = status
			switch {
			case status.Status == StatusHealthy:
			case check.critical:
				response.Status = StatusUnhealthy
			case response.Status == StatusHealthy:
				response.Status = StatusDegraded
			}
			mu.Unlock()
		}(name, check)
	}

	wg.Wait()

	// Update stored statuses
	h.mu.Lock()
	for name, status := range response.Checks {
		if _, ok := h.checks[name]; ok {
			h.statuses[name] = status
		}
	}
	h.mu.Unlock()

	return response
}

// HealthHandler handles HTTP health check requests. Degraded is still 200.
func (h *HealthChecker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())
	writeResponse(w, response, response.Status != StatusUnhealthy)
}

// LivenessHandler handles the liveness probe.
// Returns 200 while the process is serving HTTP.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	response := &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}
	writeResponse(w, response, true)
}

// ReadinessHandler handles the readiness probe.
// Returns 200 only if every check is healthy.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())
	writeResponse(w, response, response.Status == StatusHealthy)
}

func writeResponse(w http.ResponseWriter, response *HealthResponse, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	statusCode := http.StatusOK
	if !ok {
		statusCode = http.StatusServiceUnavailable
	}
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetStatus returns the last known status of a check.
func (h *HealthChecker) GetStatus(name string) *CheckStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statuses[name]
}

// IsHealthy returns true if all checks are healthy.
func (h *HealthChecker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Status == StatusHealthy
}
