package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/conneroisu/uprelay/internal/logging"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthCheck represents a single health check
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Critical    bool                   `json:"critical"`
}

// HealthChecker defines the interface for health check functions
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
	Name() string
	IsCritical() bool
}

// HealthCheckFunc is a function that implements HealthChecker
type HealthCheckFunc struct {
	name     string
	checkFn  func(ctx context.Context) HealthCheck
	critical bool
}

// Check executes the health check function
func (h *HealthCheckFunc) Check(ctx context.Context) HealthCheck {
	return h.checkFn(ctx)
}

// Name returns the health check name
func (h *HealthCheckFunc) Name() string {
	return h.name
}

// IsCritical returns whether this check is critical
func (h *HealthCheckFunc) IsCritical() bool {
	return h.critical
}

// NewHealthCheckFunc creates a new health check function
func NewHealthCheckFunc(
	name string,
	critical bool,
	checkFn func(ctx context.Context) HealthCheck,
) *HealthCheckFunc {
	return &HealthCheckFunc{
		name:     name,
		checkFn:  checkFn,
		critical: critical,
	}
}

// HealthMonitor runs registered checks on demand and reports them together
// with named runtime statistics.
type HealthMonitor struct {
	checks  map[string]HealthChecker
	details map[string]func() interface{}
	mutex   sync.RWMutex
	logger  logging.Logger
	timeout time.Duration
	version string
	started time.Time
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime"`
	Checks     map[string]HealthCheck `json:"checks"`
	Details    map[string]interface{} `json:"details,omitempty"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// SystemInfo provides system information
type SystemInfo struct {
	Hostname   string    `json:"hostname"`
	Platform   string    `json:"platform"`
	GoVersion  string    `json:"go_version"`
	StartTime  time.Time `json:"start_time"`
	PID        int       `json:"pid"`
	Goroutines int       `json:"goroutines"`
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(logger logging.Logger, version string) *HealthMonitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HealthMonitor{
		checks:  make(map[string]HealthChecker),
		details: make(map[string]func() interface{}),
		logger:  logger.WithComponent("health_monitor"),
		timeout: 5 * time.Second,
		version: version,
		started: time.Now(),
	}
}

// RegisterCheck registers a health check
func (hm *HealthMonitor) RegisterCheck(checker HealthChecker) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.checks[checker.Name()] = checker
}

// RegisterDetail adds a named value computed on every health report.
func (hm *HealthMonitor) RegisterDetail(name string, fn func() interface{}) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.details[name] = fn
}

// GetHealth runs every check concurrently and returns the combined report.
func (hm *HealthMonitor) GetHealth(ctx context.Context) HealthResponse {
	hm.mutex.RLock()
	checks := make([]HealthChecker, 0, len(hm.checks))
	for _, checker := range hm.checks {
		checks = append(checks, checker)
	}
	details := make(map[string]interface{}, len(hm.details))
	for name, fn := range hm.details {
		details[name] = fn()
	}
	hm.mutex.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()

	results := make([]HealthCheck, len(checks))
	var wg sync.WaitGroup
	for i, checker := range checks {
		wg.Add(1)
		go func(i int, checker HealthChecker) {
			defer wg.Done()

			start := time.Now()
			result := checker.Check(ctx)
			result.Name = checker.Name()
			result.Critical = checker.IsCritical()
			result.Duration = time.Since(start)
			result.LastChecked = time.Now()
			results[i] = result
		}(i, checker)
	}
	wg.Wait()

	byName := make(map[string]HealthCheck, len(results))
	for _, result := range results {
		byName[result.Name] = result
		if result.Status != HealthStatusHealthy {
			hm.logger.Warn(ctx, nil, "Health check failed",
				"name", result.Name,
				"status", string(result.Status),
				"message", result.Message)
		}
	}

	return HealthResponse{
		Status:     overallStatus(results),
		Timestamp:  time.Now(),
		Version:    hm.version,
		Uptime:     time.Since(hm.started).Round(time.Second).String(),
		Checks:     byName,
		Details:    details,
		SystemInfo: hm.systemInfo(),
	}
}

// overallStatus is unhealthy if a critical check is unhealthy and degraded
// if any other check is not healthy.
func overallStatus(results []HealthCheck) HealthStatus {
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	status := HealthStatusHealthy
	for _, check := range results {
		switch {
		case check.Critical && check.Status == HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case check.Status != HealthStatusHealthy:
			status = HealthStatusDegraded
		}
	}
	return status
}

// HTTPHandler returns an HTTP handler for health checks
func (hm *HealthMonitor) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hm.GetHealth(r.Context())

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(health); err != nil {
			hm.logger.Error(r.Context(), err, "Failed to encode health response")
		}
	}
}

func (hm *HealthMonitor) systemInfo() SystemInfo {
	hostname, _ := os.Hostname()

	return SystemInfo{
		Hostname:   hostname,
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		GoVersion:  runtime.Version(),
		StartTime:  hm.started,
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
	}
}

// Predefined health checks

// FileSystemHealthChecker checks that dir accepts new files.
func FileSystemHealthChecker(dir string) HealthChecker {
	return NewHealthCheckFunc("upload_root", true, func(ctx context.Context) HealthCheck {
		probe := filepath.Join(dir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))

		if err := os.WriteFile(probe, []byte("health_check"), 0o600); err != nil {
			return HealthCheck{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("Cannot write to upload root: %v", err),
			}
		}

		if err := os.Remove(probe); err != nil {
			return HealthCheck{
				Status:  HealthStatusDegraded,
				Message: fmt.Sprintf("Cannot remove probe file: %v", err),
			}
		}

		return HealthCheck{
			Status:  HealthStatusHealthy,
			Message: "Upload root is writable",
		}
	})
}

// GoroutineHealthChecker checks for goroutine leaks
func GoroutineHealthChecker(limit int) HealthChecker {
	return NewHealthCheckFunc("goroutines", false, func(ctx context.Context) HealthCheck {
		goroutines := runtime.NumGoroutine()

		check := HealthCheck{
			Status:   HealthStatusHealthy,
			Message:  "Goroutine count is normal",
			Metadata: map[string]interface{}{"count": goroutines},
		}
		if goroutines > limit {
			check.Status = HealthStatusDegraded
			check.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
		}
		return check
	})
}
