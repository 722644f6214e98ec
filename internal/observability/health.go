package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

const serviceName = "call-coordinator"

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status       string                      `json:"status"`
	Service      string                      `json:"service"`
	Version      string                      `json:"version"`
	Timestamp    string                      `json:"timestamp"`
	ActiveCalls  *int                        `json:"active_calls,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the status of a dependency
type DependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// HealthCheckFunc checks one dependency
type HealthCheckFunc func(ctx context.Context) error

// HealthCheckHandler answers liveness checks. activeCalls may be nil.
func HealthCheckHandler(version string, activeCalls func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{
			Status:    "healthy",
			Service:   serviceName,
			Version:   version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if activeCalls != nil {
			n := activeCalls()
			status.ActiveCalls = &n
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// ReadinessHandler runs every dependency check concurrently and reports 503
// when any of them fails
func ReadinessHandler(version string, checks map[string]HealthCheckFunc) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		results := make([]DependencyStatus, len(names))
		done := make(chan struct{}, len(names))
		for i, name := range names {
			go func(i int, check HealthCheckFunc) {
				defer func() { done <- struct{}{} }()
				start := time.Now()
				err := check(ctx)
				res := DependencyStatus{Status: "healthy", LatencyMs: time.Since(start).Milliseconds()}
				if err != nil {
					res.Status = "unhealthy"
					res.Message = err.Error()
				}
				results[i] = res
			}(i, checks[name])
		}
		for range names {
			<-done
		}

		status := HealthStatus{
			Status:       "ready",
			Service:      serviceName,
			Version:      version,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Dependencies: make(map[string]DependencyStatus, len(names)),
		}
		code := http.StatusOK
		for i, name := range names {
			status.Dependencies[name] = results[i]
			if results[i].Status != "healthy" {
				status.Status = "not_ready"
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, status)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
