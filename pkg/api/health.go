package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/txrelay/pkg/metrics"
	"github.com/cuemby/txrelay/pkg/subscription"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint
// This is a simple liveness check - returns 200 if the process is alive
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.version,
	})
}

// readyHandler implements the /ready endpoint
// This checks if the service is ready to accept traffic
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	// Check 1: Storage answers a query
	if s.subscriptions != nil {
		if _, err := s.subscriptions.FindAll(r.Context(), subscriptionProbe); err != nil {
			checks["storage"] = fmt.Sprintf("error: %v", err)
			ready = false
			message = "Storage not accessible"
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "not initialized"
		ready = false
		message = "Subscription manager not initialized"
	}

	// Check 2: Registered critical components
	readiness := metrics.GetReadiness()
	for name, state := range readiness.Components {
		if _, seen := checks[name]; !seen {
			checks[name] = state
		}
	}
	if readiness.Status != metrics.StatusReady {
		ready = false
		if message == "" {
			message = readiness.Message
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

// subscriptionProbe matches no real scope; it only exercises the store
var subscriptionProbe = subscription.Filter{EventScope: "__ready__"}
