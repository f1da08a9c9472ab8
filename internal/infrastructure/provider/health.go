package provider

import (
	"github.com/reglet-dev/latticed/internal/infrastructure/events"
)

// HealthRequest is sent to a provider's health subject.
type HealthRequest struct{}

// HealthResponse is a provider's answer to a health check.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// healthTracker turns a sequence of health responses into events. Only
// transitions produce passed/failed; a steady state reports status. The
// provider is presumed unhealthy until its first passing check.
type healthTracker struct {
	previousHealthy bool
}

// observe records resp and returns the event to publish.
func (h *healthTracker) observe(resp HealthResponse) string {
	switch {
	case resp.Healthy && !h.previousHealthy:
		h.previousHealthy = true
		return events.HealthCheckPassed
	case !resp.Healthy && h.previousHealthy:
		h.previousHealthy = false
		return events.HealthCheckFailed
	default:
		return events.HealthCheckStatus
	}
}

func (h *healthTracker) healthy() bool {
	return h.previousHealthy
}
