package handlers

import (
	"net/http"
	"time"
)

// Probe reports the live state shown by the health endpoint.
type Probe interface {
	// BackendState is the backend connection state, e.g. "connected".
	BackendState() string
	// Authenticated reports whether a token is set.
	Authenticated() bool
	// Ports is the number of known tabs.
	Ports() int
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Uptime        int64  `json:"uptime"`
	Backend       string `json:"backend"`
	Authenticated bool   `json:"authenticated"`
	Ports         int    `json:"ports"`
}

// HealthHandler reports "ok" while the backend socket is connected and
// "degraded" otherwise. Both answer 200: the host keeps serving cached data
// while it reconnects.
func HealthHandler(version string, started time.Time, probe Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backend := probe.BackendState()
		status := "ok"
		if backend != "connected" {
			status = "degraded"
		}

		SendJSON(w, http.StatusOK, HealthResponse{
			Status:        status,
			Version:       version,
			Uptime:        int64(time.Since(started).Seconds()),
			Backend:       backend,
			Authenticated: probe.Authenticated(),
			Ports:         probe.Ports(),
		})
	}
}
