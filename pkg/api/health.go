// Package api mounts the /health, /ready, and /metrics HTTP endpoints
// every doer process serves beside its control loop, grounded on the
// teacher's pkg/api/health.go (same mux/handler shape, generalized from
// a raft-manager-backed readiness check to one driven by any
// LeaderChecker, typically pkg/election.Candidacy).
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/epum/pkg/metrics"
)

// LeaderChecker reports this replica's raft/election leadership status,
// satisfied by *raftstore.Store or *election.Candidacy.
type LeaderChecker interface {
	IsLeader() bool
}

// HealthServer provides the HTTP health/readiness/metrics endpoints.
type HealthServer struct {
	leader LeaderChecker
	mux    *http.ServeMux
}

// NewHealthServer creates a health check HTTP server. leader may be nil,
// in which case /ready always reports not-ready.
func NewHealthServer(leader LeaderChecker) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{leader: leader, mux: mux}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the HTTP server, blocking until it stops.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the /ready payload.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a simple liveness check: 200 if the process is alive.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	response := HealthResponse{Status: "healthy", Timestamp: time.Now()}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler checks whether this replica has a view of cluster
// leadership, i.e. the coordination backend is usable.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.leader != nil {
		if hs.leader.IsLeader() {
			checks["coordination"] = "leader"
		} else {
			checks["coordination"] = "follower"
		}
	} else {
		checks["coordination"] = "not initialized"
		ready = false
		message = "coordination backend not initialized"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
