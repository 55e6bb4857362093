package api

import (
	"net/http"
)

type healthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	InFlight int    `json:"inflight"`
}

// handleHealthz reports 503 while the engine is not accepting requests, so a
// load balancer stops routing to a server that is shutting down.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Backend:  s.engine.BackendName(),
		InFlight: s.engine.InFlight(),
	}
	status := http.StatusOK
	if !s.engine.Running() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
