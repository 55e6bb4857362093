package api

import (
	"net/http"

	"github.com/seantiz/netbridge/internal/backend"
)

type backendsResponse struct {
	Active   string         `json:"active"`
	Backends []backend.Info `json:"backends"`
}

// handleListBackends lists every registered engine and names the one this
// server's engine runs on.
func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, backendsResponse{
		Active:   s.engine.BackendName(),
		Backends: s.registry.List(),
	})
}
