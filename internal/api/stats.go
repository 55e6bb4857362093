package api

import (
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/seantiz/netbridge/internal/executor"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByMethod      map[string]int `json:"by_method"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	BytesReceived int64          `json:"bytes_received"`
	BytesHuman    string         `json:"bytes_received_human"`
	InFlight      int            `json:"inflight"`
	Executor      executor.Stats `json:"executor"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRequestStats(r.Context())
	if err != nil {
		s.logger.Error("get request stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByMethod:      stats.CountByMethod,
		AvgDurationMS: stats.AvgDurationMS,
		BytesReceived: stats.TotalBytesReceived,
		BytesHuman:    humanize.IBytes(uint64(stats.TotalBytesReceived)),
		InFlight:      s.engine.InFlight(),
		Executor:      s.engine.ExecutorStats(),
	})
}
