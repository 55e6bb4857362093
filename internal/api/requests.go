package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/netbridge/internal/controller"
	"github.com/seantiz/netbridge/internal/engine"
	"github.com/seantiz/netbridge/internal/model"
	"github.com/seantiz/netbridge/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 8 << 20 // 8 MB, uploads travel base64 encoded
	// fetchWriteMargin is the time left to write a fetch response after the
	// request's own timeout.
	fetchWriteMargin = 10 * time.Second
)

// fetchRequest is the JSON body for POST /v1/requests and /v1/requests/async.
type fetchRequest struct {
	URL     string        `json:"url"`
	Method  string        `json:"method"`
	Headers model.Headers `json:"headers"`
	// Body is base64 encoded on the wire.
	Body []byte `json:"body"`
	// FollowRedirects defaults to true when omitted.
	FollowRedirects *bool `json:"follow_redirects"`
	DisableCache    bool  `json:"disable_cache"`
	TimeoutMS       int   `json:"timeout_ms"`
}

func (f *fetchRequest) params() model.RequestParams {
	p := model.RequestParams{
		URL:             f.URL,
		Method:          f.Method,
		Headers:         f.Headers,
		Body:            f.Body,
		FollowRedirects: true,
		DisableCache:    f.DisableCache,
	}
	if f.FollowRedirects != nil {
		p.FollowRedirects = *f.FollowRedirects
	}
	if f.TimeoutMS > 0 {
		p.Timeout = time.Duration(f.TimeoutMS) * time.Millisecond
	}
	return p
}

// redirectResponse describes a redirect that was not followed.
type redirectResponse struct {
	URL        string        `json:"url"`
	Location   string        `json:"location"`
	StatusCode int           `json:"status_code"`
	Headers    model.Headers `json:"headers,omitempty"`
}

// fetchResponse is the JSON response for a blocking fetch. Exactly one of
// Response and Redirect is set.
type fetchResponse struct {
	Response *model.Response   `json:"response,omitempty"`
	Redirect *redirectResponse `json:"redirect,omitempty"`
}

// fetchError is the JSON error body for a request the engine failed.
type fetchError struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// listRequestsResponse wraps the paginated list response.
type listRequestsResponse struct {
	Requests []*model.Request `json:"requests"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func (s *Server) decodeFetch(w http.ResponseWriter, r *http.Request) (model.RequestParams, bool) {
	var req fetchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return model.RequestParams{}, false
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return model.RequestParams{}, false
	}
	return req.params(), true
}

// handleFetch issues a request and blocks until it finishes.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	params, ok := s.decodeFetch(w, r)
	if !ok {
		return
	}

	// A blocking fetch may outlast the server-wide write timeout.
	deadline := time.Now().Add(s.engine.Timeout(params) + fetchWriteMargin)
	if err := http.NewResponseController(w).SetWriteDeadline(deadline); err != nil {
		s.logger.Warn("extend write deadline for fetch", "error", err)
	}

	resp, err := s.engine.Do(r.Context(), params)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, fetchResponse{Response: resp})
}

// writeEngineError maps a request outcome error to an HTTP response.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var (
		reqErr   *controller.RequestError
		redirErr *controller.RedirectError
	)
	switch {
	case errors.Is(err, model.ErrInvalidParams):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &redirErr):
		s.writeJSON(w, http.StatusOK, fetchResponse{Redirect: &redirectResponse{
			URL:        redirErr.URL,
			Location:   redirErr.Location,
			StatusCode: redirErr.StatusCode,
			Headers:    redirErr.Headers,
		}})
	case errors.As(err, &reqErr):
		s.writeJSON(w, http.StatusBadGateway, fetchError{
			Error:     reqErr.Message,
			Code:      reqErr.Code.String(),
			RequestID: reqErr.RequestID,
		})
	case errors.Is(err, controller.ErrCanceled):
		s.writeError(w, http.StatusConflict, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "request timed out")
	case errors.Is(err, engine.ErrNotStarted), errors.Is(err, engine.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("fetch", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to issue request")
	}
}

// handleAsyncRequest starts a request and returns its record immediately.
func (s *Server) handleAsyncRequest(w http.ResponseWriter, r *http.Request) {
	params, ok := s.decodeFetch(w, r)
	if !ok {
		return
	}

	h, err := s.engine.StartRequest(r.Context(), params, nil)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	rec, err := s.store.GetRequest(r.Context(), h.ID())
	if err != nil {
		s.logger.Error("get started request", "request_id", h.ID(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve request")
		return
	}
	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetRequest(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.logger.Error("get request", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get request")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	requests, total, err := s.store.ListRequests(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list requests", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}

	if requests == nil {
		requests = []*model.Request{}
	}

	s.writeJSON(w, http.StatusOK, listRequestsResponse{
		Requests: requests,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// handleCancelRequest cancels a request. The cancel is asynchronous: the
// returned record may still show a non-terminal status.
func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.logger.Error("cancel request", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel request")
		return
	}

	rec, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		s.logger.Error("get canceled request", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve request")
		return
	}

	s.writeJSON(w, http.StatusAccepted, rec)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
