package store

import (
	"context"
	"errors"

	"github.com/seantiz/netbridge/internal/model"
)

// ErrInvalidTransition is returned when a request status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RequestStats holds aggregate request statistics.
type RequestStats struct {
	Total              int            `json:"total"`
	CountByStatus      map[string]int `json:"count_by_status"`
	CountByMethod      map[string]int `json:"count_by_method"`
	AvgDurationMS      float64        `json:"avg_duration_ms"`
	TotalBytesReceived int64          `json:"total_bytes_received"`
}

// Store defines the persistence operations for requests and their events.
type Store interface {
	CreateRequest(ctx context.Context, r *model.Request) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	ListRequests(ctx context.Context, limit, offset int) ([]*model.Request, int, error)
	UpdateRequestStatus(ctx context.Context, id, status string) error
	FinishRequest(ctx context.Context, r *model.Request) error
	GetRequestStats(ctx context.Context) (*RequestStats, error)
	InsertEvent(ctx context.Context, e *model.Event) error
	GetEvents(ctx context.Context, requestID string) ([]model.Event, error)
	Close() error
}
