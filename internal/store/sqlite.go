package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/netbridge/internal/model"

	_ "modernc.org/sqlite"
)

const createRequestsTable = `
CREATE TABLE IF NOT EXISTS requests (
    id             TEXT PRIMARY KEY,
    status         TEXT NOT NULL,
    method         TEXT NOT NULL,
    url            TEXT NOT NULL,
    backend        TEXT NOT NULL,
    status_code    INTEGER,
    error          TEXT NOT NULL DEFAULT '',
    bytes_received INTEGER NOT NULL DEFAULT 0,
    redirects      INTEGER NOT NULL DEFAULT 0,
    duration_ms    INTEGER,
    created_at     DATETIME NOT NULL,
    started_at     DATETIME,
    finished_at    DATETIME
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS request_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL REFERENCES requests(id),
    seq        INTEGER NOT NULL,
    type       TEXT NOT NULL,
    data       TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    UNIQUE (request_id, seq)
)`

const requestColumns = `id, status, method, url, backend, status_code, error,
	bytes_received, redirects, duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a request is not found.
var ErrNotFound = errors.New("request not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, stmt := range map[string]string{
		"requests":       createRequestsTable,
		"request_events": createEventsTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*model.Request, error) {
	r := &model.Request{}
	err := row.Scan(
		&r.ID, &r.Status, &r.Method, &r.URL, &r.Backend, &r.StatusCode, &r.Error,
		&r.BytesReceived, &r.Redirects, &r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateRequest inserts a new request record.
func (s *SQLiteStore) CreateRequest(ctx context.Context, r *model.Request) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, r.Method, r.URL, r.Backend, r.StatusCode, r.Error,
		r.BytesReceived, r.Redirects, r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// GetRequest retrieves a request by ID.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

// ListRequests returns a paginated list of requests ordered by created_at DESC,
// along with the total count of all requests.
func (s *SQLiteStore) ListRequests(ctx context.Context, limit, offset int) ([]*model.Request, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var requests []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate requests: %w", err)
	}

	return requests, total, nil
}

// currentStatus reads the status of id inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM requests WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return status, nil
}

// UpdateRequestStatus moves a request to a non-terminal status. The move must
// be allowed by model.ValidTransition. Entering started sets started_at.
func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if current == status {
		return nil
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if status == model.StatusStarted {
		_, err = tx.ExecContext(ctx,
			"UPDATE requests SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?",
			status, time.Now().UTC(), id)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE requests SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	return tx.Commit()
}

// FinishRequest records the terminal status and results of r. Any
// non-terminal request may finish; a finished one may not finish again.
func (s *SQLiteStore) FinishRequest(ctx context.Context, r *model.Request) error {
	if !model.IsTerminal(r.Status) {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, r.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := currentStatus(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	if model.IsTerminal(current) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, r.Status)
	}

	finished := r.FinishedAt
	if finished == nil {
		now := time.Now().UTC()
		finished = &now
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE requests SET status = ?, status_code = ?, error = ?, bytes_received = ?,
			redirects = ?, duration_ms = ?, started_at = COALESCE(started_at, ?), finished_at = ?
		WHERE id = ?`,
		r.Status, r.StatusCode, r.Error, r.BytesReceived,
		r.Redirects, r.DurationMS, r.StartedAt, finished, r.ID,
	)
	if err != nil {
		return fmt.Errorf("finish request: %w", err)
	}
	return tx.Commit()
}

// GetRequestStats returns aggregate statistics over all requests.
func (s *SQLiteStore) GetRequestStats(ctx context.Context) (*RequestStats, error) {
	stats := &RequestStats{
		CountByStatus: make(map[string]int),
		CountByMethod: make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(duration_ms), COALESCE(SUM(bytes_received), 0) FROM requests`,
	).Scan(&stats.Total, &avg, &stats.TotalBytesReceived); err != nil {
		return nil, fmt.Errorf("aggregate requests: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "method", stats.CountByMethod); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy fills into with per-value row counts of column, which must be a
// fixed column name.
func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM requests GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// InsertEvent appends a lifecycle event. The event ID is filled in.
func (s *SQLiteStore) InsertEvent(ctx context.Context, e *model.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO request_events (request_id, seq, type, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.RequestID, e.Seq, e.Type, e.Data, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	e.ID = id
	return nil
}

// GetEvents returns the events of a request ordered by seq.
func (s *SQLiteStore) GetEvents(ctx context.Context, requestID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, seq, type, data, created_at
		FROM request_events WHERE request_id = ? ORDER BY seq`, requestID)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Seq, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
