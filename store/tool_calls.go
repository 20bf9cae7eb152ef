package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ToolCallStatus is the outcome of a recorded tool call.
type ToolCallStatus string

const (
	StatusSuccess ToolCallStatus = "success"
	StatusError   ToolCallStatus = "error"
)

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultListLimit caps ListToolCalls when no limit is given.
const DefaultListLimit = 100

// ErrInvalidRecord is returned for records missing a server or tool name.
var ErrInvalidRecord = errors.New("invalid tool call record")

// ToolCallRecord is one row of the usage log.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	ServerID  string         `json:"serverId"`
	ToolName  string         `json:"toolName"`
	Status    ToolCallStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"-"`
	CreatedAt time.Time      `json:"createdAt"`
}

// DurationMs is the call duration in whole milliseconds.
func (r *ToolCallRecord) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// MarshalJSON adds durationMs, the form the usage log stores.
func (r ToolCallRecord) MarshalJSON() ([]byte, error) {
	type record ToolCallRecord
	return json.Marshal(struct {
		record
		DurationMs int64 `json:"durationMs"`
	}{record(r), r.Duration.Milliseconds()})
}

// ServerStats aggregates the usage log for one server.
type ServerStats struct {
	ServerID      string    `json:"serverId"`
	RequestCount  int64     `json:"requestCount"`
	ErrorCount    int64     `json:"errorCount"`
	AvgDurationMs float64   `json:"avgDurationMs"`
	LastCallAt    time.Time `json:"lastCallAt,omitzero"`
}

// RecordToolCall inserts r. A missing ID, status or timestamp is filled in
// and written back to r.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, r *ToolCallRecord) error {
	if r.ServerID == "" || r.ToolName == "" {
		return fmt.Errorf("%w: server id and tool name are required", ErrInvalidRecord)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = StatusSuccess
		if r.Error != "" {
			r.Status = StatusError
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	var errText sql.NullString
	if r.Error != "" {
		errText = sql.NullString{String: r.Error, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, server_id, tool_name, status, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.ServerID,
		r.ToolName,
		string(r.Status),
		errText,
		r.DurationMs(),
		r.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("recording tool call: %w", err)
	}
	return nil
}

// ListToolCalls returns the most recent calls to serverID, newest first.
// An empty serverID lists calls to every server. limit <= 0 means
// DefaultListLimit.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, serverID string, limit int) ([]*ToolCallRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, server_id, tool_name, status, error, duration_ms, created_at
		FROM tool_calls`
	args := []any{}
	if serverID != "" {
		query += ` WHERE server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tool calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*ToolCallRecord
	for rows.Next() {
		var (
			r          ToolCallRecord
			status     string
			errText    sql.NullString
			durationMs int64
			createdAt  string
		)
		if err := rows.Scan(&r.ID, &r.ServerID, &r.ToolName, &status, &errText, &durationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning tool call: %w", err)
		}
		r.Status = ToolCallStatus(status)
		r.Error = errText.String
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.CreatedAt, err = time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool calls: %w", err)
	}
	return records, nil
}

// ServerStats returns request count, error count and average duration for
// serverID. A server with no recorded calls yields zero counts.
func (s *SQLiteStore) ServerStats(ctx context.Context, serverID string) (*ServerStats, error) {
	var (
		count    int64
		errCount sql.NullInt64
		avg      sql.NullFloat64
		lastCall sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
			AVG(duration_ms),
			MAX(created_at)
		FROM tool_calls
		WHERE server_id = ?
	`, serverID).Scan(&count, &errCount, &avg, &lastCall)
	if err != nil {
		return nil, fmt.Errorf("querying server stats: %w", err)
	}

	stats := &ServerStats{
		ServerID:      serverID,
		RequestCount:  count,
		ErrorCount:    errCount.Int64,
		AvgDurationMs: avg.Float64,
	}
	if lastCall.Valid {
		if t, err := time.Parse(timeLayout, lastCall.String); err == nil {
			stats.LastCallAt = t
		}
	}
	return stats, nil
}
