package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/cboxdk/queue-autoscaler/internal/telemetry"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// EventStore implements telemetry.EventStorage on top of sqlx
type EventStore struct {
	db     *sqlx.DB
	clock  clock.Clock
	logger *zap.Logger
}

var _ telemetry.EventStorage = (*EventStore)(nil)

// EventStats summarises the stored history
type EventStats struct {
	TotalEvents  int64            `json:"total_events"`
	EventsByType map[string]int64 `json:"events_by_type"`
	OldestEvent  *time.Time       `json:"oldest_event,omitempty"`
	NewestEvent  *time.Time       `json:"newest_event,omitempty"`
}

type eventRow struct {
	ID            string `db:"id"`
	Type          string `db:"type"`
	OccurredAt    int64  `db:"occurred_at"`
	Target        string `db:"target"`
	Summary       string `db:"summary"`
	Details       string `db:"details"`
	CorrelationID string `db:"correlation_id"`
	Severity      string `db:"severity"`
}

// NewEventStore creates an event store on an open database
func NewEventStore(db *sqlx.DB, clk clock.Clock, logger *zap.Logger) *EventStore {
	return &EventStore{
		db:     db,
		clock:  clk,
		logger: logger,
	}
}

const insertEvent = `
	INSERT INTO events (id, type, occurred_at, target, summary, details, correlation_id, severity)
	VALUES (:id, :type, :occurred_at, :target, :summary, :details, :correlation_id, :severity)
`

// StoreEvent stores an event in the database
func (s *EventStore) StoreEvent(ctx context.Context, event telemetry.Event) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	row := eventRow{
		ID:            event.ID,
		Type:          string(event.Type),
		OccurredAt:    event.Timestamp.UnixNano(),
		Target:        event.Target,
		Summary:       event.Summary,
		Details:       string(detailsJSON),
		CorrelationID: event.CorrelationID,
		Severity:      string(event.Severity),
	}

	if _, err := s.db.NamedExecContext(ctx, insertEvent, row); err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}

	s.logger.Debug("Event stored",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)))

	return nil
}

// GetEvents returns matching events, newest first
func (s *EventStore) GetEvents(ctx context.Context, filter telemetry.EventFilter) ([]telemetry.Event, error) {
	query, args := buildEventQuery(filter)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events := make([]telemetry.Event, 0, len(rows))
	for _, row := range rows {
		event := telemetry.Event{
			ID:            row.ID,
			Type:          telemetry.EventType(row.Type),
			Timestamp:     time.Unix(0, row.OccurredAt).UTC(),
			Target:        row.Target,
			Summary:       row.Summary,
			CorrelationID: row.CorrelationID,
			Severity:      telemetry.EventSeverity(row.Severity),
		}
		if err := json.Unmarshal([]byte(row.Details), &event.Details); err != nil {
			s.logger.Warn("Failed to unmarshal event details",
				zap.String("event_id", row.ID),
				zap.Error(err))
			event.Details = make(map[string]interface{})
		}
		events = append(events, event)
	}

	return events, nil
}

func buildEventQuery(filter telemetry.EventFilter) (string, []interface{}) {
	query := `SELECT id, type, occurred_at, target, summary, details, correlation_id, severity FROM events WHERE 1=1`
	var args []interface{}

	if !filter.StartTime.IsZero() {
		query += " AND occurred_at >= ?"
		args = append(args, filter.StartTime.UnixNano())
	}
	if !filter.EndTime.IsZero() {
		query += " AND occurred_at <= ?"
		args = append(args, filter.EndTime.UnixNano())
	}
	if filter.Target != "" {
		query += " AND target = ?"
		args = append(args, filter.Target)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}

	query += " ORDER BY occurred_at DESC, id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return query, args
}

// CleanupOldEvents removes events older than the retention period
func (s *EventStore) CleanupOldEvents(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-retention).UnixNano()

	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM events WHERE occurred_at < ?"), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("Cleaned up old events",
			zap.Int64("rows_deleted", deleted),
			zap.Duration("retention", retention))
	}

	return deleted, nil
}

// GetEventStats returns statistics about stored events
func (s *EventStore) GetEventStats(ctx context.Context) (EventStats, error) {
	stats := EventStats{EventsByType: make(map[string]int64)}

	var bounds struct {
		Total  int64         `db:"total"`
		Oldest sql.NullInt64 `db:"oldest"`
		Newest sql.NullInt64 `db:"newest"`
	}
	err := s.db.GetContext(ctx, &bounds,
		"SELECT COUNT(*) AS total, MIN(occurred_at) AS oldest, MAX(occurred_at) AS newest FROM events")
	if err != nil {
		return stats, fmt.Errorf("failed to get event totals: %w", err)
	}
	stats.TotalEvents = bounds.Total
	if bounds.Oldest.Valid {
		t := time.Unix(0, bounds.Oldest.Int64).UTC()
		stats.OldestEvent = &t
	}
	if bounds.Newest.Valid {
		t := time.Unix(0, bounds.Newest.Int64).UTC()
		stats.NewestEvent = &t
	}

	var byType []struct {
		Type  string `db:"type"`
		Count int64  `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &byType, "SELECT type, COUNT(*) AS count FROM events GROUP BY type"); err != nil {
		return stats, fmt.Errorf("failed to get event counts by type: %w", err)
	}
	for _, row := range byType {
		stats.EventsByType[row.Type] = row.Count
	}

	return stats, nil
}
