package clickhouse

import (
	"context"
	"fmt"
	"time"

	"cashbridge/internal/domain"
	"cashbridge/internal/storage"
)

// VerificationEventStore implements storage.VerificationEventStore using ClickHouse.
type VerificationEventStore struct {
	conn *Conn
}

// NewVerificationEventStore creates a new VerificationEventStore.
func NewVerificationEventStore(conn *Conn) *VerificationEventStore {
	return &VerificationEventStore{conn: conn}
}

// Compile-time interface check.
var _ storage.VerificationEventStore = (*VerificationEventStore)(nil)

// InsertBulk adds events in one batch. Fails entire batch on any duplicate event_id.
func (s *VerificationEventStore) InsertBulk(ctx context.Context, events []*domain.VerificationEvent) error {
	if len(events) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(events))
	ids := make([]string, 0, len(events))
	for _, e := range events {
		if e == nil || e.EventID == "" || e.TransactionID == "" {
			return storage.ErrInvalidInput
		}
		if _, dup := seen[e.EventID]; dup {
			return storage.ErrDuplicateKey
		}
		seen[e.EventID] = struct{}{}
		ids = append(ids, e.EventID)
	}

	// ReplacingMergeTree would silently collapse duplicates, so check first.
	var existing uint64
	if err := s.conn.QueryRow(ctx,
		`SELECT count() FROM verification_events WHERE event_id IN ?`, ids,
	).Scan(&existing); err != nil {
		return fmt.Errorf("check existing events: %w", err)
	}
	if existing > 0 {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO verification_events (
			event_id, transaction_id, step, outcome, detail, duration_ms, occurred_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		duration := e.DurationMs
		if duration < 0 {
			duration = 0
		}
		err = batch.Append(
			e.EventID,
			e.TransactionID,
			string(e.Step),
			e.Outcome,
			e.Detail,
			uint64(duration),
			e.OccurredAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByTransactionID retrieves a transaction's events ordered by occurred_at ASC.
func (s *VerificationEventStore) GetByTransactionID(ctx context.Context, transactionID string) ([]*domain.VerificationEvent, error) {
	query := `
		SELECT event_id, transaction_id, step, outcome, detail, duration_ms, occurred_at
		FROM verification_events FINAL
		WHERE transaction_id = ?
		ORDER BY occurred_at ASC, event_id ASC
	`

	rows, err := s.conn.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("query events by transaction: %w", err)
	}
	defer rows.Close()

	var result []*domain.VerificationEvent
	for rows.Next() {
		var (
			e          domain.VerificationEvent
			step       string
			duration   uint64
			occurredAt time.Time
		)
		if err := rows.Scan(&e.EventID, &e.TransactionID, &step, &e.Outcome, &e.Detail, &duration, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.Step = domain.Step(step)
		e.DurationMs = int64(duration)
		e.OccurredAt = occurredAt.UTC()
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	return result, nil
}
