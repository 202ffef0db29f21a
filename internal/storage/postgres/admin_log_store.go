package postgres

import (
	"context"
	"fmt"
	"time"

	"cashbridge/internal/domain"
	"cashbridge/internal/storage"
)

// AdminLogStore implements storage.AdminLogStore using PostgreSQL.
type AdminLogStore struct {
	pool *Pool
}

// NewAdminLogStore creates a new AdminLogStore.
func NewAdminLogStore(pool *Pool) *AdminLogStore {
	return &AdminLogStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AdminLogStore = (*AdminLogStore)(nil)

// Insert appends an audit entry.
func (s *AdminLogStore) Insert(ctx context.Context, a *domain.AdminAction) error {
	if a == nil || a.Action == "" {
		return storage.ErrInvalidInput
	}

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO admin_logs (admin_id, action, target, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.AdminID, a.Action, a.Target, a.Detail, createdAt)
	if err != nil {
		return fmt.Errorf("insert admin log: %w", err)
	}
	return nil
}

// ListRecent retrieves the newest entries first.
func (s *AdminLogStore) ListRecent(ctx context.Context, limit int) ([]*domain.AdminAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT admin_id, action, target, detail, created_at
		FROM admin_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list admin logs: %w", err)
	}
	defer rows.Close()

	var result []*domain.AdminAction
	for rows.Next() {
		var a domain.AdminAction
		if err := rows.Scan(&a.AdminID, &a.Action, &a.Target, &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan admin log row: %w", err)
		}
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admin log rows: %w", err)
	}
	return result, nil
}
