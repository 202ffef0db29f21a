package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"cashbridge/internal/domain"
	"cashbridge/internal/storage"
)

// FeeRuleStore implements storage.FeeRuleStore using PostgreSQL.
type FeeRuleStore struct {
	pool *Pool
}

// NewFeeRuleStore creates a new FeeRuleStore.
func NewFeeRuleStore(pool *Pool) *FeeRuleStore {
	return &FeeRuleStore{pool: pool}
}

// Compile-time interface check.
var _ storage.FeeRuleStore = (*FeeRuleStore)(nil)

// Insert adds a rule and assigns its ID. Returns ErrOverlappingRule on intersection.
// Inserts for one currency are serialized with a transaction-scoped advisory lock
// so two concurrent inserts cannot both pass the overlap check.
func (s *FeeRuleStore) Insert(ctx context.Context, rule *domain.FeeRule) error {
	if rule == nil || rule.Currency == "" {
		return storage.ErrInvalidInput
	}

	return s.pool.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('fee_rules:' || $1::text))`, string(rule.Currency)); err != nil {
			return fmt.Errorf("lock fee rules: %w", err)
		}

		var overlaps bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM fee_rules
				WHERE currency = $1
				  AND price_range_start < $3::numeric
				  AND $2::numeric < price_range_end
			)
		`, string(rule.Currency), rule.Start.String(), rule.End.String()).Scan(&overlaps)
		if err != nil {
			return fmt.Errorf("check fee rule overlap: %w", err)
		}
		if overlaps {
			return storage.ErrOverlappingRule
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO fee_rules (currency, price_range_start, price_range_end, fee_percentage)
			VALUES ($1, $2::numeric, $3::numeric, $4::numeric)
			RETURNING id, created_at
		`, string(rule.Currency), rule.Start.String(), rule.End.String(), rule.FeePercentage.String()).
			Scan(&rule.ID, &rule.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert fee rule: %w", err)
		}
		return nil
	})
}

// ListByCurrency retrieves a currency's rules ordered by range start ASC.
func (s *FeeRuleStore) ListByCurrency(ctx context.Context, currency domain.CurrencyCode) ([]*domain.FeeRule, error) {
	query := `
		SELECT id, currency, price_range_start::text, price_range_end::text, fee_percentage::text, created_at
		FROM fee_rules
		WHERE currency = $1
		ORDER BY price_range_start ASC
	`

	rows, err := s.pool.Query(ctx, query, string(currency))
	if err != nil {
		return nil, fmt.Errorf("list fee rules by currency: %w", err)
	}
	defer rows.Close()

	return scanFeeRules(rows)
}

// ListAll retrieves all rules ordered by currency, range start.
func (s *FeeRuleStore) ListAll(ctx context.Context) ([]*domain.FeeRule, error) {
	query := `
		SELECT id, currency, price_range_start::text, price_range_end::text, fee_percentage::text, created_at
		FROM fee_rules
		ORDER BY currency ASC, price_range_start ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list fee rules: %w", err)
	}
	defer rows.Close()

	return scanFeeRules(rows)
}

// Delete removes a rule. Returns ErrNotFound if not exists.
func (s *FeeRuleStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fee_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete fee rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// scanFeeRules scans multiple rows into a slice of FeeRule.
func scanFeeRules(rows pgx.Rows) ([]*domain.FeeRule, error) {
	var rules []*domain.FeeRule

	for rows.Next() {
		var r domain.FeeRule
		var currency, start, end, pct string

		if err := rows.Scan(&r.ID, &currency, &start, &end, &pct, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fee rule row: %w", err)
		}

		var err error
		if r.Start, err = parseDecimal("price_range_start", start); err != nil {
			return nil, err
		}
		if r.End, err = parseDecimal("price_range_end", end); err != nil {
			return nil, err
		}
		if r.FeePercentage, err = parseDecimal("fee_percentage", pct); err != nil {
			return nil, err
		}
		r.Currency = domain.CurrencyCode(currency)
		rules = append(rules, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fee rule rows: %w", err)
	}

	return rules, nil
}
