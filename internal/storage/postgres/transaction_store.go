package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"cashbridge/internal/domain"
	"cashbridge/internal/storage"
)

// TransactionStore implements storage.TransactionStore using PostgreSQL.
type TransactionStore struct {
	pool *Pool
}

// NewTransactionStore creates a new TransactionStore.
func NewTransactionStore(pool *Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TransactionStore = (*TransactionStore)(nil)

const transactionColumns = `
	transaction_id, user_id,
	amount_usd::text, exchange_rate::text, fee_percentage::text, fee_amount::text,
	net_amount_usd::text, amount_crypto::text,
	currency, wallet_address, status,
	receipt_identifier, verification_method, settlement_ref, failure_step, error_detail,
	created_at, verified_at, completed_at, updated_at
`

// Insert adds a new pending transaction. Returns ErrDuplicateKey if transaction_id exists.
func (s *TransactionStore) Insert(ctx context.Context, t *domain.ExchangeTransaction) (err error) {
	defer func(start time.Time) { observe("insert_transaction", start, err) }(time.Now())
	if t == nil || t.TransactionID == "" || t.UserID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO exchange_transactions (
			transaction_id, user_id, amount_usd, exchange_rate, fee_percentage, fee_amount,
			net_amount_usd, amount_crypto, currency, wallet_address, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`

	_, err = s.pool.Exec(ctx, query,
		t.TransactionID,
		t.UserID,
		t.AmountUSD.String(),
		t.ExchangeRate.String(),
		t.FeePercentage.String(),
		t.FeeAmount.String(),
		t.NetAmountUSD.String(),
		t.AmountCrypto.String(),
		string(t.Currency),
		t.WalletAddress,
		string(domain.StatusPending),
		t.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID retrieves a transaction by its ID. Returns ErrNotFound if not exists.
func (s *TransactionStore) GetByID(ctx context.Context, transactionID string) (*domain.ExchangeTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM exchange_transactions WHERE transaction_id = $1`

	t, err := scanTransaction(s.pool.QueryRow(ctx, query, transactionID))
	if err != nil {
		if noRows(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get transaction by id: %w", err)
	}
	return t, nil
}

// ListByUser retrieves a user's transactions, newest first.
func (s *TransactionStore) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.ExchangeTransaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM exchange_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, transaction_id DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, userID, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list transactions by user: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// ListByStatus retrieves transactions in a status, oldest first.
func (s *TransactionStore) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.ExchangeTransaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM exchange_transactions
		WHERE status = $1
		ORDER BY created_at ASC, transaction_id ASC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, string(status), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list transactions by status: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// MarkVerified moves pending -> verified and takes the settlement claim.
func (s *TransactionStore) MarkVerified(ctx context.Context, transactionID, receiptIdentifier string, method domain.VerificationMethod, at time.Time) (err error) {
	defer func(start time.Time) { observe("mark_verified", start, err) }(time.Now())
	query := `
		UPDATE exchange_transactions
		SET status = 'verified', receipt_identifier = $2, verification_method = $3,
		    verified_at = $4, updated_at = $4, settlement_claimed = TRUE
		WHERE transaction_id = $1 AND status = 'pending'
	`

	tag, err := s.pool.Exec(ctx, query, transactionID, receiptIdentifier, string(method), at)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, s.pool, transactionID)
	}
	return nil
}

// ClaimSettlement takes the settlement claim on a verified row.
func (s *TransactionStore) ClaimSettlement(ctx context.Context, transactionID string) (err error) {
	defer func(start time.Time) { observe("claim_settlement", start, err) }(time.Now())
	query := `
		UPDATE exchange_transactions
		SET settlement_claimed = TRUE, updated_at = NOW()
		WHERE transaction_id = $1 AND status = 'verified' AND NOT settlement_claimed
	`

	tag, err := s.pool.Exec(ctx, query, transactionID)
	if err != nil {
		return fmt.Errorf("claim settlement: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	var claimed bool
	err = s.pool.QueryRow(ctx,
		`SELECT status, settlement_claimed FROM exchange_transactions WHERE transaction_id = $1`,
		transactionID,
	).Scan(&status, &claimed)
	if err != nil {
		if noRows(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("claim settlement: %w", err)
	}
	if status == string(domain.StatusVerified) && claimed {
		return storage.ErrSettlementClaimed
	}
	return storage.ErrStatusConflict
}

// ReleaseSettlement drops the settlement claim so the row can be retried.
func (s *TransactionStore) ReleaseSettlement(ctx context.Context, transactionID string) error {
	query := `
		UPDATE exchange_transactions
		SET settlement_claimed = FALSE, updated_at = NOW()
		WHERE transaction_id = $1 AND status = 'verified'
	`

	tag, err := s.pool.Exec(ctx, query, transactionID)
	if err != nil {
		return fmt.Errorf("release settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, s.pool, transactionID)
	}
	return nil
}

// MarkCompleted moves verified -> completed and credits the user's totals.
func (s *TransactionStore) MarkCompleted(ctx context.Context, transactionID, settlementRef string, at time.Time) error {
	query := `
		UPDATE exchange_transactions
		SET status = 'completed', settlement_ref = $2, completed_at = $3, updated_at = $3,
		    settlement_claimed = FALSE
		WHERE transaction_id = $1 AND status = 'verified'
		RETURNING user_id, currency, amount_usd::text, amount_crypto::text
	`

	start := time.Now()
	return observe("mark_completed", start, s.pool.withTx(ctx, func(tx pgx.Tx) error {
		return s.completeAndCredit(ctx, tx, transactionID, tx.QueryRow(ctx, query, transactionID, settlementRef, at))
	}))
}

// AdminConfirm moves pending -> completed and credits the user's totals.
func (s *TransactionStore) AdminConfirm(ctx context.Context, transactionID string, at time.Time) error {
	query := `
		UPDATE exchange_transactions
		SET status = 'completed', verification_method = $2, completed_at = $3, updated_at = $3
		WHERE transaction_id = $1 AND status = 'pending'
		RETURNING user_id, currency, amount_usd::text, amount_crypto::text
	`

	start := time.Now()
	return observe("admin_confirm", start, s.pool.withTx(ctx, func(tx pgx.Tx) error {
		return s.completeAndCredit(ctx, tx, transactionID, tx.QueryRow(ctx, query, transactionID, string(domain.MethodAdmin), at))
	}))
}

// MarkFailed moves from -> failed with a step tag.
func (s *TransactionStore) MarkFailed(ctx context.Context, transactionID string, from domain.Status, step domain.Step, detail string, at time.Time) (err error) {
	defer func(start time.Time) { observe("mark_failed", start, err) }(time.Now())
	if !domain.CanTransition(from, domain.StatusFailed) {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE exchange_transactions
		SET status = 'failed', failure_step = $3, error_detail = $4, updated_at = $5,
		    settlement_claimed = FALSE
		WHERE transaction_id = $1 AND status = $2
	`

	tag, err := s.pool.Exec(ctx, query, transactionID, string(from), string(step), detail, at)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, s.pool, transactionID)
	}
	return nil
}

// GetUserStats returns aggregate totals. Unknown users get zero totals.
func (s *TransactionStore) GetUserStats(ctx context.Context, userID string) (*domain.UserStats, error) {
	out := &domain.UserStats{UserID: userID, TotalExchanged: decimal.Zero}

	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT total_exchanged::text FROM user_totals WHERE user_id = $1`, userID,
	).Scan(&total)
	switch {
	case err == nil:
		if out.TotalExchanged, err = parseDecimal("total_exchanged", total); err != nil {
			return nil, err
		}
	case noRows(err):
	default:
		return nil, fmt.Errorf("get user totals: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT currency, transaction_count, total_amount_usd::text, total_amount_crypto::text
		FROM user_crypto_stats
		WHERE user_id = $1
		ORDER BY currency ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("get user crypto stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cs domain.CurrencyStats
		var currency, usd, crypto string
		if err := rows.Scan(&currency, &cs.TransactionCount, &usd, &crypto); err != nil {
			return nil, fmt.Errorf("scan user crypto stats row: %w", err)
		}
		cs.Currency = domain.CurrencyCode(currency)
		if cs.TotalAmountUSD, err = parseDecimal("total_amount_usd", usd); err != nil {
			return nil, err
		}
		if cs.TotalAmountCrypto, err = parseDecimal("total_amount_crypto", crypto); err != nil {
			return nil, err
		}
		out.ByCurrency = append(out.ByCurrency, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user crypto stats rows: %w", err)
	}

	return out, nil
}

// Summary returns ledger-wide counts and completed volume.
func (s *TransactionStore) Summary(ctx context.Context) (*domain.LedgerSummary, error) {
	out := &domain.LedgerSummary{
		CountByStatus:     make(map[domain.Status]int64),
		CompletedUSD:      decimal.Zero,
		CompletedByCrypto: make(map[domain.CurrencyCode]decimal.Decimal),
	}

	rows, err := s.pool.Query(ctx, `
		SELECT status, currency, COUNT(*), COALESCE(SUM(amount_usd), 0)::text, COALESCE(SUM(amount_crypto), 0)::text
		FROM exchange_transactions
		GROUP BY status, currency
	`)
	if err != nil {
		return nil, fmt.Errorf("summarize ledger: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, currency, usd, crypto string
		var count int64
		if err := rows.Scan(&status, &currency, &count, &usd, &crypto); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		out.CountByStatus[domain.Status(status)] += count
		if status != string(domain.StatusCompleted) {
			continue
		}
		usdDec, err := parseDecimal("amount_usd", usd)
		if err != nil {
			return nil, err
		}
		cryptoDec, err := parseDecimal("amount_crypto", crypto)
		if err != nil {
			return nil, err
		}
		out.CompletedUSD = out.CompletedUSD.Add(usdDec)
		code := domain.CurrencyCode(currency)
		out.CompletedByCrypto[code] = out.CompletedByCrypto[code].Add(cryptoDec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary rows: %w", err)
	}

	return out, nil
}

// completeAndCredit reads the RETURNING row of a completion update and
// credits the user's totals in the same transaction.
func (s *TransactionStore) completeAndCredit(ctx context.Context, tx pgx.Tx, transactionID string, row pgx.Row) error {
	var userID, currency, usd, crypto string
	if err := row.Scan(&userID, &currency, &usd, &crypto); err != nil {
		if noRows(err) {
			return s.conflictOrMissing(ctx, tx, transactionID)
		}
		return fmt.Errorf("complete transaction: %w", err)
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO user_totals (user_id, total_exchanged, updated_at)
		VALUES ($1, $2::numeric, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			total_exchanged = user_totals.total_exchanged + EXCLUDED.total_exchanged,
			updated_at = NOW()
	`, userID, usd)
	if err != nil {
		return fmt.Errorf("credit user total: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO user_crypto_stats (user_id, currency, transaction_count, total_amount_usd, total_amount_crypto)
		VALUES ($1, $2, 1, $3::numeric, $4::numeric)
		ON CONFLICT (user_id, currency) DO UPDATE SET
			transaction_count = user_crypto_stats.transaction_count + 1,
			total_amount_usd = user_crypto_stats.total_amount_usd + EXCLUDED.total_amount_usd,
			total_amount_crypto = user_crypto_stats.total_amount_crypto + EXCLUDED.total_amount_crypto
	`, userID, currency, usd, crypto)
	if err != nil {
		return fmt.Errorf("credit user crypto stats: %w", err)
	}

	return nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conflictOrMissing distinguishes a lost conditional update from a missing row.
func (s *TransactionStore) conflictOrMissing(ctx context.Context, q queryRower, transactionID string) error {
	var one int
	err := q.QueryRow(ctx, `SELECT 1 FROM exchange_transactions WHERE transaction_id = $1`, transactionID).Scan(&one)
	if err != nil {
		if noRows(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check transaction exists: %w", err)
	}
	return storage.ErrStatusConflict
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil // LIMIT NULL means no limit
	}
	return limit
}

// scanTransaction scans a single row into an ExchangeTransaction.
func scanTransaction(row pgx.Row) (*domain.ExchangeTransaction, error) {
	var t domain.ExchangeTransaction
	var amountUSD, rate, feePct, feeAmt, netUSD, crypto string
	var currency, status, method, step string

	err := row.Scan(
		&t.TransactionID,
		&t.UserID,
		&amountUSD,
		&rate,
		&feePct,
		&feeAmt,
		&netUSD,
		&crypto,
		&currency,
		&t.WalletAddress,
		&status,
		&t.ReceiptIdentifier,
		&method,
		&t.SettlementRef,
		&step,
		&t.ErrorDetail,
		&t.CreatedAt,
		&t.VerifiedAt,
		&t.CompletedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		name string
		src  string
		dst  *decimal.Decimal
	}{
		{"amount_usd", amountUSD, &t.AmountUSD},
		{"exchange_rate", rate, &t.ExchangeRate},
		{"fee_percentage", feePct, &t.FeePercentage},
		{"fee_amount", feeAmt, &t.FeeAmount},
		{"net_amount_usd", netUSD, &t.NetAmountUSD},
		{"amount_crypto", crypto, &t.AmountCrypto},
	} {
		d, err := parseDecimal(f.name, f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = d
	}

	t.Currency = domain.CurrencyCode(currency)
	t.Status = domain.Status(status)
	t.VerificationMethod = domain.VerificationMethod(method)
	t.FailureStep = domain.Step(step)
	return &t, nil
}

// scanTransactions scans multiple rows into a slice of ExchangeTransaction.
func scanTransactions(rows pgx.Rows) ([]*domain.ExchangeTransaction, error) {
	var result []*domain.ExchangeTransaction

	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}

	return result, nil
}
