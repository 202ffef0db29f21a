package reporting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cashbridge/internal/domain"
	"cashbridge/internal/storage"
)

// DefaultStaleAfter is how long a row may sit in verified before it is flagged.
const DefaultStaleAfter = time.Hour

// Options selects the rows included in a report.
type Options struct {
	// Statuses to export. Empty means every status.
	Statuses []domain.Status
	// Limit per status. Zero means no limit.
	Limit int
	// StaleAfter overrides DefaultStaleAfter.
	StaleAfter time.Duration
}

// Generator produces reports from the ledger.
type Generator struct {
	txs storage.TransactionStore
	now func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a new report generator.
func NewGenerator(txs storage.TransactionStore) *Generator {
	return &Generator{
		txs: txs,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate produces a reconciliation report.
func (g *Generator) Generate(ctx context.Context, opts Options) (*Report, error) {
	statuses := opts.Statuses
	if len(statuses) == 0 {
		statuses = []domain.Status{domain.StatusPending, domain.StatusVerified, domain.StatusCompleted, domain.StatusFailed}
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	summary, err := g.txs.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger summary: %w", err)
	}

	var rows []TransactionRow
	var txs []*domain.ExchangeTransaction
	for _, status := range statuses {
		if !status.IsValid() {
			return nil, fmt.Errorf("unknown status %q", status)
		}
		batch, err := g.txs.ListByStatus(ctx, status, opts.Limit)
		if err != nil {
			return nil, fmt.Errorf("list %s transactions: %w", status, err)
		}
		for _, tx := range batch {
			rows = append(rows, toRow(tx))
		}
		txs = append(txs, batch...)
	}

	now := g.now()
	return &Report{
		GeneratedAt:  now,
		Summary:      ledgerSection(summary, txs),
		Transactions: rows,
		Integrity:    checkIntegrity(txs, now, staleAfter),
	}, nil
}

func ledgerSection(s *domain.LedgerSummary, txs []*domain.ExchangeTransaction) LedgerSection {
	out := LedgerSection{CompletedUSD: s.CompletedUSD}

	for status, n := range s.CountByStatus {
		out.StatusCounts = append(out.StatusCounts, StatusCountRow{Status: status.String(), Count: n})
	}
	sort.Slice(out.StatusCounts, func(i, j int) bool {
		return out.StatusCounts[i].Status < out.StatusCounts[j].Status
	})

	for code, amount := range s.CompletedByCrypto {
		out.CompletedByCrypto = append(out.CompletedByCrypto, CurrencyVolumeRow{Currency: code.String(), Amount: amount})
	}
	sort.Slice(out.CompletedByCrypto, func(i, j int) bool {
		return out.CompletedByCrypto[i].Currency < out.CompletedByCrypto[j].Currency
	})

	for _, tx := range txs {
		if tx.Status == domain.StatusCompleted {
			out.FeeRevenueUSD = out.FeeRevenueUSD.Add(tx.FeeAmount)
		}
	}
	return out
}

// checkIntegrity flags rows whose stored amounts or lifecycle fields disagree.
func checkIntegrity(txs []*domain.ExchangeTransaction, now time.Time, staleAfter time.Duration) IntegritySection {
	var sec IntegritySection
	for _, tx := range txs {
		if !tx.AmountUSD.Sub(tx.FeeAmount).Equal(tx.NetAmountUSD) {
			sec.Errors = append(sec.Errors, fmt.Sprintf("%s: net %s != amount %s - fee %s",
				tx.TransactionID, tx.NetAmountUSD, tx.AmountUSD, tx.FeeAmount))
		}
		if tx.ExchangeRate.IsPositive() {
			want := tx.NetAmountUSD.DivRound(tx.ExchangeRate, domain.CryptoPrecision)
			if !want.Equal(tx.AmountCrypto) {
				sec.Errors = append(sec.Errors, fmt.Sprintf("%s: crypto amount %s, expected %s",
					tx.TransactionID, tx.AmountCrypto, want))
			}
		}

		switch tx.Status {
		case domain.StatusCompleted:
			if tx.CompletedAt == nil {
				sec.Errors = append(sec.Errors, fmt.Sprintf("%s: completed without completed_at", tx.TransactionID))
			}
			if tx.VerificationMethod == domain.MethodDualChannel && tx.SettlementRef == "" {
				sec.Errors = append(sec.Errors, fmt.Sprintf("%s: settled without settlement reference", tx.TransactionID))
			}
		case domain.StatusVerified:
			if tx.VerifiedAt != nil && now.Sub(*tx.VerifiedAt) > staleAfter {
				sec.StaleVerified = append(sec.StaleVerified, tx.TransactionID)
			}
		case domain.StatusFailed:
			if tx.FailureStep == "" {
				sec.Errors = append(sec.Errors, fmt.Sprintf("%s: failed without step", tx.TransactionID))
			}
		}
	}
	sec.AllPassed = len(sec.Errors) == 0 && len(sec.StaleVerified) == 0
	return sec
}

func toRow(tx *domain.ExchangeTransaction) TransactionRow {
	return TransactionRow{
		TransactionID:      tx.TransactionID,
		UserID:             tx.UserID,
		Status:             tx.Status.String(),
		Currency:           tx.Currency.String(),
		AmountUSD:          tx.AmountUSD,
		FeePercentage:      tx.FeePercentage,
		FeeAmount:          tx.FeeAmount,
		NetAmountUSD:       tx.NetAmountUSD,
		ExchangeRate:       tx.ExchangeRate,
		AmountCrypto:       tx.AmountCrypto,
		WalletAddress:      tx.WalletAddress,
		VerificationMethod: string(tx.VerificationMethod),
		SettlementRef:      tx.SettlementRef,
		FailureStep:        tx.FailureStep.String(),
		CreatedAt:          tx.CreatedAt,
		CompletedAt:        tx.CompletedAt,
	}
}
