package reporting

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cashbridge/internal/domain"
	"cashbridge/internal/storage/memory"
)

var reportNow = time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

func ledgerRow(id string, createdAt time.Time) *domain.ExchangeTransaction {
	return &domain.ExchangeTransaction{
		TransactionID: id,
		UserID:        "user-1",
		AmountUSD:     decimal.NewFromInt(100),
		ExchangeRate:  decimal.NewFromInt(50000),
		FeePercentage: decimal.NewFromInt(22),
		FeeAmount:     decimal.NewFromInt(22),
		NetAmountUSD:  decimal.NewFromInt(78),
		AmountCrypto:  decimal.RequireFromString("0.00156"),
		Currency:      domain.BTC,
		WalletAddress: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		Status:        domain.StatusPending,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func setupLedger(t *testing.T) *memory.TransactionStore {
	t.Helper()
	ctx := context.Background()
	store := memory.NewTransactionStore()

	base := reportNow.Add(-24 * time.Hour)
	for i, id := range []string{"TX-1", "TX-2", "TX-3", "TX-4"} {
		if err := store.Insert(ctx, ledgerRow(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Insert %s failed: %v", id, err)
		}
	}
	bad := ledgerRow("TX-5", base.Add(5*time.Minute))
	bad.AmountCrypto = decimal.RequireFromString("0.002")
	if err := store.Insert(ctx, bad); err != nil {
		t.Fatalf("Insert TX-5 failed: %v", err)
	}

	// TX-2 stuck in verified
	if err := store.MarkVerified(ctx, "TX-2", "#AB12CD3", domain.MethodDualChannel, reportNow.Add(-2*time.Hour)); err != nil {
		t.Fatalf("MarkVerified TX-2 failed: %v", err)
	}
	// TX-3 settled
	if err := store.MarkVerified(ctx, "TX-3", "#EF45GH6", domain.MethodDualChannel, reportNow.Add(-time.Hour)); err != nil {
		t.Fatalf("MarkVerified TX-3 failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, "TX-3", "sig-3", reportNow.Add(-time.Hour)); err != nil {
		t.Fatalf("MarkCompleted TX-3 failed: %v", err)
	}
	// TX-4 failed
	if err := store.MarkFailed(ctx, "TX-4", domain.StatusPending, domain.StepWebVerification, "no identifier", reportNow); err != nil {
		t.Fatalf("MarkFailed TX-4 failed: %v", err)
	}
	return store
}

func TestGenerator_Generate(t *testing.T) {
	gen := NewGenerator(setupLedger(t)).WithClock(func() time.Time { return reportNow })

	r, err := gen.Generate(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !r.GeneratedAt.Equal(reportNow) {
		t.Errorf("GeneratedAt: got %v, want %v", r.GeneratedAt, reportNow)
	}
	if len(r.Transactions) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(r.Transactions))
	}

	wantCounts := []StatusCountRow{
		{Status: "completed", Count: 1},
		{Status: "failed", Count: 1},
		{Status: "pending", Count: 2},
		{Status: "verified", Count: 1},
	}
	if len(r.Summary.StatusCounts) != len(wantCounts) {
		t.Fatalf("StatusCounts: got %v", r.Summary.StatusCounts)
	}
	for i, want := range wantCounts {
		if r.Summary.StatusCounts[i] != want {
			t.Errorf("StatusCounts[%d]: got %v, want %v", i, r.Summary.StatusCounts[i], want)
		}
	}

	if !r.Summary.CompletedUSD.Equal(decimal.NewFromInt(100)) {
		t.Errorf("CompletedUSD: got %s, want 100", r.Summary.CompletedUSD)
	}
	if !r.Summary.FeeRevenueUSD.Equal(decimal.NewFromInt(22)) {
		t.Errorf("FeeRevenueUSD: got %s, want 22", r.Summary.FeeRevenueUSD)
	}
	if len(r.Summary.CompletedByCrypto) != 1 || r.Summary.CompletedByCrypto[0].Currency != "BTC" {
		t.Errorf("CompletedByCrypto: got %v", r.Summary.CompletedByCrypto)
	}

	if r.Integrity.AllPassed {
		t.Error("expected integrity findings")
	}
	if len(r.Integrity.StaleVerified) != 1 || r.Integrity.StaleVerified[0] != "TX-2" {
		t.Errorf("StaleVerified: got %v, want [TX-2]", r.Integrity.StaleVerified)
	}
	if len(r.Integrity.Errors) != 1 || !strings.HasPrefix(r.Integrity.Errors[0], "TX-5:") {
		t.Errorf("Errors: got %v, want one finding for TX-5", r.Integrity.Errors)
	}
}

func TestGenerator_StatusFilter(t *testing.T) {
	gen := NewGenerator(setupLedger(t)).WithClock(func() time.Time { return reportNow })

	r, err := gen.Generate(context.Background(), Options{Statuses: []domain.Status{domain.StatusCompleted}})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(r.Transactions) != 1 || r.Transactions[0].TransactionID != "TX-3" {
		t.Fatalf("expected only TX-3, got %v", r.Transactions)
	}
	if !r.Integrity.AllPassed {
		t.Errorf("completed rows should reconcile: %v", r.Integrity.Errors)
	}

	if _, err := gen.Generate(context.Background(), Options{Statuses: []domain.Status{"archived"}}); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestGenerator_StaleThreshold(t *testing.T) {
	gen := NewGenerator(setupLedger(t)).WithClock(func() time.Time { return reportNow })

	r, err := gen.Generate(context.Background(), Options{
		Statuses:   []domain.Status{domain.StatusVerified},
		StaleAfter: 3 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(r.Integrity.StaleVerified) != 0 {
		t.Errorf("TX-2 is within threshold, got %v", r.Integrity.StaleVerified)
	}
}

func TestRenderCSV(t *testing.T) {
	gen := NewGenerator(setupLedger(t)).WithClock(func() time.Time { return reportNow })
	r, err := gen.Generate(context.Background(), Options{Statuses: []domain.Status{domain.StatusCompleted}})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(RenderCSV(r.Transactions)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "transaction_id,user_id,status,") {
		t.Errorf("unexpected header: %s", lines[0])
	}
	want := "TX-3,user-1,completed,BTC,100.00,22,22.00,78.00,50000,0.00156000,1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa,receipt_and_email,sig-3,,"
	if !strings.HasPrefix(lines[1], want) {
		t.Errorf("row mismatch:\ngot  %s\nwant prefix %s", lines[1], want)
	}
	if !strings.HasSuffix(lines[1], reportNow.Add(-time.Hour).Format(time.RFC3339)) {
		t.Errorf("row should end with completed_at: %s", lines[1])
	}
}

func TestRenderMarkdown(t *testing.T) {
	gen := NewGenerator(setupLedger(t)).WithClock(func() time.Time { return reportNow })
	r, err := gen.Generate(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	md := RenderMarkdown(r)
	for _, want := range []string{
		"# Ledger Reconciliation",
		"Generated: 2024-01-02T12:00:00Z",
		"| pending | 2 |",
		"Completed volume: 100.00 USD",
		"### Stuck in verified",
		"- TX-2",
		"| TX-3 | user-1 | completed | BTC |",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q", want)
		}
	}
	if strings.Contains(md, "All rows reconcile") {
		t.Error("report with findings must not claim all rows reconcile")
	}
}
