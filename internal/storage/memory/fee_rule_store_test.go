package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cashbridge/internal/domain"
	"cashbridge/internal/storage"
)

func rule(currency domain.CurrencyCode, start, end, pct int64) *domain.FeeRule {
	return &domain.FeeRule{
		Currency:      currency,
		Start:         decimal.NewFromInt(start),
		End:           decimal.NewFromInt(end),
		FeePercentage: decimal.NewFromInt(pct),
	}
}

func TestFeeRuleStore_InsertRejectsOverlap(t *testing.T) {
	store := NewFeeRuleStore()
	ctx := context.Background()

	first := rule(domain.BTC, 0, 100, 20)
	if err := store.Insert(ctx, first); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if first.ID == 0 {
		t.Error("expected ID to be assigned")
	}

	// Adjacent half-open ranges do not overlap
	if err := store.Insert(ctx, rule(domain.BTC, 100, 200, 15)); err != nil {
		t.Fatalf("adjacent insert failed: %v", err)
	}
	if err := store.Insert(ctx, rule(domain.BTC, 50, 150, 10)); !errors.Is(err, storage.ErrOverlappingRule) {
		t.Errorf("expected ErrOverlappingRule, got %v", err)
	}
	// Same range on another currency is fine
	if err := store.Insert(ctx, rule(domain.ETH, 50, 150, 10)); err != nil {
		t.Fatalf("other currency insert failed: %v", err)
	}

	btc, _ := store.ListByCurrency(ctx, domain.BTC)
	if len(btc) != 2 || !btc[0].Start.IsZero() {
		t.Errorf("unexpected BTC rules: %d", len(btc))
	}

	all, _ := store.ListAll(ctx)
	if len(all) != 3 || all[0].Currency != domain.BTC || all[2].Currency != domain.ETH {
		t.Errorf("unexpected ordering in ListAll")
	}
}

func TestFeeRuleStore_Delete(t *testing.T) {
	store := NewFeeRuleStore()
	ctx := context.Background()

	r := rule(domain.LTC, 0, 10, 5)
	_ = store.Insert(ctx, r)

	if err := store.Delete(ctx, r.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, r.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	// Range is free again
	if err := store.Insert(ctx, rule(domain.LTC, 0, 10, 6)); err != nil {
		t.Errorf("re-insert failed: %v", err)
	}
}

func TestVerificationEventStore_InsertBulk(t *testing.T) {
	store := NewVerificationEventStore()
	ctx := context.Background()
	base := time.Unix(1704067200, 0).UTC()

	events := []*domain.VerificationEvent{
		{EventID: "e2", TransactionID: "TX-1", Step: domain.StepEmailVerification, Outcome: domain.OutcomeOK, OccurredAt: base.Add(time.Second)},
		{EventID: "e1", TransactionID: "TX-1", Step: domain.StepWebVerification, Outcome: domain.OutcomeOK, OccurredAt: base},
	}
	if err := store.InsertBulk(ctx, events); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	got, _ := store.GetByTransactionID(ctx, "TX-1")
	if len(got) != 2 || got[0].EventID != "e1" {
		t.Errorf("unexpected events: %+v", got)
	}

	// Whole batch rejected on duplicate
	err := store.InsertBulk(ctx, []*domain.VerificationEvent{
		{EventID: "e3", TransactionID: "TX-1", OccurredAt: base},
		{EventID: "e1", TransactionID: "TX-1", OccurredAt: base},
	})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
	got, _ = store.GetByTransactionID(ctx, "TX-1")
	if len(got) != 2 {
		t.Errorf("partial batch was written: %d events", len(got))
	}
}

func TestAdminLogStore_ListRecent(t *testing.T) {
	store := NewAdminLogStore()
	ctx := context.Background()

	for _, action := range []string{"fee_rule_add", "transaction_confirm", "fee_rule_delete"} {
		if err := store.Insert(ctx, &domain.AdminAction{AdminID: "admin", Action: action}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, _ := store.ListRecent(ctx, 2)
	if len(got) != 2 || got[0].Action != "fee_rule_delete" {
		t.Errorf("unexpected entries: %+v", got)
	}
	if err := store.Insert(ctx, &domain.AdminAction{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
