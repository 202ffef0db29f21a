package fees

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashbridge/internal/domain"
	"cashbridge/internal/storage"
	"cashbridge/internal/storage/memory"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestTable(t *testing.T) (*Table, *memory.FeeRuleStore) {
	t.Helper()
	store := memory.NewFeeRuleStore()
	currencies := domain.DefaultCurrencies(domain.Mainnet, map[domain.CurrencyCode]string{
		domain.BTC: "w-btc", domain.ETH: "w-eth", domain.LTC: "w-ltc",
	}, "")
	return NewTable(store, currencies), store
}

func TestResolveFee_DefaultWhenNoRule(t *testing.T) {
	table, _ := newTestTable(t)

	pct, err := table.ResolveFee(context.Background(), "BTC", d("100"))
	require.NoError(t, err)
	assert.True(t, pct.Equal(d("22")), "got %s", pct)
}

func TestResolveFee_HalfOpenBands(t *testing.T) {
	table, _ := newTestTable(t)
	ctx := context.Background()

	require.NoError(t, table.AddRule(ctx, &domain.FeeRule{Currency: "btc", Start: d("0"), End: d("100"), FeePercentage: d("20")}))
	require.NoError(t, table.AddRule(ctx, &domain.FeeRule{Currency: domain.BTC, Start: d("100"), End: d("1000"), FeePercentage: d("15")}))

	tests := []struct {
		amount string
		want   string
	}{
		{"0", "20"},
		{"99.99", "20"},
		{"100", "15"},
		{"999.999", "15"},
		{"1000", "22"},
		{"25000", "22"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			pct, err := table.ResolveFee(ctx, "BTC", d(tt.amount))
			require.NoError(t, err)
			assert.True(t, pct.Equal(d(tt.want)), "amount %s: got %s want %s", tt.amount, pct, tt.want)
		})
	}

	// Bands are per currency
	pct, err := table.ResolveFee(ctx, "ETH", d("50"))
	require.NoError(t, err)
	assert.True(t, pct.Equal(DefaultFeePercentage))
}

func TestResolveFee_InvalidInput(t *testing.T) {
	table, _ := newTestTable(t)
	ctx := context.Background()

	_, err := table.ResolveFee(ctx, "DOGE", d("10"))
	assert.ErrorIs(t, err, domain.ErrUnsupportedCurrency)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	_, err = table.ResolveFee(ctx, "BTC", d("-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	// SOL is not enabled without a wallet
	_, err = table.ResolveFee(ctx, "SOL", d("10"))
	assert.ErrorIs(t, err, domain.ErrUnsupportedCurrency)
}

func TestAddRule_RejectsOverlap(t *testing.T) {
	table, _ := newTestTable(t)
	ctx := context.Background()

	require.NoError(t, table.AddRule(ctx, &domain.FeeRule{Currency: domain.ETH, Start: d("100"), End: d("200"), FeePercentage: d("10")}))

	overlapping := []*domain.FeeRule{
		{Currency: domain.ETH, Start: d("150"), End: d("250"), FeePercentage: d("9")},
		{Currency: domain.ETH, Start: d("50"), End: d("101"), FeePercentage: d("9")},
		{Currency: domain.ETH, Start: d("120"), End: d("130"), FeePercentage: d("9")},
		{Currency: domain.ETH, Start: d("0"), End: d("1000"), FeePercentage: d("9")},
	}
	for _, r := range overlapping {
		err := table.AddRule(ctx, r)
		assert.ErrorIs(t, err, domain.ErrOverlappingFeeRule, "[%s, %s)", r.Start, r.End)
	}

	// Touching bands do not overlap
	require.NoError(t, table.AddRule(ctx, &domain.FeeRule{Currency: domain.ETH, Start: d("200"), End: d("300"), FeePercentage: d("8")}))
	require.NoError(t, table.AddRule(ctx, &domain.FeeRule{Currency: domain.ETH, Start: d("0"), End: d("100"), FeePercentage: d("12")}))

	rules, err := table.Rules(ctx, "ETH")
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.True(t, rules[0].Start.IsZero())
}

func TestAddRule_Validation(t *testing.T) {
	table, _ := newTestTable(t)
	ctx := context.Background()

	bad := []*domain.FeeRule{
		{Currency: domain.BTC, Start: d("10"), End: d("10"), FeePercentage: d("5")},
		{Currency: domain.BTC, Start: d("-5"), End: d("10"), FeePercentage: d("5")},
		{Currency: domain.BTC, Start: d("0"), End: d("10"), FeePercentage: d("101")},
	}
	for _, r := range bad {
		assert.ErrorIs(t, table.AddRule(ctx, r), domain.ErrInvalidFeeRule)
	}

	assert.ErrorIs(t, table.AddRule(ctx, &domain.FeeRule{Currency: "XRP", Start: d("0"), End: d("1"), FeePercentage: d("1")}), domain.ErrUnsupportedCurrency)
}

func TestDeleteRule(t *testing.T) {
	table, _ := newTestTable(t)
	ctx := context.Background()

	rule := &domain.FeeRule{Currency: domain.LTC, Start: d("0"), End: d("50"), FeePercentage: d("5")}
	require.NoError(t, table.AddRule(ctx, rule))

	pct, err := table.ResolveFee(ctx, "LTC", d("10"))
	require.NoError(t, err)
	assert.True(t, pct.Equal(d("5")))

	require.NoError(t, table.DeleteRule(ctx, rule.ID))
	assert.True(t, errors.Is(table.DeleteRule(ctx, rule.ID), storage.ErrNotFound))

	pct, err = table.ResolveFee(ctx, "LTC", d("10"))
	require.NoError(t, err)
	assert.True(t, pct.Equal(DefaultFeePercentage))
}

func TestWithDefaultPercentage(t *testing.T) {
	table := NewTable(memory.NewFeeRuleStore(), domain.DefaultCurrencies(domain.Mainnet, nil, ""), WithDefaultPercentage(d("7.5")))

	pct, err := table.ResolveFee(context.Background(), "BTC", d("100"))
	require.NoError(t, err)
	assert.True(t, pct.Equal(d("7.5")))
}

func TestQuote(t *testing.T) {
	table, _ := newTestTable(t)
	ctx := context.Background()

	q, err := table.Quote(ctx, "BTC", d("100"), d("50000"))
	require.NoError(t, err)
	assert.True(t, q.FeePercentage.Equal(d("22")))
	assert.True(t, q.FeeAmount.Equal(d("22")))
	assert.True(t, q.NetAmountUSD.Equal(d("78")))
	assert.True(t, q.NetAmountCrypto.Equal(d("0.00156")), "got %s", q.NetAmountCrypto)

	_, err = table.Quote(ctx, "BTC", d("100"), d("0"))
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)
}

func TestCompute_RoundsCryptoHalfUp(t *testing.T) {
	// 78 / 3 = 26 exactly; 10 / 3 = 3.333333333...
	q := Compute(d("10"), d("3"), d("0"))
	assert.True(t, q.NetAmountCrypto.Equal(d("3.33333333")), "got %s", q.NetAmountCrypto)

	// 0.000000005 rounds up at the 8th place
	q = Compute(d("1"), d("200000000"), d("0"))
	assert.True(t, q.NetAmountCrypto.Equal(d("0.00000001")), "got %s", q.NetAmountCrypto)

	q = Compute(d("250.50"), d("2000"), d("18.5"))
	assert.True(t, q.FeeAmount.Equal(d("46.3425")), "got %s", q.FeeAmount)
	assert.True(t, q.NetAmountUSD.Equal(d("204.1575")))
	assert.True(t, q.NetAmountCrypto.Equal(d("0.10207875")), "got %s", q.NetAmountCrypto)
}
