// Package fees resolves the fee percentage for an exchange amount from
// per-currency price bands and computes the frozen quote of a transaction.
package fees

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cashbridge/internal/domain"
	"cashbridge/internal/logging"
	"cashbridge/internal/storage"
)

// DefaultFeePercentage applies when no band of the currency matches.
var DefaultFeePercentage = decimal.NewFromInt(22)

var hundred = decimal.NewFromInt(100)

// Table resolves fees from the fee rule store. Bands are half-open:
// a rule matches when start <= amount < end.
type Table struct {
	store      storage.FeeRuleStore
	currencies *domain.Currencies
	defaultPct decimal.Decimal
	logger     *zap.Logger
}

// Option configures Table.
type Option func(*Table)

// WithDefaultPercentage overrides DefaultFeePercentage.
func WithDefaultPercentage(pct decimal.Decimal) Option {
	return func(t *Table) {
		t.defaultPct = pct
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Table) {
		t.logger = l
	}
}

// NewTable creates a fee table over store for the enabled currencies.
func NewTable(store storage.FeeRuleStore, currencies *domain.Currencies, opts ...Option) *Table {
	t := &Table{
		store:      store,
		currencies: currencies,
		defaultPct: DefaultFeePercentage,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.OrNop(t.logger).Named("fees")
	return t
}

// DefaultPercentage returns the fallback percentage.
func (t *Table) DefaultPercentage() decimal.Decimal {
	return t.defaultPct
}

// ResolveFee returns the percentage of the first band containing amount,
// or the default percentage when none does.
func (t *Table) ResolveFee(ctx context.Context, currency string, amount decimal.Decimal) (decimal.Decimal, error) {
	cur, err := t.currencies.Lookup(currency)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.IsNegative() {
		return decimal.Zero, domain.ErrInvalidAmount.Wrapf("amount %s is negative", amount)
	}

	rules, err := t.store.ListByCurrency(ctx, cur.Code())
	if err != nil {
		return decimal.Zero, domain.ErrSystem.Wrap(fmt.Errorf("load fee rules: %w", err))
	}

	for _, r := range rules {
		if r.Contains(amount) {
			return r.FeePercentage, nil
		}
	}
	return t.defaultPct, nil
}

// AddRule validates and stores a new band. Overlap with an existing band of
// the same currency is rejected with ErrOverlappingFeeRule.
func (t *Table) AddRule(ctx context.Context, rule *domain.FeeRule) error {
	if rule == nil {
		return domain.ErrInvalidFeeRule.Wrapf("missing rule")
	}
	cur, err := t.currencies.Lookup(string(rule.Currency))
	if err != nil {
		return err
	}
	rule.Currency = cur.Code()

	if err := rule.Validate(); err != nil {
		return err
	}

	if err := t.store.Insert(ctx, rule); err != nil {
		if errors.Is(err, storage.ErrOverlappingRule) {
			return domain.ErrOverlappingFeeRule.Wrapf("%s [%s, %s)", rule.Currency, rule.Start, rule.End)
		}
		return domain.ErrSystem.Wrap(fmt.Errorf("insert fee rule: %w", err))
	}

	t.logger.Info("fee rule added",
		zap.Int64("rule_id", rule.ID),
		zap.String("currency", string(rule.Currency)),
		zap.String("start", rule.Start.String()),
		zap.String("end", rule.End.String()),
		zap.String("fee_percentage", rule.FeePercentage.String()),
	)
	return nil
}

// DeleteRule removes a band. Returns storage.ErrNotFound for unknown ids.
func (t *Table) DeleteRule(ctx context.Context, id int64) error {
	if err := t.store.Delete(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return domain.ErrSystem.Wrap(fmt.Errorf("delete fee rule: %w", err))
	}
	t.logger.Info("fee rule deleted", zap.Int64("rule_id", id))
	return nil
}

// Rules lists the bands of one currency, or of all currencies when currency is empty.
func (t *Table) Rules(ctx context.Context, currency string) ([]*domain.FeeRule, error) {
	var (
		rules []*domain.FeeRule
		err   error
	)
	if currency == "" {
		rules, err = t.store.ListAll(ctx)
	} else {
		cur, lookupErr := t.currencies.Lookup(currency)
		if lookupErr != nil {
			return nil, lookupErr
		}
		rules, err = t.store.ListByCurrency(ctx, cur.Code())
	}
	if err != nil {
		return nil, domain.ErrSystem.Wrap(fmt.Errorf("list fee rules: %w", err))
	}
	return rules, nil
}

// Quote resolves the fee for amount and prices it at price.
func (t *Table) Quote(ctx context.Context, currency string, amount, price decimal.Decimal) (*Quote, error) {
	if !price.IsPositive() {
		return nil, domain.ErrInvalidPrice.Wrapf("price %s must be positive", price)
	}
	pct, err := t.ResolveFee(ctx, currency, amount)
	if err != nil {
		return nil, err
	}
	q := Compute(amount, price, pct)
	return &q, nil
}
