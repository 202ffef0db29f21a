// Package exchange creates exchange transactions, quotes fees and applies
// administrative overrides to the ledger.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cashbridge/internal/domain"
	"cashbridge/internal/fees"
	"cashbridge/internal/logging"
	"cashbridge/internal/observability"
	"cashbridge/internal/storage"
)

// Limits for listing.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// MinimumAmountUSD is the smallest accepted fiat amount.
var MinimumAmountUSD = decimal.NewFromInt(1)

// PriceSource reports the market price used to sanity-check submitted prices.
type PriceSource interface {
	Price(ctx context.Context, code domain.CurrencyCode) (decimal.Decimal, error)
}

// Notifier receives status changes.
type Notifier interface {
	NotifyStatus(change domain.StatusChange)
}

// Service is the exchange front door over the ledger.
type Service struct {
	txs        storage.TransactionStore
	audit      storage.AdminLogStore
	fees       *fees.Table
	currencies *domain.Currencies

	prices       PriceSource
	maxDeviation decimal.Decimal
	notifier     Notifier

	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// Option configures Service.
type Option func(*Service)

// WithPriceGuard rejects submissions whose price deviates from the market
// price by more than maxDeviationPct percent. When the market price is
// unavailable the submission is accepted.
func WithPriceGuard(p PriceSource, maxDeviationPct decimal.Decimal) Option {
	return func(s *Service) {
		s.prices = p
		s.maxDeviation = maxDeviationPct
	}
}

// WithNotifier publishes status changes to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) {
		s.newID = f
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService creates a Service.
func NewService(txs storage.TransactionStore, audit storage.AdminLogStore, table *fees.Table, currencies *domain.Currencies, opts ...Option) *Service {
	s := &Service{
		txs:        txs,
		audit:      audit,
		fees:       table,
		currencies: currencies,
		now:        time.Now,
		newID:      NewTransactionID,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("exchange")
	return s
}

// NewTransactionID returns an unguessable transaction id.
func NewTransactionID() string {
	return "TX-" + strings.ToUpper(uuid.NewString())
}

// FeeQuote is the fee breakdown shown before a transaction is created.
type FeeQuote struct {
	Currency      domain.CurrencyCode
	AmountUSD     decimal.Decimal
	FeePercentage decimal.Decimal
	FeeAmount     decimal.Decimal
	NetAmountUSD  decimal.Decimal
	// NetAmountCrypto and ExchangeRate are zero when no market price is available.
	NetAmountCrypto decimal.Decimal
	ExchangeRate    decimal.Decimal
}

// Quote resolves the fee for amount. If a price source is configured the
// net crypto amount at the market price is included.
func (s *Service) Quote(ctx context.Context, currency string, amount decimal.Decimal) (*FeeQuote, error) {
	cur, err := s.currencies.Lookup(currency)
	if err != nil {
		return nil, err
	}
	pct, err := s.fees.ResolveFee(ctx, currency, amount)
	if err != nil {
		return nil, err
	}

	price := decimal.Zero
	if s.prices != nil {
		if p, err := s.prices.Price(ctx, cur.Code()); err == nil {
			price = p
		}
	}

	q := &FeeQuote{Currency: cur.Code(), AmountUSD: amount, FeePercentage: pct}
	if price.IsPositive() {
		c := fees.Compute(amount, price, pct)
		q.FeeAmount, q.NetAmountUSD = c.FeeAmount, c.NetAmountUSD
		q.NetAmountCrypto, q.ExchangeRate = c.NetAmountCrypto, price
	} else {
		c := fees.Compute(amount, decimal.NewFromInt(1), pct)
		q.FeeAmount, q.NetAmountUSD = c.FeeAmount, c.NetAmountUSD
	}
	return q, nil
}

// CreateRequest is a user's request to exchange fiat for crypto.
type CreateRequest struct {
	UserID        string
	AmountUSD     decimal.Decimal
	Currency      string
	WalletAddress string
	// Price is the USD price per coin the user saw. Net amounts are frozen at it.
	Price decimal.Decimal
}

// Created is a new pending transaction and the link the user pays through.
type Created struct {
	Transaction *domain.ExchangeTransaction
	PaymentLink string
}

// Create validates req, freezes the quote and stores a pending transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, domain.ErrMissingField.Wrapf("user")
	}
	if req.AmountUSD.LessThan(MinimumAmountUSD) {
		return nil, domain.ErrBelowMinimumAmount.Wrapf("minimum is %s USD", MinimumAmountUSD)
	}
	cur, err := s.currencies.Lookup(req.Currency)
	if err != nil {
		return nil, err
	}
	address := strings.TrimSpace(req.WalletAddress)
	if err := cur.ValidateAddress(address); err != nil {
		return nil, err
	}
	if err := s.checkPrice(ctx, cur.Code(), req.Price); err != nil {
		return nil, err
	}

	q, err := s.fees.Quote(ctx, req.Currency, req.AmountUSD, req.Price)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	tx := &domain.ExchangeTransaction{
		TransactionID: s.newID(),
		UserID:        req.UserID,
		AmountUSD:     q.AmountUSD,
		ExchangeRate:  q.ExchangeRate,
		FeePercentage: q.FeePercentage,
		FeeAmount:     q.FeeAmount,
		NetAmountUSD:  q.NetAmountUSD,
		AmountCrypto:  q.NetAmountCrypto,
		Currency:      cur.Code(),
		WalletAddress: address,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.txs.Insert(ctx, tx); err != nil {
		return nil, domain.ErrSystem.Wrap(fmt.Errorf("insert transaction: %w", err))
	}

	s.logger.Info("transaction created",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("user_id", tx.UserID),
		zap.String("currency", tx.Currency.String()),
		zap.String("amount_usd", tx.AmountUSD.String()),
		zap.String("fee_pct", tx.FeePercentage.String()),
		zap.String("amount_crypto", tx.AmountCrypto.String()),
	)
	observability.RecordTransactionCreated(tx.Currency.String())
	s.notify(tx, "", "")

	return &Created{Transaction: tx, PaymentLink: PaymentLink(tx)}, nil
}

// PaymentLink is the payment rail deep link for tx.
func PaymentLink(tx *domain.ExchangeTransaction) string {
	q := url.Values{}
	q.Set("amount", tx.AmountUSD.StringFixed(2))
	q.Set("transaction_id", tx.TransactionID)
	return "cashapp://payment?" + q.Encode()
}

func (s *Service) checkPrice(ctx context.Context, code domain.CurrencyCode, price decimal.Decimal) error {
	if !price.IsPositive() {
		return domain.ErrInvalidPrice.Wrapf("price %s must be positive", price)
	}
	if s.prices == nil {
		return nil
	}
	market, err := s.prices.Price(ctx, code)
	if err == nil && !market.IsPositive() {
		err = fmt.Errorf("non-positive market price %s", market)
	}
	if err != nil {
		s.logger.Warn("market price unavailable, skipping price check", zap.String("currency", code.String()), zap.Error(err))
		return nil
	}
	deviation := price.Sub(market).Abs().Div(market).Mul(decimal.NewFromInt(100))
	if deviation.GreaterThan(s.maxDeviation) {
		return domain.ErrPriceOutOfRange.Wrapf("submitted %s, market %s", price, market)
	}
	return nil
}

// Get returns a transaction. Missing rows are storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*domain.ExchangeTransaction, error) {
	tx, err := s.txs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ListForUser returns a user's transactions, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*domain.ExchangeTransaction, error) {
	return s.txs.ListByUser(ctx, userID, clampLimit(limit))
}

// UserStats returns a user's aggregate totals.
func (s *Service) UserStats(ctx context.Context, userID string) (*domain.UserStats, error) {
	return s.txs.GetUserStats(ctx, userID)
}

// Summary returns ledger-wide totals for operators.
func (s *Service) Summary(ctx context.Context) (*domain.LedgerSummary, error) {
	return s.txs.Summary(ctx)
}

// AdminConfirm forces a pending transaction to completed without running
// verification and records the action in the audit log.
func (s *Service) AdminConfirm(ctx context.Context, adminID, id string) (*domain.ExchangeTransaction, error) {
	err := s.txs.AdminConfirm(ctx, id, s.now().UTC())
	if err != nil {
		return nil, s.conflict(ctx, id, err)
	}

	tx, err := s.txs.GetByID(ctx, id)
	if err != nil {
		return nil, domain.ErrSystem.Wrap(fmt.Errorf("reload transaction: %w", err))
	}

	s.logger.Info("transaction confirmed by admin",
		zap.String("transaction_id", id),
		zap.String("admin_id", adminID),
	)
	observability.RecordCompletion(string(domain.MethodAdmin))
	s.record(ctx, adminID, "confirm_transaction", id, fmt.Sprintf("amount_usd=%s currency=%s", tx.AmountUSD, tx.Currency))
	s.notify(tx, domain.StepAdminConfirmation, "")
	return tx, nil
}

// FeeRules lists rules; an empty currency lists all.
func (s *Service) FeeRules(ctx context.Context, currency string) ([]*domain.FeeRule, error) {
	return s.fees.Rules(ctx, currency)
}

// AddFeeRule stores a rule and audits it.
func (s *Service) AddFeeRule(ctx context.Context, adminID string, rule *domain.FeeRule) error {
	if err := s.fees.AddRule(ctx, rule); err != nil {
		return err
	}
	s.record(ctx, adminID, "add_fee_rule", fmt.Sprintf("%d", rule.ID),
		fmt.Sprintf("%s [%s, %s) %s%%", rule.Currency, rule.Start, rule.End, rule.FeePercentage))
	return nil
}

// DeleteFeeRule removes a rule and audits it.
func (s *Service) DeleteFeeRule(ctx context.Context, adminID string, id int64) error {
	if err := s.fees.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.record(ctx, adminID, "delete_fee_rule", fmt.Sprintf("%d", id), "")
	return nil
}

// AuditLog returns the newest admin actions.
func (s *Service) AuditLog(ctx context.Context, limit int) ([]*domain.AdminAction, error) {
	return s.audit.ListRecent(ctx, clampLimit(limit))
}

// conflict maps a failed ledger transition to the domain error for the
// row's current state.
func (s *Service) conflict(ctx context.Context, id string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return domain.ErrTransactionNotPending.Wrapf("transaction %s not found", id)
	case errors.Is(err, storage.ErrStatusConflict):
		tx, gerr := s.txs.GetByID(ctx, id)
		if gerr == nil && tx.Status.IsTerminal() {
			return domain.ErrTransactionAlreadyFinalized.Wrapf("transaction %s is %s", id, tx.Status)
		}
		if gerr == nil {
			return domain.ErrTransactionNotPending.Wrapf("transaction %s is %s", id, tx.Status)
		}
		return domain.ErrTransactionNotPending.Wrap(err)
	}
	return domain.ErrSystem.Wrap(err)
}

func (s *Service) record(ctx context.Context, adminID, action, target, detail string) {
	if s.audit == nil {
		return
	}
	a := &domain.AdminAction{
		AdminID:   adminID,
		Action:    action,
		Target:    target,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	}
	if err := s.audit.Insert(ctx, a); err != nil {
		s.logger.Error("audit log write failed", zap.String("action", action), zap.String("target", target), zap.Error(err))
	}
}

func (s *Service) notify(tx *domain.ExchangeTransaction, step domain.Step, reason string) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyStatus(domain.StatusChange{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		Status:        tx.Status,
		SettlementRef: tx.SettlementRef,
		Step:          step,
		Reason:        reason,
		At:            s.now().UTC(),
	})
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
