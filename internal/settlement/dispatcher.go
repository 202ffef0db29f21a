// Package settlement moves cryptocurrency to user wallets through the custody service.
package settlement

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cashbridge/internal/custody"
	"cashbridge/internal/domain"
	"cashbridge/internal/logging"
	"cashbridge/internal/observability"
	"cashbridge/internal/solana"
)

// Custody is the subset of the custody API the dispatcher uses.
type Custody interface {
	SendCoins(ctx context.Context, req custody.SendRequest) (*custody.SendResult, error)
	WalletBalance(ctx context.Context, coin, walletID string) (*custody.Balance, error)
}

// Dispatcher sends payouts. It never retries a send.
type Dispatcher struct {
	custody    Custody
	sol        solana.BalanceClient
	currencies *domain.Currencies
	logger     *zap.Logger
}

// Option configures Dispatcher.
type Option func(*Dispatcher)

// WithSolanaRPC reads the SOL balance from the hot wallet on chain instead
// of from the custody API.
func WithSolanaRPC(c solana.BalanceClient) Option {
	return func(d *Dispatcher) {
		d.sol = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(c Custody, currencies *domain.Currencies, opts ...Option) *Dispatcher {
	d := &Dispatcher{custody: c, currencies: currencies}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrNop(d.logger).Named("settlement")
	return d
}

// Send pays amount of currency to address. Every failure is ErrSettlementFailed
// carrying the cause.
func (d *Dispatcher) Send(ctx context.Context, currency, address string, amount decimal.Decimal) (*domain.Dispatch, error) {
	cur, err := d.currencies.Lookup(currency)
	if err != nil {
		return nil, domain.ErrSettlementFailed.Wrap(err)
	}
	if err := cur.ValidateAddress(address); err != nil {
		return nil, domain.ErrSettlementFailed.Wrap(err)
	}

	units := ToBaseUnits(amount, cur.Decimals())
	if !units.IsPositive() {
		return nil, domain.ErrSettlementFailed.Wrapf("amount %s rounds to zero %s base units", amount, cur.Code())
	}

	start := time.Now()
	res, err := d.custody.SendCoins(ctx, custody.SendRequest{
		Coin:      cur.CoinIdentifier(),
		WalletID:  cur.WalletHandle(),
		Address:   address,
		BaseUnits: units,
	})
	observability.RecordDispatch(cur.Code().String(), err, time.Since(start))
	if err != nil {
		d.logger.Warn("send failed",
			zap.String("currency", cur.Code().String()),
			zap.String("amount", amount.String()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, domain.ErrSettlementFailed.Wrap(err)
	}

	d.logger.Info("send accepted",
		zap.String("currency", cur.Code().String()),
		zap.String("amount", amount.String()),
		zap.String("reference", res.Reference()),
		zap.String("status", res.Status),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &domain.Dispatch{Reference: res.Reference(), Status: res.Status}, nil
}

// AvailableBalance returns the spendable payout balance of currency in whole
// coin units. Read failures are ErrCustodyUnavailable.
func (d *Dispatcher) AvailableBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	cur, err := d.currencies.Lookup(currency)
	if err != nil {
		return decimal.Zero, err
	}

	if sol, ok := cur.(domain.Solana); ok && d.sol != nil && sol.HotWallet != "" {
		lamports, err := d.sol.GetBalance(ctx, sol.HotWallet)
		if err != nil {
			return decimal.Zero, domain.ErrCustodyUnavailable.Wrap(err)
		}
		return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -sol.Decimals()), nil
	}

	bal, err := d.custody.WalletBalance(ctx, cur.CoinIdentifier(), cur.WalletHandle())
	if err != nil {
		return decimal.Zero, domain.ErrCustodyUnavailable.Wrap(err)
	}
	return bal.Spendable.Shift(-cur.Decimals()), nil
}

// ToBaseUnits converts a coin amount to whole base units, rounding down so a
// payout never exceeds the frozen amount.
func ToBaseUnits(amount decimal.Decimal, decimals int32) decimal.Decimal {
	return amount.Shift(decimals).Floor()
}
