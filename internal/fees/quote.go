package fees

import (
	"github.com/shopspring/decimal"

	"cashbridge/internal/domain"
)

// Quote is the pricing of one exchange, frozen onto the ledger row at creation.
type Quote struct {
	AmountUSD       decimal.Decimal
	ExchangeRate    decimal.Decimal
	FeePercentage   decimal.Decimal
	FeeAmount       decimal.Decimal
	NetAmountUSD    decimal.Decimal
	NetAmountCrypto decimal.Decimal
}

// Compute prices amount at price with pct percent taken as fee.
// Net crypto is rounded half away from zero to domain.CryptoPrecision places.
// price must be positive.
func Compute(amount, price, pct decimal.Decimal) Quote {
	fee := amount.Mul(pct).Div(hundred)
	net := amount.Sub(fee)
	return Quote{
		AmountUSD:       amount,
		ExchangeRate:    price,
		FeePercentage:   pct,
		FeeAmount:       fee,
		NetAmountUSD:    net,
		NetAmountCrypto: net.DivRound(price, domain.CryptoPrecision),
	}
}
