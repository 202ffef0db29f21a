package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderCSV renders ledger rows as CSV string.
func RenderCSV(rows []TransactionRow) string {
	var sb strings.Builder

	// Header
	sb.WriteString("transaction_id,user_id,status,currency,amount_usd,fee_percentage,fee_amount,net_amount_usd,")
	sb.WriteString("exchange_rate,amount_crypto,wallet_address,verification_method,settlement_ref,failure_step,")
	sb.WriteString("created_at,completed_at\n")

	// Rows
	for _, r := range rows {
		completedAt := ""
		if r.CompletedAt != nil {
			completedAt = r.CompletedAt.UTC().Format(time.RFC3339)
		}
		sb.WriteString(fmt.Sprintf("%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s\n",
			r.TransactionID,
			r.UserID,
			r.Status,
			r.Currency,
			r.AmountUSD.StringFixed(2),
			r.FeePercentage.String(),
			r.FeeAmount.StringFixed(2),
			r.NetAmountUSD.StringFixed(2),
			r.ExchangeRate.String(),
			r.AmountCrypto.StringFixed(8),
			r.WalletAddress,
			r.VerificationMethod,
			r.SettlementRef,
			r.FailureStep,
			r.CreatedAt.UTC().Format(time.RFC3339),
			completedAt,
		))
	}

	return sb.String()
}
