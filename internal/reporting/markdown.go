package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	// Header
	sb.WriteString("# Ledger Reconciliation\n\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))

	// Summary
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Status | Count |\n")
	sb.WriteString("|--------|-------|\n")
	for _, c := range r.Summary.StatusCounts {
		sb.WriteString(fmt.Sprintf("| %s | %d |\n", c.Status, c.Count))
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Completed volume: %s USD\n\n", r.Summary.CompletedUSD.StringFixed(2)))
	sb.WriteString(fmt.Sprintf("Fee revenue (listed rows): %s USD\n\n", r.Summary.FeeRevenueUSD.StringFixed(2)))

	if len(r.Summary.CompletedByCrypto) > 0 {
		sb.WriteString("| Currency | Completed Amount |\n")
		sb.WriteString("|----------|------------------|\n")
		for _, v := range r.Summary.CompletedByCrypto {
			sb.WriteString(fmt.Sprintf("| %s | %s |\n", v.Currency, v.Amount.StringFixed(8)))
		}
		sb.WriteString("\n")
	}

	// Integrity
	sb.WriteString("## Integrity\n\n")
	if r.Integrity.AllPassed {
		sb.WriteString("**All rows reconcile.**\n\n")
	}
	if len(r.Integrity.Errors) > 0 {
		sb.WriteString("### Errors\n\n")
		for _, e := range r.Integrity.Errors {
			sb.WriteString(fmt.Sprintf("- %s\n", e))
		}
		sb.WriteString("\n")
	}
	if len(r.Integrity.StaleVerified) > 0 {
		sb.WriteString("### Stuck in verified\n\n")
		for _, id := range r.Integrity.StaleVerified {
			sb.WriteString(fmt.Sprintf("- %s\n", id))
		}
		sb.WriteString("\n")
	}

	// Transactions
	sb.WriteString("## Transactions\n\n")
	if len(r.Transactions) > 0 {
		sb.WriteString("| ID | User | Status | Currency | USD | Fee | Crypto | Settlement | Step |\n")
		sb.WriteString("|----|------|--------|----------|-----|-----|--------|------------|------|\n")
		for _, t := range r.Transactions {
			sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %s | %s | %s | %s |\n",
				t.TransactionID, t.UserID, t.Status, t.Currency,
				t.AmountUSD.StringFixed(2), t.FeeAmount.StringFixed(2), t.AmountCrypto.StringFixed(8),
				t.SettlementRef, t.FailureStep))
		}
	} else {
		sb.WriteString("No transactions.\n")
	}
	sb.WriteString("\n")

	return sb.String()
}
