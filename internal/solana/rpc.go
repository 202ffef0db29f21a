// Package solana reads hot wallet balances from a Solana JSON-RPC node.
package solana

import "context"

// BalanceClient reads native SOL balances.
type BalanceClient interface {
	// GetBalance returns the lamport balance of pubkey.
	GetBalance(ctx context.Context, pubkey string) (uint64, error)
}

var _ BalanceClient = (*HTTPClient)(nil)
