// Package idhash computes deterministic identifiers.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeEventID computes a deterministic event_id using SHA256.
// Formula: SHA256(transaction_id|run_id|step|sequence)
// Returns hex-encoded hash (64 characters).
func ComputeEventID(
	transactionID string,
	runID string,
	step string,
	sequence int,
) string {
	data := fmt.Sprintf("%s|%s|%s|%d",
		transactionID,
		runID,
		step,
		sequence,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
