// Package transport declares the network capabilities the delivery core
// consumes. Adapters live in the rpc and relay subpackages.
package transport

import (
	"context"

	"txrelay/internal/txn"
)

// Sender submits signed transactions to a node. Implementations must submit
// with preflight checks skipped and node-side retries disabled; the caller
// owns resubmission.
type Sender interface {
	// SendRaw submits legacy wire bytes.
	SendRaw(ctx context.Context, raw []byte) (string, error)
	// Send submits a versioned transaction.
	Send(ctx context.Context, tx txn.Signed) (string, error)
}

// Relay is an optional best-effort side channel. Its result is never
// authoritative.
type Relay interface {
	Relay(ctx context.Context, raw []byte) error
}

// StatusReader looks up confirmation state of submitted transactions.
type StatusReader interface {
	SignatureStatuses(ctx context.Context, ids []string) ([]SignatureStatus, error)
}

// SignatureStatus is nil-safe: Found is false when the node has not seen the
// transaction yet.
type SignatureStatus struct {
	Found              bool
	Slot               uint64
	Confirmations      *uint64
	ConfirmationStatus string
	// Err is the on-chain execution error, if any.
	Err any
}

// Confirmed reports whether the node considers the transaction landed at
// confirmed or finalized commitment.
func (s SignatureStatus) Confirmed() bool {
	if !s.Found {
		return false
	}
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized"
}

// Failed reports whether the transaction landed with an execution error.
func (s SignatureStatus) Failed() bool { return s.Found && s.Err != nil }

// Send dispatches tx through the Sender method matching its wire format.
func Send(ctx context.Context, s Sender, tx txn.Signed) (string, error) {
	if tx.Versioned {
		return s.Send(ctx, tx)
	}
	return s.SendRaw(ctx, tx.Raw)
}
