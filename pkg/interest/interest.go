// Package interest answers interested(event) -> set<recipient_id> by
// keeping a reverse index from wallet/market/global keys to recipients,
// with the interface in the leaf package and concrete backends in
// adapters/{memory,redis}.
package interest

import (
	"context"
)

// Key identifies one of the three interest-index partitions.
type Key struct {
	Wallet string
	Market string
	Global bool
}

// GlobalKey is the well-known key recipients subscribe to for broadcasts.
const GlobalKey = "global"

// Index is a set-of-recipients lookup keyed by wallet, market, or the
// global key.
type Index interface {
	// Add associates recipientID with key. Idempotent.
	Add(ctx context.Context, key Key, recipientID string) error

	// Remove disassociates recipientID from key. Idempotent.
	Remove(ctx context.Context, key Key, recipientID string) error

	// Interested returns the deduplicated union of recipients subscribed
	// to wallet, market, or the global key. An empty result is a normal
	// outcome, not a failure.
	Interested(ctx context.Context, wallet, market string) ([]string, error)

	// Close releases any resources held by the index.
	Close() error
}
