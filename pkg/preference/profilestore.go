package preference

import "context"

// ProfileStore is CRUD over RecipientProfile, backing the Recipient
// Preference API. No per-recipient cache sits above it; every Get reads the
// store.
type ProfileStore interface {
	Get(ctx context.Context, recipientID string) (RecipientProfile, error)
	Put(ctx context.Context, profile RecipientProfile) error
	Delete(ctx context.Context, recipientID string) error
}
