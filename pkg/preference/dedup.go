package preference

import "context"

// DedupStore enforces dedup_key uniqueness within a window. CheckAndSet
// must be atomic: at most one caller racing on the same key observes
// duplicate=false.
type DedupStore interface {
	// CheckAndSet reports whether (recipientID, dedupKey) was already seen
	// within window. If not seen, it records it with the store's window as
	// TTL and returns duplicate=false.
	CheckAndSet(ctx context.Context, recipientID, dedupKey string) (duplicate bool, err error)

	Close() error
}
