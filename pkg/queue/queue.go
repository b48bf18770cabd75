// Package queue is the Queue Manager: a priority- and time-ordered holding
// area between the Preference Filter and the Dispatcher. Items become
// eligible once their scheduled time arrives, are leased out in priority
// order, and move to a dead letter state after exhausting retries.
package queue

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/preference"
)

// Status is the lifecycle state of a QueueItem.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInflight Status = "inflight"
	StatusDead     Status = "dead"
)

// RetryPolicy bounds how failed items are rescheduled.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy mirrors the component's documented defaults.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   time.Second,
	MaxDelay:    5 * time.Minute,
	Multiplier:  2.0,
}

// NextDelay computes the retry backoff for the given attempt count
// (1-indexed: the delay before the first retry uses attempts=1).
func (p RetryPolicy) NextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(p.BaseDelay) * pow(p.Multiplier, attempts-1)
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// QueueItem wraps a Notification with queue-local scheduling state.
type QueueItem struct {
	Notification preference.Notification
	Status       Status
	Score        int64
	EnqueuedAt   time.Time
	LeaseID      string
	LeaseExpiry  time.Time
}

// DeadEntry is a quarantined QueueItem plus why it landed in the dead
// letter state, tracked as a set of (QueueItem, failure-reason) pairs.
type DeadEntry struct {
	Item   QueueItem
	Reason string
	DeadAt time.Time
}

// Score computes the priority ordering key: earlier scheduled times and
// higher priority weights both sort first (lower score dequeues first).
func Score(n preference.Notification) int64 {
	return n.ScheduledFor.UnixMilli() - n.Priority.Weight()*1_000_000
}

// Manager is the Queue Manager's operational surface. Implementations must
// be safe for concurrent use.
type Manager interface {
	// Enqueue admits a notification, rejecting it if the queue is at
	// capacity.
	Enqueue(ctx context.Context, n preference.Notification) error

	// DequeueBatch leases up to max ready items (ScheduledFor <= now),
	// marking them Inflight until Complete, Fail, or lease expiry.
	DequeueBatch(ctx context.Context, max int, leaseDuration time.Duration) ([]QueueItem, error)

	// Complete acknowledges successful delivery, removing the item.
	Complete(ctx context.Context, leaseID string) error

	// Fail reschedules the item per the retry policy, or moves it to the
	// dead letter state with the given reason once MaxAttempts is
	// exhausted.
	Fail(ctx context.Context, leaseID string, policy RetryPolicy, reason string) error

	// PromoteDue moves items whose ScheduledFor has arrived from the delay
	// structure into the ready set and reports how many moved.
	// Implementations whose DequeueBatch already skips items that are not
	// yet due may implement it as a no-op.
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// SweepInflight returns expired leases to Pending so a crashed
	// dispatcher worker doesn't strand items indefinitely.
	SweepInflight(ctx context.Context, now time.Time) (int, error)

	// Release returns a leased item to ready immediately, unchanged and
	// without counting as a failed attempt. Used when a dispatcher leases
	// an item but a rate limiter refuses to send it, so the item is
	// retried on the very next poll instead of waiting out the full lease
	// duration for SweepInflight to reclaim it.
	Release(ctx context.Context, leaseID string) error

	// Len reports the number of items not yet completed or dead.
	Len(ctx context.Context) (int, error)

	// DeadLetterCount reports the number of items currently quarantined in
	// the dead letter state, for Monitoring & Health's queue depth signal.
	DeadLetterCount(ctx context.Context) (int, error)

	// ListDead returns every currently quarantined DeadEntry, for the
	// Ingestion/Command API's manual requeue path.
	ListDead(ctx context.Context) ([]DeadEntry, error)

	// RequeueDead moves a dead-lettered notification back to pending with
	// Attempts reset to 0, scheduled for immediate redelivery.
	RequeueDead(ctx context.Context, notifID string) error

	// ExpireDeadLetters drops dead entries older than retention unless
	// they were manually requeued first.
	ExpireDeadLetters(ctx context.Context, retention time.Duration, now time.Time) (int, error)

	Close() error
}
