package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/chat"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/preference"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/queue"
	queuememory "github.com/chris-alexander-pop/notification-pipeline/pkg/queue/adapters/memory"
)

// trackingSender records, per recipient, the highest number of Send calls
// observed in flight at once, so tests can assert serialization without
// depending on wall-clock ticker timing.
type trackingSender struct {
	mu        sync.Mutex
	active    map[string]int
	maxActive map[string]int
	sent      int
}

func newTrackingSender() *trackingSender {
	return &trackingSender{active: make(map[string]int), maxActive: make(map[string]int)}
}

func (s *trackingSender) Send(ctx context.Context, msg *chat.Message) error {
	s.mu.Lock()
	s.active[msg.UserID]++
	if s.active[msg.UserID] > s.maxActive[msg.UserID] {
		s.maxActive[msg.UserID] = s.active[msg.UserID]
	}
	s.sent++
	s.mu.Unlock()

	time.Sleep(15 * time.Millisecond)

	s.mu.Lock()
	s.active[msg.UserID]--
	s.mu.Unlock()
	return nil
}

func (s *trackingSender) Close() error { return nil }

func (s *trackingSender) maxActiveFor(recipientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive[recipientID]
}

func testNotif(recipientID, notifID string) preference.Notification {
	return preference.Notification{
		NotifID:      notifID,
		RecipientID:  recipientID,
		Priority:     preference.PriorityMedium,
		ScheduledFor: time.Now(),
	}
}

func testConfig() Config {
	return Config{
		MaxConcurrentDispatch:   8,
		BatchSize:               16,
		LeaseDuration:           time.Minute,
		GlobalRatePerSec:        1000,
		GlobalBurst:             1000,
		RecipientRatePerSec:     1000,
		RecipientBurst:          1000,
		CoalesceThreshold:       5,
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerMaxRequests:      1,
		BreakerBaseTimeout:      5 * time.Second,
		BreakerMaxTimeout:       5 * time.Minute,
	}
}

// TestDispatchRecipientSerializesConcurrentBatches covers the maintainer
// finding that two groups for the same recipient could be dispatched as
// concurrent goroutines, racing and breaking per-recipient send order.
func TestDispatchRecipientSerializesConcurrentBatches(t *testing.T) {
	ctx := context.Background()
	q := queuememory.New(0)
	if err := q.Enqueue(ctx, testNotif("r1", "n1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, testNotif("r1", "n2")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	batch, err := q.DequeueBatch(ctx, 10, time.Minute)
	if err != nil || len(batch) != 2 {
		t.Fatalf("dequeue: %d items err=%v", len(batch), err)
	}

	sender := newTrackingSender()
	d := New(testConfig(), q, sender)

	rg1 := recipientGroups{recipientID: "r1", groups: []group{{recipientID: "r1", items: []queue.QueueItem{batch[0]}}}}
	rg2 := recipientGroups{recipientID: "r1", groups: []group{{recipientID: "r1", items: []queue.QueueItem{batch[1]}}}}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); d.dispatchRecipient(ctx, rg1) }()
	go func() { defer wg.Done(); d.dispatchRecipient(ctx, rg2) }()
	wg.Wait()

	if max := sender.maxActiveFor("r1"); max > 1 {
		t.Fatalf("expected at most 1 concurrent send for a single recipient, observed %d", max)
	}
	if got := d.Stats().Delivered; got != 2 {
		t.Fatalf("expected both items delivered, got %d", got)
	}
}

// TestDispatchGroupReleasesOnRateLimitRefusal covers the maintainer finding
// that a token-bucket refusal left leased items stranded in inflight for
// the full lease duration instead of being retried on the next poll.
func TestDispatchGroupReleasesOnRateLimitRefusal(t *testing.T) {
	ctx := context.Background()
	q := queuememory.New(0)
	if err := q.Enqueue(ctx, testNotif("r1", "n1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	batch, err := q.DequeueBatch(ctx, 10, time.Minute)
	if err != nil || len(batch) != 1 {
		t.Fatalf("dequeue: %d items err=%v", len(batch), err)
	}

	cfg := testConfig()
	cfg.RecipientRatePerSec = 0
	cfg.RecipientBurst = 0
	sender := newTrackingSender()
	d := New(cfg, q, sender)

	d.dispatchGroup(ctx, group{recipientID: "r1", items: batch})

	if got := d.Stats().RateLimitRefused; got != 1 {
		t.Fatalf("expected 1 refused send, got %d", got)
	}
	if sender.sent != 0 {
		t.Fatalf("expected no send attempt while refused, got %d", sender.sent)
	}

	redelivered, err := q.DequeueBatch(ctx, 10, time.Minute)
	if err != nil || len(redelivered) != 1 {
		t.Fatalf("expected refused item immediately back in ready, got %d err=%v", len(redelivered), err)
	}
	if redelivered[0].Notification.Attempts != 0 {
		t.Fatalf("expected release not to count as an attempt, got %d", redelivered[0].Notification.Attempts)
	}
}

func TestCoalesceGroupsByRecipientPreservingOrder(t *testing.T) {
	items := []queue.QueueItem{
		{Notification: preference.Notification{RecipientID: "r1", NotifID: "a"}},
		{Notification: preference.Notification{RecipientID: "r2", NotifID: "b"}},
		{Notification: preference.Notification{RecipientID: "r1", NotifID: "c"}},
	}

	out := coalesce(items, 5)
	if len(out) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(out))
	}
	if out[0].recipientID != "r1" || out[1].recipientID != "r2" {
		t.Fatalf("expected recipients in first-seen order, got %v, %v", out[0].recipientID, out[1].recipientID)
	}
	if len(out[0].groups) != 2 {
		t.Fatalf("expected r1's two items kept as separate groups below threshold, got %d", len(out[0].groups))
	}
	if out[0].groups[0].items[0].Notification.NotifID != "a" || out[0].groups[1].items[0].Notification.NotifID != "c" {
		t.Fatalf("expected r1's groups to preserve lease order a, c")
	}
}

func TestCoalesceMergesAboveThresholdIntoOneGroup(t *testing.T) {
	items := make([]queue.QueueItem, 0, 6)
	for i := 0; i < 6; i++ {
		items = append(items, queue.QueueItem{Notification: preference.Notification{RecipientID: "r1", NotifID: "n"}})
	}

	out := coalesce(items, 5)
	if len(out) != 1 || len(out[0].groups) != 1 {
		t.Fatalf("expected a single coalesced group once threshold is exceeded, got %+v", out)
	}
	if len(out[0].groups[0].items) != 6 {
		t.Fatalf("expected all 6 items coalesced together, got %d", len(out[0].groups[0].items))
	}
}
