package router

import (
	"context"
	"testing"
	"time"

	interestmem "github.com/chris-alexander-pop/notification-pipeline/pkg/interest/adapters/memory"
	dedupmem "github.com/chris-alexander-pop/notification-pipeline/pkg/preference/adapters/dedup/memory"
	profilemem "github.com/chris-alexander-pop/notification-pipeline/pkg/preference/adapters/profilecache"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/cache/adapters/memory"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/eventsource"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/interest"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/preference"
	queuemem "github.com/chris-alexander-pop/notification-pipeline/pkg/queue/adapters/memory"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/template"
)

func newTestRouter(t *testing.T) (*Router, *interestmem.Index, preference.ProfileStore, *queuemem.Manager) {
	t.Helper()

	idx := interestmem.New()
	profiles := profilemem.New(memory.New())
	dedup := dedupmem.New(time.Minute)
	filter := preference.NewFilter(profiles, dedup, nil, 0, 0)
	q := queuemem.New(1000)

	r := New(Config{FanoutWorkers: 2, FanoutQueueSize: 32}, idx, profiles, filter, q, template.DefaultThresholds)
	return r, idx, profiles, q
}

func TestRouteFanOutToInterestedRecipients(t *testing.T) {
	ctx := context.Background()
	r, idx, profiles, q := newTestRouter(t)
	r.Start(ctx)
	defer r.Stop()

	if err := idx.Add(ctx, interest.Key{Wallet: "W1"}, "r1"); err != nil {
		t.Fatalf("add r1: %v", err)
	}
	if err := idx.Add(ctx, interest.Key{Wallet: "W1"}, "r2"); err != nil {
		t.Fatalf("add r2: %v", err)
	}

	for _, rid := range []string{"r1", "r2"} {
		profile := preference.RecipientProfile{
			RecipientID:    rid,
			Enabled:        true,
			TrackedWallets: map[string]bool{"W1": true},
		}
		if err := profiles.Put(ctx, profile); err != nil {
			t.Fatalf("put profile: %v", err)
		}
	}

	ev := eventsource.Event{
		EventID:       "e1",
		Kind:          eventsource.KindTransaction,
		SubjectWallet: "W1",
		Payload:       map[string]interface{}{"amount": 5000.0},
	}
	r.Route(ctx, ev)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n, _ := q.Len(ctx)
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 enqueued notifications, got %d", n)
	}
}

func TestRouteDropsWhenRecipientNotInterested(t *testing.T) {
	ctx := context.Background()
	r, idx, profiles, q := newTestRouter(t)
	r.Start(ctx)
	defer r.Stop()

	if err := idx.Add(ctx, interest.Key{Wallet: "W1"}, "r1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := profiles.Put(ctx, preference.RecipientProfile{
		RecipientID: "r1",
		Enabled:     true,
		// No tracked wallets and no global opt-in: subject_wallet present
		// but untracked means the relevance stage must drop it.
	}); err != nil {
		t.Fatalf("put profile: %v", err)
	}

	ev := eventsource.Event{
		EventID:       "e1",
		Kind:          eventsource.KindTransaction,
		SubjectWallet: "W1",
		Payload:       map[string]interface{}{"amount": 5000.0},
	}
	r.Route(ctx, ev)

	time.Sleep(50 * time.Millisecond)

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing enqueued, got %d", n)
	}

	stats := r.Stats()
	if stats.DroppedByReason["recipient does not track subject wallet"] != 1 {
		t.Fatalf("expected one relevance drop, got %+v", stats.DroppedByReason)
	}
}

func TestRouteHandlesEmptyInterestIndex(t *testing.T) {
	ctx := context.Background()
	r, _, _, q := newTestRouter(t)
	r.Start(ctx)
	defer r.Stop()

	ev := eventsource.Event{EventID: "e1", Kind: eventsource.KindTransaction, SubjectWallet: "unknown"}
	r.Route(ctx, ev)

	time.Sleep(20 * time.Millisecond)
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no enqueue for an event with no interested recipients, got %d", n)
	}
	if r.Stats().EventsRouted != 1 {
		t.Fatalf("expected EventsRouted=1, got %d", r.Stats().EventsRouted)
	}
}
