package supervisor

import (
	"context"
	"testing"
	"time"

	chatmemory "github.com/chris-alexander-pop/notification-pipeline/pkg/chat/adapters/memory"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/dispatcher"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/eventsource"
	eventsourcememory "github.com/chris-alexander-pop/notification-pipeline/pkg/eventsource/adapters/memory"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/interest"
	interestmemory "github.com/chris-alexander-pop/notification-pipeline/pkg/interest/adapters/memory"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/monitoring"
	monitoringmemory "github.com/chris-alexander-pop/notification-pipeline/pkg/monitoring/adapters/memory"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/preference"
	dedupmemory "github.com/chris-alexander-pop/notification-pipeline/pkg/preference/adapters/dedup/memory"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/preference/adapters/profilecache"
	cachememory "github.com/chris-alexander-pop/notification-pipeline/pkg/cache/adapters/memory"
	queuememory "github.com/chris-alexander-pop/notification-pipeline/pkg/queue/adapters/memory"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/router"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/template"
)

// buildTestSupervisor wires every collaborator from in-memory adapters, the
// way a fast unit test exercises the pipeline without any network
// dependency.
func buildTestSupervisor(t *testing.T) (*Supervisor, *eventsourcememory.Source, *chatmemory.Sender, preference.ProfileStore) {
	t.Helper()

	source := eventsourcememory.New(16)
	index := interestmemory.New()
	chatSender := chatmemory.New()
	q := queuememory.New(0)
	profiles := profilecache.New(cachememory.New())
	dedup := dedupmemory.New(time.Minute)
	filter := preference.NewFilter(profiles, dedup, nil, 0, 0)

	rt := router.New(router.Config{}, index, profiles, filter, q, template.DefaultThresholds)
	d := dispatcher.New(dispatcher.Config{
		MaxConcurrentDispatch: 4,
		PollInterval:          10 * time.Millisecond,
		BatchSize:             8,
		LeaseDuration:         time.Second,
		GlobalRatePerSec:      1000,
		GlobalBurst:           1000,
		RecipientRatePerSec:   1000,
		RecipientBurst:        1000,
	}, q, chatSender)
	sink := monitoringmemory.New()

	sup := New(Config{
		PromoteTick:    5 * time.Millisecond,
		SweepTick:      50 * time.Millisecond,
		DeadLetterTick: time.Hour,
	}, Collaborators{
		Source:     source,
		Index:      index,
		ChatClient: chatSender,
		Router:     rt,
		Queue:      q,
		Dispatcher: d,
		Sink:       sink,
		Monitoring: monitoring.Config{MetricsTick: 50 * time.Millisecond},
	})

	return sup, source, chatSender, profiles
}

func TestRunDeliversPublishedEventEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sup, source, chatSender, profiles := buildTestSupervisor(t)

	if err := profiles.Put(ctx, preference.RecipientProfile{
		RecipientID:    "r1",
		Enabled:        true,
		TrackedWallets: map[string]bool{"wallet-1": true},
	}); err != nil {
		t.Fatalf("put profile: %v", err)
	}
	if err := sup.index.Add(ctx, interest.Key{Wallet: "wallet-1"}, "r1"); err != nil {
		t.Fatalf("add interest: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	publishDeadline := time.After(2 * time.Second)
	for {
		err := source.Publish(eventsource.Event{
			EventID:       "e1",
			Kind:          eventsource.KindTransaction,
			OccurredAt:    time.Now(),
			SubjectWallet: "wallet-1",
			Payload:       map[string]interface{}{"amount": 5000.0},
		})
		if err == nil {
			break
		}
		select {
		case <-publishDeadline:
			t.Fatalf("timed out waiting for source to start: %v", err)
		case <-time.After(5 * time.Millisecond):
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(chatSender.SentMessages()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for message delivery")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}

func TestShutdownReturnsPromptlyWithNoTraffic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sup, _, _, _ := buildTestSupervisor(t)

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}

func TestSamplerAdaptersReflectCollaboratorState(t *testing.T) {
	ctx := context.Background()
	sup, _, _, _ := buildTestSupervisor(t)

	qs, err := sup.QueueStats(ctx)
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if qs.ReadyAndDelayed != 0 || qs.Dead != 0 {
		t.Fatalf("expected empty queue stats, got %+v", qs)
	}

	es := sup.EventSourceStats(ctx)
	if es.ReconnectCount != 0 {
		t.Fatalf("expected zero reconnects on a fresh source, got %+v", es)
	}

	ds := sup.DispatchStats(ctx)
	if ds.Delivered != 0 || ds.CircuitOpen {
		t.Fatalf("expected idle dispatch stats, got %+v", ds)
	}
}
