// Package router is the function composition the component design calls
// out as living "inside the Router": for every upstream Event it asks the
// Interest Index who cares, asks the Template Selector to format a
// Notification for each of them, runs the Preference Filter, and hands
// anything that passes (or is deferred) to the Queue Manager. It owns no
// durable state of its own; everything it touches is a collaborator
// interface from another package.
package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/concurrency"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/errors"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/eventsource"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/interest"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/logger"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/preference"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/queue"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/template"
)

// Config bounds the Router's fan-out concurrency.
type Config struct {
	// FanoutWorkers bounds how many (event, recipient) pairs are processed
	// concurrently. Each worker only does CPU-bound templating plus the
	// Preference Filter's store calls; it never touches the chat client.
	FanoutWorkers int `env:"ROUTER_FANOUT_WORKERS" env-default:"16"`

	// FanoutQueueSize bounds the router's internal work queue before
	// Route starts applying backpressure to the caller.
	FanoutQueueSize int `env:"ROUTER_FANOUT_QUEUE_SIZE" env-default:"2048"`
}

// Stats reports cumulative routing outcomes. The Supervisor's monitoring
// Sampler does not read them, so they are not forwarded as Signals.
type Stats struct {
	EventsRouted     int64
	RecipientsFanned int64
	Enqueued         int64
	Deferred         int64
	DroppedByReason  map[string]int64
	IndexErrors      int64
	EnqueueErrors    int64
}

// Router is the fan-out stage between the Event Source Adapter and the
// Queue Manager.
type Router struct {
	cfg        Config
	index      interest.Index
	profiles   preference.ProfileStore
	filter     *preference.Filter
	queue      queue.Manager
	thresholds template.Thresholds
	pool       *concurrency.WorkerPool

	eventsRouted     atomic.Int64
	recipientsFanned atomic.Int64
	enqueued         atomic.Int64
	deferred         atomic.Int64
	indexErrors      atomic.Int64
	enqueueErrors    atomic.Int64

	droppedMu sync.Mutex
	dropped   map[string]int64
}

// New wires a Router from its collaborators.
func New(cfg Config, index interest.Index, profiles preference.ProfileStore, filter *preference.Filter, q queue.Manager, thresholds template.Thresholds) *Router {
	if cfg.FanoutWorkers <= 0 {
		cfg.FanoutWorkers = 16
	}
	if cfg.FanoutQueueSize <= 0 {
		cfg.FanoutQueueSize = 2048
	}
	return &Router{
		cfg:        cfg,
		index:      index,
		profiles:   profiles,
		filter:     filter,
		queue:      q,
		thresholds: thresholds,
		pool:       concurrency.NewWorkerPool(cfg.FanoutWorkers, cfg.FanoutQueueSize),
		dropped:    make(map[string]int64),
	}
}

// Start launches the fan-out worker pool. ctx bounds the workers' lifetime;
// cancel it (or call Stop) to drain.
func (r *Router) Start(ctx context.Context) {
	r.pool.Start(ctx)
}

// Stop drains the fan-out worker pool, waiting for in-flight (event,
// recipient) work to finish.
func (r *Router) Stop() {
	r.pool.Stop()
}

// Run consumes events until the channel closes or ctx is canceled,
// fanning each one out asynchronously. It never blocks on Route's internal
// work: Submit only blocks when FanoutQueueSize is saturated, which is the
// Router's own deliberate backpressure on the Event Source Adapter,
// distinct from Queue Manager capacity — the Event Source Adapter must
// never be blocked by the queue itself.
func (r *Router) Run(ctx context.Context, events <-chan eventsource.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Route(ctx, ev)
		}
	}
}

// Route fans ev out to every interested recipient asynchronously.
func (r *Router) Route(ctx context.Context, ev eventsource.Event) {
	r.eventsRouted.Add(1)

	recipients, err := r.index.Interested(ctx, ev.SubjectWallet, ev.SubjectMarket)
	if err != nil {
		r.indexErrors.Add(1)
		logger.L().ErrorContext(ctx, "interest index lookup failed, treating as no interested recipients",
			"event_id", ev.EventID, "error", err)
		return
	}

	for _, recipientID := range recipients {
		rid := recipientID
		r.pool.Submit(func(ctx context.Context) {
			r.routeOne(ctx, ev, rid)
		})
	}
}

func (r *Router) routeOne(ctx context.Context, ev eventsource.Event, recipientID string) {
	r.recipientsFanned.Add(1)

	profile, err := r.profiles.Get(ctx, recipientID)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			r.recordDrop("profile_unavailable")
			return
		}
		r.indexErrors.Add(1)
		logger.L().ErrorContext(ctx, "profile lookup failed", "recipient_id", recipientID, "error", err)
		return
	}

	notif, ok := template.Select(ev, profile, r.thresholds, time.Now())
	if !ok {
		r.recordDrop("unknown_event_kind")
		return
	}

	outcome, err := r.filter.Evaluate(ctx, notif, time.Now())
	if err != nil {
		logger.L().ErrorContext(ctx, "preference filter failed", "recipient_id", recipientID, "error", err)
		return
	}

	switch outcome.Decision {
	case preference.DecisionDrop:
		r.recordDrop(outcome.Reason)
		return
	case preference.DecisionDefer:
		notif.ScheduledFor = outcome.DeferUntil
		r.deferred.Add(1)
	case preference.DecisionPass:
		// ScheduledFor stays at notif.CreatedAt (now); the Queue Manager
		// places it straight into the ready set.
	}

	if err := r.queue.Enqueue(ctx, notif); err != nil {
		// On capacity exhaustion the Router drops the pending enqueue and
		// counts it, rather than blocking or erroring back to the Event
		// Source Adapter. Since the Router only ever holds one pending
		// enqueue at a time per fan-out worker, the item that failed to
		// admit is the only one available to drop.
		if errors.Is(err, queue.CodeCapacityExceeded) {
			r.recordDrop("queue_full")
			return
		}
		r.enqueueErrors.Add(1)
		logger.L().ErrorContext(ctx, "enqueue failed", "recipient_id", recipientID, "notif_id", notif.NotifID, "error", err)
		return
	}
	r.enqueued.Add(1)
}

func (r *Router) recordDrop(reason string) {
	r.droppedMu.Lock()
	defer r.droppedMu.Unlock()
	r.dropped[reason]++
}

// Stats snapshots the Router's cumulative counters.
func (r *Router) Stats() Stats {
	r.droppedMu.Lock()
	dropped := make(map[string]int64, len(r.dropped))
	for k, v := range r.dropped {
		dropped[k] = v
	}
	r.droppedMu.Unlock()

	return Stats{
		EventsRouted:     r.eventsRouted.Load(),
		RecipientsFanned: r.recipientsFanned.Load(),
		Enqueued:         r.enqueued.Load(),
		Deferred:         r.deferred.Load(),
		DroppedByReason:  dropped,
		IndexErrors:      r.indexErrors.Load(),
		EnqueueErrors:    r.enqueueErrors.Load(),
	}
}
