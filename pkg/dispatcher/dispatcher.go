// Package dispatcher is the final hop: it drains the Queue Manager,
// enforces global and per-recipient send rates, coalesces bursts into
// summaries, and sends through a chat.Sender behind a circuit breaker,
// classifying each outcome back into the Queue Manager's retry machinery.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/chat"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/concurrency"
	appErrors "github.com/chris-alexander-pop/notification-pipeline/pkg/errors"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/logger"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/queue"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/servicemesh/circuitbreaker"
)

// Config bounds the Dispatcher's throughput and resilience behavior.
type Config struct {
	MaxConcurrentDispatch int           `env:"DISPATCHER_MAX_CONCURRENT" env-default:"16"`
	PollInterval          time.Duration `env:"DISPATCHER_POLL_INTERVAL" env-default:"100ms"`
	BatchSize             int           `env:"DISPATCHER_BATCH_SIZE" env-default:"32"`
	LeaseDuration         time.Duration `env:"DISPATCHER_LEASE_DURATION" env-default:"30s"`

	GlobalRatePerSec    float64 `env:"DISPATCHER_GLOBAL_RATE" env-default:"50"`
	GlobalBurst         int     `env:"DISPATCHER_GLOBAL_BURST" env-default:"100"`
	RecipientRatePerSec float64 `env:"DISPATCHER_RECIPIENT_RATE" env-default:"1"`
	RecipientBurst      int     `env:"DISPATCHER_RECIPIENT_BURST" env-default:"3"`

	CoalesceThreshold int `env:"DISPATCHER_COALESCE_THRESHOLD" env-default:"5"`

	BreakerFailureThreshold int           `env:"DISPATCHER_BREAKER_FAILURES" env-default:"5"`
	BreakerSuccessThreshold int           `env:"DISPATCHER_BREAKER_SUCCESSES" env-default:"2"`
	BreakerMaxRequests      int           `env:"DISPATCHER_BREAKER_MAX_REQUESTS" env-default:"1"`
	BreakerBaseTimeout      time.Duration `env:"DISPATCHER_BREAKER_BASE_TIMEOUT" env-default:"5s"`
	BreakerMaxTimeout       time.Duration `env:"DISPATCHER_BREAKER_MAX_TIMEOUT" env-default:"5m"`

	Retry queue.RetryPolicy
}

// Dispatcher drains a queue.Manager and delivers notifications through a
// chat.Sender.
type Dispatcher struct {
	cfg     Config
	queue   queue.Manager
	sender  chat.Sender
	breaker *adaptiveBreaker

	global *rate.Limiter

	recipientMu sync.Mutex
	recipients  map[string]*rate.Limiter

	sem *concurrency.Semaphore

	recipientLocksMu sync.Mutex
	recipientLocks   map[string]*sync.Mutex

	delivered        atomic.Int64
	failedTransient  atomic.Int64
	failedPermanent  atomic.Int64
	rateLimitRefused atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Stats reports the Dispatcher's cumulative throughput counters, consumed
// by Monitoring & Health.
type Stats struct {
	Delivered        int64
	FailedTransient  int64
	FailedPermanent  int64
	RateLimitRefused int64
	CircuitState     circuitbreaker.State
}

// Stats snapshots the Dispatcher's counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered:        d.delivered.Load(),
		FailedTransient:  d.failedTransient.Load(),
		FailedPermanent:  d.failedPermanent.Load(),
		RateLimitRefused: d.rateLimitRefused.Load(),
		CircuitState:     d.breaker.State(),
	}
}

// New wires a Dispatcher against a queue.Manager to drain and a chat.Sender
// to deliver through.
func New(cfg Config, q queue.Manager, sender chat.Sender) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		queue:  q,
		sender: sender,
		breaker: newAdaptiveBreaker(
			cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerMaxRequests,
			cfg.BreakerBaseTimeout, cfg.BreakerMaxTimeout,
		),
		global:         rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSec), cfg.GlobalBurst),
		recipients:     make(map[string]*rate.Limiter),
		sem:            concurrency.NewSemaphore(int64(cfg.MaxConcurrentDispatch)),
		recipientLocks: make(map[string]*sync.Mutex),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

func (d *Dispatcher) recipientLimiter(recipientID string) *rate.Limiter {
	d.recipientMu.Lock()
	defer d.recipientMu.Unlock()

	l, ok := d.recipients[recipientID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.cfg.RecipientRatePerSec), d.cfg.RecipientBurst)
		d.recipients[recipientID] = l
	}
	return l
}

// recipientLock returns the mutex a recipient's groups must hold while
// dispatching, so at most one send for that recipient is ever in flight
// at a time, across both the same tick's groups and overlapping ticks.
func (d *Dispatcher) recipientLock(recipientID string) *sync.Mutex {
	d.recipientLocksMu.Lock()
	defer d.recipientLocksMu.Unlock()

	l, ok := d.recipientLocks[recipientID]
	if !ok {
		l = &sync.Mutex{}
		d.recipientLocks[recipientID] = l
	}
	return l
}

// Run polls the Queue Manager and dispatches batches until ctx is canceled
// or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-d.stopCh:
			wg.Wait()
			return
		case <-ticker.C:
			items, err := d.queue.DequeueBatch(ctx, d.cfg.BatchSize, d.cfg.LeaseDuration)
			if err != nil {
				logger.L().ErrorContext(ctx, "dequeue batch failed", "error", err)
				continue
			}
			if len(items) == 0 {
				continue
			}
			for _, groups := range coalesce(items, d.cfg.CoalesceThreshold) {
				rg := groups
				wg.Add(1)
				go func() {
					defer wg.Done()
					d.dispatchRecipient(ctx, rg)
				}()
			}
		}
	}
}

// Stop signals Run to finish its in-flight work and return.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

// group is one or more QueueItems for the same recipient, coalesced into a
// single send when the batch exceeded the coalesce threshold.
type group struct {
	recipientID string
	items       []queue.QueueItem
}

// recipientGroups is one recipient's ordered groups from a single poll,
// still in the priority order DequeueBatch leased them in.
type recipientGroups struct {
	recipientID string
	groups      []group
}

func coalesce(items []queue.QueueItem, threshold int) []recipientGroups {
	byRecipient := make(map[string][]queue.QueueItem)
	order := make([]string, 0)
	for _, it := range items {
		if _, ok := byRecipient[it.Notification.RecipientID]; !ok {
			order = append(order, it.Notification.RecipientID)
		}
		byRecipient[it.Notification.RecipientID] = append(byRecipient[it.Notification.RecipientID], it)
	}

	out := make([]recipientGroups, 0, len(order))
	for _, rid := range order {
		items := byRecipient[rid]
		if threshold > 0 && len(items) > threshold {
			out = append(out, recipientGroups{recipientID: rid, groups: []group{{recipientID: rid, items: items}}})
			continue
		}
		groups := make([]group, 0, len(items))
		for _, it := range items {
			groups = append(groups, group{recipientID: rid, items: []queue.QueueItem{it}})
		}
		out = append(out, recipientGroups{recipientID: rid, groups: groups})
	}
	return out
}

// dispatchRecipient holds the recipient's lock for the whole call so at
// most one send for this recipient is ever in flight, across both this
// tick's groups and any still-running goroutine from a previous tick. Groups
// run in the priority order DequeueBatch leased them in.
func (d *Dispatcher) dispatchRecipient(ctx context.Context, rg recipientGroups) {
	lock := d.recipientLock(rg.recipientID)
	lock.Lock()
	defer lock.Unlock()

	for _, g := range rg.groups {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		d.dispatchGroup(ctx, g)
		d.sem.Release(1)
	}
}

// dispatchGroup checks both token buckets without blocking: a refusal is
// not a failure, it releases the group's items back to ready immediately
// so they are retried on the dispatcher's next poll rather than waiting
// out the full lease duration.
func (d *Dispatcher) dispatchGroup(ctx context.Context, g group) {
	if !d.global.Allow() || !d.recipientLimiter(g.recipientID).Allow() {
		d.rateLimitRefused.Add(int64(len(g.items)))
		d.releaseGroup(ctx, g)
		return
	}

	msg := buildMessage(g)
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.sender.Send(ctx, msg)
	})

	for _, it := range g.items {
		d.resolve(ctx, it, err)
	}
}

func (d *Dispatcher) releaseGroup(ctx context.Context, g group) {
	for _, it := range g.items {
		if err := d.queue.Release(ctx, it.LeaseID); err != nil {
			logger.L().WarnContext(ctx, "release failed", "lease_id", it.LeaseID, "error", err)
		}
	}
}

func buildMessage(g group) *chat.Message {
	if len(g.items) == 1 {
		n := g.items[0].Notification
		return &chat.Message{UserID: g.recipientID, Text: fmt.Sprintf("%s\n%s", n.Title, n.Body)}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d notifications:\n", len(g.items))
	ids := make([]string, 0, len(g.items))
	for _, it := range g.items {
		fmt.Fprintf(&b, "- %s: %s\n", it.Notification.Title, it.Notification.Body)
		ids = append(ids, it.Notification.NotifID)
	}
	return &chat.Message{
		UserID: g.recipientID,
		Text:   b.String(),
		Tags:   map[string]string{"summarized_ids": strings.Join(ids, ",")},
	}
}

func (d *Dispatcher) resolve(ctx context.Context, item queue.QueueItem, sendErr error) {
	switch classify(sendErr) {
	case outcomeOK:
		d.delivered.Add(1)
		if err := d.queue.Complete(ctx, item.LeaseID); err != nil {
			logger.L().WarnContext(ctx, "complete failed", "lease_id", item.LeaseID, "error", err)
		}
	case outcomeTransient:
		d.failedTransient.Add(1)
		if err := d.queue.Fail(ctx, item.LeaseID, d.cfg.Retry, "transient_send_failure"); err != nil {
			logger.L().WarnContext(ctx, "fail failed", "lease_id", item.LeaseID, "error", err)
		}
	case outcomePermanent:
		d.failedPermanent.Add(1)
		// Permanent failures go through Fail with MaxAttempts 1, so the
		// first failure moves the item straight to dead with no retry.
		if err := d.queue.Fail(ctx, item.LeaseID, queue.RetryPolicy{MaxAttempts: 1}, "permanent_send_failure"); err != nil {
			logger.L().WarnContext(ctx, "fail failed", "lease_id", item.LeaseID, "error", err)
		}
	}
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeTransient
	outcomePermanent
)

func classify(err error) outcome {
	if err == nil {
		return outcomeOK
	}
	if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
		return outcomeTransient
	}
	switch {
	case appErrors.Is(err, appErrors.CodeInvalidArg), appErrors.Is(err, appErrors.CodeForbidden):
		return outcomePermanent
	default:
		return outcomeTransient
	}
}

// CircuitState exposes the breaker's state for health reporting.
func (d *Dispatcher) CircuitState() circuitbreaker.State {
	return d.breaker.State()
}
