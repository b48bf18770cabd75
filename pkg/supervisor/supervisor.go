// Package supervisor is the Supervisor / Lifecycle component: it owns no
// business logic of its own. It starts the rest of the pipeline in
// dependency order, runs the promote_tick/sweep_tick timer goroutines as
// independent scheduled tasks, adapts every component's native Stats into
// pkg/monitoring's Sampler shape, and drives a two-phase graceful
// shutdown: stop the Event Source Adapter and refuse new enqueues, then
// let the Dispatcher drain ready until shutdown_deadline.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/chat"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/dispatcher"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/eventsource"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/interest"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/logger"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/monitoring"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/queue"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/router"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/servicemesh/circuitbreaker"
)

// Config bounds the Supervisor's own timer cadences and shutdown behavior:
// promote_tick, sweep_tick, and a dead-letter expiry tick, plus
// shutdown_deadline for the drain phase.
type Config struct {
	PromoteTick         time.Duration `env:"TIMERS_PROMOTE_TICK" env-default:"100ms"`
	SweepTick           time.Duration `env:"TIMERS_SWEEP_TICK" env-default:"1s"`
	DeadLetterTick      time.Duration `env:"TIMERS_DEAD_LETTER_TICK" env-default:"1m"`
	DeadLetterRetention time.Duration `env:"QUEUE_DEAD_LETTER_RETENTION" env-default:"72h"`
	ShutdownDeadline    time.Duration `env:"SHUTDOWN_DEADLINE" env-default:"30s"`
}

// Supervisor wires and runs every pipeline component.
type Supervisor struct {
	cfg Config

	source     eventsource.Source
	index      interest.Index
	chatClient chat.Sender
	rt         *router.Router
	q          queue.Manager
	dispatcher *dispatcher.Dispatcher
	collector  *monitoring.Collector

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// Collaborators groups every component the Supervisor runs. The queue
// manager, interest index and chat client are built by the caller before
// Run; Run then starts the event source, the router, the dispatcher and the
// monitoring collector, followed by the promote, sweep and dead-letter
// timers.
type Collaborators struct {
	Source     eventsource.Source
	Index      interest.Index
	ChatClient chat.Sender
	Router     *router.Router
	Queue      queue.Manager
	Dispatcher *dispatcher.Dispatcher
	Sink       monitoring.Sink
	Monitoring monitoring.Config
}

// New wires a Supervisor from its collaborators. It does not start anything;
// call Run.
func New(cfg Config, c Collaborators) *Supervisor {
	if cfg.PromoteTick <= 0 {
		cfg.PromoteTick = 100 * time.Millisecond
	}
	if cfg.SweepTick <= 0 {
		cfg.SweepTick = time.Second
	}
	if cfg.DeadLetterTick <= 0 {
		cfg.DeadLetterTick = time.Minute
	}
	if cfg.ShutdownDeadline <= 0 {
		cfg.ShutdownDeadline = 30 * time.Second
	}

	s := &Supervisor{
		cfg:        cfg,
		source:     c.Source,
		index:      c.Index,
		chatClient: c.ChatClient,
		rt:         c.Router,
		q:          c.Queue,
		dispatcher: c.Dispatcher,
		stopCh:     make(chan struct{}),
	}
	s.collector = monitoring.NewCollector(c.Monitoring, s, c.Sink)
	return s
}

// Run starts every component in dependency order and blocks until ctx is
// canceled, at which point it drives the two-phase shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.source.Start(ctx); err != nil {
		return err
	}

	s.rt.Start(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.rt.Run(ctx, s.source.Events())
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drainSourceErrors(ctx)
	}()

	go s.dispatcher.Run(ctx)
	go s.collector.Run(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runPromoteTick(ctx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSweepTick(ctx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runDeadLetterTick(ctx)
	}()

	<-ctx.Done()
	s.shutdown()
	return nil
}

// shutdown runs a two-phase cancel: stop the Event Source Adapter first so
// no new enqueues are admitted, then give the Dispatcher up to
// ShutdownDeadline to drain ready before returning. Anything still
// inflight when the deadline passes is left for sweep_tick to recover on
// the next start.
func (s *Supervisor) shutdown() {
	close(s.stopCh)

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownDeadline)
	defer cancel()
	if err := s.source.Stop(stopCtx); err != nil {
		logger.L().WarnContext(stopCtx, "event source stop failed", "error", err)
	}
	s.rt.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownDeadline)
	defer drainCancel()
	drained := make(chan struct{})
	go func() {
		s.dispatcher.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-drainCtx.Done():
		logger.L().WarnContext(drainCtx, "shutdown deadline exceeded, leaving inflight items for recovery on next start")
	}

	s.collector.Stop()
	s.wg.Wait()

	if err := s.chatClient.Close(); err != nil {
		logger.L().WarnContext(context.Background(), "chat client close failed", "error", err)
	}
	if err := s.index.Close(); err != nil {
		logger.L().WarnContext(context.Background(), "interest index close failed", "error", err)
	}
	if err := s.q.Close(); err != nil {
		logger.L().WarnContext(context.Background(), "queue manager close failed", "error", err)
	}
}

func (s *Supervisor) drainSourceErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case err, ok := <-s.source.Errors():
			if !ok {
				return
			}
			logger.L().WarnContext(ctx, "event source reported non-fatal error", "error", err)
		}
	}
}

func (s *Supervisor) runPromoteTick(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PromoteTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.q.PromoteDue(ctx, time.Now()); err != nil {
				logger.L().ErrorContext(ctx, "promote_tick failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) runSweepTick(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.q.SweepInflight(ctx, time.Now()); err != nil {
				logger.L().ErrorContext(ctx, "sweep_tick failed", "error", err)
			}
		}
	}
}

// runDeadLetterTick expires quarantined entries older than
// DeadLetterRetention unless they were manually requeued. It runs on its
// own, slower cadence since retention is measured in hours rather than
// the sub-second promote/sweep ticks.
func (s *Supervisor) runDeadLetterTick(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DeadLetterTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			n, err := s.q.ExpireDeadLetters(ctx, s.cfg.DeadLetterRetention, time.Now())
			if err != nil {
				logger.L().ErrorContext(ctx, "dead letter expiry failed", "error", err)
				continue
			}
			if n > 0 {
				logger.L().InfoContext(ctx, "expired dead letters past retention", "count", n)
			}
		}
	}
}

// QueueStats implements monitoring.Sampler.
func (s *Supervisor) QueueStats(ctx context.Context) (monitoring.QueueStats, error) {
	ready, err := s.q.Len(ctx)
	if err != nil {
		return monitoring.QueueStats{}, err
	}
	dead, err := s.q.DeadLetterCount(ctx)
	if err != nil {
		return monitoring.QueueStats{}, err
	}
	return monitoring.QueueStats{ReadyAndDelayed: ready, Dead: dead}, nil
}

// EventSourceStats implements monitoring.Sampler.
func (s *Supervisor) EventSourceStats(ctx context.Context) monitoring.EventSourceStats {
	st := s.source.Stats()
	return monitoring.EventSourceStats{
		ParseErrors:    st.ParseErrors,
		ReconnectCount: st.ReconnectCount,
		CircuitOpen:    st.CircuitOpen,
	}
}

// DispatchStats implements monitoring.Sampler.
func (s *Supervisor) DispatchStats(ctx context.Context) monitoring.DispatchStats {
	st := s.dispatcher.Stats()
	return monitoring.DispatchStats{
		Delivered:        st.Delivered,
		FailedTransient:  st.FailedTransient,
		FailedPermanent:  st.FailedPermanent,
		RateLimitRefused: st.RateLimitRefused,
		CircuitOpen:      st.CircuitState == circuitbreaker.StateOpen,
	}
}
