// Package monitoring is the Monitoring & Health component: it is not in
// the data path. A Collector samples the queue, event source and
// dispatcher stats through a Sampler on metrics_tick, forwards each as a
// Signal to a Sink, and runs the alert rules over those samples.
package monitoring

import (
	"context"
	"sync"
	"time"
)

// SignalKind names one of the signals the pipeline emits.
type SignalKind string

const (
	SignalIngestRate         SignalKind = "ingest_rate"
	SignalDropCount          SignalKind = "drop_count"
	SignalQueueDepthReady    SignalKind = "queue_depth_ready"
	SignalQueueDepthDead     SignalKind = "queue_depth_dead"
	SignalDispatchThroughput SignalKind = "dispatch_throughput"
	SignalDispatchLatency    SignalKind = "dispatch_latency_ms"
	SignalSuccessRate        SignalKind = "success_rate"
	SignalCircuitState       SignalKind = "circuit_state"
	SignalRateLimitRefusal   SignalKind = "rate_limit_refusal"
)

// Signal is one observation of a named metric at a point in time, with
// labels for breakdowns (e.g. drop reason).
type Signal struct {
	Kind   SignalKind
	Labels map[string]string
	Value  float64
	At     time.Time
}

// Severity classifies an Alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a threshold breach raised by the rule engine.
type Alert struct {
	Rule     string
	Severity Severity
	Message  string
	At       time.Time
}

// Sink receives Signals and Alerts. Implementations must be safe for
// concurrent use and must not block the Collector's tick for long.
type Sink interface {
	Observe(ctx context.Context, s Signal)
	Alert(ctx context.Context, a Alert)
}

// QueueStats is the subset of a queue.Manager's state the Collector needs.
// Defined locally (rather than importing pkg/queue) so pkg/monitoring has
// no dependency on the component it watches; Supervisor adapts the real
// queue.Manager into this shape.
type QueueStats struct {
	ReadyAndDelayed int
	Dead            int
}

// EventSourceStats mirrors the subset of eventsource.Stats the rule engine
// inspects.
type EventSourceStats struct {
	ParseErrors    int64
	ReconnectCount int64
	CircuitOpen    bool
}

// DispatchStats mirrors the subset of dispatcher.Stats the rule engine
// inspects.
type DispatchStats struct {
	Delivered        int64
	FailedTransient  int64
	FailedPermanent  int64
	RateLimitRefused int64
	CircuitOpen      bool
}

// Sampler is implemented by Supervisor to give the Collector a point-in-time
// snapshot of the rest of the pipeline without the Collector importing
// every component package directly.
type Sampler interface {
	QueueStats(ctx context.Context) (QueueStats, error)
	EventSourceStats(ctx context.Context) EventSourceStats
	DispatchStats(ctx context.Context) DispatchStats
}

// Config tunes the alert rules, all independently adjustable.
type Config struct {
	MaxQueueSize int `env:"QUEUE_MAX_SIZE" env-default:"100000"`

	// QueueDepthWarnFraction alerts when ready+delayed exceeds this
	// fraction of MaxQueueSize.
	QueueDepthWarnFraction float64 `env:"MONITORING_QUEUE_DEPTH_WARN_FRACTION" env-default:"0.8"`

	// DeadLetterRateThreshold alerts when the fraction of dispatch
	// outcomes landing in FailedPermanent (this tick) exceeds it.
	DeadLetterRateThreshold float64 `env:"MONITORING_DEAD_LETTER_RATE_THRESHOLD" env-default:"0.1"`

	// SuccessRateTarget and ConsecutiveWindowsForAlert implement "success
	// rate below target for N consecutive windows".
	SuccessRateTarget          float64 `env:"MONITORING_SUCCESS_RATE_TARGET" env-default:"0.95"`
	ConsecutiveWindowsForAlert int     `env:"MONITORING_CONSECUTIVE_WINDOWS" env-default:"3"`

	// CircuitOpenAlertAfter fires once a circuit has stayed open longer
	// than this duration.
	CircuitOpenAlertAfter time.Duration `env:"MONITORING_CIRCUIT_OPEN_ALERT_AFTER" env-default:"1m"`

	MetricsTick time.Duration `env:"TIMERS_METRICS_TICK" env-default:"5s"`
}

// Collector drives the alert rule engine on a metrics_tick cadence.
type Collector struct {
	cfg     Config
	sink    Sink
	sampler Sampler

	mu                    sync.Mutex
	consecutiveLowSuccess int
	circuitOpenSince      time.Time
	lastDelivered         int64
	lastFailedTransient   int64
	lastFailedPermanent   int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCollector wires a Collector against a Sampler and a Sink.
func NewCollector(cfg Config, sampler Sampler, sink Sink) *Collector {
	if cfg.MetricsTick <= 0 {
		cfg.MetricsTick = 5 * time.Second
	}
	return &Collector{
		cfg:     cfg,
		sink:    sink,
		sampler: sampler,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Run ticks every MetricsTick until ctx is canceled or Stop is called.
func (c *Collector) Run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.MetricsTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// Stop ends the Collector's run loop.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) tick(ctx context.Context) {
	now := time.Now()

	qs, err := c.sampler.QueueStats(ctx)
	if err == nil {
		c.sink.Observe(ctx, Signal{Kind: SignalQueueDepthReady, Value: float64(qs.ReadyAndDelayed), At: now})
		c.sink.Observe(ctx, Signal{Kind: SignalQueueDepthDead, Value: float64(qs.Dead), At: now})
		c.evaluateQueueDepth(ctx, qs, now)
	}

	es := c.sampler.EventSourceStats(ctx)
	c.sink.Observe(ctx, Signal{Kind: SignalIngestRate, Labels: map[string]string{"metric": "parse_errors"}, Value: float64(es.ParseErrors), At: now})

	ds := c.sampler.DispatchStats(ctx)
	c.sink.Observe(ctx, Signal{Kind: SignalDispatchThroughput, Value: float64(ds.Delivered), At: now})
	c.sink.Observe(ctx, Signal{Kind: SignalRateLimitRefusal, Value: float64(ds.RateLimitRefused), At: now})
	c.evaluateSuccessRate(ctx, ds, now)
	c.evaluateCircuitOpen(ctx, es.CircuitOpen || ds.CircuitOpen, now)
}

func (c *Collector) evaluateQueueDepth(ctx context.Context, qs QueueStats, now time.Time) {
	if c.cfg.MaxQueueSize <= 0 {
		return
	}
	fraction := float64(qs.ReadyAndDelayed) / float64(c.cfg.MaxQueueSize)
	if fraction > c.cfg.QueueDepthWarnFraction {
		c.sink.Alert(ctx, Alert{
			Rule:     "queue_depth_above_fraction",
			Severity: SeverityWarning,
			Message:  "ready+delayed queue depth is above the configured warning fraction of max_queue_size",
			At:       now,
		})
	}
}

func (c *Collector) evaluateSuccessRate(ctx context.Context, ds DispatchStats, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deliveredDelta := ds.Delivered - c.lastDelivered
	transientDelta := ds.FailedTransient - c.lastFailedTransient
	permanentDelta := ds.FailedPermanent - c.lastFailedPermanent
	c.lastDelivered, c.lastFailedTransient, c.lastFailedPermanent = ds.Delivered, ds.FailedTransient, ds.FailedPermanent

	total := deliveredDelta + transientDelta + permanentDelta
	if total <= 0 {
		return
	}

	successRate := float64(deliveredDelta) / float64(total)
	if successRate < c.cfg.SuccessRateTarget {
		c.consecutiveLowSuccess++
	} else {
		c.consecutiveLowSuccess = 0
	}
	c.sink.Observe(ctx, Signal{Kind: SignalSuccessRate, Value: successRate, At: now})

	if permanentDelta > 0 && float64(permanentDelta)/float64(total) > c.cfg.DeadLetterRateThreshold {
		c.sink.Alert(ctx, Alert{
			Rule:     "dead_letter_rate_above_threshold",
			Severity: SeverityWarning,
			Message:  "fraction of dispatch outcomes landing permanently failed exceeds the configured threshold",
			At:       now,
		})
	}

	if c.consecutiveLowSuccess >= c.cfg.ConsecutiveWindowsForAlert {
		c.sink.Alert(ctx, Alert{
			Rule:     "success_rate_below_target",
			Severity: SeverityCritical,
			Message:  "dispatch success rate has been below target for consecutive monitoring windows",
			At:       now,
		})
	}
}

func (c *Collector) evaluateCircuitOpen(ctx context.Context, open bool, now time.Time) {
	state := "closed"
	defer func() {
		c.sink.Observe(ctx, Signal{Kind: SignalCircuitState, Labels: map[string]string{"state": state}, Value: boolToFloat(open), At: now})
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !open {
		c.circuitOpenSince = time.Time{}
		return
	}
	state = "open"
	if c.circuitOpenSince.IsZero() {
		c.circuitOpenSince = now
		return
	}
	if now.Sub(c.circuitOpenSince) > c.cfg.CircuitOpenAlertAfter {
		c.sink.Alert(ctx, Alert{
			Rule:     "circuit_open_too_long",
			Severity: SeverityCritical,
			Message:  "a circuit breaker has been open longer than the configured alert threshold",
			At:       now,
		})
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
