// Package nats implements eventsource.Source against a NATS subject.
//
// Reconnection backoff and heartbeat detection are grounded on NATS client
// options rather than hand-rolled transport code: PingInterval/
// MaxPingsOutstanding give the ">2x heartbeat" miss detection, and
// CustomReconnectDelay plugs a min(base*2^attempt+U(0,base), max) backoff
// directly into the client's own reconnect loop. The parse-error-ratio
// circuit breaker is driven by this adapter's own monitorWindow loop.
package nats

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	natsio "github.com/nats-io/nats.go"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/eventsource"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/logger"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/servicemesh/circuitbreaker"
)

// Source is the NATS-backed eventsource.Source.
type Source struct {
	cfg eventsource.Config

	conn *natsio.Conn
	sub  *natsio.Subscription

	events chan eventsource.Event
	errs   chan error

	cb *circuitbreaker.CircuitBreaker

	mu          sync.Mutex
	started     bool
	stopped     bool
	connectedAt time.Time
	healthy     atomic.Bool

	reconnectCount atomic.Int64
	bytesReceived  atomic.Int64
	parseErrors    atomic.Int64
	totalFrames    atomic.Int64
	lastMsgAt      atomic.Value // time.Time

	windowParseErrors atomic.Int64
	windowTotal       atomic.Int64

	stopWindow chan struct{}
}

// New creates a NATS event source. Call Start to connect.
func New(cfg eventsource.Config) *Source {
	if cfg.EventsBufferSize <= 0 {
		cfg.EventsBufferSize = 1024
	}
	s := &Source{
		cfg:    cfg,
		events: make(chan eventsource.Event, cfg.EventsBufferSize),
		errs:   make(chan error, cfg.EventsBufferSize),
		cb: circuitbreaker.New("eventsource.nats", circuitbreaker.Options{
			FailureThreshold: 1 << 30, // consecutive-failure trip disabled; ratio loop drives ForceOpen
			SuccessThreshold: 2,
			Timeout:          cfg.CircuitResetTimeout,
			MaxRequests:      1,
		}),
		stopWindow: make(chan struct{}),
	}
	s.lastMsgAt.Store(time.Time{})
	return s
}

func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return eventsource.ErrAlreadyStarted()
	}
	s.started = true
	s.mu.Unlock()

	opts := []natsio.Option{
		natsio.MaxReconnects(-1),
		natsio.PingInterval(s.cfg.HeartbeatInterval),
		natsio.MaxPingsOutstanding(2),
		natsio.CustomReconnectDelay(s.reconnectDelay),
		natsio.DisconnectErrHandler(func(c *natsio.Conn, err error) {
			s.markUnhealthy()
			if err != nil {
				s.emitErr(eventsource.ErrConnectionFailed(err))
			}
		}),
		natsio.ReconnectHandler(func(c *natsio.Conn) {
			s.reconnectCount.Add(1)
			s.markConnected()
		}),
		natsio.ClosedHandler(func(c *natsio.Conn) {
			s.markUnhealthy()
		}),
	}

	conn, err := natsio.Connect(s.cfg.NATSURL, opts...)
	if err != nil {
		return eventsource.ErrConnectionFailed(err)
	}
	s.conn = conn
	s.markConnected()

	sub, err := conn.Subscribe(s.cfg.Subject, s.handleMsg)
	if err != nil {
		conn.Close()
		return eventsource.ErrConnectionFailed(err)
	}
	s.sub = sub

	go s.monitorWindow()
	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return eventsource.ErrNotStarted()
	}
	if s.stopped {
		return nil
	}
	s.stopped = true

	close(s.stopWindow)
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	close(s.events)
	close(s.errs)
	return nil
}

func (s *Source) Stats() eventsource.Stats {
	last, _ := s.lastMsgAt.Load().(time.Time)
	return eventsource.Stats{
		LastMessageAt:  last,
		ReconnectCount: s.reconnectCount.Load(),
		BytesReceived:  s.bytesReceived.Load(),
		ParseErrors:    s.parseErrors.Load(),
		CircuitOpen:    s.cb.State() == circuitbreaker.StateOpen,
	}
}

func (s *Source) Events() <-chan eventsource.Event { return s.events }

func (s *Source) Errors() <-chan error { return s.errs }

func (s *Source) handleMsg(msg *natsio.Msg) {
	s.lastMsgAt.Store(time.Now())
	s.bytesReceived.Add(int64(len(msg.Data)))
	s.totalFrames.Add(1)
	s.windowTotal.Add(1)

	_, err := s.cb.Execute(func() (interface{}, error) {
		var ev eventsource.Event
		if jerr := json.Unmarshal(msg.Data, &ev); jerr != nil {
			return nil, jerr
		}
		return ev, nil
	})

	if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
		return // breaker open, frame discarded
	}
	if err != nil {
		s.parseErrors.Add(1)
		s.windowParseErrors.Add(1)
		s.emitErr(eventsource.ErrParseFailed(err))
		return
	}

	var ev eventsource.Event
	if jerr := json.Unmarshal(msg.Data, &ev); jerr != nil {
		// Should not happen (already validated above), but guard anyway.
		return
	}
	select {
	case s.events <- ev:
	default:
		s.emitErr(eventsource.ErrConnectionFailed(nil))
	}
}

// monitorWindow re-evaluates the parse-error ratio every MonitoringWindow
// and trips the breaker when it exceeds ParseErrorRatioThreshold.
func (s *Source) monitorWindow() {
	ticker := time.NewTicker(s.cfg.MonitoringWindow)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopWindow:
			return
		case <-ticker.C:
			total := s.windowTotal.Swap(0)
			errs := s.windowParseErrors.Swap(0)
			if total == 0 {
				continue
			}
			ratio := float64(errs) / float64(total)
			if ratio > s.cfg.ParseErrorRatioThreshold {
				logger.L().WarnContext(context.Background(), "tripping event source circuit breaker",
					"ratio", ratio, "threshold", s.cfg.ParseErrorRatioThreshold)
				s.cb.ForceOpen()
			}
		}
	}
}

func (s *Source) markConnected() {
	s.connectedAt = time.Now()
	s.healthy.Store(false)
	go func() {
		t := time.NewTimer(s.cfg.HealthyWindow)
		defer t.Stop()
		select {
		case <-t.C:
			if !s.lastMsgAt.Load().(time.Time).IsZero() {
				s.healthy.Store(true)
			}
		case <-s.stopWindow:
		}
	}()
}

func (s *Source) markUnhealthy() {
	s.healthy.Store(false)
}

// reconnectDelay implements min(base*2^attempt + U(0,base), max), resetting
// the effective attempt to zero once the prior connection was healthy.
func (s *Source) reconnectDelay(attempts int) time.Duration {
	effective := attempts
	if s.healthy.Load() {
		effective = 0
	}
	base := s.cfg.ReconnectBaseDelay
	backoff := float64(base) * math.Pow(2, float64(effective))
	backoff += rand.Float64() * float64(base)
	d := time.Duration(backoff)
	if d > s.cfg.ReconnectMaxDelay {
		return s.cfg.ReconnectMaxDelay
	}
	return d
}

func (s *Source) emitErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
