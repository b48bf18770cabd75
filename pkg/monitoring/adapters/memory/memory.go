// Package memory implements monitoring.Sink in-process, for tests and for
// exercising the Collector's alert rules without a Prometheus registry.
package memory

import (
	"context"
	"sync"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/monitoring"
)

// Sink records every Signal and Alert it receives, for assertions in tests.
type Sink struct {
	mu      sync.Mutex
	signals []monitoring.Signal
	alerts  []monitoring.Alert
}

// New creates an empty in-memory Sink.
func New() *Sink {
	return &Sink{}
}

func (s *Sink) Observe(ctx context.Context, sig monitoring.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
}

func (s *Sink) Alert(ctx context.Context, a monitoring.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

// Signals returns a copy of every Signal observed so far.
func (s *Sink) Signals() []monitoring.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]monitoring.Signal, len(s.signals))
	copy(out, s.signals)
	return out
}

// Alerts returns a copy of every Alert raised so far.
func (s *Sink) Alerts() []monitoring.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]monitoring.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}
