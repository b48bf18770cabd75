// Package memory provides an in-memory eventsource.Source for tests and for
// manually-produced events (the Ingestion/Command API's enqueue path).
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/errors"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/eventsource"
)

// Source is a controllable eventsource.Source backed by an in-process
// channel. Tests call Publish to inject events.
type Source struct {
	mu      sync.Mutex
	started bool
	stopped bool

	events chan eventsource.Event
	errs   chan error

	ingestSeq uint64
	lastMsgAt atomic.Value // time.Time
}

// New creates a memory event source with the given buffer size.
func New(bufferSize int) *Source {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Source{
		events: make(chan eventsource.Event, bufferSize),
		errs:   make(chan error, bufferSize),
	}
}

func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return eventsource.ErrAlreadyStarted()
	}
	s.started = true
	s.lastMsgAt.Store(time.Now())
	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return eventsource.ErrNotStarted()
	}
	if !s.stopped {
		s.stopped = true
		close(s.events)
		close(s.errs)
	}
	return nil
}

// Publish injects an event, assigning IngestSeq if unset. Safe to call
// concurrently with Events()/Errors() consumers.
func (s *Source) Publish(ev eventsource.Event) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return errors.Internal("memory event source not running", nil)
	}
	s.ingestSeq++
	if ev.IngestSeq == 0 {
		ev.IngestSeq = s.ingestSeq
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	s.mu.Unlock()

	s.lastMsgAt.Store(time.Now())
	s.events <- ev
	return nil
}

// PublishError injects a non-fatal adapter error for observability tests.
func (s *Source) PublishError(err error) {
	s.errs <- err
}

func (s *Source) Stats() eventsource.Stats {
	last, _ := s.lastMsgAt.Load().(time.Time)
	return eventsource.Stats{LastMessageAt: last}
}

func (s *Source) Events() <-chan eventsource.Event { return s.events }

func (s *Source) Errors() <-chan error { return s.errs }
