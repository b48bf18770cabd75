package eventsource

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/logger"
)

// InstrumentedSource wraps a Source to add tracing and logging around
// lifecycle transitions. The hot path (Events/Errors) stays a direct
// channel passthrough so tracing never adds per-event overhead.
type InstrumentedSource struct {
	next   Source
	tracer trace.Tracer
}

// NewInstrumentedSource creates a new InstrumentedSource.
func NewInstrumentedSource(next Source) *InstrumentedSource {
	return &InstrumentedSource{next: next, tracer: otel.Tracer("pkg/eventsource")}
}

func (s *InstrumentedSource) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "eventsource.Start")
	defer span.End()

	logger.L().InfoContext(ctx, "starting event source")
	err := s.next.Start(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(ctx, "event source failed to start", "error", err)
	}
	return err
}

func (s *InstrumentedSource) Stop(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "eventsource.Stop")
	defer span.End()

	logger.L().InfoContext(ctx, "stopping event source")
	err := s.next.Stop(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *InstrumentedSource) Stats() Stats {
	return s.next.Stats()
}

func (s *InstrumentedSource) Events() <-chan Event {
	return s.next.Events()
}

func (s *InstrumentedSource) Errors() <-chan error {
	return s.next.Errors()
}
