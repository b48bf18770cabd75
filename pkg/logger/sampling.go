package logger

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// SamplingHandler drops a fraction of records to bound logging volume under
// load. Errors and warnings always pass through; only Info/Debug are sampled.
type SamplingHandler struct {
	next    slog.Handler
	rate    float64
	counter *uint64
}

// NewSamplingHandler wraps next, forwarding roughly `rate` (0.0-1.0) of the
// Info/Debug records it receives. Warn and Error always pass through.
func NewSamplingHandler(next slog.Handler, rate float64) *SamplingHandler {
	var c uint64
	return &SamplingHandler{next: next, rate: rate, counter: &c}
}

func (h *SamplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SamplingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn || h.shouldSample() {
		return h.next.Handle(ctx, r)
	}
	return nil
}

// shouldSample implements deterministic rate sampling via a counter so the
// decision doesn't depend on math/rand (kept out of the hot logging path).
func (h *SamplingHandler) shouldSample() bool {
	if h.rate >= 1.0 {
		return true
	}
	if h.rate <= 0.0 {
		return false
	}
	n := atomic.AddUint64(h.counter, 1)
	threshold := uint64(1.0 / h.rate)
	if threshold == 0 {
		threshold = 1
	}
	return n%threshold == 0
}

func (h *SamplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SamplingHandler{next: h.next.WithAttrs(attrs), rate: h.rate, counter: h.counter}
}

func (h *SamplingHandler) WithGroup(name string) slog.Handler {
	return &SamplingHandler{next: h.next.WithGroup(name), rate: h.rate, counter: h.counter}
}
