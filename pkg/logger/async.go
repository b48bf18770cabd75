package logger

import (
	"context"
	"log/slog"
	"sync"
)

type asyncRecord struct {
	ctx    context.Context
	r      slog.Record
	target slog.Handler
}

// asyncQueue is the shared buffer and worker behind every handler derived
// from a single NewAsyncHandler call (including WithAttrs/WithGroup clones).
type asyncQueue struct {
	ch          chan asyncRecord
	blockOnFull bool
	once        sync.Once
	closed      chan struct{}
}

func newAsyncQueue(bufSize int, blockOnFull bool) *asyncQueue {
	q := &asyncQueue{
		ch:          make(chan asyncRecord, bufSize),
		blockOnFull: blockOnFull,
		closed:      make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *asyncQueue) run() {
	for item := range q.ch {
		_ = item.target.Handle(item.ctx, item.r)
	}
	close(q.closed)
}

func (q *asyncQueue) submit(ctx context.Context, target slog.Handler, r slog.Record) {
	item := asyncRecord{ctx: ctx, r: r, target: target}
	if q.blockOnFull {
		q.ch <- item
		return
	}
	select {
	case q.ch <- item:
	default:
		// buffer full, drop the record rather than block the caller
	}
}

func (q *asyncQueue) close() {
	q.once.Do(func() { close(q.ch) })
	<-q.closed
}

// AsyncHandler buffers records on a channel and hands them to the next
// handler from a single background goroutine, so callers never block on I/O.
type AsyncHandler struct {
	next  slog.Handler
	queue *asyncQueue
}

// NewAsyncHandler wraps next with a buffered channel of the given size.
// When blockOnFull is true, Handle blocks until there's room in the buffer;
// when false, records are dropped once the buffer is full.
func NewAsyncHandler(next slog.Handler, bufSize int, blockOnFull bool) *AsyncHandler {
	return &AsyncHandler{next: next, queue: newAsyncQueue(bufSize, blockOnFull)}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(ctx context.Context, r slog.Record) error {
	h.queue.submit(ctx, h.next, r.Clone())
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{next: h.next.WithAttrs(attrs), queue: h.queue}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{next: h.next.WithGroup(name), queue: h.queue}
}

// Close stops accepting new records and waits for the buffer to drain.
func (h *AsyncHandler) Close() {
	h.queue.close()
}
