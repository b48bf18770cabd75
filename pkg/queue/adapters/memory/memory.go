// Package memory implements queue.Manager as an in-process container/heap
// priority queue, split into a shared "delayed" heap ordered by
// ScheduledFor and one "ready" heap per recipient ordered by queue.Score,
// mirroring the ready:{recipient_id} / delayed split described for the
// store.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/preference"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/queue"
)

type heapEntry struct {
	item  *queue.QueueItem
	index int
}

// delayedHeap orders by ScheduledFor; items move to a ready heap once due.
type delayedHeap []*heapEntry

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].item.Notification.ScheduledFor.Before(h[j].item.Notification.ScheduledFor) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *delayedHeap) Push(x interface{}) {
	e := x.(*heapEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	e.index = -1
	*h = old[:n-1]
	return e
}

// readyHeap orders by queue.Score within a single recipient's ready set.
type readyHeap []*heapEntry

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return h[i].item.Score < h[j].item.Score }
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *readyHeap) Push(x interface{}) {
	e := x.(*heapEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	e.index = -1
	*h = old[:n-1]
	return e
}

// Manager is a capacity-bounded, in-memory queue.Manager.
type Manager struct {
	mu       sync.Mutex
	capacity int
	delayed  delayedHeap
	ready    map[string]*readyHeap // recipient_id -> heap
	order    []string              // round-robin cursor over recipients with ready items
	cursor   int
	inflight map[string]*heapEntry
	dead     map[string]*queue.DeadEntry // notif_id -> entry
	known    map[string]struct{}        // notif_id -> present, live in delayed/ready/inflight
}

// New creates an in-memory Manager. capacity<=0 means unbounded.
func New(capacity int) *Manager {
	m := &Manager{
		capacity: capacity,
		ready:    make(map[string]*readyHeap),
		inflight: make(map[string]*heapEntry),
		dead:     make(map[string]*queue.DeadEntry),
		known:    make(map[string]struct{}),
	}
	heap.Init(&m.delayed)
	return m
}

func (m *Manager) size() int {
	n := len(m.delayed) + len(m.inflight)
	for _, h := range m.ready {
		n += h.Len()
	}
	return n
}

func (m *Manager) readyHeapFor(recipientID string) *readyHeap {
	h, ok := m.ready[recipientID]
	if !ok {
		h = &readyHeap{}
		heap.Init(h)
		m.ready[recipientID] = h
	}
	return h
}

func (m *Manager) Enqueue(ctx context.Context, n preference.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.known[n.NotifID]; dup {
		return nil
	}

	if m.capacity > 0 && m.size() >= m.capacity {
		return queue.ErrCapacityExceeded()
	}

	item := &queue.QueueItem{
		Notification: n,
		Status:       queue.StatusPending,
		Score:        queue.Score(n),
		EnqueuedAt:   time.Now(),
	}
	entry := &heapEntry{item: item}
	m.known[n.NotifID] = struct{}{}

	if n.ScheduledFor.After(time.Now()) {
		heap.Push(&m.delayed, entry)
		return nil
	}
	heap.Push(m.readyHeapFor(n.RecipientID), entry)
	return nil
}

// promoteLocked moves due items out of the delayed heap into their
// recipient's ready heap. Caller must hold m.mu.
func (m *Manager) promoteLocked(now time.Time) int {
	promoted := 0
	for m.delayed.Len() > 0 && !m.delayed[0].item.Notification.ScheduledFor.After(now) {
		e := heap.Pop(&m.delayed).(*heapEntry)
		heap.Push(m.readyHeapFor(e.item.Notification.RecipientID), e)
		promoted++
	}
	return promoted
}

func (m *Manager) DequeueBatch(ctx context.Context, max int, leaseDuration time.Duration) ([]queue.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.promoteLocked(now)

	recipients := make([]string, 0, len(m.ready))
	for rid, h := range m.ready {
		if h.Len() > 0 {
			recipients = append(recipients, rid)
		}
	}

	batch := make([]queue.QueueItem, 0, max)
	if len(recipients) == 0 {
		return batch, nil
	}

	// Round-robin across recipients so one recipient can't starve another
	// under the same worker batch.
	attempts := 0
	for len(batch) < max && attempts < len(recipients)*max {
		rid := recipients[m.cursor%len(recipients)]
		m.cursor++
		attempts++

		h := m.ready[rid]
		if h.Len() == 0 {
			continue
		}
		e := heap.Pop(h).(*heapEntry)

		e.item.Status = queue.StatusInflight
		e.item.LeaseID = uuid.NewString()
		e.item.LeaseExpiry = now.Add(leaseDuration)
		m.inflight[e.item.LeaseID] = e
		batch = append(batch, *e.item)
	}

	return batch, nil
}

func (m *Manager) Complete(ctx context.Context, leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.inflight[leaseID]
	if !ok {
		return queue.ErrLeaseNotFound()
	}
	delete(m.inflight, leaseID)
	delete(m.known, e.item.Notification.NotifID)
	return nil
}

// Release returns a leased item to its recipient's ready heap unchanged,
// the way SweepInflight recovers an expired lease, except it runs
// immediately at the dispatcher's request rather than waiting for the
// lease to expire.
func (m *Manager) Release(ctx context.Context, leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.inflight[leaseID]
	if !ok {
		return queue.ErrLeaseNotFound()
	}
	delete(m.inflight, leaseID)

	e.item.Status = queue.StatusPending
	e.item.LeaseID = ""
	e.item.LeaseExpiry = time.Time{}
	heap.Push(m.readyHeapFor(e.item.Notification.RecipientID), e)
	return nil
}

func (m *Manager) Fail(ctx context.Context, leaseID string, policy queue.RetryPolicy, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.inflight[leaseID]
	if !ok {
		return queue.ErrLeaseNotFound()
	}
	delete(m.inflight, leaseID)

	e.item.Notification.Attempts++
	if e.item.Notification.Attempts >= policy.MaxAttempts {
		e.item.Status = queue.StatusDead
		e.item.LeaseID = ""
		e.item.LeaseExpiry = time.Time{}
		m.dead[e.item.Notification.NotifID] = &queue.DeadEntry{Item: *e.item, Reason: reason, DeadAt: time.Now()}
		delete(m.known, e.item.Notification.NotifID)
		return nil
	}

	delay := policy.NextDelay(e.item.Notification.Attempts)
	e.item.Notification.ScheduledFor = time.Now().Add(delay)
	e.item.Status = queue.StatusPending
	e.item.Score = queue.Score(e.item.Notification)
	e.item.LeaseID = ""
	e.item.LeaseExpiry = time.Time{}
	heap.Push(&m.delayed, e)
	return nil
}

func (m *Manager) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.promoteLocked(now), nil
}

func (m *Manager) SweepInflight(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for leaseID, e := range m.inflight {
		if now.Before(e.item.LeaseExpiry) {
			continue
		}
		delete(m.inflight, leaseID)
		e.item.Status = queue.StatusPending
		e.item.LeaseID = ""
		e.item.LeaseExpiry = time.Time{}
		heap.Push(m.readyHeapFor(e.item.Notification.RecipientID), e)
		swept++
	}
	return swept, nil
}

func (m *Manager) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size(), nil
}

func (m *Manager) DeadLetterCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dead), nil
}

func (m *Manager) ListDead(ctx context.Context) ([]queue.DeadEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]queue.DeadEntry, 0, len(m.dead))
	for _, e := range m.dead {
		out = append(out, *e)
	}
	return out, nil
}

func (m *Manager) RequeueDead(ctx context.Context, notifID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dead[notifID]
	if !ok {
		return queue.ErrLeaseNotFound()
	}
	delete(m.dead, notifID)

	n := e.Item.Notification
	n.Attempts = 0
	n.ScheduledFor = time.Now()
	entry := &heapEntry{item: &queue.QueueItem{
		Notification: n,
		Status:       queue.StatusPending,
		Score:        queue.Score(n),
		EnqueuedAt:   time.Now(),
	}}
	m.known[n.NotifID] = struct{}{}
	heap.Push(m.readyHeapFor(n.RecipientID), entry)
	return nil
}

func (m *Manager) ExpireDeadLetters(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for id, e := range m.dead {
		if now.Sub(e.DeadAt) >= retention {
			delete(m.dead, id)
			expired++
		}
	}
	return expired, nil
}

func (m *Manager) Close() error {
	return nil
}
