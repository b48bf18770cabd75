package memory

import (
	"context"
	"testing"
	"time"

	appErrors "github.com/chris-alexander-pop/notification-pipeline/pkg/errors"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/preference"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/queue"
)

func notif(recipientID string, scheduledFor time.Time) preference.Notification {
	return preference.Notification{
		NotifID:      recipientID + ":notif",
		RecipientID:  recipientID,
		Priority:     preference.PriorityMedium,
		ScheduledFor: scheduledFor,
	}
}

func TestEnqueueDequeueComplete(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	if err := m.Enqueue(ctx, notif("r1", time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	batch, err := m.DequeueBatch(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 item, got %d", len(batch))
	}
	if err := m.Complete(ctx, batch[0].LeaseID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	n, err := m.Len(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected empty queue after complete, got %d err=%v", n, err)
	}
}

func TestEnqueueRejectsAtCapacity(t *testing.T) {
	ctx := context.Background()
	m := New(1)

	if err := m.Enqueue(ctx, notif("r1", time.Now())); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := m.Enqueue(ctx, notif("r2", time.Now()))
	if !appErrors.Is(err, queue.CodeCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
}

func TestFailMovesToDeadAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	if err := m.Enqueue(ctx, notif("r1", time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	batch, _ := m.DequeueBatch(ctx, 10, time.Minute)
	policy := queue.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	if err := m.Fail(ctx, batch[0].LeaseID, policy, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	count, err := m.DeadLetterCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected 1 dead letter, got %d err=%v", count, err)
	}

	dead, err := m.ListDead(ctx)
	if err != nil || len(dead) != 1 {
		t.Fatalf("expected 1 listed dead entry, got %d err=%v", len(dead), err)
	}
	if dead[0].Reason != "boom" {
		t.Fatalf("expected reason 'boom', got %q", dead[0].Reason)
	}
}

func TestFailRetriesBeforeMaxAttempts(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	if err := m.Enqueue(ctx, notif("r1", time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	batch, _ := m.DequeueBatch(ctx, 10, time.Minute)
	policy := queue.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	if err := m.Fail(ctx, batch[0].LeaseID, policy, "transient"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	count, err := m.DeadLetterCount(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected no dead letters yet, got %d err=%v", count, err)
	}
	n, err := m.Len(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected item still pending, got %d err=%v", n, err)
	}
}

func TestRequeueDeadReturnsItemToReady(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	if err := m.Enqueue(ctx, notif("r1", time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	batch, _ := m.DequeueBatch(ctx, 10, time.Minute)
	policy := queue.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	if err := m.Fail(ctx, batch[0].LeaseID, policy, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := m.RequeueDead(ctx, "r1:notif"); err != nil {
		t.Fatalf("requeue dead: %v", err)
	}

	count, err := m.DeadLetterCount(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected no dead letters after requeue, got %d err=%v", count, err)
	}

	redelivered, err := m.DequeueBatch(ctx, 10, time.Minute)
	if err != nil || len(redelivered) != 1 {
		t.Fatalf("expected requeued item to be redeliverable, got %d err=%v", len(redelivered), err)
	}
	if redelivered[0].Notification.Attempts != 0 {
		t.Fatalf("expected attempts reset to 0, got %d", redelivered[0].Notification.Attempts)
	}
}

func TestExpireDeadLettersDropsOldEntries(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	if err := m.Enqueue(ctx, notif("r1", time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	batch, _ := m.DequeueBatch(ctx, 10, time.Minute)
	policy := queue.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	if err := m.Fail(ctx, batch[0].LeaseID, policy, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	n, err := m.ExpireDeadLetters(ctx, time.Hour, time.Now())
	if err != nil || n != 0 {
		t.Fatalf("expected nothing expired yet, got %d err=%v", n, err)
	}

	n, err = m.ExpireDeadLetters(ctx, time.Hour, time.Now().Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired entry, got %d err=%v", n, err)
	}
	count, _ := m.DeadLetterCount(ctx)
	if count != 0 {
		t.Fatalf("expected dead letter set empty after expiry, got %d", count)
	}
}

func TestEnqueueDuplicateNotifIDIsNoOp(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	n := notif("r1", time.Now())
	if err := m.Enqueue(ctx, n); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := m.Enqueue(ctx, n); err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}

	count, err := m.Len(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected duplicate enqueue to be a no-op, got %d items err=%v", count, err)
	}
}

func TestEnqueueAllowsReuseOfNotifIDAfterComplete(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	n := notif("r1", time.Now())
	if err := m.Enqueue(ctx, n); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	batch, _ := m.DequeueBatch(ctx, 10, time.Minute)
	if err := m.Complete(ctx, batch[0].LeaseID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := m.Enqueue(ctx, n); err != nil {
		t.Fatalf("re-enqueue after complete: %v", err)
	}
	count, err := m.Len(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected re-enqueue to be admitted, got %d items err=%v", count, err)
	}
}

func TestReleaseReturnsLeasedItemToReadyUnchanged(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	if err := m.Enqueue(ctx, notif("r1", time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	batch, err := m.DequeueBatch(ctx, 10, time.Minute)
	if err != nil || len(batch) != 1 {
		t.Fatalf("dequeue: %d items err=%v", len(batch), err)
	}

	if err := m.Release(ctx, batch[0].LeaseID); err != nil {
		t.Fatalf("release: %v", err)
	}

	redelivered, err := m.DequeueBatch(ctx, 10, time.Minute)
	if err != nil || len(redelivered) != 1 {
		t.Fatalf("expected released item to be immediately redeliverable, got %d err=%v", len(redelivered), err)
	}
	if redelivered[0].Notification.Attempts != 0 {
		t.Fatalf("expected release not to count as an attempt, got %d", redelivered[0].Notification.Attempts)
	}

	if err := m.Release(ctx, batch[0].LeaseID); err == nil {
		t.Fatal("expected releasing an already-released lease to fail")
	}
}

func TestSweepInflightReturnsExpiredLeasesToReady(t *testing.T) {
	ctx := context.Background()
	m := New(0)

	if err := m.Enqueue(ctx, notif("r1", time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.DequeueBatch(ctx, 10, time.Millisecond); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	swept, err := m.SweepInflight(ctx, time.Now().Add(time.Second))
	if err != nil || swept != 1 {
		t.Fatalf("expected 1 swept item, got %d err=%v", swept, err)
	}

	redelivered, err := m.DequeueBatch(ctx, 10, time.Minute)
	if err != nil || len(redelivered) != 1 {
		t.Fatalf("expected swept item redeliverable, got %d err=%v", len(redelivered), err)
	}
}
