package queue

import "github.com/chris-alexander-pop/notification-pipeline/pkg/errors"

const (
	CodeCapacityExceeded = "QUEUE_CAPACITY_EXCEEDED"
	CodeLeaseNotFound    = "QUEUE_LEASE_NOT_FOUND"
)

// ErrCapacityExceeded reports that the queue is full and cannot admit
// another item.
func ErrCapacityExceeded() *errors.AppError {
	return errors.New(CodeCapacityExceeded, "queue is at capacity", nil)
}

// ErrLeaseNotFound reports that Complete or Fail referenced a lease that is
// no longer inflight (already completed, failed, or swept).
func ErrLeaseNotFound() *errors.AppError {
	return errors.New(CodeLeaseNotFound, "lease not found or already resolved", nil)
}
