package interest

import "github.com/chris-alexander-pop/notification-pipeline/pkg/errors"

const CodeStoreUnavailable = "INTEREST_STORE_UNAVAILABLE"

// ErrStoreUnavailable wraps a read/write failure against the interest
// index's backing store. Callers (the Router) treat this as "no
// interested recipients" for the event but count it as an error.
func ErrStoreUnavailable(cause error) *errors.AppError {
	return errors.New(CodeStoreUnavailable, "interest index store unavailable", cause)
}
