package dispatcher

import (
	"sync"
	"time"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/servicemesh/circuitbreaker"
)

// adaptiveBreaker is the dispatcher's own closed -> open -> half_open ->
// closed state machine. It reuses circuitbreaker's State type and sentinel
// errors for vocabulary, but manages transitions itself: the library's
// CircuitBreaker bakes its reopen Timeout in at construction with no
// dynamic-timeout hook, and this stage needs the timeout to double on each
// repeated half-open failure, per the component's reopen policy.
type adaptiveBreaker struct {
	mu               sync.Mutex
	state            circuitbreaker.State
	failureThreshold int
	successThreshold int
	maxRequests      int
	baseTimeout      time.Duration
	maxTimeout       time.Duration

	currentTimeout time.Duration
	failures       int
	successes      int
	halfOpenCount  int
	openedAt       time.Time
}

func newAdaptiveBreaker(failureThreshold, successThreshold, maxRequests int, baseTimeout, maxTimeout time.Duration) *adaptiveBreaker {
	return &adaptiveBreaker{
		state:            circuitbreaker.StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		maxRequests:      maxRequests,
		baseTimeout:       baseTimeout,
		maxTimeout:        maxTimeout,
		currentTimeout:    baseTimeout,
	}
}

// Execute runs fn under the breaker, classifying fn's error as success/
// failure for state transition purposes.
func (b *adaptiveBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	if err := b.before(); err != nil {
		return nil, err
	}
	result, err := fn()
	b.after(err == nil)
	return result, err
}

func (b *adaptiveBreaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitbreaker.StateClosed:
		return nil
	case circuitbreaker.StateOpen:
		if time.Since(b.openedAt) > b.currentTimeout {
			b.state = circuitbreaker.StateHalfOpen
			b.halfOpenCount = 1
			b.successes = 0
			return nil
		}
		return circuitbreaker.ErrCircuitOpen
	case circuitbreaker.StateHalfOpen:
		if b.halfOpenCount >= b.maxRequests {
			return circuitbreaker.ErrTooManyRequests
		}
		b.halfOpenCount++
		return nil
	}
	return nil
}

func (b *adaptiveBreaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitbreaker.StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.failureThreshold {
			b.open()
		}
	case circuitbreaker.StateHalfOpen:
		if success {
			b.successes++
			if b.successes >= b.successThreshold {
				b.close()
			}
			return
		}
		b.currentTimeout *= 2
		if b.maxTimeout > 0 && b.currentTimeout > b.maxTimeout {
			b.currentTimeout = b.maxTimeout
		}
		b.open()
	}
}

func (b *adaptiveBreaker) open() {
	b.state = circuitbreaker.StateOpen
	b.openedAt = time.Now()
	b.failures = 0
	b.successes = 0
	b.halfOpenCount = 0
}

func (b *adaptiveBreaker) close() {
	b.state = circuitbreaker.StateClosed
	b.currentTimeout = b.baseTimeout
	b.failures = 0
	b.successes = 0
	b.halfOpenCount = 0
}

func (b *adaptiveBreaker) State() circuitbreaker.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ForceOpen trips the breaker immediately, e.g. after classifying a send
// result as a permanent outage signal.
func (b *adaptiveBreaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open()
}
