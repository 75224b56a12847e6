package resilience

import (
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors gobreaker's three states under names the rest of the
// engine depends on directly, so callers never need to import gobreaker
// themselves.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// CircuitBreaker wraps gobreaker with the shape the upstream client (A5)
// and its tests expect: a named breaker that opens once a minimum number
// of requests have been seen and the failure rate crosses a threshold,
// and that exposes its current failure rate for metrics and diagnostics.
type CircuitBreaker struct {
	cb   *gobreaker.CircuitBreaker
	name string
}

// NewCircuitBreaker builds a breaker named name that opens once at least
// 10 requests have been seen in the current window and the failure ratio
// is >= failureRateThreshold, staying open for resetTimeout before
// allowing a single trial request through.
func NewCircuitBreaker(name string, failureRateThreshold float64, resetTimeout time.Duration) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= failureRateThreshold
		},
	}

	return &CircuitBreaker{
		cb:   gobreaker.NewCircuitBreaker(settings),
		name: name,
	}
}

// Call runs fn through the breaker. When the breaker is open, fn is not
// invoked and gobreaker.ErrOpenState is returned.
func (b *CircuitBreaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(fn)
}

// GetState reports the breaker's current state.
func (b *CircuitBreaker) GetState() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// GetFailureRate reports the failure ratio observed in the current
// counting window, or 0 if no requests have been seen yet.
func (b *CircuitBreaker) GetFailureRate() float64 {
	counts := b.cb.Counts()
	if counts.Requests == 0 {
		return 0
	}
	return float64(counts.TotalFailures) / float64(counts.Requests)
}

// GetFailures reports the total failure count in the current window.
func (b *CircuitBreaker) GetFailures() uint32 {
	return b.cb.Counts().TotalFailures
}

// Name returns the breaker's configured name.
func (b *CircuitBreaker) Name() string {
	return b.name
}
