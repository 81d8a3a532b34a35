package msgbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreakerBus decorates a Bus with circuit breaker logic on the publish
// path. After threshold consecutive failures the circuit opens and publishes
// fail fast with ErrCircuitOpen until the cool-down elapses, after which a
// single probe publish decides whether the circuit closes again.
type CircuitBreakerBus struct {
	bus       Bus
	mu        sync.RWMutex
	state     breakerState
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreakerBus.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		state:     breakerClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready to probe.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == breakerOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow checks whether a publish should go through, handling the transition
// from open to half-open once the cool-down elapses.
func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		return false // one probe at a time
	}
	return false
}

func (cb *CircuitBreakerBus) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerHalfOpen:
		cb.state = breakerClosed
		cb.failures = 0
	case breakerClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreakerBus) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == breakerClosed && cb.failures >= cb.threshold {
		cb.state = breakerOpen
	} else if cb.state == breakerHalfOpen {
		cb.state = breakerOpen
	}
}

// Publish implements Bus.Publish with circuit breaker logic.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, topic string, data []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.bus.Publish(ctx, topic, data); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// Watch proxies to the underlying bus; only the publish path is protected.
func (cb *CircuitBreakerBus) Watch(ctx context.Context, topic string) (chan []byte, error) {
	return cb.bus.Watch(ctx, topic)
}

// Unwatch proxies to the underlying bus.
func (cb *CircuitBreakerBus) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	return cb.bus.Unwatch(ctx, topic, ch)
}
