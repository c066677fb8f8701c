package store

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// ErrCircuitOpen is returned while the breaker rejects calls. It matches
// errors.ErrUnavailable.
var ErrCircuitOpen = latcherrors.Unavailable(stdErrors.New("circuit breaker is open"), nil)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a Store with circuit breaker logic. Only transport
// failures (errors matching errors.ErrUnavailable) count towards the
// threshold; a lost compare is a normal answer.
type Breaker struct {
	store     Store
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewBreaker returns a Breaker that opens after threshold consecutive
// failures and tries the store again once timeout has elapsed.
func NewBreaker(s Store, threshold int, timeout time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		store:     s,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready for a trial call.
func (cb *Breaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow handles the transition from open to half-open based on timeout.
// Only one trial call is let through while half-open.
func (cb *Breaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return false
}

func (cb *Breaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if stdErrors.Is(err, context.Canceled) && !stdErrors.Is(err, latcherrors.ErrUnavailable) {
		// A cancelled call says nothing about the store. A cancelled
		// half-open trial hands the slot back to the next caller.
		if cb.state == stateHalfOpen {
			cb.state = stateOpen
		}
		return
	}
	if err == nil || !stdErrors.Is(err, latcherrors.ErrUnavailable) {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// SetNX implements Store.SetNX.
func (cb *Breaker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.SetNX(ctx, key, value, ttl)
	cb.record(err)
	return ok, err
}

// CompareAndDelete implements Store.CompareAndDelete.
func (cb *Breaker) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.CompareAndDelete(ctx, key, value)
	cb.record(err)
	return ok, err
}

// CompareAndExpire implements Store.CompareAndExpire.
func (cb *Breaker) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.CompareAndExpire(ctx, key, value, ttl)
	cb.record(err)
	return ok, err
}

// Get implements Store.Get.
func (cb *Breaker) Get(ctx context.Context, key string) (string, bool, error) {
	if !cb.allow() {
		return "", false, ErrCircuitOpen
	}
	v, ok, err := cb.store.Get(ctx, key)
	cb.record(err)
	return v, ok, err
}
