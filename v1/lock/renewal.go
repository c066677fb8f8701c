package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-latch/v1/events"
	"github.com/mirkobrombin/go-latch/v1/metrics"
)

// RenewalState is the lifecycle of a Renewal.
type RenewalState int32

const (
	// RenewalActive renews the lock on schedule.
	RenewalActive RenewalState = iota
	// RenewalStopped was stopped by its owner or by context cancellation.
	RenewalStopped
	// RenewalLost found the record owned by someone else, or gave up after
	// repeated store failures.
	RenewalLost
)

func (s RenewalState) String() string {
	switch s {
	case RenewalActive:
		return "active"
	case RenewalStopped:
		return "stopped"
	case RenewalLost:
		return "lost"
	}
	return fmt.Sprintf("RenewalState(%d)", int32(s))
}

// Renewal keeps a lock alive in the background by extending it every
// interval. It must be stopped before the lock is released.
type Renewal struct {
	l        *Locker
	tok      *Token
	interval time.Duration

	state    atomic.Int32
	cancel   context.CancelFunc
	done     chan struct{}
	lost     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	err     error
	renewed int
	last    time.Time
}

// StartRenewal starts renewing tok every interval, extending it by tok.TTL
// each time. interval must be positive and shorter than tok.TTL. The
// renewal stops on its own when ctx is done.
func (l *Locker) StartRenewal(ctx context.Context, tok *Token, interval time.Duration) (*Renewal, error) {
	if tok == nil {
		return nil, ErrNilToken
	}
	if interval <= 0 || interval >= tok.TTL {
		return nil, ErrInvalidRenewalInterval
	}
	rctx, cancel := context.WithCancel(ctx)
	r := &Renewal{
		l:        l,
		tok:      tok,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
		lost:     make(chan struct{}),
		last:     tok.AcquiredAt,
	}
	metrics.RenewalGauge.Inc()
	go r.run(rctx)
	return r, nil
}

func (r *Renewal) run(ctx context.Context) {
	defer close(r.done)
	defer metrics.RenewalGauge.Dec()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.state.CompareAndSwap(int32(RenewalActive), int32(RenewalStopped))
			return
		case <-ticker.C:
			if !r.tick(ctx) {
				return
			}
		}
	}
}

// tick renews once, retrying store failures. It reports whether the loop
// should keep going.
func (r *Renewal) tick(ctx context.Context) bool {
	retries := r.l.opts.renewRetries
	delay := r.l.opts.renewRetryDelay
	if limit := r.interval / time.Duration(retries+1); delay > limit {
		delay = limit
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				r.state.CompareAndSwap(int32(RenewalActive), int32(RenewalStopped))
				return false
			}
		}
		ok, err := r.l.Renew(ctx, r.tok, r.tok.TTL)
		if err == nil {
			if !ok {
				r.markLost(fmt.Errorf("latch: %q taken over: %w", r.tok.Key, ErrLockLost))
				return false
			}
			r.mu.Lock()
			r.renewed++
			r.last = r.l.opts.now()
			r.mu.Unlock()
			return true
		}
		if ctx.Err() != nil {
			r.state.CompareAndSwap(int32(RenewalActive), int32(RenewalStopped))
			return false
		}
		lastErr = err
	}
	r.markLost(fmt.Errorf("latch: %q not renewed after %d attempts: %w: %w", r.tok.Key, retries+1, ErrLockLost, lastErr))
	return false
}

func (r *Renewal) markLost(err error) {
	if !r.state.CompareAndSwap(int32(RenewalActive), int32(RenewalLost)) {
		return
	}
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	metrics.LostCounter.Inc()
	r.l.opts.logger.Warn("latch: lock lost during renewal", "key", r.tok.Key, "error", err)
	r.l.emit(context.Background(), events.Lost, r.tok, r.tok.TTL)
	close(r.lost)
}

// Stop cancels the renewal and waits until the background loop has exited,
// so no renewal can race a later release. It is safe to call more than once.
func (r *Renewal) Stop() {
	r.stopOnce.Do(func() {
		r.state.CompareAndSwap(int32(RenewalActive), int32(RenewalStopped))
		r.cancel()
	})
	<-r.done
}

// Lost is closed once if the lock is lost. It is never closed after a
// regular Stop.
func (r *Renewal) Lost() <-chan struct{} {
	return r.lost
}

// Done is closed when the background loop has exited.
func (r *Renewal) Done() <-chan struct{} {
	return r.done
}

// State returns the current state.
func (r *Renewal) State() RenewalState {
	return RenewalState(r.state.Load())
}

// Err returns an error matching ErrLockLost once the lock is lost, nil
// otherwise.
func (r *Renewal) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Renewed returns the number of successful renewals and the time of the
// last one.
func (r *Renewal) Renewed() (int, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renewed, r.last
}

// Token returns the renewed token.
func (r *Renewal) Token() *Token {
	return r.tok
}
