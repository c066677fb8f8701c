package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/mirkobrombin/go-latch/v1/metrics"
)

// Backoff describes the exponential retry schedule of AcquireWait.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter randomises each delay by up to ±Jitter of its value.
	Jitter float64
}

// DefaultBackoff is used when no WithBackoff option is given.
var DefaultBackoff = Backoff{
	Initial:    10 * time.Millisecond,
	Max:        500 * time.Millisecond,
	Multiplier: 2,
	Jitter:     0.2,
}

// Delay returns the pause before retry number attempt, starting at 0.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = DefaultBackoff.Initial
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// AcquireWait retries Acquire while the key is held elsewhere, for at most
// maxWait. Store failures are returned at once. When the wait runs out the
// last ErrAlreadyHeld failure is returned; when ctx itself ends its error is
// returned. With maxWait <= 0 it behaves like Acquire.
func (l *Locker) AcquireWait(ctx context.Context, key string, ttl, maxWait time.Duration) (*Token, error) {
	if maxWait <= 0 {
		return l.Acquire(ctx, key, ttl)
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := validateTTL(ttl); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.WaitLatency.Observe(time.Since(start).Seconds()) }()

	wctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	var wake <-chan struct{}
	if l.opts.notifier != nil {
		ch, unsubscribe, err := l.opts.notifier.Subscribe(wctx, unlockTopic(l.storeKey(key)))
		if err != nil {
			l.opts.logger.Debug("latch: unlock subscription failed, polling only", "key", key, "error", err)
		} else {
			wake = ch
			defer unsubscribe()
		}
	}

	var last error
	for attempt := 0; ; attempt++ {
		tok, err := l.Acquire(wctx, key, ttl)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, ErrAlreadyHeld) {
			if wctx.Err() != nil {
				return nil, l.waitExpired(ctx, key, last)
			}
			return nil, err
		}
		last = err

		timer := time.NewTimer(l.opts.backoff.Delay(attempt))
		select {
		case <-timer.C:
		case _, ok := <-wake:
			timer.Stop()
			if !ok {
				wake = nil
			}
		case <-wctx.Done():
			timer.Stop()
			return nil, l.waitExpired(ctx, key, last)
		}
	}
}

func (l *Locker) waitExpired(ctx context.Context, key string, last error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("latch: wait for %q: %w", key, err)
	}
	if last != nil {
		return last
	}
	return &AcquisitionError{Key: key, Reason: ReasonAlreadyHeld}
}
