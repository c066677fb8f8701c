package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Do acquires key, runs fn and releases the lock on every exit path,
// including panics and cancellation of ctx. If the lock can not be acquired
// fn is not called.
//
// When fn succeeds but the lock turned out to be gone at release time (it
// expired while fn was running) Do returns fn's result together with an
// error matching ErrLockLost.
func Do[T any](ctx context.Context, l *Locker, key string, ttl time.Duration, fn func(context.Context) (T, error)) (result T, err error) {
	tok, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return result, err
	}
	defer func() {
		err = l.settle(ctx, strconv.Quote(key), err, func(rctx context.Context) (bool, error) {
			return l.Release(rctx, tok)
		})
	}()
	return fn(ctx)
}

// DoWithRenewal is like Do but renews the lock every interval while fn
// runs. The context passed to fn is cancelled, with a cause matching
// ErrLockLost, as soon as the renewal detects the lock is lost. Renewal is
// always stopped before the lock is released.
func DoWithRenewal[T any](ctx context.Context, l *Locker, key string, ttl, interval time.Duration, fn func(context.Context) (T, error)) (result T, err error) {
	if interval <= 0 || interval >= ttl {
		return result, ErrInvalidRenewalInterval
	}
	tok, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return result, err
	}
	r, err := l.StartRenewal(ctx, tok, interval)
	if err != nil {
		_, _ = l.Release(context.WithoutCancel(ctx), tok)
		return result, err
	}

	wctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-r.Lost():
			cancel(r.Err())
		case <-wctx.Done():
		}
	}()

	defer func() {
		r.Stop()
		cancel(nil)
		err = l.settle(ctx, strconv.Quote(key), err, func(rctx context.Context) (bool, error) {
			return l.Release(rctx, tok)
		})
		if r.State() == RenewalLost && !errors.Is(err, ErrLockLost) {
			err = errors.Join(err, r.Err())
		}
	}()
	return fn(wctx)
}

// DoAll acquires every key with AcquireAll, runs fn and releases the whole
// batch in reverse order on every exit path.
func DoAll[T any](ctx context.Context, l *Locker, keys []string, ttl time.Duration, fn func(context.Context) (T, error)) (result T, err error) {
	toks, err := l.AcquireAll(ctx, keys, ttl)
	if err != nil {
		return result, err
	}
	defer func() {
		err = l.settle(ctx, fmt.Sprint(orderKeys(keys)), err, func(rctx context.Context) (bool, error) {
			return l.ReleaseAll(rctx, toks)
		})
	}()
	return fn(ctx)
}

// settle runs release with a context that survives cancellation of ctx and
// merges its outcome with the work error. The work error always wins; a
// failed or lost release is reported only after successful work.
func (l *Locker) settle(ctx context.Context, key string, workErr error, release func(context.Context) (bool, error)) error {
	ok, err := release(context.WithoutCancel(ctx))
	switch {
	case err != nil:
		if workErr != nil {
			l.opts.logger.Warn("latch: release failed after work error", "key", key, "error", err)
			return workErr
		}
		return err
	case !ok:
		if workErr != nil {
			l.opts.logger.Warn("latch: lock expired before release", "key", key)
			return workErr
		}
		return fmt.Errorf("latch: %s expired before release: %w", key, ErrLockLost)
	}
	return workErr
}
