package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-latch/v1/metrics"
)

// orderKeys returns the deduplicated keys in lexicographic order. Every
// caller acquiring overlapping sets walks them in the same order, so two
// batches can never wait on each other in a cycle.
func orderKeys(keys []string) []string {
	ordered := slices.Clone(keys)
	slices.Sort(ordered)
	return slices.Compact(ordered)
}

// AcquireAll acquires every key with the same ttl, in sorted order. If any
// key can not be acquired the ones already taken are released in reverse
// order and a *BatchAcquisitionError naming the failing key is returned;
// a partial set is never handed out. The returned tokens follow the
// acquisition order.
//
// The ttl must cover the whole protected operation: a batch guards one
// logical transaction and its members should not expire independently.
func (l *Locker) AcquireAll(ctx context.Context, keys []string, ttl time.Duration) ([]*Token, error) {
	ordered := orderKeys(keys)
	if len(ordered) == 0 {
		return nil, fmt.Errorf("%w: empty key set", ErrInvalidKey)
	}
	for _, k := range ordered {
		if err := validateKey(k); err != nil {
			return nil, err
		}
	}
	if err := validateTTL(ttl); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "Locker.AcquireAll", trace.WithAttributes(
		attribute.StringSlice("latch.keys", ordered),
		attribute.Int64("latch.ttl_ms", ttl.Milliseconds()),
	))
	defer span.End()

	toks := make([]*Token, 0, len(ordered))
	for _, k := range ordered {
		tok, err := l.Acquire(ctx, k, ttl)
		if err == nil {
			toks = append(toks, tok)
			continue
		}
		batchErr := &BatchAcquisitionError{Key: k, Keys: ordered, Err: err}
		if len(toks) > 0 {
			metrics.RollbackCounter.Inc()
			if _, rbErr := l.ReleaseAll(context.WithoutCancel(ctx), toks); rbErr != nil {
				batchErr.Rollback = rbErr
				l.opts.logger.Warn("latch: batch rollback incomplete", "failed_key", k, "error", rbErr)
			}
		}
		span.RecordError(batchErr)
		return nil, batchErr
	}
	return toks, nil
}

// ReleaseAll releases toks in reverse order. Every token is attempted even
// after a failure. It reports true only if every record was deleted by this
// call; store failures are joined into the returned error.
func (l *Locker) ReleaseAll(ctx context.Context, toks []*Token) (bool, error) {
	all := true
	var errs []error
	for i := len(toks) - 1; i >= 0; i-- {
		ok, err := l.Release(ctx, toks[i])
		if err != nil {
			errs = append(errs, err)
		}
		if !ok {
			all = false
		}
	}
	return all, errors.Join(errs...)
}
