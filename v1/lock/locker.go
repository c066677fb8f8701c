package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-latch/v1/events"
	"github.com/mirkobrombin/go-latch/v1/keys"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/lock")

// Locker acquires, releases and renews locks on a shared store. A Locker is
// safe for concurrent use and is meant to live as long as its store.
type Locker struct {
	store store.Store
	opts  options
}

// New returns a Locker using s as the arbiter of ownership.
func New(s store.Store, opts ...Option) *Locker {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Locker{store: s, opts: o}
}

func (l *Locker) storeKey(key string) string {
	return l.opts.namespace + key
}

func unlockTopic(storeKey string) string {
	return "unlock:" + storeKey
}

func validateKey(key string) error {
	if err := keys.Validate(key); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return nil
}

func validateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// Acquire tries once to take key for ttl. It returns an *AcquisitionError
// when the key is held elsewhere or the store can not be reached; it never
// waits and never retries.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Token, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := validateTTL(ttl); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "Locker.Acquire", trace.WithAttributes(
		attribute.String("latch.key", key),
		attribute.Int64("latch.ttl_ms", ttl.Milliseconds()),
	))
	defer span.End()

	owner, err := l.opts.newOwner()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "owner generation failed")
		return nil, fmt.Errorf("latch: generate owner: %w", err)
	}
	sk := l.storeKey(key)
	acquiredAt := l.opts.now()
	start := time.Now()
	ok, err := l.store.SetNX(ctx, sk, owner, ttl)
	metrics.AcquireLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, fmt.Errorf("latch: acquire %q: %w", key, ctxErr)
		}
		metrics.AcquireCounter.WithLabelValues(metrics.ResultUnavailable).Inc()
		span.SetStatus(codes.Error, "store unavailable")
		return nil, &AcquisitionError{Key: key, Reason: ReasonStoreUnavailable, Err: err}
	}
	span.SetAttributes(attribute.Bool("latch.acquired", ok))
	if !ok {
		metrics.AcquireCounter.WithLabelValues(metrics.ResultHeld).Inc()
		return nil, &AcquisitionError{Key: key, Reason: ReasonAlreadyHeld}
	}
	metrics.AcquireCounter.WithLabelValues(metrics.ResultOK).Inc()
	metrics.HeldGauge.Inc()
	tok := &Token{Key: key, StoreKey: sk, Owner: owner, TTL: ttl, AcquiredAt: acquiredAt}
	l.emit(ctx, events.Acquired, tok, ttl)
	return tok, nil
}

// Release deletes the lock record if it still carries tok's owner. It
// returns false without error when the lock already expired or belongs to
// someone else; an error means the store could not be reached and the lock
// will only go away when its TTL elapses.
func (l *Locker) Release(ctx context.Context, tok *Token) (bool, error) {
	if tok == nil {
		return false, nil
	}
	ctx, span := tracer.Start(ctx, "Locker.Release", trace.WithAttributes(attribute.String("latch.key", tok.Key)))
	defer span.End()

	ok, err := l.store.CompareAndDelete(ctx, tok.StoreKey, tok.Owner)
	// The caller gives up on the token either way; an unreachable store
	// leaves the record to its TTL.
	if tok.settle() {
		metrics.HeldGauge.Dec()
	}
	if err != nil {
		metrics.ReleaseCounter.WithLabelValues(metrics.ResultUnavailable).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		return false, fmt.Errorf("latch: release %q: %w", tok.Key, storeFailure(err))
	}
	span.SetAttributes(attribute.Bool("latch.released", ok))
	if !ok {
		metrics.ReleaseCounter.WithLabelValues(metrics.ResultMismatch).Inc()
		l.emit(ctx, events.Expired, tok, 0)
		return false, nil
	}
	metrics.ReleaseCounter.WithLabelValues(metrics.ResultOK).Inc()
	l.emit(ctx, events.Released, tok, 0)
	if l.opts.notifier != nil {
		if err := l.opts.notifier.Publish(ctx, unlockTopic(tok.StoreKey)); err != nil {
			l.opts.logger.Debug("latch: unlock notification failed", "key", tok.Key, "error", err)
		}
	}
	return true, nil
}

// Renew resets the expiry of tok's record to ttl if tok still owns it. It
// returns false without error when ownership was lost; a missing record is
// never recreated. On success tok.ExpiresAt moves to the new deadline.
func (l *Locker) Renew(ctx context.Context, tok *Token, ttl time.Duration) (bool, error) {
	if tok == nil {
		return false, ErrNilToken
	}
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	ctx, span := tracer.Start(ctx, "Locker.Renew", trace.WithAttributes(
		attribute.String("latch.key", tok.Key),
		attribute.Int64("latch.ttl_ms", ttl.Milliseconds()),
	))
	defer span.End()

	at := l.opts.now()
	ok, err := l.store.CompareAndExpire(ctx, tok.StoreKey, tok.Owner, ttl)
	if err != nil {
		metrics.RenewCounter.WithLabelValues(metrics.ResultUnavailable).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		return false, fmt.Errorf("latch: renew %q: %w", tok.Key, storeFailure(err))
	}
	span.SetAttributes(attribute.Bool("latch.renewed", ok))
	if !ok {
		metrics.RenewCounter.WithLabelValues(metrics.ResultMismatch).Inc()
		return false, nil
	}
	tok.renewed(at, ttl)
	metrics.RenewCounter.WithLabelValues(metrics.ResultOK).Inc()
	l.emit(ctx, events.Renewed, tok, ttl)
	return true, nil
}

// Holder returns the owner value currently stored for key.
func (l *Locker) Holder(ctx context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	owner, ok, err := l.store.Get(ctx, l.storeKey(key))
	if err != nil {
		return "", false, fmt.Errorf("latch: holder %q: %w", key, storeFailure(err))
	}
	return owner, ok, nil
}

// Owns reports whether tok still owns its record.
func (l *Locker) Owns(ctx context.Context, tok *Token) (bool, error) {
	if tok == nil {
		return false, nil
	}
	owner, ok, err := l.store.Get(ctx, tok.StoreKey)
	if err != nil {
		return false, fmt.Errorf("latch: owns %q: %w", tok.Key, storeFailure(err))
	}
	return ok && owner == tok.Owner, nil
}

// Resume rebuilds a token from an owner value recorded elsewhere, for
// example by another process, so it can be released or renewed. It does
// not check the store.
func (l *Locker) Resume(key, owner string, ttl time.Duration) (*Token, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, ErrNilToken
	}
	tok := &Token{Key: key, StoreKey: l.storeKey(key), Owner: owner, TTL: ttl, AcquiredAt: l.opts.now()}
	// Not counted in the held gauge of this process.
	tok.settle()
	return tok, nil
}

func (l *Locker) emit(ctx context.Context, typ events.Type, tok *Token, ttl time.Duration) {
	if l.opts.sink == nil {
		return
	}
	if err := l.opts.sink.Emit(ctx, events.New(typ, tok.Key, tok.Owner, ttl)); err != nil {
		l.opts.logger.LogAttrs(ctx, slog.LevelWarn, "latch: event sink failed",
			slog.String("key", tok.Key),
			slog.String("event", string(typ)),
			slog.Any("error", err),
		)
	}
}
