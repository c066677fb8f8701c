package lock

import (
	"sync/atomic"
	"time"
)

// Token is the in-process proof that a lock was acquired. Only the exact
// Owner value can release or renew the record it was created with.
type Token struct {
	// Key is the logical lock key passed to Acquire.
	Key string
	// StoreKey is Key with the locker namespace applied.
	StoreKey string
	// Owner is the random value stored in the lock record.
	Owner string
	// TTL is the expiry requested at acquisition.
	TTL time.Duration
	// AcquiredAt is the local time the acquisition was issued.
	AcquiredAt time.Time

	settled atomic.Bool
	// expiresAt holds the deadline set by the last successful Renew, in
	// unix nanoseconds. Zero means the token was never renewed.
	expiresAt atomic.Int64
}

// ExpiresAt estimates when the record expires: AcquiredAt plus TTL, or the
// deadline of the last successful renewal. It is computed from the local
// clock and is only a hint; the store decides.
func (t *Token) ExpiresAt() time.Time {
	if ns := t.expiresAt.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return t.AcquiredAt.Add(t.TTL)
}

// renewed records that the record was extended to at+ttl.
func (t *Token) renewed(at time.Time, ttl time.Duration) {
	t.expiresAt.Store(at.Add(ttl).UnixNano())
}

// settle marks the token as released or known lost and reports whether
// this call did it.
func (t *Token) settle() bool {
	return t.settled.CompareAndSwap(false, true)
}
