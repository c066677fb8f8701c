// Package lock implements distributed mutual exclusion on top of a shared
// store.Store.
//
// A lock is a store record whose value is a random owner token. It is
// created only if absent, deleted only by the holder of the exact token and
// disappears on its own once its TTL elapses without renewal. The store is
// the only source of truth; a Token is merely the caller's proof of
// ownership.
//
// Callers should prefer the scoped helpers Do, DoWithRenewal and DoAll,
// which release on every exit path. Acquire, Release and Renew remain
// available for locks that must outlive a single call.
//
// Acquire never blocks and never retries. AcquireWait layers a bounded
// exponential backoff on top of it; waiters are not served in FIFO order.
package lock
