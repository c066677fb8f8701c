package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newClockedLocker returns a locker on a memory store driven by a fake clock.
func newClockedLocker(t *testing.T, opts ...Option) (*Locker, *store.Memory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s := store.NewMemory(store.WithClock(clock.Now))
	return New(s, append([]Option{WithClock(clock.Now)}, opts...)...), s, clock
}

var errBoom = errors.New("boom")

// faultyStore fails the operations whose flag is set and delegates the rest.
type faultyStore struct {
	store.Store
	mu         sync.Mutex
	failSet    bool
	failDelete bool
	failExpire bool
	expireHits int
}

func (f *faultyStore) set(setNX, del, expire bool) {
	f.mu.Lock()
	f.failSet, f.failDelete, f.failExpire = setNX, del, expire
	f.mu.Unlock()
}

func (f *faultyStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	fail := f.failSet
	f.mu.Unlock()
	if fail {
		return false, latcherrors.Unavailable(latcherrors.ErrConnectionClosed, errBoom)
	}
	return f.Store.SetNX(ctx, key, value, ttl)
}

func (f *faultyStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	f.mu.Lock()
	fail := f.failDelete
	f.mu.Unlock()
	if fail {
		return false, errBoom
	}
	return f.Store.CompareAndDelete(ctx, key, value)
}

func (f *faultyStore) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	fail := f.failExpire
	f.expireHits++
	f.mu.Unlock()
	if fail {
		return false, latcherrors.Unavailable(latcherrors.ErrTimeout, errBoom)
	}
	return f.Store.CompareAndExpire(ctx, key, value, ttl)
}

func (f *faultyStore) hits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expireHits
}

// recordingStore remembers the order of SetNX and CompareAndDelete calls.
type recordingStore struct {
	store.Store
	mu      sync.Mutex
	sets    []string
	deletes []string
}

func (r *recordingStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	r.sets = append(r.sets, key)
	r.mu.Unlock()
	return r.Store.SetNX(ctx, key, value, ttl)
}

func (r *recordingStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	r.mu.Lock()
	r.deletes = append(r.deletes, key)
	r.mu.Unlock()
	return r.Store.CompareAndDelete(ctx, key, value)
}

func (r *recordingStore) calls() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sets...), append([]string(nil), r.deletes...)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
