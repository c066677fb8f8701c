package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/events"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/notify"
	"github.com/mirkobrombin/go-latch/v1/store"
)

func TestAcquireReleaseSeatScenario(t *testing.T) {
	s := store.NewMemory()
	alice := New(s)
	bob := New(s)
	ctx := context.Background()

	tok, err := alice.Acquire(ctx, "seat:show42:A12", 5*time.Second)
	if err != nil {
		t.Fatalf("alice acquire: %v", err)
	}
	if tok.Key != "seat:show42:A12" || tok.StoreKey != "latch:seat:show42:A12" {
		t.Fatalf("unexpected token keys %+v", tok)
	}
	if tok.Owner == "" || tok.Owner == tok.Key {
		t.Fatalf("owner must be a distinct unique value, got %q", tok.Owner)
	}

	_, err = bob.Acquire(ctx, "seat:show42:A12", 5*time.Second)
	if !errors.Is(err, ErrAlreadyHeld) {
		t.Fatalf("expected ErrAlreadyHeld, got %v", err)
	}
	var acqErr *AcquisitionError
	if !errors.As(err, &acqErr) || acqErr.Reason != ReasonAlreadyHeld || acqErr.Key != "seat:show42:A12" {
		t.Fatalf("expected typed already-held failure, got %#v", err)
	}
	if IsStoreUnavailable(err) {
		t.Fatal("already held must not read as store unavailable")
	}

	if ok, err := alice.Release(ctx, tok); err != nil || !ok {
		t.Fatalf("alice release: ok %v err %v", ok, err)
	}
	if _, err := bob.Acquire(ctx, "seat:show42:A12", 5*time.Second); err != nil {
		t.Fatalf("bob retry: %v", err)
	}
}

func TestOwnersAreUnique(t *testing.T) {
	l := New(store.NewMemory())
	ctx := context.Background()
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		tok, err := l.Acquire(ctx, "k", time.Second)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if _, dup := seen[tok.Owner]; dup {
			t.Fatalf("duplicate owner %q", tok.Owner)
		}
		seen[tok.Owner] = struct{}{}
		if ok, _ := l.Release(ctx, tok); !ok {
			t.Fatal("release failed")
		}
	}
}

func TestReleaseStaleTokenLeavesNewHolder(t *testing.T) {
	l, _, clock := newClockedLocker(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "order:1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(2 * time.Second)
	fresh, err := l.Acquire(ctx, "order:1", time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}

	ok, err := l.Release(ctx, stale)
	if err != nil || ok {
		t.Fatalf("stale release must be a no-op: ok %v err %v", ok, err)
	}
	owner, held, err := l.Holder(ctx, "order:1")
	if err != nil || !held || owner != fresh.Owner {
		t.Fatalf("new holder must be untouched: owner %q held %v err %v", owner, held, err)
	}
	if ok, err := l.Renew(ctx, stale, time.Second); err != nil || ok {
		t.Fatalf("stale renew must fail: ok %v err %v", ok, err)
	}
	if owns, _ := l.Owns(ctx, stale); owns {
		t.Fatal("stale token must not own the key")
	}
	if owns, _ := l.Owns(ctx, fresh); !owns {
		t.Fatal("fresh token must own the key")
	}
}

func TestExpiryWithoutRenewal(t *testing.T) {
	l, _, clock := newClockedLocker(t)
	ctx := context.Background()
	const ttl = 3 * time.Second

	if _, err := l.Acquire(ctx, "sku:1", ttl); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(ttl - time.Millisecond)
	if _, err := l.Acquire(ctx, "sku:1", ttl); !IsAlreadyHeld(err) {
		t.Fatalf("expected held before ttl, got %v", err)
	}
	clock.Advance(time.Millisecond)
	if _, err := l.Acquire(ctx, "sku:1", ttl); err != nil {
		t.Fatalf("expected acquire at ttl, got %v", err)
	}
}

func TestRenewExtendsExpiry(t *testing.T) {
	l, _, clock := newClockedLocker(t)
	ctx := context.Background()

	tok, err := l.Acquire(ctx, "tx:9", 2*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(1500 * time.Millisecond)
	if ok, err := l.Renew(ctx, tok, 2*time.Second); err != nil || !ok {
		t.Fatalf("renew: ok %v err %v", ok, err)
	}
	clock.Advance(1500 * time.Millisecond)
	if _, err := l.Acquire(ctx, "tx:9", time.Second); !IsAlreadyHeld(err) {
		t.Fatalf("renewed lock must still be held, got %v", err)
	}
	clock.Advance(time.Second)
	if ok, err := l.Renew(ctx, tok, 2*time.Second); err != nil || ok {
		t.Fatalf("renew after expiry must not resurrect: ok %v err %v", ok, err)
	}
	if _, held, _ := l.Holder(ctx, "tx:9"); held {
		t.Fatal("renew must never recreate a lock")
	}
}

func TestRenewMovesExpiresAt(t *testing.T) {
	l, _, clock := newClockedLocker(t)
	ctx := context.Background()

	tok, err := l.Acquire(ctx, "seat:show42:B7", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if want := clock.Now().Add(time.Second); !tok.ExpiresAt().Equal(want) {
		t.Fatalf("expires at %v, want %v", tok.ExpiresAt(), want)
	}
	clock.Advance(900 * time.Millisecond)
	if ok, err := l.Renew(ctx, tok, time.Second); err != nil || !ok {
		t.Fatalf("renew: ok %v err %v", ok, err)
	}
	if want := clock.Now().Add(time.Second); !tok.ExpiresAt().Equal(want) {
		t.Fatalf("expires at %v after renew, want %v", tok.ExpiresAt(), want)
	}

	clock.Advance(2 * time.Second)
	before := tok.ExpiresAt()
	if ok, _ := l.Renew(ctx, tok, 5*time.Second); ok {
		t.Fatal("renew after expiry must fail")
	}
	if !tok.ExpiresAt().Equal(before) {
		t.Fatal("failed renew must not move the deadline")
	}
}

func TestReleaseStoreFailureSettlesHeldGauge(t *testing.T) {
	fs := &faultyStore{Store: store.NewMemory()}
	l := New(fs)
	ctx := context.Background()

	base := testutil.ToFloat64(metrics.HeldGauge)
	tok, err := l.Acquire(ctx, "payment:77", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if v := testutil.ToFloat64(metrics.HeldGauge); v != base+1 {
		t.Fatalf("held gauge %v after acquire, want %v", v, base+1)
	}

	fs.set(false, true, false)
	if _, err := l.Release(ctx, tok); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store failure, got %v", err)
	}
	if v := testutil.ToFloat64(metrics.HeldGauge); v != base {
		t.Fatalf("held gauge %v after failed release, want %v", v, base)
	}

	fs.set(false, false, false)
	if ok, err := l.Release(ctx, tok); err != nil || !ok {
		t.Fatalf("retry release: ok %v err %v", ok, err)
	}
	if v := testutil.ToFloat64(metrics.HeldGauge); v != base {
		t.Fatalf("held gauge %v after retry, want %v", v, base)
	}
}

func TestStoreUnavailablePropagates(t *testing.T) {
	fs := &faultyStore{Store: store.NewMemory()}
	l := New(fs)
	ctx := context.Background()

	tok, err := l.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	fs.set(true, true, true)
	_, err = l.Acquire(ctx, "other", time.Second)
	var acqErr *AcquisitionError
	if !errors.As(err, &acqErr) || acqErr.Reason != ReasonStoreUnavailable {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, latcherrors.ErrConnectionClosed) {
		t.Fatalf("cause must be preserved, got %v", err)
	}
	if IsAlreadyHeld(err) {
		t.Fatal("store failure must not read as already held")
	}

	ok, err := l.Release(ctx, tok)
	if ok || !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, errBoom) {
		t.Fatalf("release: expected wrapped store failure, ok %v err %v", ok, err)
	}
	if _, err := l.Renew(ctx, tok, time.Second); !errors.Is(err, latcherrors.ErrTimeout) {
		t.Fatalf("renew: expected timeout, got %v", err)
	}

	fs.set(false, false, false)
	if ok, err := l.Release(ctx, tok); err != nil || !ok {
		t.Fatalf("release after recovery: ok %v err %v", ok, err)
	}
}

func TestAcquireHonoursCancelledContext(t *testing.T) {
	l := New(store.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Acquire(ctx, "k", time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) {
		t.Fatal("cancellation is not an acquisition failure")
	}
}

func TestInvalidArguments(t *testing.T) {
	l := New(store.NewMemory())
	ctx := context.Background()
	if _, err := l.Acquire(ctx, "", time.Second); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := l.Acquire(ctx, "seat 1", time.Second); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for whitespace, got %v", err)
	}
	if _, err := l.Acquire(ctx, "k", 0); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
	if ok, err := l.Release(ctx, nil); ok || err != nil {
		t.Fatalf("nil release: ok %v err %v", ok, err)
	}
	if _, err := l.Renew(ctx, nil, time.Second); !errors.Is(err, ErrNilToken) {
		t.Fatalf("expected ErrNilToken, got %v", err)
	}
}

func TestOwnerGeneratorFailure(t *testing.T) {
	l := New(store.NewMemory(), WithOwnerGenerator(func() (string, error) { return "", errBoom }))
	if _, err := l.Acquire(context.Background(), "k", time.Second); !errors.Is(err, errBoom) {
		t.Fatalf("expected generator error, got %v", err)
	}
}

func TestMutualExclusionUnderContention(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	const contenders = 32

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := New(s).Acquire(ctx, "seat:show1:A1", time.Minute)
			if err == nil {
				wins.Add(1)
				return
			}
			if !IsAlreadyHeld(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	a := New(s, WithNamespace("inventory:"))
	b := New(s, WithNamespace("booking:"))

	ta, err := a.Acquire(ctx, "sku:1", time.Second)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if !strings.HasPrefix(ta.StoreKey, "inventory:") {
		t.Fatalf("unexpected store key %q", ta.StoreKey)
	}
	if _, err := b.Acquire(ctx, "sku:1", time.Second); err != nil {
		t.Fatalf("different namespaces must not collide: %v", err)
	}
}

func TestRedisLocker(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	s := store.NewRedis(client)
	l1, l2 := New(s), New(s)
	ctx := context.Background()

	tok, err := l1.Acquire(ctx, "seat:show42:A12", 5*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if v, _ := mr.Get("latch:seat:show42:A12"); v != tok.Owner {
		t.Fatalf("stored owner %q, want %q", v, tok.Owner)
	}
	if _, err := l2.Acquire(ctx, "seat:show42:A12", 5*time.Second); !IsAlreadyHeld(err) {
		t.Fatalf("expected held, got %v", err)
	}
	mr.FastForward(5 * time.Second)
	tok2, err := l2.Acquire(ctx, "seat:show42:A12", 5*time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if ok, err := l1.Release(ctx, tok); err != nil || ok {
		t.Fatalf("stale release: ok %v err %v", ok, err)
	}
	if !mr.Exists("latch:seat:show42:A12") {
		t.Fatal("stale release deleted the new holder's record")
	}
	if ok, err := l2.Release(ctx, tok2); err != nil || !ok {
		t.Fatalf("release: ok %v err %v", ok, err)
	}
	if mr.Exists("latch:seat:show42:A12") {
		t.Fatal("record should be gone")
	}

	mr.Close()
	_, err = l1.Acquire(ctx, "seat:show42:A13", time.Second)
	if !IsStoreUnavailable(err) {
		t.Fatalf("expected store unavailable with redis down, got %v", err)
	}
}

type captureSink struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *captureSink) Emit(_ context.Context, ev events.Event) error {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.evs))
	for _, ev := range c.evs {
		out = append(out, string(ev.Type))
	}
	return out
}

func TestLifecycleEventsAndUnlockNotification(t *testing.T) {
	sink := &captureSink{}
	n := notify.NewInMemory()
	l, _, clock := newClockedLocker(t, WithEventSink(sink), WithNotifier(n))
	ctx := context.Background()

	ch, cancel, err := n.Subscribe(ctx, "unlock:latch:k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	tok, _ := l.Acquire(ctx, "k", time.Second)
	_, _ = l.Renew(ctx, tok, time.Second)
	_, _ = l.Release(ctx, tok)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected unlock notification")
	}

	tok2, _ := l.Acquire(ctx, "k", time.Second)
	clock.Advance(2 * time.Second)
	_, _ = l.Release(ctx, tok2)

	want := []string{"acquired", "renewed", "released", "acquired", "expired"}
	if got := sink.types(); !equalStrings(got, want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	if m := n.Metrics(); m.Published != 1 {
		t.Fatalf("only successful releases notify, got %d", m.Published)
	}
}

func TestSinkFailureDoesNotFailLock(t *testing.T) {
	failing := events.SinkFunc(func(context.Context, events.Event) error { return errBoom })
	l := New(store.NewMemory(), WithEventSink(failing))
	tok, err := l.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok, err := l.Release(context.Background(), tok); err != nil || !ok {
		t.Fatalf("release: ok %v err %v", ok, err)
	}
}

func TestResumeReleasesFromOwnerValue(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	tok, err := New(s).Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	other := New(s)
	if _, err := other.Resume("k", "", time.Minute); !errors.Is(err, ErrNilToken) {
		t.Fatalf("expected ErrNilToken, got %v", err)
	}
	resumed, err := other.Resume("k", tok.Owner, time.Minute)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if ok, err := other.Renew(ctx, resumed, time.Minute); err != nil || !ok {
		t.Fatalf("renew resumed: ok %v err %v", ok, err)
	}
	if ok, err := other.Release(ctx, resumed); err != nil || !ok {
		t.Fatalf("release resumed: ok %v err %v", ok, err)
	}
}
