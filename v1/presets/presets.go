// Package presets wires a lock.Locker to a concrete backend in one call.
package presets

import (
	"errors"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/notify"
	"github.com/mirkobrombin/go-latch/v1/store"
)

// DefaultNATSBucket is the JetStream KV bucket used when none is given.
const DefaultNATSBucket = "latch"

// Locker is a ready-to-use lock.Locker together with the connections it
// owns. Close releases those connections, not the locks.
type Locker struct {
	*lock.Locker
	Store    store.Store
	Notifier notify.Notifier
	closers  []func() error
}

// Close closes every connection opened by the preset.
func (l *Locker) Close() error {
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BreakerOptions enables a circuit breaker in front of the store.
type BreakerOptions struct {
	Threshold int
	Timeout   time.Duration
}

func (b BreakerOptions) wrap(s store.Store) store.Store {
	if b.Threshold <= 0 {
		return s
	}
	return store.NewBreaker(s, b.Threshold, b.Timeout)
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Timeout bounds every store call. Zero keeps the store default.
	Timeout time.Duration
	// DisableNotify turns off pub/sub wake-ups for AcquireWait.
	DisableNotify bool
	Breaker       BreakerOptions
}

// NewRedis creates a Locker backed by a single Redis endpoint, using
// pub/sub to wake up waiters when a lock is released.
func NewRedis(opts RedisOptions, lockOpts ...lock.Option) *Locker {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	var sopts []store.RedisOption
	if opts.Timeout > 0 {
		sopts = append(sopts, store.WithTimeout(opts.Timeout))
	}
	s := opts.Breaker.wrap(store.NewRedis(client, sopts...))

	out := &Locker{Store: s, closers: []func() error{client.Close}}
	if !opts.DisableNotify {
		n := notify.NewRedis(client)
		out.Notifier = n
		out.closers = append(out.closers, n.Close)
		lockOpts = append([]lock.Option{lock.WithNotifier(n)}, lockOpts...)
	}
	out.Locker = lock.New(s, lockOpts...)
	return out
}

// NATSOptions configures the connection to a JetStream enabled NATS server.
type NATSOptions struct {
	URL string
	// Bucket is the KV bucket holding lock records, created on first use.
	Bucket        string
	DisableNotify bool
	Breaker       BreakerOptions
	// Timeout bounds every JetStream request. The NATS store can not abandon
	// a request in flight when its context is cancelled, so this is the
	// upper bound of a single store call. Zero keeps the nats.go default.
	Timeout time.Duration
	// Connect is passed to nats.Connect.
	Connect []nats.Option
}

// NewNATS creates a Locker backed by a JetStream key-value bucket. Every
// process sharing the bucket must keep its clock in sync, since expiry is
// judged from the writer's clock.
func NewNATS(opts NATSOptions, lockOpts ...lock.Option) (*Locker, error) {
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}
	bucket := opts.Bucket
	if bucket == "" {
		bucket = DefaultNATSBucket
	}
	conn, err := nats.Connect(url, opts.Connect...)
	if err != nil {
		return nil, err
	}
	var jsOpts []nats.JSOpt
	if opts.Timeout > 0 {
		jsOpts = append(jsOpts, nats.MaxWait(opts.Timeout))
	}
	js, err := conn.JetStream(jsOpts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	kv, err := store.OpenNATS(js, bucket)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s := opts.Breaker.wrap(kv)

	out := &Locker{Store: s, closers: []func() error{func() error {
		conn.Close()
		return nil
	}}}
	if !opts.DisableNotify {
		n := notify.NewNATS(conn)
		out.Notifier = n
		lockOpts = append([]lock.Option{lock.WithNotifier(n)}, lockOpts...)
	}
	out.Locker = lock.New(s, lockOpts...)
	return out, nil
}

// NewInMemory creates a process-local Locker with no external
// dependencies. Useful for tests and single-process deployments.
func NewInMemory(lockOpts ...lock.Option) *Locker {
	s := store.NewMemory()
	n := notify.NewInMemory()
	lockOpts = append([]lock.Option{lock.WithNotifier(n)}, lockOpts...)
	return &Locker{Locker: lock.New(s, lockOpts...), Store: s, Notifier: n}
}
