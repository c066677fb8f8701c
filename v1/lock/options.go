package lock

import (
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/mirkobrombin/go-latch/v1/events"
	"github.com/mirkobrombin/go-latch/v1/notify"
)

// DefaultNamespace prefixes every store key.
const DefaultNamespace = "latch:"

const (
	defaultRenewRetries    = 3
	defaultRenewRetryDelay = 50 * time.Millisecond
)

// Option configures a Locker.
type Option func(*options)

type options struct {
	namespace       string
	logger          *slog.Logger
	notifier        notify.Notifier
	sink            events.Sink
	backoff         Backoff
	renewRetries    int
	renewRetryDelay time.Duration
	newOwner        func() (string, error)
	now             func() time.Time
}

func defaultOptions() options {
	return options{
		namespace:       DefaultNamespace,
		logger:          slog.Default(),
		backoff:         DefaultBackoff,
		renewRetries:    defaultRenewRetries,
		renewRetryDelay: defaultRenewRetryDelay,
		newOwner:        uuid.GenerateUUID,
		now:             time.Now,
	}
}

// WithNamespace sets the prefix applied to every lock key in the store.
// Lockers sharing a store must agree on it to exclude each other.
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// WithLogger sets the logger used for warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithNotifier publishes a signal on every successful release and lets
// AcquireWait wake up as soon as a contended key is freed.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithEventSink reports lifecycle events to s. Sink failures are logged and
// never change the outcome of a lock operation, but Emit runs inline on the
// acquiring, releasing or renewing goroutine: a slow sink delays the lock
// call and eats into the TTL. Wrap network sinks in events.Async.
func WithEventSink(s events.Sink) Option {
	return func(o *options) {
		o.sink = s
	}
}

// WithBackoff sets the retry schedule used by AcquireWait.
func WithBackoff(b Backoff) Option {
	return func(o *options) {
		o.backoff = b
	}
}

// WithRenewalRetries sets how many times a renewal tick retries a store
// failure, and the pause between tries, before the lock is declared lost.
func WithRenewalRetries(n int, delay time.Duration) Option {
	return func(o *options) {
		if n >= 0 {
			o.renewRetries = n
		}
		if delay > 0 {
			o.renewRetryDelay = delay
		}
	}
}

// WithOwnerGenerator replaces the source of owner tokens. Generated values
// must be unique across every process sharing the store.
func WithOwnerGenerator(gen func() (string, error)) Option {
	return func(o *options) {
		if gen != nil {
			o.newOwner = gen
		}
	}
}

// WithClock sets the clock used for token timestamps: AcquiredAt, the
// deadline returned by ExpiresAt after a renewal, and renewal bookkeeping.
// Store expiry is unaffected.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
