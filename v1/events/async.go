package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrDropped is returned by Async.Emit when the buffer is full or the sink
// is closed.
var ErrDropped = errors.New("events: event dropped")

const defaultAsyncBuffer = 256

// Async delivers events to another sink from a background goroutine, so a
// slow sink such as a synchronous Kafka producer stays off the lock path.
// Emit never blocks: events that do not fit the buffer are dropped.
type Async struct {
	sink   Sink
	logger *slog.Logger
	queue  chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts delivering to sink with room for buffer pending events.
// Delivery failures are logged on logger, or slog.Default when nil.
func NewAsync(sink Sink, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:   sink,
		logger: logger,
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		if err := a.sink.Emit(context.Background(), ev); err != nil {
			a.logger.Warn("latch: async event delivery failed",
				"key", ev.Key,
				"event", string(ev.Type),
				"error", err,
			)
		}
	}
}

// Emit implements Sink. It only enqueues ev.
func (a *Async) Emit(_ context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrDropped
	}
	select {
	case a.queue <- ev:
		return nil
	default:
		return ErrDropped
	}
}

// Close stops accepting events and waits until the queued ones have been
// delivered or ctx is done. It does not close the wrapped sink.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
