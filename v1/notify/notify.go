// Package notify carries best-effort "lock released" signals between
// instances so that waiters can retry early instead of sleeping through
// their whole backoff. A lost notification only costs latency: waiters
// always fall back to polling.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

// Notifier is a minimal fire-and-forget pub/sub.
type Notifier interface {
	// Publish signals every current subscriber of topic.
	Publish(ctx context.Context, topic string) error
	// Subscribe returns a channel receiving a value per signal and a cancel
	// function that must be called once the caller stops listening. The
	// subscription also ends when ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan struct{}, func(), error)
}

// Metrics reports publish and delivery counts.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout keeps the local subscribers of each topic. Deliveries never block:
// a subscriber with an unread signal already knows it should retry.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan struct{})}
}

// add registers a new channel and reports whether it is the first one for
// topic.
func (f *fanout) add(topic string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	first := len(f.subs[topic]) == 0
	f.subs[topic] = append(f.subs[topic], ch)
	f.mu.Unlock()
	return ch, first
}

// remove drops ch and reports whether topic has no subscribers left.
func (f *fanout) remove(topic string, ch chan struct{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return true
	}
	f.subs[topic] = subs
	return false
}

// deliver sends under the lock so remove cannot close a channel mid-send.
func (f *fanout) deliver(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[topic] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

// watch wires ctx cancellation and the returned cancel func to cleanup,
// making sure cleanup runs exactly once.
func watch(ctx context.Context, cleanup func()) func() {
	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			cleanup()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return cancel
}

// InMemory is a process-local Notifier.
type InMemory struct {
	f         *fanout
	published atomic.Uint64
}

// NewInMemory returns a new in-process notifier.
func NewInMemory() *InMemory {
	return &InMemory{f: newFanout()}
}

// Publish implements Notifier.
func (n *InMemory) Publish(ctx context.Context, topic string) error {
	n.published.Add(1)
	n.f.deliver(topic)
	return nil
}

// Subscribe implements Notifier.
func (n *InMemory) Subscribe(ctx context.Context, topic string) (<-chan struct{}, func(), error) {
	ch, _ := n.f.add(topic)
	cancel := watch(ctx, func() { n.f.remove(topic, ch) })
	return ch, cancel, nil
}

// Metrics returns the published and delivered counts.
func (n *InMemory) Metrics() Metrics {
	return Metrics{Published: n.published.Load(), Delivered: n.f.delivered.Load()}
}
