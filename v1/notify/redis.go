package notify

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

// Redis implements Notifier with Redis pub/sub. One PubSub connection is
// opened per topic that has local subscribers.
type Redis struct {
	client    redis.UniversalClient
	f         *fanout
	mu        sync.Mutex
	conns     map[string]*redis.PubSub
	published atomic.Uint64
}

// NewRedis returns a Redis-backed notifier.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, f: newFanout(), conns: make(map[string]*redis.PubSub)}
}

// Publish implements Notifier.
func (n *Redis) Publish(ctx context.Context, topic string) error {
	if err := n.client.Publish(ctx, topic, "1").Err(); err != nil {
		return err
	}
	n.published.Add(1)
	return nil
}

// Subscribe implements Notifier.
func (n *Redis) Subscribe(ctx context.Context, topic string) (<-chan struct{}, func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, first := n.f.add(topic)
	if first {
		ps := n.client.Subscribe(context.Background(), topic)
		// Wait for the confirmation so a publish right after Subscribe
		// returns is not missed.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			n.f.remove(topic, ch)
			return nil, nil, err
		}
		n.conns[topic] = ps
		go n.dispatch(topic, ps)
	}
	cancel := watch(ctx, func() { n.unsubscribe(topic, ch) })
	return ch, cancel, nil
}

func (n *Redis) dispatch(topic string, ps *redis.PubSub) {
	for range ps.Channel() {
		n.f.deliver(topic)
	}
}

func (n *Redis) unsubscribe(topic string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.f.remove(topic, ch) {
		return
	}
	if ps, ok := n.conns[topic]; ok {
		delete(n.conns, topic)
		_ = ps.Close()
	}
}

// Metrics returns the published and delivered counts.
func (n *Redis) Metrics() Metrics {
	return Metrics{Published: n.published.Load(), Delivered: n.f.delivered.Load()}
}

// Close drops every open subscription.
func (n *Redis) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var firstErr error
	for topic, ps := range n.conns {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(n.conns, topic)
	}
	return firstErr
}
