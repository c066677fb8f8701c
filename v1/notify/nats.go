package notify

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

// NATS implements Notifier using core NATS subjects.
type NATS struct {
	conn      *nats.Conn
	f         *fanout
	mu        sync.Mutex
	subs      map[string]*nats.Subscription
	published atomic.Uint64
}

// NewNATS returns a notifier using the provided connection.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn, f: newFanout(), subs: make(map[string]*nats.Subscription)}
}

// Publish implements Notifier.
func (n *NATS) Publish(ctx context.Context, topic string) error {
	if err := n.conn.Publish(subject(topic), []byte("1")); err != nil {
		return err
	}
	n.published.Add(1)
	return nil
}

// Subscribe implements Notifier.
func (n *NATS) Subscribe(ctx context.Context, topic string) (<-chan struct{}, func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, first := n.f.add(topic)
	if first {
		sub, err := n.conn.Subscribe(subject(topic), func(_ *nats.Msg) {
			n.f.deliver(topic)
		})
		if err == nil {
			err = n.conn.Flush()
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			n.f.remove(topic, ch)
			return nil, nil, err
		}
		n.subs[topic] = sub
	}
	cancel := watch(ctx, func() { n.unsubscribe(topic, ch) })
	return ch, cancel, nil
}

func (n *NATS) unsubscribe(topic string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.f.remove(topic, ch) {
		return
	}
	if sub, ok := n.subs[topic]; ok {
		delete(n.subs, topic)
		_ = sub.Unsubscribe()
	}
}

// Metrics returns the published and delivered counts.
func (n *NATS) Metrics() Metrics {
	return Metrics{Published: n.published.Load(), Delivered: n.f.delivered.Load()}
}

// subject maps a topic to a NATS subject. Lock topics use ':' separators,
// which NATS treats as literal characters, but spaces are not allowed.
func subject(topic string) string {
	out := []byte(topic)
	for i, c := range out {
		if c == ' ' || c == '\t' {
			out[i] = '_'
		}
	}
	return "latch." + string(out)
}
