// Package events describes lock lifecycle notifications and the sinks that
// ship them to logs or a message broker. Sinks observe the protocol; they
// never influence whether a lock operation succeeds.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type identifies a lifecycle transition.
type Type string

const (
	Acquired Type = "acquired"
	Released Type = "released"
	Renewed  Type = "renewed"
	Lost     Type = "lost"
	// Expired is emitted when a release finds the lock already gone or owned
	// by someone else.
	Expired Type = "expired"
)

// Event is a single lifecycle notification.
type Event struct {
	ID    string        `json:"id"`
	Type  Type          `json:"type"`
	Key   string        `json:"key"`
	Owner string        `json:"owner"`
	TTL   time.Duration `json:"ttl,omitempty"`
	At    time.Time     `json:"at"`
}

// New stamps a fresh event.
func New(typ Type, key, owner string, ttl time.Duration) Event {
	return Event{
		ID:    uuid.NewString(),
		Type:  typ,
		Key:   key,
		Owner: owner,
		TTL:   ttl,
		At:    time.Now().UTC(),
	}
}

// Sink receives lifecycle events.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Emit calls f(ctx, ev).
func (f SinkFunc) Emit(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
