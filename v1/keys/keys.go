// Package keys builds lock keys whose granularity matches the real unit of
// contention: one key per seat per show, per SKU, per order or per
// transaction. Coarser keys cost parallelism; finer keys that split a single
// resource break mutual exclusion.
package keys

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Separator joins key segments.
const Separator = ":"

var (
	ErrEmpty        = errors.New("keys: empty key")
	ErrEmptySegment = errors.New("keys: empty key segment")
	ErrWhitespace   = errors.New("keys: key contains whitespace")
	// ErrSeparatorInSegment is returned when a segment contains Separator,
	// which would let two different resources share one key.
	ErrSeparatorInSegment = errors.New("keys: key segment contains separator")
)

// MustJoin is like Build but panics on invalid segments. It is meant for
// constant segments known to be valid.
func MustJoin(parts ...string) string {
	k, err := Build(parts...)
	if err != nil {
		panic(err)
	}
	return k
}

// Build joins segments with Separator and validates the result.
func Build(parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", ErrEmpty
	}
	for i, p := range parts {
		if p == "" {
			return "", fmt.Errorf("%w at position %d", ErrEmptySegment, i)
		}
		if strings.Contains(p, Separator) {
			return "", fmt.Errorf("%w at position %d: %q", ErrSeparatorInSegment, i, p)
		}
	}
	k := strings.Join(parts, Separator)
	if err := Validate(k); err != nil {
		return "", err
	}
	return k, nil
}

// Validate rejects keys that can not be stored safely by every adapter.
func Validate(key string) error {
	if key == "" {
		return ErrEmpty
	}
	if strings.IndexFunc(key, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q", ErrWhitespace, key)
	}
	return nil
}

// Seat locks a single seat of a show.
func Seat(show, seat string) (string, error) { return Build("seat", show, seat) }

// FlightSeat locks a single seat of a flight.
func FlightSeat(flight, seat string) (string, error) { return Build("flight", flight, seat) }

// SKU locks the stock counter of a fungible item.
func SKU(sku string) (string, error) { return Build("sku", sku) }

// Order locks the payment operations of one order.
func Order(id string) (string, error) { return Build("payment", id) }

// Transaction locks the handling of one idempotent callback.
func Transaction(id string) (string, error) { return Build("tx", id) }
