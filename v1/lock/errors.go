package lock

import (
	"errors"
	"fmt"
	"strings"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

var (
	// ErrAlreadyHeld reports that another owner currently holds the key.
	ErrAlreadyHeld = errors.New("lock already held")
	// ErrStoreUnavailable reports that the store could not be reached. It is
	// the same value as errors.ErrUnavailable used by the store adapters.
	ErrStoreUnavailable = latcherrors.ErrUnavailable
	// ErrLockLost reports that a held lock expired or was taken over by
	// another owner while the caller still relied on it.
	ErrLockLost = errors.New("lock lost")

	ErrInvalidKey             = errors.New("latch: invalid lock key")
	ErrInvalidTTL             = errors.New("latch: ttl must be positive")
	ErrInvalidRenewalInterval = errors.New("latch: renewal interval must be positive and shorter than the ttl")
	ErrNilToken               = errors.New("latch: nil token")
)

// Reason classifies an acquisition failure.
type Reason int

const (
	ReasonAlreadyHeld Reason = iota + 1
	ReasonStoreUnavailable
)

func (r Reason) String() string {
	switch r {
	case ReasonAlreadyHeld:
		return "already held"
	case ReasonStoreUnavailable:
		return "store unavailable"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// AcquisitionError is returned when a single key could not be acquired.
// It matches ErrAlreadyHeld or ErrStoreUnavailable with errors.Is.
type AcquisitionError struct {
	Key    string
	Reason Reason
	// Err is the store failure for ReasonStoreUnavailable.
	Err error
}

func (e *AcquisitionError) Error() string {
	if e.Reason == ReasonStoreUnavailable && e.Err != nil {
		return fmt.Sprintf("latch: acquire %q: %v", e.Key, storeFailure(e.Err))
	}
	return fmt.Sprintf("latch: acquire %q: %s", e.Key, e.Reason)
}

func (e *AcquisitionError) Unwrap() []error {
	switch e.Reason {
	case ReasonAlreadyHeld:
		return []error{ErrAlreadyHeld}
	case ReasonStoreUnavailable:
		if e.Err != nil {
			return []error{storeFailure(e.Err)}
		}
		return []error{ErrStoreUnavailable}
	}
	return nil
}

// BatchAcquisitionError is returned by AcquireAll when one member of the
// batch could not be acquired. Every sibling acquired in the same attempt
// has been released before it is returned.
type BatchAcquisitionError struct {
	// Key is the member that could not be acquired.
	Key string
	// Keys is the sorted, deduplicated batch.
	Keys []string
	// Err is the failure of Key, usually an *AcquisitionError.
	Err error
	// Rollback holds failures releasing already acquired siblings. Those
	// locks still expire on their own.
	Rollback error
}

func (e *BatchAcquisitionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "latch: batch of %d keys failed at %q: %v", len(e.Keys), e.Key, e.Err)
	if e.Rollback != nil {
		fmt.Fprintf(&b, " (rollback: %v)", e.Rollback)
	}
	return b.String()
}

func (e *BatchAcquisitionError) Unwrap() []error {
	errs := []error{e.Err}
	if e.Rollback != nil {
		errs = append(errs, e.Rollback)
	}
	return errs
}

// IsAlreadyHeld reports whether err means the key is held by someone else.
func IsAlreadyHeld(err error) bool { return errors.Is(err, ErrAlreadyHeld) }

// IsStoreUnavailable reports whether err means the store could not be reached.
func IsStoreUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }

// storeFailure makes sure err matches ErrStoreUnavailable.
func storeFailure(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return latcherrors.Unavailable(nil, err)
}
