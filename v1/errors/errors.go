package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnavailable is returned by store adapters when the backend could not
	// serve a request. ErrTimeout and ErrConnectionClosed are more specific
	// variants and both match ErrUnavailable with errors.Is.
	ErrUnavailable = errors.New("store unavailable")
)

type unavailable struct {
	kind  error
	cause error
}

func (u *unavailable) Error() string {
	if u.cause == nil || u.cause == u.kind {
		return u.kind.Error()
	}
	return u.kind.Error() + ": " + u.cause.Error()
}

func (u *unavailable) Unwrap() []error {
	errs := []error{u.kind, ErrUnavailable}
	if u.cause != nil && u.cause != u.kind {
		errs = append(errs, u.cause)
	}
	return errs
}

// Unavailable wraps cause so that it matches both kind and ErrUnavailable.
// A nil kind defaults to ErrUnavailable.
func Unavailable(kind, cause error) error {
	if kind == nil {
		kind = ErrUnavailable
	}
	return &unavailable{kind: kind, cause: cause}
}
