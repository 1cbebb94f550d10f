package domain

import "errors"

// Error taxonomy shared by every component. Callers inspect with errors.Is.
var (
	ErrMalformed        = errors.New("token malformed")
	ErrExpired          = errors.New("token expired")
	ErrRevoked          = errors.New("token revoked")
	ErrInvalidClaims    = errors.New("invalid claims")
	ErrClockSkew        = errors.New("clock skew beyond tolerance")
	ErrCacheUnavailable = errors.New("revocation cache unavailable")
	ErrQueueFull        = errors.New("dispatch queue full")
	ErrTransport        = errors.New("transport error")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrSchedulerMisfire = errors.New("scheduler misfire")

	ErrQueueClosed     = errors.New("dispatch queue closed")
	ErrTriggerNotFound = errors.New("trigger not found")
	ErrTriggerExists   = errors.New("trigger already exists")
	ErrSendInFlight    = errors.New("send already in flight")
)

// Terminal reports whether err should be surfaced to the caller as a
// rejection rather than retried.
func Terminal(err error) bool {
	return errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrRevoked) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidClaims)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
