package providers

import (
	"errors"
	"fmt"
	"time"

	"github.com/chicogong/media-dubbing/pkg/schemas"
)

// Kind classifies a provider failure
type Kind int

const (
	// KindTransient covers network errors, timeouts and 5xx responses.
	KindTransient Kind = iota
	// KindRateLimited means the provider asked us to slow down.
	KindRateLimited
	// KindPermanent covers 4xx responses and malformed payloads.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Error is returned by a Client when a provider call fails
type Error struct {
	Provider   schemas.Provider
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// RateLimited builds a throttling error. retryAfter may be zero.
func RateLimited(p schemas.Provider, retryAfter time.Duration, err error) *Error {
	return &Error{Provider: p, Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// Transient builds a retryable error.
func Transient(p schemas.Provider, err error) *Error {
	return &Error{Provider: p, Kind: KindTransient, Err: err}
}

// Permanent builds a non-retryable error.
func Permanent(p schemas.Provider, err error) *Error {
	return &Error{Provider: p, Kind: KindPermanent, Err: err}
}

// Classify returns the failure kind of err and, for rate limiting, the
// provider's retry-after hint. Anything that is not an *Error, including
// deadline expiry and network errors, is transient.
func Classify(err error) (Kind, time.Duration) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind, perr.RetryAfter
	}
	return KindTransient, 0
}
