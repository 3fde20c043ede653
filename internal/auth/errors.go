package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// CredentialIssuanceError is returned when the identity server answers a
// credential-creation request with a non-2xx status.
type CredentialIssuanceError struct {
	Account string
	Status  int
	Body    string
}

func (e *CredentialIssuanceError) Error() string {
	return fmt.Sprintf("%d - creating token for %s failed: %s", e.Status, e.Account, e.Body)
}

// TokenExchangeError is returned when the token endpoint answers a
// client-credentials grant with a non-2xx status.
type TokenExchangeError struct {
	Account string
	Status  int
	Body    string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("%d - creating access token for %s failed: %s", e.Status, e.Account, e.Body)
}

// TimeoutError marks a network call that exceeded its deadline.
type TimeoutError struct {
	Op    string
	Limit time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s took longer than %v: aborted", e.Op, e.Limit)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// InsufficientTokenLifetimeError is returned when the server issues an
// access token that cannot satisfy the configured minimum validity.
// This is a configuration mismatch between client and server, not a
// retryable condition.
type InsufficientTokenLifetimeError struct {
	Account  string
	Lifetime time.Duration
	Required time.Duration
}

func (e *InsufficientTokenLifetimeError) Error() string {
	return fmt.Sprintf("access token for %s expires in %v, but at least %v is required",
		e.Account, e.Lifetime, e.Required)
}

// InvalidCacheFormatError is returned when a persisted auth cache file does
// not have the expected shape.
type InvalidCacheFormatError struct {
	Reason string
	Err    error
}

func (e *InvalidCacheFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid auth cache format: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid auth cache format: %s", e.Reason)
}

func (e *InvalidCacheFormatError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a deadline-style failure: a TimeoutError,
// a context deadline, or a net error that timed out.
func IsTimeout(err error) bool {
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
