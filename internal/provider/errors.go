package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// CallError is a non-2xx provider response. The write pipeline branches on
// its class: transient errors retry with backoff, auth rejections trigger
// one forced token refresh, gone means the target no longer exists, and
// everything else is terminal.
type CallError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s call failed: status=%d body=%s", e.Provider, e.StatusCode, e.Body)
}

// Transient reports whether the call should be retried later.
func (e *CallError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// AuthRejected reports whether the provider refused the access token.
func (e *CallError) AuthRejected() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// Gone reports whether the target resource no longer exists.
func (e *CallError) Gone() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// IsTransient classifies an error from a provider call. Network failures
// (no CallError in the chain) count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var call *CallError
	if errors.As(err, &call) {
		return call.Transient()
	}
	if errors.Is(err, ErrCursorInvalidated) || errors.Is(err, ErrReadOnlyProvider) {
		return false
	}
	return true
}

// IsAuthRejected reports whether the provider refused the access token.
func IsAuthRejected(err error) bool {
	var call *CallError
	return errors.As(err, &call) && call.AuthRejected()
}

// IsGone reports whether the target resource no longer exists.
func IsGone(err error) bool {
	var call *CallError
	return errors.As(err, &call) && call.Gone()
}

// IsTerminal reports whether retrying is pointless: a 4xx that is neither
// rate limiting nor an auth rejection.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReadOnlyProvider) {
		return true
	}
	var call *CallError
	if !errors.As(err, &call) {
		return false
	}
	return !call.Transient() && !call.AuthRejected()
}
