package ierr

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource conflict")
	ErrInternalServer = errors.New("internal server error")
	ErrUnavailable    = errors.New("dependency unavailable")

	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrTokenParsingFailed = errors.New("failed to parse token")
	ErrTokenInvalidClaims = errors.New("token contains invalid claims")

	ErrInvalidCredential = errors.New("invalid api key")
	ErrExpired           = errors.New("api key expired")
	ErrRevoked           = errors.New("api key revoked")
	ErrAlreadyRotating   = errors.New("api key rotation already in progress")

	ErrMalformedTier = errors.New("malformed tier")
	ErrInvalidMetric = errors.New("metric not recognized by tier")
	ErrWriteConflict = errors.New("idempotency key reused with different payload")
)

// RateLimitError is the boundary form of a rate-limit denial. Inside the engine
// a denial is a ratelimit.Decision; handlers convert it to this error to render a 429.
type RateLimitError struct {
	Window  string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s window, resets at %s", e.Window, e.ResetAt.UTC().Format(time.RFC3339))
}

// RetryAfter returns the whole seconds until the window resets, never less than one.
func (e *RateLimitError) RetryAfter(now time.Time) int64 {
	secs := int64(e.ResetAt.Sub(now).Seconds())
	if e.ResetAt.Sub(now)%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		return 1
	}
	return secs
}
