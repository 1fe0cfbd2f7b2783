package trust

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies pipeline failures for the API boundary. AbuseDetected
// and backing-store degradation are deliberately absent: the first is
// answered with a synthetic success and the second always resolves to a
// fallback behavior, so neither ever surfaces as an error.
type Kind int

const (
	// KindUnexpected is anything without a more specific classification.
	// Logged with full detail, surfaced opaquely.
	KindUnexpected Kind = iota
	// KindValidation is malformed input, with per-field detail.
	KindValidation
	// KindRateLimited is admission denial, with a retry-after hint.
	KindRateLimited
	// KindChallengeRejected is a failed or low-scoring bot challenge.
	KindChallengeRejected
	// KindDuplicate is a Sybil Guard conflict.
	KindDuplicate
	// KindNotFound is a missing provider, plan, or evidence record.
	KindNotFound
)

// Error is a tagged pipeline error.
type Error struct {
	Kind       Kind
	Message    string
	Fields     map[string]string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the Kind from an error chain, defaulting to
// KindUnexpected.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnexpected
}

// AsError extracts the tagged error from a chain, or nil.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// ErrValidation builds a validation failure with per-field detail.
func ErrValidation(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: "invalid input", Fields: fields}
}

// ErrRateLimited builds an admission denial with a retry hint.
func ErrRateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// ErrChallengeRejected builds a challenge failure. The score is never
// included; callers see only a generic refusal.
func ErrChallengeRejected() *Error {
	return &Error{Kind: KindChallengeRejected, Message: "challenge verification failed"}
}

// ErrDuplicate builds a Sybil Guard conflict.
func ErrDuplicate() *Error {
	return &Error{Kind: KindDuplicate, Message: "a recent verification for this provider and plan already exists from this source"}
}

// ErrNotFound builds a missing-reference error.
func ErrNotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// Unexpectedf wraps an internal fault that should surface opaquely.
func Unexpectedf(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindUnexpected, Message: fmt.Sprintf(format, args...), cause: cause}
}
