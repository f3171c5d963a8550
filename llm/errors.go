package llm

import (
	"errors"
	"fmt"
	"time"
)

// TransientError wraps a temporary failure that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }

func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError wraps a permanent failure that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }

func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal reports whether the error is permanent.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// RateLimitError is a provider 429. RetryAfter is zero when the provider
// did not send a hint.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Detail     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Detail)
}

// SafetyBlockError reports that the provider refused the content. This is a
// prompt problem, not a key problem; the key stays healthy.
type SafetyBlockError struct {
	Provider string
	Ratings  map[string]string
	Detail   string
}

func (e *SafetyBlockError) Error() string {
	return fmt.Sprintf("%s safety filter blocked request: %s", e.Provider, e.Detail)
}

// ProviderError is any other provider-side failure. Retryable marks the
// transport-level cases (502/503/504, timeouts).
type ProviderError struct {
	Provider   string
	StatusCode int
	Detail     string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Detail)
}

// IsRateLimit reports whether err is a provider 429.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsSafetyBlock reports whether err is a content refusal.
func IsSafetyBlock(err error) bool {
	var sb *SafetyBlockError
	return errors.As(err, &sb)
}
