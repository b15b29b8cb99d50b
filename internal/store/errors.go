package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means a user, request, task or song is missing. Terminal.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyProcessed means an idempotency guard fired. Callers treat it as success.
	ErrAlreadyProcessed = errors.New("already processed")
	// ErrOwnershipMismatch means the acting user does not own the entity. Terminal and security relevant.
	ErrOwnershipMismatch = errors.New("ownership mismatch")
	// ErrProviderTransient means the provider is rate limited or unavailable. Retriable.
	ErrProviderTransient = errors.New("provider transient error")
	// ErrProviderTerminal means the provider rejected the work permanently.
	ErrProviderTerminal = errors.New("provider terminal error")
	// ErrTimeout means the retry budget was exhausted before a terminal status.
	ErrTimeout = errors.New("retry budget exhausted")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	KindNotFound          = "not_found"
	KindAlreadyProcessed  = "already_processed"
	KindOwnershipMismatch = "ownership_mismatch"
	KindProviderTransient = "provider_transient"
	KindProviderTerminal  = "provider_terminal"
	KindTimeout           = "timeout"
	KindInvalidInput      = "invalid_input"
	KindCanceled          = "canceled"
	KindInternal          = "internal"
)

// Classify maps err onto the pipeline error taxonomy for logs and metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyProcessed):
		return KindAlreadyProcessed
	case errors.Is(err, ErrOwnershipMismatch):
		return KindOwnershipMismatch
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrProviderTransient):
		return KindProviderTransient
	case errors.Is(err, ErrProviderTerminal):
		return KindProviderTerminal
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// IsRetriable reports whether a queue should try the work again.
func IsRetriable(err error) bool {
	switch Classify(err) {
	case KindProviderTransient, KindCanceled, KindInternal:
		return true
	default:
		return false
	}
}
