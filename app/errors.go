// Package app contains the use-case services: ledger, rate limiting, task
// orchestration, voices and billing. I/O happens through ports.
package app

import (
	"errors"
	"fmt"

	"github.com/artpar/utter/domain/provider"
)

// Error kinds. Transport adapters map them to status codes.
var (
	ErrValidation          = errors.New("validation")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not_found")
	ErrNotCancellable      = errors.New("not_cancellable")
	ErrRateLimited         = errors.New("rate_limited")
	ErrRateLimiterDown     = errors.New("rate_limiter_unavailable")
	ErrProviderUnavailable = errors.New("provider_unavailable")
	ErrProviderTimeout     = errors.New("timeout")
	ErrProviderRejected    = errors.New("provider_rejected")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrPaymentsDisabled    = errors.New("payments_disabled")
)

// Error carries a client-safe detail alongside its kind.
type Error struct {
	Kind   error
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Is matches the kind, so errors.Is(err, ErrConflict) works.
func (e *Error) Is(target error) bool { return e.Kind == target }

func (e *Error) Unwrap() error { return e.Err }

func newError(kind error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func invalid(detail string) *Error { return newError(ErrValidation, detail) }

func notFound(detail string) *Error { return newError(ErrNotFound, detail) }

func conflict(detail string) *Error { return newError(ErrConflict, detail) }

// Detail returns the client-safe message of err, or "" for internal errors.
func Detail(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Detail
	}
	return ""
}

// providerError converts a gateway failure to an app error.
func providerError(err error) *Error {
	pe := provider.Normalize(err)
	kind := ErrProviderUnavailable
	switch pe.Category {
	case provider.CategoryValidation:
		kind = ErrValidation
	case provider.CategoryRejected:
		kind = ErrProviderRejected
	case provider.CategoryTimeout:
		kind = ErrProviderTimeout
	}
	return &Error{Kind: kind, Detail: provider.DetailMessage(pe), Err: err}
}
