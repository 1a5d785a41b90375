package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Category classifies provider failures.
type Category string

const (
	CategoryValidation  Category = "validation"
	CategoryRejected    Category = "provider_rejected"
	CategoryUnavailable Category = "provider_unavailable"
	CategoryTimeout     Category = "timeout"
	CategoryCancelled   Category = "cancelled"
	CategoryUnknown     Category = "unknown"
)

// Error is a classified provider failure with a message safe to show clients.
type Error struct {
	Category    Category
	Status      int
	Code        string
	RequestID   string
	SafeMessage string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("provider ")
	b.WriteString(string(e.Category))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.SafeMessage != "" {
		b.WriteString(": ")
		b.WriteString(e.SafeMessage)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the whole request later.
func (e *Error) Retryable() bool {
	return e.Category == CategoryUnavailable || e.Category == CategoryTimeout
}

// CategoryFromStatus maps an upstream HTTP status onto a category.
func CategoryFromStatus(status int) Category {
	switch {
	case status == 400 || status == 404 || status == 409 || status == 422:
		return CategoryValidation
	case status == 401 || status == 403:
		return CategoryRejected
	case status == 408 || status == 504:
		return CategoryTimeout
	case status == 429 || status >= 500:
		return CategoryUnavailable
	}
	return CategoryUnknown
}

// FromHTTP builds an error from an upstream response.
func FromHTTP(status int, code, message, requestID, fallback string) *Error {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = fallback
	}
	return &Error{
		Category:    CategoryFromStatus(status),
		Status:      status,
		Code:        code,
		RequestID:   requestID,
		SafeMessage: msg,
	}
}

// Timeout builds a timeout error.
func Timeout(message string) *Error {
	if message == "" {
		message = "Provider request timed out"
	}
	return &Error{Category: CategoryTimeout, SafeMessage: message}
}

// Cancelled is the error recorded when a user cancels.
func Cancelled() *Error {
	return &Error{Category: CategoryCancelled, SafeMessage: "Cancelled by user"}
}

// Normalize classifies any error as a provider error.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Category: CategoryTimeout, SafeMessage: "Provider request timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Category: CategoryCancelled, SafeMessage: "Provider request cancelled", Err: err}
	}
	return &Error{Category: CategoryUnknown, SafeMessage: "Provider request failed", Err: err}
}

// DetailMessage returns the client-facing text for a failure.
func DetailMessage(e *Error) string {
	if e == nil {
		return "Provider request failed"
	}
	switch e.Category {
	case CategoryValidation:
		return orDefault(e.SafeMessage, "Provider rejected request input")
	case CategoryRejected:
		return orDefault(e.SafeMessage, "Provider rejected the request")
	case CategoryUnavailable:
		return "Provider is temporarily unavailable. Please try again."
	case CategoryTimeout:
		return "Provider request timed out. Please try again."
	case CategoryCancelled:
		return "Cancelled by user"
	}
	return orDefault(e.SafeMessage, "Provider request failed")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
