package provider_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/artpar/utter/domain/provider"
)

func TestCategoryFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   provider.Category
	}{
		{400, provider.CategoryValidation},
		{404, provider.CategoryValidation},
		{409, provider.CategoryValidation},
		{422, provider.CategoryValidation},
		{401, provider.CategoryRejected},
		{403, provider.CategoryRejected},
		{408, provider.CategoryTimeout},
		{504, provider.CategoryTimeout},
		{429, provider.CategoryUnavailable},
		{500, provider.CategoryUnavailable},
		{503, provider.CategoryUnavailable},
		{302, provider.CategoryUnknown},
		{418, provider.CategoryUnknown},
	}
	for _, tt := range tests {
		if got := provider.CategoryFromStatus(tt.status); got != tt.want {
			t.Errorf("CategoryFromStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestFromHTTP_FallbackMessage(t *testing.T) {
	e := provider.FromHTTP(500, "InternalError", "  ", "req-1", "Qwen synthesis request failed")
	if e.SafeMessage != "Qwen synthesis request failed" {
		t.Errorf("SafeMessage = %q", e.SafeMessage)
	}
	if !e.Retryable() {
		t.Error("500 should be retryable")
	}
	if provider.FromHTTP(401, "", "bad key", "", "x").Retryable() {
		t.Error("401 should not be retryable")
	}
}

func TestNormalize(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", provider.FromHTTP(403, "", "denied", "", ""))
	if got := provider.Normalize(wrapped); got.Category != provider.CategoryRejected {
		t.Errorf("wrapped category = %s", got.Category)
	}

	if got := provider.Normalize(fmt.Errorf("call: %w", context.DeadlineExceeded)); got.Category != provider.CategoryTimeout {
		t.Errorf("deadline category = %s", got.Category)
	}

	if got := provider.Normalize(errors.New("boom")); got.Category != provider.CategoryUnknown {
		t.Errorf("plain error category = %s", got.Category)
	}

	if provider.Normalize(nil) != nil {
		t.Error("Normalize(nil) should be nil")
	}
}

func TestDetailMessage(t *testing.T) {
	tests := []struct {
		err  *provider.Error
		want string
	}{
		{&provider.Error{Category: provider.CategoryValidation, SafeMessage: "text too long"}, "text too long"},
		{&provider.Error{Category: provider.CategoryRejected}, "Provider rejected the request"},
		{&provider.Error{Category: provider.CategoryUnavailable, SafeMessage: "upstream 503 body"}, "Provider is temporarily unavailable. Please try again."},
		{provider.Timeout(""), "Provider request timed out. Please try again."},
		{provider.Cancelled(), "Cancelled by user"},
		{&provider.Error{Category: provider.CategoryUnknown}, "Provider request failed"},
	}
	for _, tt := range tests {
		if got := provider.DetailMessage(tt.err); got != tt.want {
			t.Errorf("DetailMessage(%s) = %q, want %q", tt.err.Category, got, tt.want)
		}
	}
}

func TestError_Unwrap(t *testing.T) {
	root := errors.New("dial tcp: refused")
	e := &provider.Error{Category: provider.CategoryUnavailable, Err: root}
	if !errors.Is(e, root) {
		t.Error("errors.Is should reach the wrapped error")
	}
}
