package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestSDKErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &SDKError{Message: "wrapped", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if err.Error() != "wrapped: root cause" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &RateLimitError{ProviderError{
		SDKError:   SDKError{Message: "slow down"},
		Provider:   "openai",
		StatusCode: 429,
		Retryable:  true,
	}}
	want := "[openai] slow down (status=429, retryable=true)"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"auth", &AuthenticationError{}, false},
		{"denied", &AccessDeniedError{}, false},
		{"not found", &NotFoundError{}, false},
		{"context length", &ContextLengthError{}, false},
		{"content filter", &ContentFilterError{}, false},
		{"configuration", &ConfigurationError{}, false},
		{"abort", &AbortError{}, false},
		{"rate limit", &RateLimitError{}, true},
		{"server", &ServerError{}, true},
		{"timeout", &RequestTimeoutError{}, true},
		{"retryable provider", &ProviderError{Retryable: true}, true},
		{"fatal provider", &ProviderError{Retryable: false}, false},
		{"wrapped server", fmt.Errorf("turn 3: %w", &ServerError{}), true},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("mystery"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}
