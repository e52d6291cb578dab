package client

import (
	"errors"
	"testing"

	"github.com/Sternrassler/profile-harvest/pkg/types"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{
			name:       "client error should not retry",
			errorClass: ErrorClassClient,
			expected:   false,
		},
		{
			name:       "server error should retry",
			errorClass: ErrorClassServer,
			expected:   true,
		},
		{
			name:       "rate limit should retry",
			errorClass: ErrorClassRateLimit,
			expected:   true,
		},
		{
			name:       "network error should retry",
			errorClass: ErrorClassNetwork,
			expected:   true,
		},
		{
			name:       "block should not retry",
			errorClass: ErrorClassBlocked,
			expected:   false,
		},
		{
			name:       "oversize body should not retry",
			errorClass: ErrorClassOversize,
			expected:   false,
		},
		{
			name:       "empty error class should not retry",
			errorClass: "",
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := shouldRetry(tt.errorClass)
			if result != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, result, tt.expected)
			}
		})
	}
}

func TestFetchError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *FetchError
		expected string
	}{
		{
			name: "without wrapped error",
			err: &FetchError{
				Target:     "https://x.test/p/1",
				StatusCode: 503,
				Status:     types.StatusTransient,
				ErrorClass: ErrorClassServer,
			},
			expected: "fetch https://x.test/p/1: server error (status 503)",
		},
		{
			name: "with wrapped error",
			err: &FetchError{
				Target:     "https://x.test/p/1",
				ErrorClass: ErrorClassNetwork,
				Err:        errors.New("connection refused"),
			},
			expected: "fetch https://x.test/p/1: network error (status 0): connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFetchError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := &FetchError{ErrorClass: ErrorClassNetwork, Err: inner}

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}

	var fe *FetchError
	if !errors.As(error(err), &fe) || fe.ErrorClass != ErrorClassNetwork {
		t.Error("errors.As should extract FetchError")
	}
}
