package client

import (
	"fmt"

	"github.com/Sternrassler/profile-harvest/pkg/types"
)

// FetchError describes a request that did not produce an ok response.
type FetchError struct {
	Target     string
	StatusCode int
	Status     types.Status
	ErrorClass ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s error (status %d): %v",
			e.Target, e.ErrorClass, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s error (status %d)",
		e.Target, e.ErrorClass, e.StatusCode)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the request may succeed.
func (e *FetchError) Retryable() bool {
	return shouldRetry(e.ErrorClass)
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// Client errors repeat identically; blocks need a cooldown, not a retry.
		return false
	}
}
