// Package types holds the records exchanged between the harvest components.
// The scheduler core depends only on these shapes, never on remote payload
// field names.
package types

import "time"

// Status is the outcome class a transport reports for a single request.
type Status string

const (
	// StatusOK means the payload was retrieved.
	StatusOK Status = "ok"

	// StatusTransient covers timeouts, network errors and 5xx responses.
	StatusTransient Status = "transient_error"

	// StatusBlocked means the source detected automation and refused service.
	StatusBlocked Status = "blocked"

	// StatusExhausted means the target does not exist (no more pages, profile gone).
	StatusExhausted Status = "exhausted"
)

// Response is what a transport returns for one request.
type Response struct {
	Target     string
	Status     Status
	StatusCode int
	Payload    []byte
}

// Candidate is a discovered, not-yet-fetched detail record.
type Candidate struct {
	// ID is the opaque identifier used for deduplication.
	ID string `json:"id"`

	// Target is the location of the detail record.
	Target string `json:"target"`

	// Page is the 1-based search page the candidate was discovered on.
	Page int `json:"page"`

	// Rank is the 1-based display position across all pages.
	Rank int `json:"rank"`

	// Name is an optional display label.
	Name string `json:"name,omitempty"`
}

// FetchRecord is a successfully retrieved detail record.
type FetchRecord struct {
	ID        string            `json:"id"`
	Target    string            `json:"target"`
	Payload   []byte            `json:"-"`
	Fields    map[string]string `json:"fields,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
}
