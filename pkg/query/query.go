// Package query describes a search against the source and derives the stable
// signature used to namespace checkpoints, locks and cached pages.
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrEmptyLocation is returned when a query has no location.
var ErrEmptyLocation = errors.New("query location is required")

// Query is a single search: a location plus optional source-side filters.
type Query struct {
	// Location is a state, city or ZIP code (e.g. "San Diego, CA", "92101").
	Location string `json:"location"`

	// Filters are passed through to the source as query parameters.
	Filters map[string]string `json:"filters,omitempty"`
}

// Validate rejects queries that cannot be issued.
func (q Query) Validate() error {
	if strings.TrimSpace(q.Location) == "" {
		return ErrEmptyLocation
	}
	for k := range q.Filters {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("query filter with empty name")
		}
	}
	return nil
}

// Slug converts the location into the path segment the source uses.
//
// Example:
//
//	"San Diego, CA" -> "san-diego-ca"
func (q Query) Slug() string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(q.Location)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// String generates a deterministic, normalized representation.
// Format: slug:key1=val1:key2=val2 (filter keys sorted)
func (q Query) String() string {
	parts := []string{q.Slug()}

	keys := make([]string, 0, len(q.Filters))
	for k := range q.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s",
			strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(q.Filters[k])))
	}

	return strings.Join(parts, ":")
}

// Signature returns a stable hash of the normalized query parameters.
// Two queries that differ only in filter order or location casing share a signature.
func (q Query) Signature() string {
	sum := sha256.Sum256([]byte(q.String()))
	return hex.EncodeToString(sum[:16])
}

// SearchURL builds the search page URL for this query.
// Page 1 carries no page parameter.
func (q Query) SearchURL(base string, page int) string {
	u := strings.TrimRight(base, "/") + "/" + q.Slug() + "/"

	values := url.Values{}
	for k, v := range q.Filters {
		values.Set(k, v)
	}
	if page > 1 {
		values.Set("page", fmt.Sprintf("%d", page))
	}
	if len(values) > 0 {
		u += "?" + values.Encode()
	}
	return u
}
