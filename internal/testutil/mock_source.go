// Package testutil provides testing utilities for profile-harvest.
package testutil

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Profile is one listing served by MockSource.
type Profile struct {
	ID    string
	Name  string
	Phone string
	Email string
}

// MockResponse overrides the response for a path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockSource is a configurable profile directory for testing.
//
// Search pages live under /agents/<slug>/ (?page=N) and list profile links;
// profiles live under /profile/<id>.
type MockSource struct {
	server *httptest.Server

	mu        sync.Mutex
	pages     map[string][][]Profile
	profiles  map[string]Profile
	overrides map[string][]MockResponse

	// Tracking
	requests    []string
	headers     []http.Header
	inFlight    int
	maxInFlight int
}

// NewMockSource creates a new mock source server.
func NewMockSource() *MockSource {
	m := &MockSource{
		pages:     make(map[string][][]Profile),
		profiles:  make(map[string]Profile),
		overrides: make(map[string][]MockResponse),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockSource) URL() string {
	return m.server.URL
}

// SearchBase returns the base URL for search pages.
func (m *MockSource) SearchBase() string {
	return m.server.URL + "/agents"
}

// Close shuts down the mock server.
func (m *MockSource) Close() {
	m.server.Close()
}

// SetPages registers the search result pages for a location slug.
func (m *MockSource) SetPages(slug string, pages [][]Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[slug] = pages
	for _, page := range pages {
		for _, p := range page {
			m.profiles[p.ID] = p
		}
	}
}

// QueueResponses makes the next requests to path return the given responses,
// in order, before falling back to the default handler. The path includes the
// query string for search pages beyond the first (e.g. "/agents/nv/?page=2").
func (m *MockSource) QueueResponses(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[path] = append(m.overrides[path], responses...)
}

// Requests returns the request URIs in the order received.
func (m *MockSource) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// Headers returns the request headers in the order received.
func (m *MockSource) Headers() []http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]http.Header(nil), m.headers...)
}

// MaxInFlight returns the highest number of concurrent requests observed.
func (m *MockSource) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// ProfilePath returns the path of a profile.
func ProfilePath(id string) string {
	return "/profile/" + id
}

func (m *MockSource) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, r.URL.RequestURI())
	m.headers = append(m.headers, r.Header.Clone())
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	var override *MockResponse
	if queued := m.overrides[r.URL.RequestURI()]; len(queued) > 0 {
		override = &queued[0]
		m.overrides[r.URL.RequestURI()] = queued[1:]
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if override != nil {
		if override.Delay > 0 {
			time.Sleep(override.Delay)
		}
		for key, value := range override.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(override.StatusCode)
		if override.Body != "" {
			w.Write([]byte(override.Body))
		}
		return
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/agents/"):
		m.serveSearch(w, r)
	case strings.HasPrefix(r.URL.Path, "/profile/"):
		m.serveProfile(w, r)
	case r.URL.Path == "/":
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html><body>home</body></html>"))
	default:
		http.NotFound(w, r)
	}
}

func (m *MockSource) serveSearch(w http.ResponseWriter, r *http.Request) {
	slug := strings.Trim(strings.TrimPrefix(r.URL.Path, "/agents/"), "/")
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "bad page", http.StatusBadRequest)
			return
		}
		page = n
	}

	m.mu.Lock()
	pages, ok := m.pages[slug]
	m.mu.Unlock()

	if !ok || page > len(pages) {
		http.NotFound(w, r)
		return
	}

	var b strings.Builder
	b.WriteString("<html><body><ul class=\"results\">")
	for _, p := range pages[page-1] {
		fmt.Fprintf(&b, `<li><a class="profile-link" data-agent-id="%s" href="%s">%s</a></li>`,
			html.EscapeString(p.ID), ProfilePath(p.ID), html.EscapeString(p.Name))
	}
	b.WriteString("</ul>")
	if page < len(pages) {
		fmt.Fprintf(&b, `<a rel="next" href="/agents/%s/?page=%d">Next</a>`, slug, page+1)
	}
	b.WriteString("</body></html>")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

func (m *MockSource) serveProfile(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/profile/"), "/")

	m.mu.Lock()
	p, ok := m.profiles[id]
	m.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<html><body><h1 class="profile-name">%s</h1>`, html.EscapeString(p.Name))
	if p.Phone != "" {
		fmt.Fprintf(w, `<a href="tel:%s">%s</a>`, html.EscapeString(p.Phone), html.EscapeString(p.Phone))
	}
	if p.Email != "" {
		fmt.Fprintf(w, `<a href="mailto:%s">%s</a>`, html.EscapeString(p.Email), html.EscapeString(p.Email))
	}
	w.Write([]byte("</body></html>"))
}

// NewBlockedResponse creates a 403 Forbidden response.
func NewBlockedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       "<html><body>Access denied</body></html>",
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       "Too Many Requests",
		Headers:    map[string]string{"Retry-After": "60"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "internal error",
	}
}

// NewCaptchaResponse creates a 200 response whose body is a challenge page.
func NewCaptchaResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       "<html><body><div id=\"px-captcha\">Press &amp; Hold</div></body></html>",
	}
}

// MakeProfiles builds n profiles with ids prefix-1..prefix-n.
func MakeProfiles(prefix string, n int) []Profile {
	out := make([]Profile, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Profile{
			ID:    fmt.Sprintf("%s-%d", prefix, i),
			Name:  fmt.Sprintf("Agent %s %d", prefix, i),
			Phone: fmt.Sprintf("555-01%02d", i%100),
		})
	}
	return out
}
