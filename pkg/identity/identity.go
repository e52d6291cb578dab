// Package identity holds the simulated client identity for one fetch run:
// a fixed set of client attributes chosen once, plus the navigation chain
// used to declare a referrer on each request.
package identity

import (
	"math/rand"
	"net/http"
	"net/url"
	"strings"
)

// Attributes are the client attributes fixed for a run.
type Attributes struct {
	UserAgent      string `json:"user_agent"`
	AcceptLanguage string `json:"accept_language"`
	Mobile         bool   `json:"mobile"`
}

// Config controls which pools an identity is drawn from.
type Config struct {
	// MobileOnly restricts user agents to mobile browsers.
	MobileOnly bool

	// UserAgents overrides the built-in pool when non-empty.
	UserAgents []string

	// AcceptLanguages overrides the built-in pool when non-empty.
	AcceptLanguages []string
}

// DefaultConfig returns mobile-only identities, which are restricted less
// often than desktop ones.
func DefaultConfig() Config {
	return Config{MobileOnly: true}
}

// Session is one run's identity. It is owned by a single goroutine.
type Session struct {
	attrs   Attributes
	lastURL string
}

// New picks a user agent and accept-language once. The session starts with
// no referrer: the first request is a direct navigation.
func New(rng *rand.Rand, cfg Config) *Session {
	agents := cfg.UserAgents
	if len(agents) == 0 {
		if cfg.MobileOnly {
			agents = mobileUserAgents
		} else {
			agents = append(append([]string(nil), mobileUserAgents...), desktopUserAgents...)
		}
	}
	languages := cfg.AcceptLanguages
	if len(languages) == 0 {
		languages = acceptLanguages
	}

	ua := agents[rng.Intn(len(agents))]
	return &Session{
		attrs: Attributes{
			UserAgent:      ua,
			AcceptLanguage: languages[rng.Intn(len(languages))],
			Mobile:         isMobile(ua),
		},
	}
}

// Describe returns the fixed attributes.
func (s *Session) Describe() Attributes {
	return s.attrs
}

// NextReferrer returns the last visited location, or false before the first request.
func (s *Session) NextReferrer() (string, bool) {
	if s.lastURL == "" {
		return "", false
	}
	return s.lastURL, true
}

// Visit records target as the location the next request navigates from.
func (s *Session) Visit(target string) {
	s.lastURL = target
}

// Headers builds navigation headers for a request to target.
func (s *Session) Headers(target string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", s.attrs.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", s.attrs.AcceptLanguage)
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Upgrade-Insecure-Requests", "1")

	referrer, ok := s.NextReferrer()
	if !ok {
		h.Set("Sec-Fetch-Site", "none")
		return h
	}

	h.Set("Referer", referrer)
	h.Set("Sec-Fetch-Site", fetchSite(referrer, target))
	return h
}

func fetchSite(from, to string) string {
	a, errA := url.Parse(from)
	b, errB := url.Parse(to)
	if errA != nil || errB != nil || a.Host == "" || b.Host == "" {
		return "same-origin"
	}
	if a.Scheme == b.Scheme && strings.EqualFold(a.Host, b.Host) {
		return "same-origin"
	}
	if registrable(a.Hostname()) == registrable(b.Hostname()) {
		return "same-site"
	}
	return "cross-site"
}

// registrable approximates the registrable domain as the last two labels.
func registrable(host string) string {
	labels := strings.Split(strings.ToLower(host), ".")
	if len(labels) <= 2 {
		return strings.Join(labels, ".")
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

func isMobile(ua string) bool {
	return strings.Contains(ua, "Mobile") || strings.Contains(ua, "iPhone") || strings.Contains(ua, "Android")
}

var mobileUserAgents = []string{
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.6778.39 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 13) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.6723.58 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 12) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.6668.70 Mobile Safari/537.36",
}

var desktopUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:132.0) Gecko/20100101 Firefox/132.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.0 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-US,en;q=0.9,es;q=0.8",
	"en-GB,en;q=0.9",
	"en-US,en;q=0.8",
	"en-CA,en;q=0.9",
}
