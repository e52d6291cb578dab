// Package parser extracts candidates from search pages and fields from
// profile pages. It is the reference collaborator for the HTML directory
// served by real sources; the scheduler consumes it only through function
// values.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/Sternrassler/profile-harvest/pkg/pagination"
	"github.com/Sternrassler/profile-harvest/pkg/types"
)

var (
	// ErrEmptyPayload is returned for an empty document.
	ErrEmptyPayload = errors.New("empty payload")

	// ErrNoProfile is returned when a profile page carries no name.
	ErrNoProfile = errors.New("profile name not found")
)

// Field names written into FetchRecord.Fields.
const (
	FieldName  = "name"
	FieldPhone = "phone"
	FieldEmail = "email"
)

// Config holds the CSS selectors used by the parser.
type Config struct {
	// ProfileLink selects profile anchors on a search page.
	ProfileLink string

	// IDAttr is the anchor attribute carrying the profile id. When the
	// attribute is missing the href is used as id.
	IDAttr string

	// NextPage selects the link to the following search page.
	NextPage string

	// ProfileName selects the display name on a profile page.
	ProfileName string
}

// DefaultConfig returns selectors for the default directory layout.
func DefaultConfig() Config {
	return Config{
		ProfileLink: "a.profile-link",
		IDAttr:      "data-agent-id",
		NextPage:    `a[rel="next"]`,
		ProfileName: "h1.profile-name",
	}
}

// Parser parses search and profile pages.
type Parser struct {
	cfg Config
}

// New creates a parser.
func New(cfg Config) (*Parser, error) {
	if cfg.ProfileLink == "" {
		return nil, fmt.Errorf("profile link selector is required")
	}
	if cfg.ProfileName == "" {
		return nil, fmt.Errorf("profile name selector is required")
	}
	return &Parser{cfg: cfg}, nil
}

func document(payload []byte) (*goquery.Document, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, ErrEmptyPayload
	}
	return goquery.NewDocumentFromReader(bytes.NewReader(payload))
}

// SearchPage returns the profile candidates on a search page in display
// order and whether a next page is linked. Targets are returned as found in
// the document; the walker resolves relative ones.
func (p *Parser) SearchPage(payload []byte) ([]types.Candidate, bool, error) {
	doc, err := document(payload)
	if err != nil {
		return nil, false, err
	}

	var out []types.Candidate
	doc.Find(p.cfg.ProfileLink).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		id := ""
		if p.cfg.IDAttr != "" {
			id, _ = s.Attr(p.cfg.IDAttr)
			id = strings.TrimSpace(id)
		}
		if id == "" {
			id = href
		}
		if id == "" || href == "" {
			return
		}
		out = append(out, types.Candidate{
			ID:     id,
			Target: href,
			Name:   strings.TrimSpace(s.Text()),
		})
	})

	more := p.cfg.NextPage != "" && doc.Find(p.cfg.NextPage).Length() > 0
	return out, more, nil
}

// Page adapts SearchPage to the walker's parser signature.
func (p *Parser) Page(payload []byte) (pagination.Page, error) {
	candidates, more, err := p.SearchPage(payload)
	if err != nil {
		return pagination.Page{}, err
	}
	return pagination.Page{Candidates: candidates, More: more}, nil
}

// Profile extracts the name and contact links of a profile page.
func (p *Parser) Profile(c types.Candidate, payload []byte) (types.FetchRecord, error) {
	doc, err := document(payload)
	if err != nil {
		return types.FetchRecord{}, err
	}

	name := strings.TrimSpace(doc.Find(p.cfg.ProfileName).First().Text())
	if name == "" {
		return types.FetchRecord{}, fmt.Errorf("%w: %s", ErrNoProfile, c.ID)
	}

	fields := map[string]string{FieldName: name}
	if v := hrefValue(doc, "tel:"); v != "" {
		fields[FieldPhone] = v
	}
	if v := hrefValue(doc, "mailto:"); v != "" {
		fields[FieldEmail] = v
	}

	return types.FetchRecord{
		ID:      c.ID,
		Target:  c.Target,
		Payload: payload,
		Fields:  fields,
	}, nil
}

// hrefValue returns the first link value with the given scheme prefix.
func hrefValue(doc *goquery.Document, scheme string) string {
	href, ok := doc.Find(`a[href^="` + scheme + `"]`).First().Attr("href")
	if !ok {
		return ""
	}
	v := strings.TrimSpace(strings.TrimPrefix(href, scheme))
	if i := strings.IndexByte(v, '?'); i >= 0 {
		v = v[:i]
	}
	return v
}
