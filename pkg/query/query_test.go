package query

import (
	"errors"
	"testing"
)

func TestQuery_Validate(t *testing.T) {
	tests := []struct {
		name    string
		query   Query
		wantErr error
	}{
		{name: "location only", query: Query{Location: "Nevada"}},
		{name: "empty location", query: Query{}, wantErr: ErrEmptyLocation},
		{name: "whitespace location", query: Query{Location: "   "}, wantErr: ErrEmptyLocation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := (Query{Location: "CA", Filters: map[string]string{" ": "x"}}).Validate(); err == nil {
		t.Error("Validate() should reject a filter with an empty name")
	}
}

func TestQuery_Slug(t *testing.T) {
	tests := []struct {
		location string
		want     string
	}{
		{"San Diego, CA", "san-diego-ca"},
		{"92101", "92101"},
		{"  Nevada  ", "nevada"},
		{"St. Louis--MO!", "st-louis-mo"},
	}

	for _, tt := range tests {
		got := Query{Location: tt.location}.Slug()
		if got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.location, got, tt.want)
		}
	}
}

func TestQuery_SignatureDeterministic(t *testing.T) {
	a := Query{Location: "San Diego, CA", Filters: map[string]string{"rating": "4", "sort": "reviews"}}
	b := Query{Location: "san diego ca", Filters: map[string]string{"sort": "reviews", "rating": "4"}}

	if a.Signature() != b.Signature() {
		t.Errorf("equivalent queries produced different signatures: %s vs %s", a.Signature(), b.Signature())
	}

	c := Query{Location: "San Diego, CA", Filters: map[string]string{"rating": "5"}}
	if a.Signature() == c.Signature() {
		t.Error("different filters should produce different signatures")
	}

	if len(a.Signature()) != 32 {
		t.Errorf("Signature length = %d, want 32", len(a.Signature()))
	}
}

func TestQuery_String(t *testing.T) {
	q := Query{Location: "Reno NV", Filters: map[string]string{"b": "2", "A": "1"}}
	want := "reno-nv:a=1:b=2"
	if got := q.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestQuery_SearchURL(t *testing.T) {
	q := Query{Location: "Nevada"}

	if got, want := q.SearchURL("https://example.test/agents/", 1), "https://example.test/agents/nevada/"; got != want {
		t.Errorf("SearchURL(page 1) = %q, want %q", got, want)
	}
	if got, want := q.SearchURL("https://example.test/agents", 3), "https://example.test/agents/nevada/?page=3"; got != want {
		t.Errorf("SearchURL(page 3) = %q, want %q", got, want)
	}
}
