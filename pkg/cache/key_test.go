package cache

import "testing"

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{"first page", Key{Signature: "abc", Page: 1}, "harvest:page:abc:1"},
		{"later page", Key{Signature: "abc", Page: 12}, "harvest:page:abc:12"},
		{"empty signature", Key{Page: 2}, "harvest:page::2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPattern(t *testing.T) {
	if got := pattern("abc"); got != "harvest:page:abc:*" {
		t.Errorf("pattern() = %q", got)
	}
}
