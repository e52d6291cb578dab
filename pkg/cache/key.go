package cache

import (
	"fmt"
)

// KeyPrefix prefixes every page cache key.
const KeyPrefix = "harvest:page"

// Key identifies one search page of one query.
type Key struct {
	// Signature is the query signature.
	Signature string

	// Page is the 1-based page number.
	Page int
}

// String generates the Redis key.
// Format: harvest:page:<signature>:<page>
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d", KeyPrefix, k.Signature, k.Page)
}

// pattern matches every page of a signature.
func pattern(signature string) string {
	return fmt.Sprintf("%s:%s:*", KeyPrefix, signature)
}
