package assembly

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Resolver maps symbolic component keys to spoken text. Keys absent from the
// dictionary are treated as literal text. Resolution is deterministic and has
// no side effects.
type Resolver struct {
	components map[string]string
}

func NewResolver(components map[string]string) *Resolver {
	dict := make(map[string]string, len(components))
	for k, v := range components {
		dict[k] = v
	}
	return &Resolver{components: dict}
}

// Resolve returns the trimmed spoken text for a component key. An empty
// result means the fragment is skipped entirely.
func (r *Resolver) Resolve(key string) string {
	if text, ok := r.components[key]; ok {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(key)
}

// TextHash is the fragment cache key component: a lowercase hex SHA-256 of
// the trimmed, lower-cased text. Stable across jobs and voices.
func TextHash(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
