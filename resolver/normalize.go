package resolver

import (
	"fmt"
	"strings"
)

// NormalizeIdentityKey normalizes a raw identity key before create-or-match:
// trims surrounding whitespace, lowercases, collapses internal whitespace
// runs to a single space. Two mentions of the same real-world identity must
// normalize to the same key or the resolver will mint two entities.
// Does NOT strip punctuation: "acme-corp" and "acme corp" are distinct on
// purpose, since collapsing them is an extraction-layer judgement call.
func NormalizeIdentityKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", fmt.Errorf("%w: empty identity key", ErrInvalidInput)
	}
	if len(key) > maxKeyLen {
		return "", fmt.Errorf("%w: identity key exceeds %d characters", ErrInvalidInput, maxKeyLen)
	}

	key = strings.ToLower(key)

	var b strings.Builder
	b.Grow(len(key))
	space := false
	for _, c := range key {
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(c)
	}
	return b.String(), nil
}
