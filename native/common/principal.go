package common

import (
	"errors"
	"strings"
)

// ErrInvalidPrincipal rejects malformed principal identifiers before they
// reach state.
var ErrInvalidPrincipal = errors.New("invalid principal")

// MaxPrincipalLen bounds stored principal identifiers. DID strings observed in
// the wild stay well under this.
const MaxPrincipalLen = 128

// NormalizePrincipal trims surrounding whitespace and validates that the
// identifier is printable ASCII without embedded spaces. Principals are
// otherwise opaque to the engine; no DID proof verification happens here.
func NormalizePrincipal(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || len(trimmed) > MaxPrincipalLen {
		return "", false
	}
	for _, r := range trimmed {
		if r <= ' ' || r > '~' {
			return "", false
		}
	}
	return trimmed, true
}
