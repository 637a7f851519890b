// Package identity provides the seller identity checks consulted during
// listing admission. Proof verification happens off-node; these types answer
// membership only.
package identity

import "agora/native/common"

// AllowAll accepts every principal. It is the default when no allowlist is
// configured.
type AllowAll struct{}

func (AllowAll) Verified(string) bool { return true }

// StaticSet recognises a fixed allowlist, typically loaded from genesis.
type StaticSet struct {
	members map[string]struct{}
}

// NewStaticSet builds an allowlist from raw principal identifiers. Malformed
// entries are skipped rather than rejected so a partially bad genesis list
// still admits its valid members.
func NewStaticSet(principals []string) *StaticSet {
	set := &StaticSet{members: make(map[string]struct{}, len(principals))}
	for _, raw := range principals {
		if normalized, ok := common.NormalizePrincipal(raw); ok {
			set.members[normalized] = struct{}{}
		}
	}
	return set
}

// Verified reports allowlist membership for the normalised principal.
func (s *StaticSet) Verified(principal string) bool {
	if s == nil {
		return false
	}
	normalized, ok := common.NormalizePrincipal(principal)
	if !ok {
		return false
	}
	_, member := s.members[normalized]
	return member
}

// Len reports the allowlist size.
func (s *StaticSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.members)
}
