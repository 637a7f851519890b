package params

const (
	// ParamsKeyAuthority stores the one-time-settable administrator principal.
	ParamsKeyAuthority = "market/authority"
	// ParamsKeyPolicy stores the numeric marketplace policy configuration.
	ParamsKeyPolicy = "market/policy"
	// ParamsKeyBlacklist stores the seller blacklist.
	ParamsKeyBlacklist = "market/blacklist"
	// ParamsKeyPauses stores the module pause configuration.
	ParamsKeyPauses = "system/pauses"
)

// Event types emitted when the authority adjusts configuration.
const (
	EventTypeAuthoritySet     = "policy.authority"
	EventTypePolicyUpdated    = "policy.updated"
	EventTypeBlacklistUpdated = "policy.blacklist"
	EventTypePauseUpdated     = "policy.paused"
)
