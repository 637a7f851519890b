package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"agora/native/common"
)

// ErrAlreadySet is returned when attempting to set the authority after it has
// been stored. The authority is immutable once configured.
var ErrAlreadySet = errors.New("params: authority already set")

// PolicyConfig is the mutable numeric marketplace policy. All fields are
// adjustable by the authority; no bounds beyond the type range are enforced.
type PolicyConfig struct {
	FraudThreshold          uint64 `json:"fraudThreshold"`
	MinReputation           uint64 `json:"minReputation"`
	MaxRiskScore            uint64 `json:"maxRiskScore"`
	AnomalyDetectionEnabled bool   `json:"anomalyDetectionEnabled"`
}

// DefaultPolicy returns the policy applied before the authority configures
// one. Genesis normally overrides these values.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		FraudThreshold:          50,
		MinReputation:           0,
		MaxRiskScore:            200,
		AnomalyDetectionEnabled: true,
	}
}

// Pauses captures the per-module pause switches toggled by the authority.
type Pauses struct {
	Modules map[string]bool `json:"modules"`
}

// StoreState captures the subset of state manager capabilities required by the
// parameter helpers.
type StoreState interface {
	ParamStoreSet(name string, value []byte) error
	ParamStoreGet(name string) ([]byte, bool, error)
}

// Store provides typed accessors for the authority-controlled parameters.
type Store struct {
	state StoreState
}

// NewStore constructs a parameter store wrapper using the supplied state
// backend.
func NewStore(state StoreState) *Store {
	return &Store{state: state}
}

func (s *Store) withState() (StoreState, error) {
	if s == nil || s.state == nil {
		return nil, fmt.Errorf("params: state not configured")
	}
	return s.state, nil
}

// Authority returns the configured administrator principal. The boolean
// reports whether the authority has been set.
func (s *Store) Authority() (string, bool, error) {
	state, err := s.withState()
	if err != nil {
		return "", false, err
	}
	raw, ok, err := state.ParamStoreGet(ParamsKeyAuthority)
	if err != nil {
		return "", false, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return "", false, nil
	}
	var principal string
	if err := json.Unmarshal(raw, &principal); err != nil {
		return "", false, fmt.Errorf("params: decode authority: %w", err)
	}
	return principal, true, nil
}

// SetAuthority stores the administrator principal. The first successful call
// wins; every later call fails with ErrAlreadySet regardless of caller.
func (s *Store) SetAuthority(principal string) (string, error) {
	state, err := s.withState()
	if err != nil {
		return "", err
	}
	normalized, ok := common.NormalizePrincipal(principal)
	if !ok {
		return "", common.ErrInvalidPrincipal
	}
	if _, exists, err := s.Authority(); err != nil {
		return "", err
	} else if exists {
		return "", ErrAlreadySet
	}
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("params: encode authority: %w", err)
	}
	if err := state.ParamStoreSet(ParamsKeyAuthority, encoded); err != nil {
		return "", err
	}
	return normalized, nil
}

// RequireAuthority is the shared capability check invoked by every privileged
// operation. It fails when the authority is unset or the caller differs from
// it.
func (s *Store) RequireAuthority(caller string) error {
	authority, ok, err := s.Authority()
	if err != nil {
		return err
	}
	if !ok || authority != caller {
		return common.ErrUnauthorized
	}
	return nil
}

// Policy loads the current policy configuration, falling back to the defaults
// when none has been stored.
func (s *Store) Policy() (PolicyConfig, error) {
	state, err := s.withState()
	if err != nil {
		return PolicyConfig{}, err
	}
	raw, ok, err := state.ParamStoreGet(ParamsKeyPolicy)
	if err != nil {
		return PolicyConfig{}, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return DefaultPolicy(), nil
	}
	var policy PolicyConfig
	if err := json.Unmarshal(raw, &policy); err != nil {
		return PolicyConfig{}, fmt.Errorf("params: decode policy: %w", err)
	}
	return policy, nil
}

// SetPolicy persists the supplied policy wholesale. Used by genesis; runtime
// mutation goes through the per-field setters below.
func (s *Store) SetPolicy(policy PolicyConfig) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("params: encode policy: %w", err)
	}
	return state.ParamStoreSet(ParamsKeyPolicy, encoded)
}

func (s *Store) mutatePolicy(caller string, mutate func(*PolicyConfig)) (PolicyConfig, error) {
	if err := s.RequireAuthority(caller); err != nil {
		return PolicyConfig{}, err
	}
	policy, err := s.Policy()
	if err != nil {
		return PolicyConfig{}, err
	}
	mutate(&policy)
	if err := s.SetPolicy(policy); err != nil {
		return PolicyConfig{}, err
	}
	return policy, nil
}

// SetFraudThreshold updates the fraud review threshold and returns the new
// value.
func (s *Store) SetFraudThreshold(caller string, value uint64) (uint64, error) {
	policy, err := s.mutatePolicy(caller, func(p *PolicyConfig) { p.FraudThreshold = value })
	if err != nil {
		return 0, err
	}
	return policy.FraudThreshold, nil
}

// SetMinReputation updates the minimum seller reputation required for
// admission and returns the new value.
func (s *Store) SetMinReputation(caller string, value uint64) (uint64, error) {
	policy, err := s.mutatePolicy(caller, func(p *PolicyConfig) { p.MinReputation = value })
	if err != nil {
		return 0, err
	}
	return policy.MinReputation, nil
}

// SetMaxRiskScore updates the admission risk ceiling and returns the new
// value.
func (s *Store) SetMaxRiskScore(caller string, value uint64) (uint64, error) {
	policy, err := s.mutatePolicy(caller, func(p *PolicyConfig) { p.MaxRiskScore = value })
	if err != nil {
		return 0, err
	}
	return policy.MaxRiskScore, nil
}

// ToggleAnomalyDetection flips the anomaly detection switch and returns the
// new state.
func (s *Store) ToggleAnomalyDetection(caller string) (bool, error) {
	policy, err := s.mutatePolicy(caller, func(p *PolicyConfig) {
		p.AnomalyDetectionEnabled = !p.AnomalyDetectionEnabled
	})
	if err != nil {
		return false, err
	}
	return policy.AnomalyDetectionEnabled, nil
}

// Blacklist returns the current seller blacklist in sorted order.
func (s *Store) Blacklist() ([]string, error) {
	state, err := s.withState()
	if err != nil {
		return nil, err
	}
	raw, ok, err := state.ParamStoreGet(ParamsKeyBlacklist)
	if err != nil {
		return nil, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("params: decode blacklist: %w", err)
	}
	return list, nil
}

func (s *Store) writeBlacklist(list []string) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	sort.Strings(list)
	encoded, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("params: encode blacklist: %w", err)
	}
	return state.ParamStoreSet(ParamsKeyBlacklist, encoded)
}

// ReplaceBlacklist persists the supplied seller list wholesale. Used by
// genesis; runtime mutation goes through BlacklistAdd and BlacklistRemove.
func (s *Store) ReplaceBlacklist(sellers []string) error {
	list := make([]string, 0, len(sellers))
	seen := make(map[string]struct{}, len(sellers))
	for _, seller := range sellers {
		normalized, ok := common.NormalizePrincipal(seller)
		if !ok {
			return fmt.Errorf("%w: %q", common.ErrInvalidPrincipal, seller)
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		list = append(list, normalized)
	}
	return s.writeBlacklist(list)
}

// BlacklistAdd inserts a seller into the blacklist. Duplicate additions are
// ignored while the stored list remains sorted for determinism.
func (s *Store) BlacklistAdd(caller, seller string) error {
	if err := s.RequireAuthority(caller); err != nil {
		return err
	}
	normalized, ok := common.NormalizePrincipal(seller)
	if !ok {
		return common.ErrInvalidPrincipal
	}
	list, err := s.Blacklist()
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing == normalized {
			return nil
		}
	}
	return s.writeBlacklist(append(list, normalized))
}

// BlacklistRemove deletes a seller from the blacklist. Removal is not
// retroactive: already-admitted listings stay admitted either way.
func (s *Store) BlacklistRemove(caller, seller string) error {
	if err := s.RequireAuthority(caller); err != nil {
		return err
	}
	normalized, ok := common.NormalizePrincipal(seller)
	if !ok {
		return common.ErrInvalidPrincipal
	}
	list, err := s.Blacklist()
	if err != nil {
		return err
	}
	filtered := list[:0]
	for _, existing := range list {
		if existing != normalized {
			filtered = append(filtered, existing)
		}
	}
	return s.writeBlacklist(filtered)
}

// IsBlacklisted reports whether the seller is currently blacklisted.
func (s *Store) IsBlacklisted(seller string) (bool, error) {
	list, err := s.Blacklist()
	if err != nil {
		return false, err
	}
	for _, existing := range list {
		if existing == seller {
			return true, nil
		}
	}
	return false, nil
}

// Pauses loads the persisted pause configuration. When unset, a zero-value
// configuration is returned.
func (s *Store) Pauses() (Pauses, error) {
	state, err := s.withState()
	if err != nil {
		return Pauses{}, err
	}
	raw, ok, err := state.ParamStoreGet(ParamsKeyPauses)
	if err != nil {
		return Pauses{}, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return Pauses{}, nil
	}
	var pauses Pauses
	if err := json.Unmarshal(raw, &pauses); err != nil {
		return Pauses{}, fmt.Errorf("params: decode pauses: %w", err)
	}
	return pauses, nil
}

// SetPaused toggles the pause switch for a module.
func (s *Store) SetPaused(caller, module string, paused bool) error {
	if err := s.RequireAuthority(caller); err != nil {
		return err
	}
	pauses, err := s.Pauses()
	if err != nil {
		return err
	}
	if pauses.Modules == nil {
		pauses.Modules = make(map[string]bool)
	}
	if paused {
		pauses.Modules[module] = true
	} else {
		delete(pauses.Modules, module)
	}
	state, err := s.withState()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(pauses)
	if err != nil {
		return fmt.Errorf("params: encode pauses: %w", err)
	}
	return state.ParamStoreSet(ParamsKeyPauses, encoded)
}

// IsPaused reports whether the module is paused. Errors while reading the
// underlying state result in a false return, matching the best-effort
// semantics required by the guard callers.
func (s *Store) IsPaused(module string) bool {
	pauses, err := s.Pauses()
	if err != nil {
		return false
	}
	return pauses.Modules[module]
}
