package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"agora/core/state"
	"agora/native/common"
	"agora/native/params"
	"agora/native/registry"
	"agora/native/reputation"
)

// genesisAppliedKey marks that the genesis document has been written, so a
// restart over an existing database never re-applies it.
var genesisAppliedKey = []byte("genesis/applied")

// Genesis describes the initial marketplace state: the authority, the policy,
// role grants, funded accounts, seeded reputation, and the identity allowlist.
type Genesis struct {
	Authority  string               `json:"authority,omitempty"`
	Policy     *params.PolicyConfig `json:"policy,omitempty"`
	Roles      map[string][]string  `json:"roles,omitempty"`
	Identities []string             `json:"identities,omitempty"`
	Balances   []GenesisBalance     `json:"balances,omitempty"`
	Reputation map[string]uint64    `json:"reputation,omitempty"`
	Blacklist  []string             `json:"blacklist,omitempty"`
}

// GenesisBalance funds a single account in one currency.
type GenesisBalance struct {
	Principal string `json:"principal"`
	Currency  string `json:"currency"`
	Amount    uint64 `json:"amount"`
}

// LoadGenesis reads and validates a genesis document from disk.
func LoadGenesis(path string) (*Genesis, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis %q: %w", path, err)
	}
	var genesis Genesis
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&genesis); err != nil {
		return nil, fmt.Errorf("decode genesis %q: %w", path, err)
	}
	if err := genesis.validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis %q: %w", path, err)
	}
	return &genesis, nil
}

func (g *Genesis) validate() error {
	if strings.TrimSpace(g.Authority) != "" {
		if _, ok := common.NormalizePrincipal(g.Authority); !ok {
			return fmt.Errorf("authority: %w", common.ErrInvalidPrincipal)
		}
	}

	for role, principals := range g.Roles {
		if !grantableRoles[role] {
			return fmt.Errorf("roles[%q]: unknown role", role)
		}
		for i, principal := range principals {
			if _, ok := common.NormalizePrincipal(principal); !ok {
				return fmt.Errorf("roles[%q][%d]: %w", role, i, common.ErrInvalidPrincipal)
			}
		}
	}

	for i, entry := range g.Identities {
		if _, ok := common.NormalizePrincipal(entry); !ok {
			return fmt.Errorf("identities[%d]: %w", i, common.ErrInvalidPrincipal)
		}
	}

	seen := make(map[string]struct{}, len(g.Balances))
	for i, balance := range g.Balances {
		principal, ok := common.NormalizePrincipal(balance.Principal)
		if !ok {
			return fmt.Errorf("balances[%d]: %w", i, common.ErrInvalidPrincipal)
		}
		currency, ok := registry.NormalizeCurrency(balance.Currency)
		if !ok {
			return fmt.Errorf("balances[%d]: invalid currency %q", i, balance.Currency)
		}
		key := principal + "/" + string(currency)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("balances[%d]: duplicate entry for %s", i, key)
		}
		seen[key] = struct{}{}
	}

	for principal := range g.Reputation {
		if _, ok := common.NormalizePrincipal(principal); !ok {
			return fmt.Errorf("reputation[%q]: %w", principal, common.ErrInvalidPrincipal)
		}
	}

	for i, seller := range g.Blacklist {
		if _, ok := common.NormalizePrincipal(seller); !ok {
			return fmt.Errorf("blacklist[%d]: %w", i, common.ErrInvalidPrincipal)
		}
	}
	return nil
}

// applyGenesis writes the genesis document into state exactly once. Maps are
// iterated in sorted order so replays over a fresh database are deterministic.
func (n *Node) applyGenesis(genesis *Genesis) error {
	if genesis == nil {
		return nil
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	applied, err := manager.KVGet(genesisAppliedKey, nil)
	if err != nil {
		return fmt.Errorf("genesis: check marker: %w", err)
	}
	if applied {
		return nil
	}

	store := params.NewStore(manager)
	if strings.TrimSpace(genesis.Authority) != "" {
		if _, err := store.SetAuthority(genesis.Authority); err != nil {
			return fmt.Errorf("genesis: authority: %w", err)
		}
	}
	if genesis.Policy != nil {
		if err := store.SetPolicy(*genesis.Policy); err != nil {
			return fmt.Errorf("genesis: policy: %w", err)
		}
	}
	if len(genesis.Blacklist) > 0 {
		if err := store.ReplaceBlacklist(genesis.Blacklist); err != nil {
			return fmt.Errorf("genesis: blacklist: %w", err)
		}
	}

	roleNames := make([]string, 0, len(genesis.Roles))
	for role := range genesis.Roles {
		roleNames = append(roleNames, role)
	}
	sort.Strings(roleNames)
	for _, role := range roleNames {
		principals := append([]string(nil), genesis.Roles[role]...)
		sort.Strings(principals)
		for _, principal := range principals {
			normalized, _ := common.NormalizePrincipal(principal)
			if err := manager.SetRole(role, normalized); err != nil {
				return fmt.Errorf("genesis: roles[%q]: %w", role, err)
			}
		}
	}

	for i, balance := range genesis.Balances {
		principal, _ := common.NormalizePrincipal(balance.Principal)
		currency, _ := registry.NormalizeCurrency(balance.Currency)
		amount := new(big.Int).SetUint64(balance.Amount)
		if err := manager.SetBalance(principal, currency, amount); err != nil {
			return fmt.Errorf("genesis: balances[%d]: %w", i, err)
		}
	}

	ledger := reputation.NewLedger(manager)
	principals := make([]string, 0, len(genesis.Reputation))
	for principal := range genesis.Reputation {
		principals = append(principals, principal)
	}
	sort.Strings(principals)
	for _, principal := range principals {
		if err := ledger.SetScore(principal, genesis.Reputation[principal]); err != nil {
			return fmt.Errorf("genesis: reputation[%q]: %w", principal, err)
		}
	}

	if err := manager.KVPut(genesisAppliedKey, true); err != nil {
		return fmt.Errorf("genesis: write marker: %w", err)
	}
	return nil
}
