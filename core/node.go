package core

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"agora/core/events"
	"agora/core/state"
	"agora/core/types"
	"agora/identity"
	"agora/native/arbitration"
	"agora/native/common"
	"agora/native/escrow"
	"agora/native/params"
	"agora/native/registry"
	"agora/native/reputation"
	"agora/observability"
	"agora/storage"
)

// defaultEventRetention bounds the replay window: the in-memory log and the
// persisted tail both keep this many events. The sequence head is persisted
// unconditionally so numbering stays monotone across restarts.
const defaultEventRetention = 4096

// Node is the central controller. Every public operation serialises on
// stateMu, builds a fresh state manager over the store, wires the engines it
// needs, and executes one atomic transition.
type Node struct {
	db      storage.Database
	stateMu sync.Mutex

	identity registry.IdentityVerifier
	nowFn    func() int64

	eventMu   sync.RWMutex
	events    []types.SequencedEvent
	eventSeq  uint64
	retention int
	subs      map[uint64]chan types.SequencedEvent
	nextSub   uint64
}

// NewNode opens a node over the database, applying the genesis document on
// first boot. A nil genesis boots an empty permissive node.
func NewNode(db storage.Database, genesis *Genesis) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database must not be nil")
	}
	node := &Node{
		db:        db,
		identity:  identity.AllowAll{},
		nowFn:     func() int64 { return time.Now().Unix() },
		retention: defaultEventRetention,
		subs:      make(map[uint64]chan types.SequencedEvent),
	}
	if genesis != nil && len(genesis.Identities) > 0 {
		node.identity = identity.NewStaticSet(genesis.Identities)
	}
	if err := node.applyGenesis(genesis); err != nil {
		return nil, err
	}
	if err := node.loadEventLog(); err != nil {
		return nil, err
	}
	return node, nil
}

// loadEventLog restores the persisted sequence head and the retained tail so
// sequences stay monotone across restarts and gateway cursors keep replaying.
func (n *Node) loadEventLog() error {
	manager := state.NewManager(n.db)
	head, err := manager.EventLogHead()
	if err != nil {
		return fmt.Errorf("core: load event log head: %w", err)
	}
	if head == 0 {
		return nil
	}
	start := uint64(1)
	if n.retention > 0 && head > uint64(n.retention) {
		start = head - uint64(n.retention) + 1
	}
	restored := make([]types.SequencedEvent, 0, head-start+1)
	for seq := start; seq <= head; seq++ {
		evt, ok, err := manager.Event(seq)
		if err != nil {
			return fmt.Errorf("core: load event %d: %w", seq, err)
		}
		if !ok {
			continue
		}
		restored = append(restored, evt)
	}
	n.eventSeq = head
	n.events = restored
	return nil
}

// SetEventRetention resizes the in-memory replay window. Values at or below
// zero keep the default.
func (n *Node) SetEventRetention(retention int) {
	if retention <= 0 {
		return
	}
	n.eventMu.Lock()
	n.retention = retention
	if len(n.events) > retention {
		drop := len(n.events) - retention
		n.events = append([]types.SequencedEvent(nil), n.events[drop:]...)
	}
	n.eventMu.Unlock()
}

// SetNowFunc overrides the node's time source. Primarily for tests.
func (n *Node) SetNowFunc(now func() int64) {
	if now == nil {
		n.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	n.nowFn = now
}

func (n *Node) now() int64 {
	if n.nowFn == nil {
		return time.Now().Unix()
	}
	return n.nowFn()
}

// --- event log ---

type eventWithPayload interface {
	Event() *types.Event
}

// marketEventEmitter bridges engine events into the node's sequenced log.
type marketEventEmitter struct {
	node *Node
}

func (e marketEventEmitter) Emit(evt events.Event) {
	if e.node == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	e.node.appendEvent(payload.Event())
}

func (n *Node) appendEvent(evt *types.Event) {
	if evt == nil {
		return
	}
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	n.eventMu.Lock()
	n.eventSeq++
	sequenced := types.SequencedEvent{
		Sequence:  n.eventSeq,
		Timestamp: n.now(),
		Event:     types.Event{Type: evt.Type, Attributes: attrs},
	}
	manager := state.NewManager(n.db)
	if err := manager.PutEvent(sequenced); err != nil {
		// Live delivery continues from memory; the head resumes from the
		// last persisted sequence on restart.
		slog.Warn("event log write failed", "sequence", sequenced.Sequence, "err", err)
	} else if n.retention > 0 && sequenced.Sequence > uint64(n.retention) {
		_ = manager.DeleteEvent(sequenced.Sequence - uint64(n.retention))
	}
	n.events = append(n.events, sequenced)
	if n.retention > 0 && len(n.events) > n.retention {
		drop := len(n.events) - n.retention
		n.events = append([]types.SequencedEvent(nil), n.events[drop:]...)
	}
	subscribers := make([]chan types.SequencedEvent, 0, len(n.subs))
	for _, ch := range n.subs {
		subscribers = append(subscribers, ch)
	}
	n.eventMu.Unlock()

	observability.Events().Record(evt.Type)

	for _, ch := range subscribers {
		select {
		case ch <- sequenced:
		default:
			// Slow consumers miss live delivery and catch up via cursor replay.
		}
	}
}

// EventsSince returns up to limit events with sequence numbers above the
// cursor, together with the newest sequence number in the log.
func (n *Node) EventsSince(cursor uint64, limit int) ([]types.SequencedEvent, uint64) {
	n.eventMu.RLock()
	defer n.eventMu.RUnlock()
	out := make([]types.SequencedEvent, 0)
	for _, evt := range n.events {
		if evt.Sequence <= cursor {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, n.eventSeq
}

// LatestEvents returns the newest events in the log, oldest first.
func (n *Node) LatestEvents(limit int) ([]types.SequencedEvent, uint64) {
	n.eventMu.RLock()
	defer n.eventMu.RUnlock()
	start := 0
	if limit > 0 && len(n.events) > limit {
		start = len(n.events) - limit
	}
	out := make([]types.SequencedEvent, len(n.events)-start)
	copy(out, n.events[start:])
	return out, n.eventSeq
}

// Subscribe registers a live event consumer. The returned channel drops
// deliveries the consumer is too slow for; Unsubscribe closes it.
func (n *Node) Subscribe(buffer int) (uint64, <-chan types.SequencedEvent) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan types.SequencedEvent, buffer)
	n.eventMu.Lock()
	n.nextSub++
	id := n.nextSub
	n.subs[id] = ch
	n.eventMu.Unlock()
	return id, ch
}

// Unsubscribe removes a consumer and closes its channel.
func (n *Node) Unsubscribe(id uint64) {
	n.eventMu.Lock()
	ch, ok := n.subs[id]
	if ok {
		delete(n.subs, id)
	}
	n.eventMu.Unlock()
	if ok {
		close(ch)
	}
}

// --- engine wiring ---

// roleEligibility backs arbitrator eligibility with the role set.
type roleEligibility struct {
	manager *state.Manager
}

func (r roleEligibility) Eligible(principal string) bool {
	return r.manager.HasRole(state.RoleArbitrator, principal)
}

func (n *Node) newRegistryEngine(manager *state.Manager) *registry.Engine {
	policy := params.NewStore(manager)
	engine := registry.NewEngine()
	engine.SetState(manager)
	engine.SetPolicy(policy)
	engine.SetReputation(reputation.NewLedger(manager))
	engine.SetIdentity(n.identity)
	engine.SetPauses(policy)
	engine.SetEmitter(marketEventEmitter{node: n})
	engine.SetNowFunc(n.nowFn)
	return engine
}

func (n *Node) newEscrowEngine(manager *state.Manager) *escrow.Engine {
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetReputation(reputation.NewLedger(manager))
	engine.SetPauses(params.NewStore(manager))
	engine.SetEmitter(marketEventEmitter{node: n})
	engine.SetNowFunc(n.nowFn)
	return engine
}

func (n *Node) newArbitrationEngine(manager *state.Manager) *arbitration.Engine {
	engine := arbitration.NewEngine()
	engine.SetState(manager)
	engine.SetSettlement(n.newEscrowEngine(manager))
	engine.SetEligibility(roleEligibility{manager: manager})
	engine.SetPauses(params.NewStore(manager))
	engine.SetEmitter(marketEventEmitter{node: n})
	engine.SetNowFunc(n.nowFn)
	return engine
}

// --- market operations ---

func (n *Node) MarketSubmit(caller string, id uint64, itemHash, seller string, price uint64, category, location, currency string) (*registry.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newRegistryEngine(manager)
	return engine.Submit(caller, id, itemHash, seller, price, category, location, currency)
}

func (n *Node) MarketGet(id uint64) (*registry.Snapshot, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newRegistryEngine(manager)
	return engine.Get(id)
}

func (n *Node) MarketFlag(caller string, id uint64, reason string, riskScore uint64) (*registry.FlaggedListing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newRegistryEngine(manager)
	return engine.Flag(caller, id, reason, riskScore)
}

func (n *Node) MarketUnflag(caller string, id uint64) (*registry.Snapshot, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newRegistryEngine(manager)
	return engine.Unflag(caller, id)
}

func (n *Node) MarketUpdatePrice(caller string, id uint64, newPrice uint64) (*registry.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newRegistryEngine(manager)
	return engine.UpdatePrice(caller, id, newPrice)
}

func (n *Node) MarketPause(caller string, id uint64) (*registry.Snapshot, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newRegistryEngine(manager)
	return engine.Pause(caller, id)
}

func (n *Node) MarketResume(caller string, id uint64) (*registry.Snapshot, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newRegistryEngine(manager)
	return engine.Resume(caller, id)
}

func (n *Node) MarketReviewQueue() ([]*registry.Snapshot, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newRegistryEngine(manager)
	return engine.ReviewQueue()
}

// --- escrow operations ---

func (n *Node) EscrowOpen(caller string, listingID uint64, amount uint64, currency string) (*escrow.Record, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newEscrowEngine(manager)
	return engine.Open(caller, listingID, amount, currency)
}

func (n *Node) EscrowConfirm(caller string, listingID uint64) (*escrow.Record, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newEscrowEngine(manager)
	return engine.Confirm(caller, listingID)
}

func (n *Node) EscrowGet(listingID uint64) (*escrow.Record, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newEscrowEngine(manager)
	return engine.Get(listingID)
}

// --- dispute operations ---

func (n *Node) DisputeOpen(caller string, listingID uint64, evidenceRefs []string) (*arbitration.Dispute, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newArbitrationEngine(manager)
	return engine.Open(caller, listingID, evidenceRefs)
}

func (n *Node) DisputeSubmitEvidence(caller string, disputeID [32]byte, evidenceRef string) (*arbitration.Dispute, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newArbitrationEngine(manager)
	return engine.SubmitEvidence(caller, disputeID, evidenceRef)
}

func (n *Node) DisputeRule(caller string, disputeID [32]byte, ruling arbitration.Ruling) (*arbitration.Dispute, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newArbitrationEngine(manager)
	return engine.Rule(caller, disputeID, ruling)
}

func (n *Node) DisputeGet(disputeID [32]byte) (*arbitration.Dispute, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newArbitrationEngine(manager)
	return engine.Get(disputeID)
}

// --- reputation operations ---

func (n *Node) ReputationGet(principal string) (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	return reputation.NewLedger(manager).Score(principal)
}

// ReputationSet overwrites a participant's score. Restricted to principals
// holding the reputation oracle role.
func (n *Node) ReputationSet(caller, principal string, score uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	callerID, ok := common.NormalizePrincipal(caller)
	if !ok {
		return common.ErrInvalidPrincipal
	}
	if !manager.HasRole(state.RoleReputationOracle, callerID) {
		return fmt.Errorf("%w: caller lacks reputation oracle role", common.ErrUnauthorized)
	}
	ledger := reputation.NewLedger(manager)
	if err := ledger.SetScore(principal, score); err != nil {
		return err
	}
	normalized, _ := common.NormalizePrincipal(principal)
	n.appendEvent(&types.Event{
		Type: reputation.EventTypeUpdated,
		Attributes: map[string]string{
			"outcome":   "oracle",
			"principal": normalized,
			"score":     fmt.Sprintf("%d", score),
			"oracle":    callerID,
		},
	})
	return nil
}

// --- policy operations ---

func (n *Node) PolicySetAuthority(principal string) (string, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	authority, err := params.NewStore(manager).SetAuthority(principal)
	if err != nil {
		return "", err
	}
	n.appendEvent(&types.Event{
		Type:       params.EventTypeAuthoritySet,
		Attributes: map[string]string{"authority": authority},
	})
	return authority, nil
}

func (n *Node) PolicyAuthority() (string, bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	return params.NewStore(manager).Authority()
}

func (n *Node) PolicyGet() (params.PolicyConfig, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	return params.NewStore(manager).Policy()
}

func (n *Node) policyEvent(field, value string) {
	n.appendEvent(&types.Event{
		Type:       params.EventTypePolicyUpdated,
		Attributes: map[string]string{"field": field, "value": value},
	})
}

func (n *Node) PolicySetFraudThreshold(caller string, value uint64) (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	updated, err := params.NewStore(manager).SetFraudThreshold(caller, value)
	if err != nil {
		return 0, err
	}
	n.policyEvent("fraudThreshold", fmt.Sprintf("%d", updated))
	return updated, nil
}

func (n *Node) PolicySetMinReputation(caller string, value uint64) (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	updated, err := params.NewStore(manager).SetMinReputation(caller, value)
	if err != nil {
		return 0, err
	}
	n.policyEvent("minReputation", fmt.Sprintf("%d", updated))
	return updated, nil
}

func (n *Node) PolicySetMaxRiskScore(caller string, value uint64) (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	updated, err := params.NewStore(manager).SetMaxRiskScore(caller, value)
	if err != nil {
		return 0, err
	}
	n.policyEvent("maxRiskScore", fmt.Sprintf("%d", updated))
	return updated, nil
}

func (n *Node) PolicyToggleAnomalyDetection(caller string) (bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	enabled, err := params.NewStore(manager).ToggleAnomalyDetection(caller)
	if err != nil {
		return false, err
	}
	n.policyEvent("anomalyDetectionEnabled", fmt.Sprintf("%t", enabled))
	return enabled, nil
}

func (n *Node) BlacklistAdd(caller, seller string) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	if err := params.NewStore(manager).BlacklistAdd(caller, seller); err != nil {
		return err
	}
	normalized, _ := common.NormalizePrincipal(seller)
	n.appendEvent(&types.Event{
		Type:       params.EventTypeBlacklistUpdated,
		Attributes: map[string]string{"seller": normalized, "op": "add"},
	})
	return nil
}

func (n *Node) BlacklistRemove(caller, seller string) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	if err := params.NewStore(manager).BlacklistRemove(caller, seller); err != nil {
		return err
	}
	normalized, _ := common.NormalizePrincipal(seller)
	n.appendEvent(&types.Event{
		Type:       params.EventTypeBlacklistUpdated,
		Attributes: map[string]string{"seller": normalized, "op": "remove"},
	})
	return nil
}

func (n *Node) Blacklist() ([]string, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	return params.NewStore(manager).Blacklist()
}

func (n *Node) IsBlacklisted(seller string) (bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	return params.NewStore(manager).IsBlacklisted(seller)
}

var knownModules = map[string]bool{
	common.ModuleRegistry:    true,
	common.ModuleEscrow:      true,
	common.ModuleArbitration: true,
	common.ModuleBank:        true,
}

func (n *Node) PolicySetPaused(caller, module string, paused bool) error {
	if !knownModules[module] {
		return fmt.Errorf("core: unknown module %q", module)
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	if err := params.NewStore(manager).SetPaused(caller, module, paused); err != nil {
		return err
	}
	n.appendEvent(&types.Event{
		Type:       params.EventTypePauseUpdated,
		Attributes: map[string]string{"module": module, "paused": fmt.Sprintf("%t", paused)},
	})
	return nil
}

func (n *Node) PolicyPauses() (params.Pauses, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	return params.NewStore(manager).Pauses()
}

// --- role operations ---

var grantableRoles = map[string]bool{
	state.RoleArbitrator:       true,
	state.RoleReputationOracle: true,
}

func (n *Node) RoleGrant(caller, role, principal string) error {
	if !grantableRoles[role] {
		return fmt.Errorf("core: unknown role %q", role)
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	if err := params.NewStore(manager).RequireAuthority(caller); err != nil {
		return err
	}
	normalized, ok := common.NormalizePrincipal(principal)
	if !ok {
		return common.ErrInvalidPrincipal
	}
	if err := manager.SetRole(role, normalized); err != nil {
		return err
	}
	n.appendEvent(&types.Event{
		Type:       "role.granted",
		Attributes: map[string]string{"role": role, "principal": normalized},
	})
	return nil
}

func (n *Node) RoleRevoke(caller, role, principal string) error {
	if !grantableRoles[role] {
		return fmt.Errorf("core: unknown role %q", role)
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	if err := params.NewStore(manager).RequireAuthority(caller); err != nil {
		return err
	}
	normalized, ok := common.NormalizePrincipal(principal)
	if !ok {
		return common.ErrInvalidPrincipal
	}
	if err := manager.RemoveRole(role, normalized); err != nil {
		return err
	}
	n.appendEvent(&types.Event{
		Type:       "role.revoked",
		Attributes: map[string]string{"role": role, "principal": normalized},
	})
	return nil
}

func (n *Node) RoleMembers(role string) ([]string, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	return manager.RoleMembers(role)
}

func (n *Node) HasRole(role, principal string) bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	return manager.HasRole(role, principal)
}

// --- bank operations ---

// BankMint credits a principal's balance. Authority-only; the supply is
// administrative rather than consensus-backed.
func (n *Node) BankMint(caller, principal string, currency string, amount uint64) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	if err := common.Guard(params.NewStore(manager), common.ModuleBank); err != nil {
		return nil, err
	}
	if err := params.NewStore(manager).RequireAuthority(caller); err != nil {
		return nil, err
	}
	normalized, ok := common.NormalizePrincipal(principal)
	if !ok {
		return nil, common.ErrInvalidPrincipal
	}
	parsedCurrency, ok := registry.NormalizeCurrency(currency)
	if !ok {
		return nil, registry.ErrInvalidCurrency
	}
	if amount == 0 {
		return nil, fmt.Errorf("core: mint amount must be positive")
	}
	balance, err := manager.Balance(normalized, parsedCurrency)
	if err != nil {
		return nil, err
	}
	updated := new(big.Int).Add(balance, new(big.Int).SetUint64(amount))
	if err := manager.SetBalance(normalized, parsedCurrency, updated); err != nil {
		return nil, err
	}
	n.appendEvent(&types.Event{
		Type: "bank.minted",
		Attributes: map[string]string{
			"principal": normalized,
			"currency":  string(parsedCurrency),
			"amount":    fmt.Sprintf("%d", amount),
			"balance":   updated.String(),
		},
	})
	return updated, nil
}

func (n *Node) BankBalance(principal string, currency string) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	normalized, ok := common.NormalizePrincipal(principal)
	if !ok {
		return nil, common.ErrInvalidPrincipal
	}
	parsedCurrency, ok := registry.NormalizeCurrency(currency)
	if !ok {
		return nil, registry.ErrInvalidCurrency
	}
	manager := state.NewManager(n.db)
	return manager.Balance(normalized, parsedCurrency)
}
