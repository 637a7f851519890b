package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"agora/core/events"
	"agora/core/types"
	"agora/native/common"
	"agora/native/fraud"
	"agora/native/params"
)

// Admission and lifecycle failures. Validation errors follow the fixed
// admission order; state-conflict errors cover lifecycle transitions.
var (
	ErrInvalidListingID       = errors.New("registry: invalid listing id")
	ErrInvalidItemHash        = errors.New("registry: invalid item hash")
	ErrInvalidSellerDID       = errors.New("registry: invalid seller did")
	ErrInsufficientReputation = errors.New("registry: insufficient reputation")
	ErrInvalidPrice           = errors.New("registry: invalid price")
	ErrInvalidCategory        = errors.New("registry: invalid category")
	ErrInvalidLocation        = errors.New("registry: invalid location")
	ErrInvalidCurrency        = errors.New("registry: invalid currency")
	ErrDuplicateHash          = errors.New("registry: duplicate item hash")
	ErrBlacklistedSeller      = errors.New("registry: seller blacklisted")
	ErrAnomalyDetected        = errors.New("registry: anomaly detected")
	ErrListingNotFound        = errors.New("registry: listing not found")
	ErrInvalidState           = errors.New("registry: invalid state")
)

// engineState is the slice of state manager behaviour the registry needs.
type engineState interface {
	ListingPut(*Listing) error
	ListingGet(id uint64) (*Listing, bool, error)
	ListingIDs() ([]uint64, error)
	ListingIndexAppend(id uint64) error
	ListingHashGet(hash string) (uint64, bool, error)
	ListingHashPut(hash string, id uint64) error
	FlagPut(*FlaggedListing) error
	FlagGet(listingID uint64) (*FlaggedListing, bool, error)
	FlagDelete(listingID uint64) error
}

// ReputationSource exposes the admission-check view of the reputation ledger.
type ReputationSource interface {
	Score(principal string) (uint64, error)
}

// IdentityVerifier answers whether a principal is a registered, authentic
// identity. The engine treats identifiers as opaque; DID proof verification
// happens upstream.
type IdentityVerifier interface {
	Verified(principal string) bool
}

type listingEvent struct {
	evt *types.Event
}

func (e listingEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e listingEvent) Event() *types.Event { return e.evt }

// Engine is the listing lifecycle state machine: admission with ordered
// validation and fraud scoring, authority flagging, and seller-driven price
// and pause management.
type Engine struct {
	state      engineState
	emitter    events.Emitter
	policy     *params.Store
	reputation ReputationSource
	identity   IdentityVerifier
	pauses     common.PauseView
	nowFn      func() int64
}

// NewEngine creates a registry engine with a no-op emitter. Callers wire state
// and collaborators via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPolicy configures the parameter store consulted for admission policy and
// the blacklist.
func (e *Engine) SetPolicy(policy *params.Store) { e.policy = policy }

// SetReputation configures the reputation source read by admission checks.
func (e *Engine) SetReputation(source ReputationSource) { e.reputation = source }

// SetIdentity configures the identity verifier. Passing nil disables the
// check, treating every principal as registered.
func (e *Engine) SetIdentity(verifier IdentityVerifier) { e.identity = verifier }

// SetPauses wires the module pause switchboard.
func (e *Engine) SetPauses(pauses common.PauseView) { e.pauses = pauses }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(listingEvent{evt: event})
}

func (e *Engine) ready() error {
	switch {
	case e == nil:
		return fmt.Errorf("registry engine: not initialised")
	case e.state == nil:
		return fmt.Errorf("registry engine: state not configured")
	case e.policy == nil:
		return fmt.Errorf("registry engine: policy not configured")
	case e.reputation == nil:
		return fmt.Errorf("registry engine: reputation not configured")
	default:
		return nil
	}
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// Submit admits a listing. Validation runs in a fixed order and the first
// failure wins; on failure nothing is persisted. The risk score is computed
// and recorded only while anomaly detection is enabled.
func (e *Engine) Submit(caller string, id uint64, itemHash, seller string, price uint64, category, location, currency string) (*Listing, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, common.ModuleRegistry); err != nil {
		return nil, err
	}
	callerID, ok := common.NormalizePrincipal(caller)
	if !ok {
		return nil, common.ErrInvalidPrincipal
	}

	if id == 0 {
		return nil, ErrInvalidListingID
	}
	hash, ok := NormalizeItemHash(itemHash)
	if !ok {
		return nil, ErrInvalidItemHash
	}
	sellerID, ok := common.NormalizePrincipal(seller)
	if !ok {
		return nil, ErrInvalidSellerDID
	}
	if sellerID == callerID {
		return nil, fmt.Errorf("%w: seller must not be the submitting principal", ErrInvalidSellerDID)
	}
	if e.identity != nil && !e.identity.Verified(sellerID) {
		return nil, fmt.Errorf("%w: unregistered identity", ErrInvalidSellerDID)
	}
	policy, err := e.policy.Policy()
	if err != nil {
		return nil, err
	}
	reputation, err := e.reputation.Score(sellerID)
	if err != nil {
		return nil, err
	}
	if reputation < policy.MinReputation {
		return nil, fmt.Errorf("%w: %d below minimum %d", ErrInsufficientReputation, reputation, policy.MinReputation)
	}
	if price == 0 {
		return nil, ErrInvalidPrice
	}
	if len(category) < MinCategoryLen || len(category) > MaxCategoryLen {
		return nil, ErrInvalidCategory
	}
	if len(location) < MinLocationLen || len(location) > MaxLocationLen {
		return nil, ErrInvalidLocation
	}
	normalizedCurrency, ok := NormalizeCurrency(currency)
	if !ok {
		return nil, ErrInvalidCurrency
	}
	if _, seen, err := e.state.ListingHashGet(hash); err != nil {
		return nil, err
	} else if seen {
		return nil, ErrDuplicateHash
	}
	if blocked, err := e.policy.IsBlacklisted(sellerID); err != nil {
		return nil, err
	} else if blocked {
		return nil, ErrBlacklistedSeller
	}
	if _, exists, err := e.state.ListingGet(id); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: id %d already in use", ErrInvalidListingID, id)
	}

	var riskScore *uint64
	if policy.AnomalyDetectionEnabled {
		score := fraud.Score(price, reputation, category)
		if score > policy.MaxRiskScore {
			return nil, fmt.Errorf("%w: risk score %d exceeds maximum %d", ErrAnomalyDetected, score, policy.MaxRiskScore)
		}
		riskScore = &score
	}

	now := e.now()
	listing := &Listing{
		ID:        id,
		ItemHash:  hash,
		Seller:    sellerID,
		Price:     price,
		Category:  category,
		Location:  location,
		Currency:  normalizedCurrency,
		RiskScore: riskScore,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.state.ListingHashPut(hash, id); err != nil {
		return nil, err
	}
	if err := e.state.ListingIndexAppend(id); err != nil {
		return nil, err
	}
	if err := e.state.ListingPut(listing); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(listing))
	return listing.Clone(), nil
}

// Flag suspends a listing pending review. Authority-only; the flag record is
// created or overwritten and the listing is paused until unflagged. Any risk
// score magnitude is accepted.
func (e *Engine) Flag(caller string, listingID uint64, reason string, riskScore uint64) (*FlaggedListing, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, common.ModuleRegistry); err != nil {
		return nil, err
	}
	if err := e.policy.RequireAuthority(caller); err != nil {
		return nil, err
	}
	listing, exists, err := e.state.ListingGet(listingID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrListingNotFound
	}
	flag := &FlaggedListing{
		ListingID: listingID,
		Reason:    reason,
		RiskScore: riskScore,
		FlaggedAt: e.now(),
	}
	if err := e.state.FlagPut(flag); err != nil {
		return nil, err
	}
	e.emit(NewFlaggedEvent(listing, flag))
	return flag.Clone(), nil
}

// Unflag lifts an authority flag. The listing returns to Active unless the
// seller's own pause is still in effect.
func (e *Engine) Unflag(caller string, listingID uint64) (*Snapshot, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, common.ModuleRegistry); err != nil {
		return nil, err
	}
	if err := e.policy.RequireAuthority(caller); err != nil {
		return nil, err
	}
	listing, exists, err := e.state.ListingGet(listingID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrListingNotFound
	}
	if _, flagged, err := e.state.FlagGet(listingID); err != nil {
		return nil, err
	} else if !flagged {
		return nil, fmt.Errorf("%w: listing %d is not flagged", ErrInvalidState, listingID)
	}
	if err := e.state.FlagDelete(listingID); err != nil {
		return nil, err
	}
	e.emit(NewUnflaggedEvent(listing))
	return &Snapshot{Listing: listing.Clone()}, nil
}

// UpdatePrice mutates the listing price in place. Seller-only. Fraud scoring
// is not re-run on price changes.
func (e *Engine) UpdatePrice(caller string, listingID uint64, newPrice uint64) (*Listing, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, common.ModuleRegistry); err != nil {
		return nil, err
	}
	listing, exists, err := e.state.ListingGet(listingID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrListingNotFound
	}
	callerID, ok := common.NormalizePrincipal(caller)
	if !ok || callerID != listing.Seller {
		return nil, common.ErrUnauthorized
	}
	if newPrice == 0 {
		return nil, ErrInvalidPrice
	}
	oldPrice := listing.Price
	listing.Price = newPrice
	listing.UpdatedAt = e.now()
	if err := e.state.ListingPut(listing); err != nil {
		return nil, err
	}
	e.emit(NewPriceUpdatedEvent(listing, oldPrice))
	return listing.Clone(), nil
}

// Pause sets the seller's own pause switch. Seller-only; pausing an
// already-paused listing fails.
func (e *Engine) Pause(caller string, listingID uint64) (*Snapshot, error) {
	return e.setSellerPaused(caller, listingID, true)
}

// Resume clears the seller's pause switch. Seller-only; an authority flag
// blocks resumption until lifted.
func (e *Engine) Resume(caller string, listingID uint64) (*Snapshot, error) {
	return e.setSellerPaused(caller, listingID, false)
}

func (e *Engine) setSellerPaused(caller string, listingID uint64, paused bool) (*Snapshot, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, common.ModuleRegistry); err != nil {
		return nil, err
	}
	listing, exists, err := e.state.ListingGet(listingID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrListingNotFound
	}
	callerID, ok := common.NormalizePrincipal(caller)
	if !ok || callerID != listing.Seller {
		return nil, common.ErrUnauthorized
	}
	flag, flagged, err := e.state.FlagGet(listingID)
	if err != nil {
		return nil, err
	}
	if !paused && flagged {
		return nil, fmt.Errorf("%w: listing %d is flagged", ErrInvalidState, listingID)
	}
	if listing.SellerPaused == paused {
		return nil, fmt.Errorf("%w: listing %d already in target state", ErrInvalidState, listingID)
	}
	listing.SellerPaused = paused
	listing.UpdatedAt = e.now()
	if err := e.state.ListingPut(listing); err != nil {
		return nil, err
	}
	if paused {
		e.emit(NewPausedEvent(listing))
	} else {
		e.emit(NewResumedEvent(listing))
	}
	return &Snapshot{Listing: listing.Clone(), Flag: flag.Clone()}, nil
}

// Get returns the listing together with its flag record, if any.
func (e *Engine) Get(listingID uint64) (*Snapshot, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	listing, exists, err := e.state.ListingGet(listingID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrListingNotFound
	}
	flag, flagged, err := e.state.FlagGet(listingID)
	if err != nil {
		return nil, err
	}
	snapshot := &Snapshot{Listing: listing.Clone()}
	if flagged {
		snapshot.Flag = flag.Clone()
	}
	return snapshot, nil
}

// ReviewQueue lists admitted listings whose recorded risk score exceeds the
// fraud threshold, ordered by listing id. It is the operator review surface
// for scores that passed admission but warrant a look.
func (e *Engine) ReviewQueue() ([]*Snapshot, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	policy, err := e.policy.Policy()
	if err != nil {
		return nil, err
	}
	ids, err := e.state.ListingIDs()
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	queue := make([]*Snapshot, 0)
	for _, id := range ids {
		listing, exists, err := e.state.ListingGet(id)
		if err != nil {
			return nil, err
		}
		if !exists || listing.RiskScore == nil || *listing.RiskScore <= policy.FraudThreshold {
			continue
		}
		flag, flagged, err := e.state.FlagGet(id)
		if err != nil {
			return nil, err
		}
		snapshot := &Snapshot{Listing: listing.Clone()}
		if flagged {
			snapshot.Flag = flag.Clone()
		}
		queue = append(queue, snapshot)
	}
	return queue, nil
}
