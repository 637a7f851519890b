package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"agora/core/events"
	"agora/core/types"
	"agora/native/common"
	"agora/native/registry"
)

var (
	ErrEscrowMismatch    = errors.New("escrow: terms mismatch")
	ErrNoOpenEscrow      = errors.New("escrow: no open escrow")
	ErrEscrowNotFound    = errors.New("escrow: not found")
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	ErrInvalidState      = errors.New("escrow: invalid state")
)

// engineState is the slice of state manager behaviour the settlement engine
// needs: listings for admission checks, escrow records, fund balances, and the
// open-dispute index consulted before a buyer confirmation.
type engineState interface {
	ListingGet(id uint64) (*registry.Listing, bool, error)
	FlagGet(listingID uint64) (*registry.FlaggedListing, bool, error)
	EscrowPut(*Record) error
	EscrowGet(listingID uint64) (*Record, bool, error)
	Balance(principal string, currency registry.Currency) (*big.Int, error)
	SetBalance(principal string, currency registry.Currency, amount *big.Int) error
	DisputeOpenRef(listingID, seq uint64) ([32]byte, bool, error)
}

// ReputationOutcomes applies settlement results to the reputation ledger and
// reports the resulting scores.
type ReputationOutcomes interface {
	ApplyFulfilled(seller, buyer string) (sellerScore, buyerScore uint64, err error)
	ApplyFraudSuspected(seller string) (uint64, error)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine settles purchases: it holds buyer funds in the currency vault while a
// purchase is pending and pays them out on confirmation or an arbitration
// ruling.
type Engine struct {
	state      engineState
	emitter    events.Emitter
	reputation ReputationOutcomes
	pauses     common.PauseView
	nowFn      func() int64
}

func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

func (e *Engine) SetState(state engineState) { e.state = state }

func (e *Engine) SetReputation(outcomes ReputationOutcomes) { e.reputation = outcomes }

func (e *Engine) SetPauses(pauses common.PauseView) { e.pauses = pauses }

func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

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
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) ready() error {
	switch {
	case e == nil:
		return fmt.Errorf("escrow engine: not initialised")
	case e.state == nil:
		return fmt.Errorf("escrow engine: state not configured")
	case e.reputation == nil:
		return fmt.Errorf("escrow engine: reputation not configured")
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

// transfer moves amount between balance accounts, failing without mutation if
// the source cannot cover it.
func (e *Engine) transfer(from, to string, currency registry.Currency, amount uint64) error {
	amt := new(big.Int).SetUint64(amount)
	if amt.Sign() == 0 {
		return nil
	}
	fromBal, err := e.state.Balance(from, currency)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amt) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, need %d", ErrInsufficientFunds, from, fromBal.String(), currency, amount)
	}
	toBal, err := e.state.Balance(to, currency)
	if err != nil {
		return err
	}
	if err := e.state.SetBalance(from, currency, new(big.Int).Sub(fromBal, amt)); err != nil {
		return err
	}
	return e.state.SetBalance(to, currency, new(big.Int).Add(toBal, amt))
}

// Open places the listing price in escrow on behalf of the buyer. The listing
// must be observably active, no escrow may currently be held, and the offered
// amount and currency must match the listing exactly. Funds move from the
// buyer to the currency vault before the record is persisted.
func (e *Engine) Open(caller string, listingID uint64, amount uint64, currency string) (*Record, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, common.ModuleEscrow); err != nil {
		return nil, err
	}
	buyer, ok := common.NormalizePrincipal(caller)
	if !ok {
		return nil, common.ErrInvalidPrincipal
	}
	listing, exists, err := e.state.ListingGet(listingID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, registry.ErrListingNotFound
	}
	if _, flagged, err := e.state.FlagGet(listingID); err != nil {
		return nil, err
	} else if flagged || listing.SellerPaused {
		return nil, fmt.Errorf("%w: listing %d is not active", ErrInvalidState, listingID)
	}
	prev, held, err := e.latest(listingID)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, fmt.Errorf("%w: escrow already held for listing %d", ErrInvalidState, listingID)
	}
	normalized, ok := registry.NormalizeCurrency(currency)
	if !ok || normalized != listing.Currency {
		return nil, fmt.Errorf("%w: currency %q does not match listing currency %s", ErrEscrowMismatch, currency, listing.Currency)
	}
	if amount != listing.Price {
		return nil, fmt.Errorf("%w: amount %d does not match listing price %d", ErrEscrowMismatch, amount, listing.Price)
	}
	if err := e.transfer(buyer, VaultPrincipal(normalized), normalized, amount); err != nil {
		return nil, err
	}

	var seq uint64 = 1
	if prev != nil {
		seq = prev.Seq + 1
	}
	record := &Record{
		ListingID: listingID,
		Seq:       seq,
		Buyer:     buyer,
		Seller:    listing.Seller,
		Amount:    amount,
		Currency:  normalized,
		Status:    StatusHeld,
		OpenedAt:  e.now(),
	}
	if err := e.state.EscrowPut(record); err != nil {
		return nil, err
	}
	e.emit(NewOpenedEvent(record))
	return record.Clone(), nil
}

// Confirm is the buyer's receipt acknowledgement. It pays the seller from the
// vault and rewards both parties on the reputation ledger. A confirmation is
// refused while a dispute is open: funds stay held until the ruling.
func (e *Engine) Confirm(caller string, listingID uint64) (*Record, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, common.ModuleEscrow); err != nil {
		return nil, err
	}
	record, held, err := e.latest(listingID)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, fmt.Errorf("%w: listing %d", ErrNoOpenEscrow, listingID)
	}
	callerID, ok := common.NormalizePrincipal(caller)
	if !ok || callerID != record.Buyer {
		return nil, common.ErrUnauthorized
	}
	if _, open, err := e.state.DisputeOpenRef(listingID, record.Seq); err != nil {
		return nil, err
	} else if open {
		return nil, fmt.Errorf("%w: dispute open for listing %d", ErrInvalidState, listingID)
	}
	return e.settleRelease(record)
}

// Release settles a held escrow in the seller's favour. It is the ruling path
// driven by the arbitration engine; caller authorisation happened there.
func (e *Engine) Release(listingID, seq uint64) (*Record, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	record, err := e.heldInstance(listingID, seq)
	if err != nil {
		return nil, err
	}
	return e.settleRelease(record)
}

// Refund settles a held escrow in the buyer's favour, returning the held funds
// and recording a fraud-suspected outcome against the seller. Ruling path
// only.
func (e *Engine) Refund(listingID, seq uint64) (*Record, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	record, err := e.heldInstance(listingID, seq)
	if err != nil {
		return nil, err
	}
	if err := e.transfer(VaultPrincipal(record.Currency), record.Buyer, record.Currency, record.Amount); err != nil {
		return nil, err
	}
	record.Status = StatusRefunded
	record.SettledAt = e.now()
	if err := e.state.EscrowPut(record); err != nil {
		return nil, err
	}
	sellerScore, err := e.reputation.ApplyFraudSuspected(record.Seller)
	if err != nil {
		return nil, err
	}
	e.emit(NewRefundedEvent(record))
	e.emit(NewFraudSuspectedEvent(record, sellerScore))
	return record.Clone(), nil
}

// Get returns the latest escrow record for the listing, terminal or held.
func (e *Engine) Get(listingID uint64) (*Record, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	record, exists, err := e.state.EscrowGet(listingID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: listing %d", ErrEscrowNotFound, listingID)
	}
	return record.Clone(), nil
}

// latest loads the newest record for a listing and reports whether it is held.
func (e *Engine) latest(listingID uint64) (*Record, bool, error) {
	record, exists, err := e.state.EscrowGet(listingID)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	return record, record.Status == StatusHeld, nil
}

// heldInstance resolves the exact escrow instance a ruling refers to. Stale
// references, settled records, and unknown listings all read as no open
// escrow.
func (e *Engine) heldInstance(listingID, seq uint64) (*Record, error) {
	record, held, err := e.latest(listingID)
	if err != nil {
		return nil, err
	}
	if !held || record.Seq != seq {
		return nil, fmt.Errorf("%w: listing %d seq %d", ErrNoOpenEscrow, listingID, seq)
	}
	return record, nil
}

func (e *Engine) settleRelease(record *Record) (*Record, error) {
	if err := e.transfer(VaultPrincipal(record.Currency), record.Seller, record.Currency, record.Amount); err != nil {
		return nil, err
	}
	record.Status = StatusReleased
	record.SettledAt = e.now()
	if err := e.state.EscrowPut(record); err != nil {
		return nil, err
	}
	sellerScore, buyerScore, err := e.reputation.ApplyFulfilled(record.Seller, record.Buyer)
	if err != nil {
		return nil, err
	}
	e.emit(NewReleasedEvent(record))
	e.emit(NewFulfilledEvent(record, sellerScore, buyerScore))
	return record.Clone(), nil
}
