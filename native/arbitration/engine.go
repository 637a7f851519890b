package arbitration

import (
	"errors"
	"fmt"
	"time"

	"agora/core/events"
	"agora/core/types"
	"agora/native/common"
	"agora/native/escrow"
)

var (
	ErrDuplicateDispute = errors.New("arbitration: dispute already open")
	ErrAlreadyRuled     = errors.New("arbitration: dispute already ruled")
	ErrDisputeNotFound  = errors.New("arbitration: dispute not found")
	ErrEvidenceLimit    = errors.New("arbitration: evidence limit exceeded")
	ErrInvalidEvidence  = errors.New("arbitration: invalid evidence reference")
	ErrInvalidRuling    = errors.New("arbitration: invalid ruling")
)

// engineState is the slice of state manager behaviour arbitration needs. The
// open index keyed by escrow instance is what makes DuplicateDispute cheap.
type engineState interface {
	EscrowGet(listingID uint64) (*escrow.Record, bool, error)
	DisputePut(*Dispute) error
	DisputeGet(id [32]byte) (*Dispute, bool, error)
	DisputeOpenRef(listingID, seq uint64) ([32]byte, bool, error)
	DisputeOpenSet(listingID, seq uint64, id [32]byte) error
	DisputeOpenClear(listingID, seq uint64) error
}

// EligibilitySource answers whether a principal may rule disputes. Backed by
// the arbitrator role set.
type EligibilitySource interface {
	Eligible(principal string) bool
}

// Settlement is the escrow surface a ruling drives.
type Settlement interface {
	Release(listingID, seq uint64) (*escrow.Record, error)
	Refund(listingID, seq uint64) (*escrow.Record, error)
}

type disputeEvent struct {
	evt *types.Event
}

func (e disputeEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e disputeEvent) Event() *types.Event { return e.evt }

// Engine runs dispute arbitration over held escrows: party-initiated cases
// with an ordered evidence sequence, ruled by an eligible arbitrator, with the
// ruling settling the escrow.
type Engine struct {
	state       engineState
	emitter     events.Emitter
	settlement  Settlement
	eligibility EligibilitySource
	pauses      common.PauseView
	nowFn       func() int64
}

func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

func (e *Engine) SetState(state engineState) { e.state = state }

func (e *Engine) SetSettlement(settlement Settlement) { e.settlement = settlement }

func (e *Engine) SetEligibility(source EligibilitySource) { e.eligibility = source }

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
	e.emitter.Emit(disputeEvent{evt: event})
}

func (e *Engine) ready() error {
	switch {
	case e == nil:
		return fmt.Errorf("arbitration engine: not initialised")
	case e.state == nil:
		return fmt.Errorf("arbitration engine: state not configured")
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

// Open files a dispute against the currently held escrow for a listing. Only
// the escrow's parties may file, and each escrow instance carries at most one
// open case.
func (e *Engine) Open(caller string, listingID uint64, evidenceRefs []string) (*Dispute, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, common.ModuleArbitration); err != nil {
		return nil, err
	}
	callerID, ok := common.NormalizePrincipal(caller)
	if !ok {
		return nil, common.ErrInvalidPrincipal
	}
	record, exists, err := e.state.EscrowGet(listingID)
	if err != nil {
		return nil, err
	}
	if !exists || record.Status != escrow.StatusHeld {
		return nil, fmt.Errorf("%w: listing %d", escrow.ErrNoOpenEscrow, listingID)
	}
	if callerID != record.Buyer && callerID != record.Seller {
		return nil, common.ErrUnauthorized
	}
	if len(evidenceRefs) > MaxEvidence {
		return nil, fmt.Errorf("%w: %d refs, maximum %d", ErrEvidenceLimit, len(evidenceRefs), MaxEvidence)
	}
	evidence := make([][32]byte, 0, len(evidenceRefs))
	for i, ref := range evidenceRefs {
		digest, ok := NormalizeEvidence(ref)
		if !ok {
			return nil, fmt.Errorf("%w: ref %d", ErrInvalidEvidence, i)
		}
		evidence = append(evidence, digest)
	}
	if _, open, err := e.state.DisputeOpenRef(listingID, record.Seq); err != nil {
		return nil, err
	} else if open {
		return nil, fmt.Errorf("%w: listing %d seq %d", ErrDuplicateDispute, listingID, record.Seq)
	}

	dispute := &Dispute{
		ID:        DisputeID(listingID, record.Seq),
		ListingID: listingID,
		EscrowSeq: record.Seq,
		Opener:    callerID,
		Buyer:     record.Buyer,
		Seller:    record.Seller,
		Evidence:  evidence,
		Status:    StatusOpen,
		OpenedAt:  e.now(),
	}
	if err := e.state.DisputePut(dispute); err != nil {
		return nil, err
	}
	if err := e.state.DisputeOpenSet(listingID, record.Seq, dispute.ID); err != nil {
		return nil, err
	}
	e.emit(NewOpenedEvent(dispute))
	return dispute.Clone(), nil
}

// SubmitEvidence appends one content digest to an open dispute's ordered
// evidence sequence.
func (e *Engine) SubmitEvidence(caller string, disputeID [32]byte, evidenceRef string) (*Dispute, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, common.ModuleArbitration); err != nil {
		return nil, err
	}
	dispute, exists, err := e.state.DisputeGet(disputeID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrDisputeNotFound
	}
	if dispute.Status == StatusRuled {
		return nil, ErrAlreadyRuled
	}
	callerID, ok := common.NormalizePrincipal(caller)
	if !ok || (callerID != dispute.Buyer && callerID != dispute.Seller) {
		return nil, common.ErrUnauthorized
	}
	digest, ok := NormalizeEvidence(evidenceRef)
	if !ok {
		return nil, ErrInvalidEvidence
	}
	if len(dispute.Evidence) >= MaxEvidence {
		return nil, fmt.Errorf("%w: maximum %d", ErrEvidenceLimit, MaxEvidence)
	}
	dispute.Evidence = append(dispute.Evidence, digest)
	if err := e.state.DisputePut(dispute); err != nil {
		return nil, err
	}
	e.emit(NewEvidenceEvent(dispute, digest, callerID))
	return dispute.Clone(), nil
}

// Rule closes a dispute with a verdict and settles the underlying escrow in
// the same step. Only eligible arbitrators may rule, and a case rules once.
func (e *Engine) Rule(caller string, disputeID [32]byte, ruling Ruling) (*Dispute, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.settlement == nil {
		return nil, fmt.Errorf("arbitration engine: settlement not configured")
	}
	if err := common.Guard(e.pauses, common.ModuleArbitration); err != nil {
		return nil, err
	}
	callerID, ok := common.NormalizePrincipal(caller)
	if !ok {
		return nil, common.ErrInvalidPrincipal
	}
	if e.eligibility == nil || !e.eligibility.Eligible(callerID) {
		return nil, common.ErrUnauthorized
	}
	dispute, exists, err := e.state.DisputeGet(disputeID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrDisputeNotFound
	}
	if dispute.Status == StatusRuled {
		return nil, ErrAlreadyRuled
	}
	if !ruling.Valid() {
		return nil, ErrInvalidRuling
	}

	var record *escrow.Record
	switch ruling {
	case RulingRelease:
		record, err = e.settlement.Release(dispute.ListingID, dispute.EscrowSeq)
	case RulingRefund:
		record, err = e.settlement.Refund(dispute.ListingID, dispute.EscrowSeq)
	}
	if err != nil {
		return nil, err
	}

	dispute.Status = StatusRuled
	dispute.Ruling = ruling
	dispute.RuledAt = e.now()
	if err := e.state.DisputePut(dispute); err != nil {
		return nil, err
	}
	if err := e.state.DisputeOpenClear(dispute.ListingID, dispute.EscrowSeq); err != nil {
		return nil, err
	}
	e.emit(NewRuledEvent(dispute, callerID, record))
	return dispute.Clone(), nil
}

// Get returns the dispute by identifier.
func (e *Engine) Get(disputeID [32]byte) (*Dispute, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	dispute, exists, err := e.state.DisputeGet(disputeID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrDisputeNotFound
	}
	return dispute.Clone(), nil
}
