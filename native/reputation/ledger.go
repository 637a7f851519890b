package reputation

import (
	"fmt"

	"agora/native/common"
)

// storage abstracts the subset of state manager functionality required by the
// reputation ledger.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var scorePrefix = []byte("reputation/score/")

// EventTypeUpdated is emitted by settlement engines whenever a score moves.
const EventTypeUpdated = "reputation.updated"

// Settlement outcome deltas. Confirmed or arbitrated fulfilment rewards both
// parties; a refund ruling counts against the seller.
const (
	FulfilledSellerReward = 5
	FulfilledBuyerReward  = 1
	FraudSuspectedPenalty = 25
)

func scoreKey(principal string) []byte {
	key := make([]byte, len(scorePrefix)+len(principal))
	copy(key, scorePrefix)
	copy(key[len(scorePrefix):], principal)
	return key
}

// Ledger persists per-participant reputation scores. Scores are seeded
// externally (genesis or an oracle) and updated by settlement outcomes.
type Ledger struct {
	store storage
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store storage) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) withStore() (storage, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("reputation: storage not configured")
	}
	return l.store, nil
}

// Score returns the participant's current reputation. Participants without a
// stored score report zero.
func (l *Ledger) Score(principal string) (uint64, error) {
	store, err := l.withStore()
	if err != nil {
		return 0, err
	}
	normalized, ok := common.NormalizePrincipal(principal)
	if !ok {
		return 0, common.ErrInvalidPrincipal
	}
	var score uint64
	if _, err := store.KVGet(scoreKey(normalized), &score); err != nil {
		return 0, err
	}
	return score, nil
}

// SetScore overwrites the participant's reputation. This is the external
// initialisation path; settlement transitions go through the Apply helpers.
func (l *Ledger) SetScore(principal string, score uint64) error {
	store, err := l.withStore()
	if err != nil {
		return err
	}
	normalized, ok := common.NormalizePrincipal(principal)
	if !ok {
		return common.ErrInvalidPrincipal
	}
	return store.KVPut(scoreKey(normalized), score)
}

// ApplyFulfilled records a successful settlement, rewarding seller and buyer.
// It returns the updated scores in that order.
func (l *Ledger) ApplyFulfilled(seller, buyer string) (uint64, uint64, error) {
	sellerScore, err := l.Score(seller)
	if err != nil {
		return 0, 0, err
	}
	buyerScore, err := l.Score(buyer)
	if err != nil {
		return 0, 0, err
	}
	sellerScore = saturatingAdd(sellerScore, FulfilledSellerReward)
	buyerScore = saturatingAdd(buyerScore, FulfilledBuyerReward)
	if err := l.SetScore(seller, sellerScore); err != nil {
		return 0, 0, err
	}
	if err := l.SetScore(buyer, buyerScore); err != nil {
		return 0, 0, err
	}
	return sellerScore, buyerScore, nil
}

// ApplyFraudSuspected records a refund ruling against the seller. The penalty
// saturates at zero rather than wrapping.
func (l *Ledger) ApplyFraudSuspected(seller string) (uint64, error) {
	score, err := l.Score(seller)
	if err != nil {
		return 0, err
	}
	if score > FraudSuspectedPenalty {
		score -= FraudSuspectedPenalty
	} else {
		score = 0
	}
	if err := l.SetScore(seller, score); err != nil {
		return 0, err
	}
	return score, nil
}

func saturatingAdd(score uint64, delta uint64) uint64 {
	if score > ^uint64(0)-delta {
		return ^uint64(0)
	}
	return score + delta
}
