package reputation

import (
	"errors"
	"testing"

	"agora/native/common"
)

type mockStore struct {
	scores map[string]uint64
}

func newMockStore() *mockStore {
	return &mockStore{scores: make(map[string]uint64)}
}

func (m *mockStore) KVGet(key []byte, out interface{}) (bool, error) {
	score, ok := m.scores[string(key)]
	if !ok {
		return false, nil
	}
	if dest, isUint := out.(*uint64); isUint {
		*dest = score
	}
	return true, nil
}

func (m *mockStore) KVPut(key []byte, value interface{}) error {
	score, ok := value.(uint64)
	if !ok {
		return errors.New("unexpected value type")
	}
	m.scores[string(key)] = score
	return nil
}

func TestScoreDefaultsToZero(t *testing.T) {
	ledger := NewLedger(newMockStore())
	score, err := ledger.Score("ST1NEW")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 0 {
		t.Fatalf("unseeded participant should score 0, got %d", score)
	}
}

func TestSetScoreRoundTrip(t *testing.T) {
	ledger := NewLedger(newMockStore())
	if err := ledger.SetScore("ST1SELLER", 150); err != nil {
		t.Fatalf("set: %v", err)
	}
	score, err := ledger.Score("ST1SELLER")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if score != 150 {
		t.Fatalf("got %d, want 150", score)
	}
	if err := ledger.SetScore("  bad principal  ", 1); !errors.Is(err, common.ErrInvalidPrincipal) {
		t.Fatalf("expected ErrInvalidPrincipal, got %v", err)
	}
}

func TestApplyFulfilled(t *testing.T) {
	ledger := NewLedger(newMockStore())
	if err := ledger.SetScore("ST1SELLER", 100); err != nil {
		t.Fatalf("seed seller: %v", err)
	}

	sellerScore, buyerScore, err := ledger.ApplyFulfilled("ST1SELLER", "ST1BUYER")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if sellerScore != 100+FulfilledSellerReward {
		t.Fatalf("seller score %d, want %d", sellerScore, 100+FulfilledSellerReward)
	}
	if buyerScore != FulfilledBuyerReward {
		t.Fatalf("buyer score %d, want %d", buyerScore, FulfilledBuyerReward)
	}
}

func TestApplyFraudSuspectedSaturates(t *testing.T) {
	ledger := NewLedger(newMockStore())
	if err := ledger.SetScore("ST1SELLER", FraudSuspectedPenalty-5); err != nil {
		t.Fatalf("seed: %v", err)
	}
	score, err := ledger.ApplyFraudSuspected("ST1SELLER")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if score != 0 {
		t.Fatalf("penalty should saturate at zero, got %d", score)
	}

	if err := ledger.SetScore("ST2SELLER", 100); err != nil {
		t.Fatalf("seed: %v", err)
	}
	score, err = ledger.ApplyFraudSuspected("ST2SELLER")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if score != 100-FraudSuspectedPenalty {
		t.Fatalf("got %d, want %d", score, 100-FraudSuspectedPenalty)
	}
}
