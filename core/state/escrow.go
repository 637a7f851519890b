package state

import (
	"fmt"
	"strconv"

	"agora/native/escrow"
	"agora/native/registry"
)

var escrowPrefix = []byte("market/escrow/")

func escrowKey(listingID uint64) []byte {
	return strconv.AppendUint(append([]byte(nil), escrowPrefix...), listingID, 10)
}

// storedEscrow is the RLP form of an escrow record.
type storedEscrow struct {
	ListingID uint64
	Seq       uint64
	Buyer     string
	Seller    string
	Amount    uint64
	Currency  string
	Status    uint8
	OpenedAt  uint64
	SettledAt uint64
}

// EscrowPut persists the latest escrow record for a listing, replacing any
// settled predecessor.
func (m *Manager) EscrowPut(r *escrow.Record) error {
	if r == nil || r.ListingID == 0 {
		return fmt.Errorf("state: escrow record must carry a non-zero listing id")
	}
	stored := &storedEscrow{
		ListingID: r.ListingID,
		Seq:       r.Seq,
		Buyer:     r.Buyer,
		Seller:    r.Seller,
		Amount:    r.Amount,
		Currency:  string(r.Currency),
		Status:    uint8(r.Status),
		OpenedAt:  uint64(r.OpenedAt),
		SettledAt: uint64(r.SettledAt),
	}
	return m.KVPut(escrowKey(r.ListingID), stored)
}

// EscrowGet loads the latest escrow record for a listing.
func (m *Manager) EscrowGet(listingID uint64) (*escrow.Record, bool, error) {
	var stored storedEscrow
	ok, err := m.KVGet(escrowKey(listingID), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	record := &escrow.Record{
		ListingID: stored.ListingID,
		Seq:       stored.Seq,
		Buyer:     stored.Buyer,
		Seller:    stored.Seller,
		Amount:    stored.Amount,
		Currency:  registry.Currency(stored.Currency),
		Status:    escrow.Status(stored.Status),
		OpenedAt:  int64(stored.OpenedAt),
		SettledAt: int64(stored.SettledAt),
	}
	return record, true, nil
}
