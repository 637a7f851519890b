package state

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"agora/native/arbitration"
)

var (
	disputePrefix     = []byte("market/dispute/")
	disputeOpenPrefix = []byte("market/dispute-open/")
)

func disputeKey(id [32]byte) []byte {
	key := make([]byte, len(disputePrefix)+hex.EncodedLen(len(id)))
	copy(key, disputePrefix)
	hex.Encode(key[len(disputePrefix):], id[:])
	return key
}

func disputeOpenKey(listingID, seq uint64) []byte {
	key := append([]byte(nil), disputeOpenPrefix...)
	key = strconv.AppendUint(key, listingID, 10)
	key = append(key, '/')
	return strconv.AppendUint(key, seq, 10)
}

// storedDispute is the RLP form of a dispute. Fixed-size identifiers relax to
// byte slices and enums to their underlying integers.
type storedDispute struct {
	ID        []byte
	ListingID uint64
	EscrowSeq uint64
	Opener    string
	Buyer     string
	Seller    string
	Evidence  [][]byte
	Status    uint8
	Ruling    uint8
	OpenedAt  uint64
	RuledAt   uint64
}

// DisputePut persists a dispute under its identifier.
func (m *Manager) DisputePut(d *arbitration.Dispute) error {
	if d == nil {
		return fmt.Errorf("state: dispute must not be nil")
	}
	evidence := make([][]byte, len(d.Evidence))
	for i, digest := range d.Evidence {
		evidence[i] = append([]byte(nil), digest[:]...)
	}
	stored := &storedDispute{
		ID:        append([]byte(nil), d.ID[:]...),
		ListingID: d.ListingID,
		EscrowSeq: d.EscrowSeq,
		Opener:    d.Opener,
		Buyer:     d.Buyer,
		Seller:    d.Seller,
		Evidence:  evidence,
		Status:    uint8(d.Status),
		Ruling:    uint8(d.Ruling),
		OpenedAt:  uint64(d.OpenedAt),
		RuledAt:   uint64(d.RuledAt),
	}
	return m.KVPut(disputeKey(d.ID), stored)
}

// DisputeGet loads a dispute by identifier.
func (m *Manager) DisputeGet(id [32]byte) (*arbitration.Dispute, bool, error) {
	var stored storedDispute
	ok, err := m.KVGet(disputeKey(id), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	dispute := &arbitration.Dispute{
		ListingID: stored.ListingID,
		EscrowSeq: stored.EscrowSeq,
		Opener:    stored.Opener,
		Buyer:     stored.Buyer,
		Seller:    stored.Seller,
		Status:    arbitration.Status(stored.Status),
		Ruling:    arbitration.Ruling(stored.Ruling),
		OpenedAt:  int64(stored.OpenedAt),
		RuledAt:   int64(stored.RuledAt),
	}
	copy(dispute.ID[:], stored.ID)
	if len(stored.Evidence) > 0 {
		dispute.Evidence = make([][32]byte, len(stored.Evidence))
		for i, digest := range stored.Evidence {
			copy(dispute.Evidence[i][:], digest)
		}
	}
	return dispute, true, nil
}

// DisputeOpenRef reports the open dispute bound to an escrow instance, if any.
func (m *Manager) DisputeOpenRef(listingID, seq uint64) ([32]byte, bool, error) {
	var stored []byte
	var id [32]byte
	ok, err := m.KVGet(disputeOpenKey(listingID, seq), &stored)
	if err != nil || !ok {
		return id, false, err
	}
	copy(id[:], stored)
	return id, true, nil
}

// DisputeOpenSet binds an open dispute to its escrow instance.
func (m *Manager) DisputeOpenSet(listingID, seq uint64, id [32]byte) error {
	return m.KVPut(disputeOpenKey(listingID, seq), id[:])
}

// DisputeOpenClear releases the open-dispute binding once ruled.
func (m *Manager) DisputeOpenClear(listingID, seq uint64) error {
	return m.KVDelete(disputeOpenKey(listingID, seq))
}
