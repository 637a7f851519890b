package state

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"agora/native/registry"
)

var (
	listingPrefix     = []byte("market/listing/")
	listingIndexKey   = []byte("market/listings")
	listingHashPrefix = []byte("market/itemhash/")
	flagPrefix        = []byte("market/flag/")
)

func listingKey(id uint64) []byte {
	return strconv.AppendUint(append([]byte(nil), listingPrefix...), id, 10)
}

func listingHashKey(hash string) []byte {
	key := make([]byte, len(listingHashPrefix)+len(hash))
	copy(key, listingHashPrefix)
	copy(key[len(listingHashPrefix):], hash)
	return key
}

func flagKey(listingID uint64) []byte {
	return strconv.AppendUint(append([]byte(nil), flagPrefix...), listingID, 10)
}

// storedListing is the RLP form of a listing. The optional risk score is
// flattened into a value plus presence flag and timestamps widen to uint64.
type storedListing struct {
	ID           uint64
	ItemHash     string
	Seller       string
	Price        uint64
	Category     string
	Location     string
	Currency     string
	RiskScore    uint64
	RiskScored   bool
	SellerPaused bool
	CreatedAt    uint64
	UpdatedAt    uint64
}

func storedFromListing(l *registry.Listing) *storedListing {
	stored := &storedListing{
		ID:           l.ID,
		ItemHash:     l.ItemHash,
		Seller:       l.Seller,
		Price:        l.Price,
		Category:     l.Category,
		Location:     l.Location,
		Currency:     string(l.Currency),
		SellerPaused: l.SellerPaused,
		CreatedAt:    uint64(l.CreatedAt),
		UpdatedAt:    uint64(l.UpdatedAt),
	}
	if l.RiskScore != nil {
		stored.RiskScore = *l.RiskScore
		stored.RiskScored = true
	}
	return stored
}

func (s *storedListing) toListing() *registry.Listing {
	listing := &registry.Listing{
		ID:           s.ID,
		ItemHash:     s.ItemHash,
		Seller:       s.Seller,
		Price:        s.Price,
		Category:     s.Category,
		Location:     s.Location,
		Currency:     registry.Currency(s.Currency),
		SellerPaused: s.SellerPaused,
		CreatedAt:    int64(s.CreatedAt),
		UpdatedAt:    int64(s.UpdatedAt),
	}
	if s.RiskScored {
		score := s.RiskScore
		listing.RiskScore = &score
	}
	return listing
}

type storedFlag struct {
	ListingID uint64
	Reason    string
	RiskScore uint64
	FlaggedAt uint64
}

// ListingPut persists a listing under its identifier.
func (m *Manager) ListingPut(l *registry.Listing) error {
	if l == nil || l.ID == 0 {
		return fmt.Errorf("state: listing must carry a non-zero id")
	}
	return m.KVPut(listingKey(l.ID), storedFromListing(l))
}

// ListingGet loads a listing by identifier.
func (m *Manager) ListingGet(id uint64) (*registry.Listing, bool, error) {
	var stored storedListing
	ok, err := m.KVGet(listingKey(id), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return stored.toListing(), true, nil
}

// ListingIndexAppend records a listing id in the admission-ordered index.
func (m *Manager) ListingIndexAppend(id uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return m.KVAppend(listingIndexKey, buf[:])
}

// ListingIDs returns every admitted listing id in admission order.
func (m *Manager) ListingIDs() ([]uint64, error) {
	var raw [][]byte
	if err := m.KVGetList(listingIndexKey, &raw); err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 8 {
			return nil, fmt.Errorf("state: malformed listing index entry of %d bytes", len(entry))
		}
		ids = append(ids, binary.BigEndian.Uint64(entry))
	}
	return ids, nil
}

// ListingHashPut reserves an item hash for a listing. Hash history persists
// across listing lifecycle changes.
func (m *Manager) ListingHashPut(hash string, id uint64) error {
	if hash == "" {
		return fmt.Errorf("state: item hash must not be empty")
	}
	return m.KVPut(listingHashKey(hash), id)
}

// ListingHashGet reports whether an item hash has ever been admitted and the
// listing that claimed it.
func (m *Manager) ListingHashGet(hash string) (uint64, bool, error) {
	var id uint64
	ok, err := m.KVGet(listingHashKey(hash), &id)
	if err != nil {
		return 0, false, err
	}
	return id, ok, nil
}

// FlagPut stores or overwrites the authority flag for a listing.
func (m *Manager) FlagPut(f *registry.FlaggedListing) error {
	if f == nil || f.ListingID == 0 {
		return fmt.Errorf("state: flag must carry a non-zero listing id")
	}
	stored := &storedFlag{
		ListingID: f.ListingID,
		Reason:    f.Reason,
		RiskScore: f.RiskScore,
		FlaggedAt: uint64(f.FlaggedAt),
	}
	return m.KVPut(flagKey(f.ListingID), stored)
}

// FlagGet loads the authority flag for a listing, if present.
func (m *Manager) FlagGet(listingID uint64) (*registry.FlaggedListing, bool, error) {
	var stored storedFlag
	ok, err := m.KVGet(flagKey(listingID), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &registry.FlaggedListing{
		ListingID: stored.ListingID,
		Reason:    stored.Reason,
		RiskScore: stored.RiskScore,
		FlaggedAt: int64(stored.FlaggedAt),
	}, true, nil
}

// FlagDelete clears the authority flag for a listing.
func (m *Manager) FlagDelete(listingID uint64) error {
	return m.KVDelete(flagKey(listingID))
}
