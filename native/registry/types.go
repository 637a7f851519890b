package registry

import (
	"strings"
)

// Currency enumerates the settlement currencies a listing may be priced in.
type Currency string

const (
	CurrencySTX Currency = "STX"
	CurrencyUSD Currency = "USD"
	CurrencyBTC Currency = "BTC"
)

// NormalizeCurrency maps the raw symbol onto the supported enum, returning the
// canonical uppercase form. The boolean reports whether the symbol is
// supported.
func NormalizeCurrency(raw string) (Currency, bool) {
	switch Currency(strings.ToUpper(strings.TrimSpace(raw))) {
	case CurrencySTX:
		return CurrencySTX, true
	case CurrencyUSD:
		return CurrencyUSD, true
	case CurrencyBTC:
		return CurrencyBTC, true
	default:
		return "", false
	}
}

// Valid reports whether the currency is within the supported set.
func (c Currency) Valid() bool {
	_, ok := NormalizeCurrency(string(c))
	return ok
}

// ListingStatus is the externally observed listing state. Internally a listing
// tracks the seller's own pause and the authority flag as orthogonal switches;
// the observed status collapses them.
type ListingStatus uint8

const (
	StatusActive ListingStatus = iota
	StatusPaused
)

// String renders the status for events and RPC payloads.
func (s ListingStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Field length bounds enforced at admission.
const (
	ItemHashLen    = 64
	MinCategoryLen = 1
	MaxCategoryLen = 50
	MinLocationLen = 1
	MaxLocationLen = 100
)

// NormalizeItemHash validates the 64-character hex digest and returns it in
// canonical lowercase form so history lookups are case-insensitive.
func NormalizeItemHash(raw string) (string, bool) {
	if len(raw) != ItemHashLen {
		return "", false
	}
	lower := strings.ToLower(raw)
	for _, r := range lower {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", false
		}
	}
	return lower, true
}

// Listing captures a sellable item's on-record metadata. RiskScore is non-nil
// only when anomaly detection was enabled at admission time. SellerPaused is
// the seller's own pause switch; the authority flag is a separate
// FlaggedListing record.
type Listing struct {
	ID           uint64
	ItemHash     string
	Seller       string
	Price        uint64
	Category     string
	Location     string
	Currency     Currency
	RiskScore    *uint64
	SellerPaused bool
	CreatedAt    int64
	UpdatedAt    int64
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.RiskScore != nil {
		score := *l.RiskScore
		clone.RiskScore = &score
	}
	return &clone
}

// FlaggedListing records an authority-initiated suspension pending review. It
// exists iff the listing is currently flagged.
type FlaggedListing struct {
	ListingID uint64
	Reason    string
	RiskScore uint64
	FlaggedAt int64
}

// Clone returns a copy of the flag record.
func (f *FlaggedListing) Clone() *FlaggedListing {
	if f == nil {
		return nil
	}
	clone := *f
	return &clone
}

// Snapshot pairs a listing with its current flag record, if any. It is the
// unit returned by reads so callers always observe a consistent status.
type Snapshot struct {
	Listing *Listing
	Flag    *FlaggedListing
}

// Status collapses the seller pause and the authority flag into the externally
// observed state: a listing is Paused when either switch is set.
func (s *Snapshot) Status() ListingStatus {
	if s == nil || s.Listing == nil {
		return StatusPaused
	}
	if s.Flag != nil || s.Listing.SellerPaused {
		return StatusPaused
	}
	return StatusActive
}

// Clone deep-copies the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	return &Snapshot{Listing: s.Listing.Clone(), Flag: s.Flag.Clone()}
}
