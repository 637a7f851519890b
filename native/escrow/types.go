package escrow

import "agora/native/registry"

// Status tracks the settlement lifecycle of a held purchase. The zero value is
// deliberately invalid so uninitialised records are detectable.
type Status uint8

const (
	StatusHeld Status = iota + 1
	StatusReleased
	StatusRefunded
)

func (s Status) String() string {
	switch s {
	case StatusHeld:
		return "held"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Terminal reports whether the record has settled and can no longer move.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Record is the escrow instance for a listing. A listing keeps at most one
// live record; Seq increments each time a new escrow opens so settled history
// and disputes can pin the exact instance.
type Record struct {
	ListingID uint64
	Seq       uint64
	Buyer     string
	Seller    string
	Amount    uint64
	Currency  registry.Currency
	Status    Status
	OpenedAt  int64
	SettledAt int64
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// VaultPrincipal names the module-owned account holding escrowed funds for a
// currency. Vault accounts exist only as balance entries.
func VaultPrincipal(currency registry.Currency) string {
	return "vault:" + string(currency)
}
