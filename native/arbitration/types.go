package arbitration

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// MaxEvidence caps the ordered evidence sequence per dispute.
const MaxEvidence = 10

// disputeSalt namespaces dispute identifiers within the state trie.
var disputeSalt = []byte("agora/dispute")

// Status tracks the dispute lifecycle. Ruled is terminal.
type Status uint8

const (
	StatusOpen Status = iota + 1
	StatusRuled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusRuled:
		return "ruled"
	default:
		return "unknown"
	}
}

// Ruling is the arbitrator's verdict. The zero value means no ruling yet.
type Ruling uint8

const (
	RulingRelease Ruling = iota + 1
	RulingRefund
)

func (r Ruling) Valid() bool {
	return r == RulingRelease || r == RulingRefund
}

func (r Ruling) String() string {
	switch r {
	case RulingRelease:
		return "release"
	case RulingRefund:
		return "refund"
	default:
		return ""
	}
}

// ParseRuling maps the wire form of a ruling onto its enum value.
func ParseRuling(raw string) (Ruling, bool) {
	switch raw {
	case "release":
		return RulingRelease, true
	case "refund":
		return RulingRefund, true
	default:
		return 0, false
	}
}

// Dispute is an arbitration case bound to one escrow instance.
type Dispute struct {
	ID        [32]byte
	ListingID uint64
	EscrowSeq uint64
	Opener    string
	Buyer     string
	Seller    string
	Evidence  [][32]byte
	Status    Status
	Ruling    Ruling
	OpenedAt  int64
	RuledAt   int64
}

func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Evidence != nil {
		clone.Evidence = make([][32]byte, len(d.Evidence))
		copy(clone.Evidence, d.Evidence)
	}
	return &clone
}

// DisputeID derives the deterministic identifier for the dispute over a given
// escrow instance. Deriving from (listing, seq) keeps one case per instance.
func DisputeID(listingID, seq uint64) [32]byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], listingID)
	binary.BigEndian.PutUint64(buf[8:], seq)
	var id [32]byte
	copy(id[:], gethcrypto.Keccak256(disputeSalt, buf[:]))
	return id
}

// NormalizeEvidence parses a 64-character hex content digest into its binary
// form.
func NormalizeEvidence(ref string) ([32]byte, bool) {
	var digest [32]byte
	if len(ref) != 64 {
		return digest, false
	}
	decoded, err := hex.DecodeString(ref)
	if err != nil {
		return digest, false
	}
	copy(digest[:], decoded)
	return digest, true
}

// ParseID parses the hex wire form of a dispute identifier.
func ParseID(raw string) ([32]byte, bool) {
	return NormalizeEvidence(strings.TrimPrefix(raw, "0x"))
}
