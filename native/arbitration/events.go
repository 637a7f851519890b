package arbitration

import (
	"encoding/hex"
	"strconv"

	"lukechampine.com/blake3"

	"agora/core/types"
	"agora/native/escrow"
)

const (
	EventTypeDisputeOpened   = "dispute.opened"
	EventTypeDisputeEvidence = "dispute.evidence"
	EventTypeDisputeRuled    = "dispute.ruled"
)

// EvidenceDigest hashes the ordered evidence bundle so downstream consumers
// can verify the exact sequence a ruling considered.
func EvidenceDigest(evidence [][32]byte) [32]byte {
	hasher := blake3.New(32, nil)
	for _, ref := range evidence {
		hasher.Write(ref[:])
	}
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}

func newDisputeEvent(eventType string, dispute *Dispute) *types.Event {
	if dispute == nil {
		return nil
	}
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"disputeId":     hex.EncodeToString(dispute.ID[:]),
			"listingId":     strconv.FormatUint(dispute.ListingID, 10),
			"escrowSeq":     strconv.FormatUint(dispute.EscrowSeq, 10),
			"buyer":         dispute.Buyer,
			"seller":        dispute.Seller,
			"status":        dispute.Status.String(),
			"evidenceCount": strconv.Itoa(len(dispute.Evidence)),
		},
	}
}

// NewOpenedEvent reports a freshly filed case.
func NewOpenedEvent(dispute *Dispute) *types.Event {
	evt := newDisputeEvent(EventTypeDisputeOpened, dispute)
	if evt == nil {
		return nil
	}
	evt.Attributes["opener"] = dispute.Opener
	return evt
}

// NewEvidenceEvent reports one appended evidence digest.
func NewEvidenceEvent(dispute *Dispute, digest [32]byte, submitter string) *types.Event {
	evt := newDisputeEvent(EventTypeDisputeEvidence, dispute)
	if evt == nil {
		return nil
	}
	evt.Attributes["submitter"] = submitter
	evt.Attributes["evidenceRef"] = hex.EncodeToString(digest[:])
	return evt
}

// NewRuledEvent reports the verdict together with the settlement it drove and
// a digest pinning the evidence bundle as ruled upon.
func NewRuledEvent(dispute *Dispute, arbitrator string, record *escrow.Record) *types.Event {
	evt := newDisputeEvent(EventTypeDisputeRuled, dispute)
	if evt == nil {
		return nil
	}
	bundle := EvidenceDigest(dispute.Evidence)
	evt.Attributes["arbitrator"] = arbitrator
	evt.Attributes["ruling"] = dispute.Ruling.String()
	evt.Attributes["evidenceDigest"] = hex.EncodeToString(bundle[:])
	if record != nil {
		evt.Attributes["settlement"] = record.Status.String()
	}
	return evt
}
