package escrow

import (
	"strconv"

	"agora/core/types"
	"agora/native/reputation"
)

const (
	EventTypeEscrowOpened   = "escrow.opened"
	EventTypeEscrowReleased = "escrow.released"
	EventTypeEscrowRefunded = "escrow.refunded"
)

func newEscrowEvent(eventType string, record *Record) *types.Event {
	if record == nil {
		return nil
	}
	attrs := map[string]string{
		"listingId": strconv.FormatUint(record.ListingID, 10),
		"seq":       strconv.FormatUint(record.Seq, 10),
		"buyer":     record.Buyer,
		"seller":    record.Seller,
		"amount":    strconv.FormatUint(record.Amount, 10),
		"currency":  string(record.Currency),
		"status":    record.Status.String(),
	}
	if record.SettledAt != 0 {
		attrs["settledAt"] = strconv.FormatInt(record.SettledAt, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewOpenedEvent reports funds moving into the vault for a listing.
func NewOpenedEvent(record *Record) *types.Event {
	return newEscrowEvent(EventTypeEscrowOpened, record)
}

// NewReleasedEvent reports a settlement in the seller's favour, whether by
// buyer confirmation or by ruling.
func NewReleasedEvent(record *Record) *types.Event {
	return newEscrowEvent(EventTypeEscrowReleased, record)
}

// NewRefundedEvent reports a settlement returning the held funds to the buyer.
func NewRefundedEvent(record *Record) *types.Event {
	return newEscrowEvent(EventTypeEscrowRefunded, record)
}

// NewFulfilledEvent reports the reputation movement attached to a release.
func NewFulfilledEvent(record *Record, sellerScore, buyerScore uint64) *types.Event {
	if record == nil {
		return nil
	}
	return &types.Event{
		Type: reputation.EventTypeUpdated,
		Attributes: map[string]string{
			"outcome":     "fulfilled",
			"listingId":   strconv.FormatUint(record.ListingID, 10),
			"seller":      record.Seller,
			"sellerScore": strconv.FormatUint(sellerScore, 10),
			"buyer":       record.Buyer,
			"buyerScore":  strconv.FormatUint(buyerScore, 10),
		},
	}
}

// NewFraudSuspectedEvent reports the reputation penalty attached to a refund
// ruling.
func NewFraudSuspectedEvent(record *Record, sellerScore uint64) *types.Event {
	if record == nil {
		return nil
	}
	return &types.Event{
		Type: reputation.EventTypeUpdated,
		Attributes: map[string]string{
			"outcome":     "fraud_suspected",
			"listingId":   strconv.FormatUint(record.ListingID, 10),
			"seller":      record.Seller,
			"sellerScore": strconv.FormatUint(sellerScore, 10),
		},
	}
}
