package registry

import (
	"strconv"

	"agora/core/types"
)

const (
	EventTypeListingCreated      = "listing.created"
	EventTypeListingFlagged      = "listing.flagged"
	EventTypeListingUnflagged    = "listing.unflagged"
	EventTypeListingPaused       = "listing.paused"
	EventTypeListingResumed      = "listing.resumed"
	EventTypeListingPriceUpdated = "listing.price_updated"
)

// NewCreatedEvent returns the canonical event payload for a newly admitted
// listing.
func NewCreatedEvent(l *Listing) *types.Event { return newListingEvent(EventTypeListingCreated, l) }

// NewFlaggedEvent returns the event payload emitted when the authority flags a
// listing.
func NewFlaggedEvent(l *Listing, f *FlaggedListing) *types.Event {
	evt := newListingEvent(EventTypeListingFlagged, l)
	if f != nil {
		evt.Attributes["reason"] = f.Reason
		evt.Attributes["flagRiskScore"] = strconv.FormatUint(f.RiskScore, 10)
		evt.Attributes["flaggedAt"] = strconv.FormatInt(f.FlaggedAt, 10)
	}
	return evt
}

// NewUnflaggedEvent returns the event payload emitted when a flag is lifted.
func NewUnflaggedEvent(l *Listing) *types.Event {
	return newListingEvent(EventTypeListingUnflagged, l)
}

// NewPausedEvent returns the event payload for a seller-initiated pause.
func NewPausedEvent(l *Listing) *types.Event { return newListingEvent(EventTypeListingPaused, l) }

// NewResumedEvent returns the event payload for a seller-initiated resume.
func NewResumedEvent(l *Listing) *types.Event { return newListingEvent(EventTypeListingResumed, l) }

// NewPriceUpdatedEvent returns the event payload for an in-place price change.
func NewPriceUpdatedEvent(l *Listing, oldPrice uint64) *types.Event {
	evt := newListingEvent(EventTypeListingPriceUpdated, l)
	evt.Attributes["oldPrice"] = strconv.FormatUint(oldPrice, 10)
	return evt
}

func newListingEvent(eventType string, l *Listing) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["listingId"] = strconv.FormatUint(l.ID, 10)
	attrs["itemHash"] = l.ItemHash
	attrs["seller"] = l.Seller
	attrs["price"] = strconv.FormatUint(l.Price, 10)
	attrs["category"] = l.Category
	attrs["currency"] = string(l.Currency)
	attrs["sellerPaused"] = strconv.FormatBool(l.SellerPaused)
	if l.RiskScore != nil {
		attrs["riskScore"] = strconv.FormatUint(*l.RiskScore, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
