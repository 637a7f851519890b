package main

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"agora/observability/metrics"
)

// EventWatcher tails the node's sequenced event log. Every event is persisted
// locally, listing events refresh the read mirror, and subscribers are fanned
// out through the webhook queue.
type EventWatcher struct {
	node         NodeClient
	store        *SQLiteStore
	queue        *WebhookQueue
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	nowFn        func() time.Time
}

func NewEventWatcher(node NodeClient, store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *EventWatcher {
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWatcher{
		node:         node,
		store:        store,
		queue:        queue,
		logger:       logger,
		pollInterval: 5 * time.Second,
		batchSize:    100,
		nowFn:        time.Now,
	}
}

// SetPollInterval overrides the default 5s cadence.
func (w *EventWatcher) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		w.pollInterval = interval
	}
}

// SetBatchSize overrides the default fetch size.
func (w *EventWatcher) SetBatchSize(size int) {
	if size > 0 {
		w.batchSize = size
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil || w.queue == nil {
		return
	}
	interval := w.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	cursor, _ := w.store.LastEventSequence(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cursor = w.poll(ctx, cursor)
		}
	}
}

func (w *EventWatcher) poll(ctx context.Context, cursor uint64) uint64 {
	batch := w.batchSize
	if batch <= 0 {
		batch = 100
	}
	page, err := w.node.FetchEvents(ctx, cursor, batch)
	if err != nil {
		w.logger.Warn("event poll failed", "cursor", cursor, "err", err)
		return cursor
	}
	for _, evt := range page.Events {
		if evt.Sequence <= cursor {
			continue
		}
		w.handleEvent(ctx, evt)
		cursor = evt.Sequence
	}
	if err := w.store.UpdateEventSequence(ctx, cursor); err != nil {
		w.logger.Warn("persist event cursor failed", "cursor", cursor, "err", err)
	}
	if page.LatestSequence >= cursor {
		metrics.Gateway().SetWatcherLag(page.LatestSequence - cursor)
	}
	return cursor
}

func (w *EventWatcher) handleEvent(ctx context.Context, evt NodeEvent) {
	createdAt := time.Unix(evt.Timestamp, 0).UTC()
	if evt.Timestamp == 0 {
		createdAt = w.nowFn().UTC()
	}
	attrs := make(map[string]string, len(evt.Event.Attributes))
	for k, v := range evt.Event.Attributes {
		attrs[k] = v
	}
	if err := w.store.InsertEvent(ctx, StoredEvent{
		Sequence:  evt.Sequence,
		Type:      evt.Event.Type,
		Payload:   attrs,
		CreatedAt: createdAt,
	}); err != nil {
		w.logger.Warn("persist event failed", "sequence", evt.Sequence, "err", err)
	}

	if strings.HasPrefix(evt.Event.Type, "listing.") {
		w.mirrorListing(ctx, evt.Event.Type, attrs, createdAt)
	}

	w.queue.Enqueue(WebhookEvent{
		Sequence:   evt.Sequence,
		Type:       evt.Event.Type,
		Attributes: attrs,
		CreatedAt:  createdAt,
	})
}

// mirrorListing folds a listing event into the local read model. The collapsed
// status follows the node's rule: paused iff the seller paused or a flag is in
// force.
func (w *EventWatcher) mirrorListing(ctx context.Context, eventType string, attrs map[string]string, observedAt time.Time) {
	id, err := strconv.ParseUint(attrs["listingId"], 10, 64)
	if err != nil || id == 0 {
		return
	}
	existing, err := w.store.GetMirroredListing(ctx, id)
	if err != nil {
		w.logger.Warn("read mirrored listing failed", "listingId", id, "err", err)
		return
	}
	listing := MirroredListing{ID: id}
	if existing != nil {
		listing = *existing
	}
	if v := attrs["itemHash"]; v != "" {
		listing.ItemHash = v
	}
	if v := attrs["seller"]; v != "" {
		listing.Seller = v
	}
	if v, err := strconv.ParseUint(attrs["price"], 10, 64); err == nil {
		listing.Price = v
	}
	if v := attrs["category"]; v != "" {
		listing.Category = v
	}
	if v := attrs["currency"]; v != "" {
		listing.Currency = v
	}
	if v, err := strconv.ParseBool(attrs["sellerPaused"]); err == nil {
		listing.SellerPaused = v
	}
	if v, err := strconv.ParseUint(attrs["riskScore"], 10, 64); err == nil {
		score := v
		listing.RiskScore = &score
	}

	switch eventType {
	case "listing.flagged":
		listing.Flagged = true
	case "listing.unflagged":
		listing.Flagged = false
	}
	if listing.Flagged || listing.SellerPaused {
		listing.Status = "Paused"
	} else {
		listing.Status = "Active"
	}
	listing.UpdatedAt = observedAt

	if err := w.store.UpsertListing(ctx, listing); err != nil {
		w.logger.Warn("mirror listing failed", "listingId", id, "err", err)
	}
}
