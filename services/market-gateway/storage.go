package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"agora/gateway/auth"
)

// SQLiteStore persists everything the gateway owns locally: idempotency keys,
// the audit log, a read mirror of listings, the event cursor, webhook
// subscriptions with their delivery attempts, and the HMAC nonce journal.
type SQLiteStore struct {
	db *sql.DB
}

// ErrIdempotencyMismatch is returned when a key is reused with a different
// request payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            correlation_id TEXT NOT NULL,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS listings (
            id INTEGER PRIMARY KEY,
            item_hash TEXT NOT NULL,
            seller TEXT NOT NULL,
            price INTEGER NOT NULL,
            category TEXT,
            currency TEXT,
            status TEXT NOT NULL,
            risk_score INTEGER,
            seller_paused INTEGER NOT NULL DEFAULT 0,
            flagged INTEGER NOT NULL DEFAULT 0,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhooks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            api_key TEXT NOT NULL,
            event_type TEXT NOT NULL,
            url TEXT NOT NULL,
            secret TEXT NOT NULL,
            rate_limit INTEGER NOT NULL DEFAULT 60,
            active INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            delivery_id TEXT NOT NULL,
            webhook_id INTEGER NOT NULL,
            event_sequence INTEGER NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            next_attempt TIMESTAMP,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS nonces (
            api_key TEXT NOT NULL,
            signing_timestamp TEXT NOT NULL,
            nonce TEXT NOT NULL,
            observed_at TIMESTAMP NOT NULL,
            PRIMARY KEY(api_key, signing_timestamp, nonce)
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoredResponse is a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *SQLiteStore) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry is one audit log row. CorrelationID groups retried deliveries of
// the same logical request.
type AuditEntry struct {
	CorrelationID  string
	APIKey         string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseBody   []byte
	ResponseStatus int
	Timestamp      time.Time
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	if entry.CorrelationID == "" {
		entry.CorrelationID = uuid.NewString()
	}
	const stmt = `INSERT INTO audit_log(correlation_id, api_key, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.CorrelationID, entry.APIKey, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

// MirroredListing is the gateway's local read model of one listing, updated by
// the event watcher.
type MirroredListing struct {
	ID           uint64    `json:"id"`
	ItemHash     string    `json:"itemHash"`
	Seller       string    `json:"seller"`
	Price        uint64    `json:"price"`
	Category     string    `json:"category,omitempty"`
	Currency     string    `json:"currency,omitempty"`
	Status       string    `json:"status"`
	RiskScore    *uint64   `json:"riskScore,omitempty"`
	SellerPaused bool      `json:"sellerPaused"`
	Flagged      bool      `json:"flagged"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// UpsertListing writes or refreshes a mirrored listing row.
func (s *SQLiteStore) UpsertListing(ctx context.Context, listing MirroredListing) error {
	const stmt = `INSERT INTO listings(id, item_hash, seller, price, category, currency, status, risk_score, seller_paused, flagged, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            item_hash = excluded.item_hash,
            seller = excluded.seller,
            price = excluded.price,
            category = excluded.category,
            currency = excluded.currency,
            status = excluded.status,
            risk_score = excluded.risk_score,
            seller_paused = excluded.seller_paused,
            flagged = excluded.flagged,
            updated_at = excluded.updated_at`
	var risk interface{}
	if listing.RiskScore != nil {
		risk = int64(*listing.RiskScore)
	}
	_, err := s.db.ExecContext(ctx, stmt,
		listing.ID, listing.ItemHash, listing.Seller, listing.Price, listing.Category,
		listing.Currency, listing.Status, risk, boolToInt(listing.SellerPaused),
		boolToInt(listing.Flagged), listing.UpdatedAt)
	return err
}

// GetMirroredListing returns the mirrored row, or nil when the watcher has not
// seen the listing yet.
func (s *SQLiteStore) GetMirroredListing(ctx context.Context, id uint64) (*MirroredListing, error) {
	const query = `SELECT id, item_hash, seller, price, category, currency, status, risk_score, seller_paused, flagged, updated_at FROM listings WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	listing, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// ListMirroredListings returns all mirrored listings, newest update first.
func (s *SQLiteStore) ListMirroredListings(ctx context.Context) ([]MirroredListing, error) {
	const query = `SELECT id, item_hash, seller, price, category, currency, status, risk_score, seller_paused, flagged, updated_at FROM listings ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var listings []MirroredListing
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *listing)
	}
	return listings, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(row rowScanner) (*MirroredListing, error) {
	var listing MirroredListing
	var risk sql.NullInt64
	var sellerPaused, flagged int
	if err := row.Scan(&listing.ID, &listing.ItemHash, &listing.Seller, &listing.Price,
		&listing.Category, &listing.Currency, &listing.Status, &risk,
		&sellerPaused, &flagged, &listing.UpdatedAt); err != nil {
		return nil, err
	}
	if risk.Valid && risk.Int64 >= 0 {
		score := uint64(risk.Int64)
		listing.RiskScore = &score
	}
	listing.SellerPaused = sellerPaused == 1
	listing.Flagged = flagged == 1
	return &listing, nil
}

// StoredEvent is one node event persisted for local querying.
type StoredEvent struct {
	Sequence  uint64            `json:"sequence"`
	Type      string            `json:"type"`
	Payload   map[string]string `json:"attributes"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, evt StoredEvent) error {
	payloadJSON, err := json.Marshal(evt.Payload)
	if err != nil {
		return err
	}
	const stmt = `INSERT OR REPLACE INTO events(sequence, type, payload, created_at) VALUES (?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, evt.Sequence, evt.Type, string(payloadJSON), evt.CreatedAt)
	return err
}

// ListEventsSince returns up to limit persisted events after the cursor.
func (s *SQLiteStore) ListEventsSince(ctx context.Context, cursor uint64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT sequence, type, payload, created_at FROM events WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []StoredEvent
	for rows.Next() {
		var evt StoredEvent
		var payload string
		if err := rows.Scan(&evt.Sequence, &evt.Type, &payload, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d payload: %w", evt.Sequence, err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// LastEventSequence returns the watcher's persisted cursor position.
func (s *SQLiteStore) LastEventSequence(ctx context.Context) (uint64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = 'events'`
	row := s.db.QueryRowContext(ctx, query)
	var value int64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	if value < 0 {
		return 0, nil
	}
	return uint64(value), nil
}

// UpdateEventSequence advances the watcher's persisted cursor.
func (s *SQLiteStore) UpdateEventSequence(ctx context.Context, sequence uint64) error {
	const stmt = `INSERT INTO event_cursors(name, value) VALUES('events', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, stmt, int64(sequence))
	return err
}

// WebhookSubscription is one registered delivery endpoint.
type WebhookSubscription struct {
	ID        int64     `json:"id"`
	APIKey    string    `json:"-"`
	EventType string    `json:"eventType"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	RateLimit int       `json:"rateLimit"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *SQLiteStore) InsertWebhook(ctx context.Context, sub WebhookSubscription) (int64, error) {
	const stmt = `INSERT INTO webhooks(api_key, event_type, url, secret, rate_limit, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, sub.APIKey, sub.EventType, sub.URL, sub.Secret, sub.RateLimit, boolToInt(sub.Active), sub.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListWebhooksForEvent returns subscriptions matching an event type exactly or
// by "listing.*" style prefix wildcard.
func (s *SQLiteStore) ListWebhooksForEvent(ctx context.Context, eventType string) ([]WebhookSubscription, error) {
	const query = `SELECT id, api_key, event_type, url, secret, rate_limit, active, created_at FROM webhooks
        WHERE event_type = ? OR (event_type LIKE '%.*' AND ? LIKE REPLACE(event_type, '.*', '.%')) OR event_type = '*'`
	rows, err := s.db.QueryContext(ctx, query, eventType, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// ListWebhooksForKey returns the subscriptions registered under one API key.
func (s *SQLiteStore) ListWebhooksForKey(ctx context.Context, apiKey string) ([]WebhookSubscription, error) {
	const query = `SELECT id, api_key, event_type, url, secret, rate_limit, active, created_at FROM webhooks WHERE api_key = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, apiKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// DeactivateWebhook disables a subscription owned by the given API key.
func (s *SQLiteStore) DeactivateWebhook(ctx context.Context, apiKey string, id int64) error {
	const stmt = `UPDATE webhooks SET active = 0 WHERE id = ? AND api_key = ?`
	res, err := s.db.ExecContext(ctx, stmt, id, apiKey)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("webhook %d not found", id)
	}
	return nil
}

func scanWebhooks(rows *sql.Rows) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	for rows.Next() {
		var sub WebhookSubscription
		var active int
		if err := rows.Scan(&sub.ID, &sub.APIKey, &sub.EventType, &sub.URL, &sub.Secret, &sub.RateLimit, &active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Active = active == 1
		if sub.RateLimit <= 0 {
			sub.RateLimit = 60
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// WebhookAttempt records one delivery attempt for a subscription.
type WebhookAttempt struct {
	DeliveryID    string
	WebhookID     int64
	EventSequence uint64
	Attempt       int
	Status        string
	Error         string
	NextAttempt   time.Time
	CreatedAt     time.Time
}

func (s *SQLiteStore) InsertWebhookAttempt(ctx context.Context, attempt WebhookAttempt) error {
	if attempt.DeliveryID == "" {
		attempt.DeliveryID = uuid.NewString()
	}
	const stmt = `INSERT INTO webhook_attempts(delivery_id, webhook_id, event_sequence, attempt, status, error, next_attempt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, attempt.DeliveryID, attempt.WebhookID, attempt.EventSequence, attempt.Attempt, attempt.Status, attempt.Error, nullTime(attempt.NextAttempt), attempt.CreatedAt)
	return err
}

// EnsureNonce implements auth.NoncePersistence.
func (s *SQLiteStore) EnsureNonce(ctx context.Context, record auth.NonceRecord) (bool, error) {
	const stmt = `INSERT OR IGNORE INTO nonces(api_key, signing_timestamp, nonce, observed_at) VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, record.APIKey, record.Timestamp, record.Nonce, record.ObservedAt.UTC())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 0, nil
}

// RecentNonces implements auth.NoncePersistence.
func (s *SQLiteStore) RecentNonces(ctx context.Context, cutoff time.Time) ([]auth.NonceRecord, error) {
	const query = `SELECT api_key, signing_timestamp, nonce, observed_at FROM nonces WHERE observed_at >= ?`
	rows, err := s.db.QueryContext(ctx, query, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []auth.NonceRecord
	for rows.Next() {
		var rec auth.NonceRecord
		if err := rows.Scan(&rec.APIKey, &rec.Timestamp, &rec.Nonce, &rec.ObservedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PruneNonces implements auth.NoncePersistence.
func (s *SQLiteStore) PruneNonces(ctx context.Context, cutoff time.Time) error {
	const stmt = `DELETE FROM nonces WHERE observed_at < ?`
	_, err := s.db.ExecContext(ctx, stmt, cutoff.UTC())
	return err
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
