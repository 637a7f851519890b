package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Request signing scheme shared with merchant API clients: every signed call
// carries an API key, a unix timestamp, a caller-chosen nonce, and an
// HMAC-SHA256 signature over the request metadata and body. The signed payload
// is timestamp, nonce, upper-cased method, canonical path, and the raw body
// joined by newlines.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"

	// MaxBodyForSignature caps the body size accepted into the signed payload.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxTimestampSkew     = 2 * time.Minute
	maxNonceTTL          = 10 * time.Minute
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536

	persistedPruneEvery = time.Minute
)

// Principal identifies the API key a request authenticated as.
type Principal struct {
	APIKey string
}

// NonceRecord is one observed (key, timestamp, nonce) triple together with the
// wall-clock instant it was first accepted.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence stores nonce observations durably so replay protection
// survives gateway restarts.
type NoncePersistence interface {
	// EnsureNonce records the observation and reports whether the triple was
	// already present.
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	// RecentNonces returns observations made at or after the cutoff.
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	// PruneNonces drops observations made before the cutoff.
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Authenticator verifies signed merchant requests. Replay protection is two
// layered: a bounded per-key nonce window backed by optional persistence, and
// a per-key timestamp floor that requires signing timestamps to increase.
type Authenticator struct {
	secrets       map[string]string
	skew          time.Duration
	nonceTTL      time.Duration
	nonceCapacity int
	nowFn         func() time.Time

	windowMu sync.Mutex
	windows  map[string]*nonceWindow

	floorMu sync.Mutex
	floors  map[string]int64

	persistence NoncePersistence
	pruneMu     sync.Mutex
	prunedAt    time.Time
}

// NewAuthenticator builds an authenticator for the supplied API key secrets.
// Zero durations and capacities select the defaults; oversized values clamp to
// the package limits so a misconfigured deployment cannot widen the replay
// window indefinitely.
func NewAuthenticator(secrets map[string]string, skew, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time, persistence NoncePersistence) *Authenticator {
	keyed := make(map[string]string, len(secrets))
	for key, secret := range secrets {
		keyed[strings.TrimSpace(key)] = strings.TrimSpace(secret)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		secrets:       keyed,
		skew:          clampDuration(skew, maxTimestampSkew),
		nonceTTL:      clampDuration(nonceTTL, maxNonceTTL),
		nonceCapacity: clampCapacity(nonceCapacity),
		nowFn:         nowFn,
		windows:       make(map[string]*nonceWindow),
		floors:        make(map[string]int64),
		persistence:   persistence,
	}
}

func clampDuration(d, max time.Duration) time.Duration {
	if d <= 0 || d > max {
		return max
	}
	return d
}

func clampCapacity(capacity int) int {
	switch {
	case capacity <= 0:
		return defaultNonceCapacity
	case capacity > maxNonceCapacity:
		return maxNonceCapacity
	default:
		return capacity
	}
}

// Authenticate checks the signature headers against the request body and
// returns the authenticated principal. The body must be the exact bytes the
// client signed; callers buffer it before invoking Authenticate.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (Principal, error) {
	if len(body) > MaxBodyForSignature {
		return Principal{}, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey, secret, err := a.credentials(r)
	if err != nil {
		return Principal{}, err
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return Principal{}, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixSeconds(tsHeader)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	if drift := now.Sub(ts).Abs(); a.skew > 0 && drift > a.skew {
		return Principal{}, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return Principal{}, errors.New("missing X-Nonce header")
	}
	if err := verifySignature(r, secret, tsHeader, nonce, body); err != nil {
		return Principal{}, err
	}
	replayed, err := a.observeNonce(r.Context(), apiKey, tsHeader, nonce, now)
	if err != nil {
		return Principal{}, err
	}
	if replayed {
		return Principal{}, errors.New("nonce already used")
	}
	if !a.advanceFloor(apiKey, ts.Unix(), now) {
		return Principal{}, errors.New("timestamp not increasing")
	}
	return Principal{APIKey: apiKey}, nil
}

func (a *Authenticator) credentials(r *http.Request) (string, string, error) {
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return "", "", errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return "", "", errors.New("unknown API key")
	}
	return apiKey, secret, nil
}

func verifySignature(r *http.Request, secret, timestamp, nonce string, body []byte) error {
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return errors.New("missing X-Signature header")
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	expected := ComputeSignature(secret, timestamp, nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal(providedBytes, expected) {
		return errors.New("invalid signature")
	}
	return nil
}

// HydrateNonces warms the in-memory windows from persisted observations so a
// restarted gateway keeps rejecting replays without a round trip per request.
func (a *Authenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persisted nonces: %w", err)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.APIKey) == "" || strings.TrimSpace(rec.Timestamp) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.window(rec.APIKey).Remember(compositeKey(rec.Timestamp, rec.Nonce), observed)
	}
	return nil
}

// observeNonce reports whether the (timestamp, nonce) pair was already seen,
// consulting the persistence backend on cache misses and recording new pairs
// in both layers.
func (a *Authenticator) observeNonce(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) (bool, error) {
	window := a.window(apiKey)
	composite := compositeKey(timestamp, nonce)
	if window.Contains(composite, now) {
		return true, nil
	}
	if a.persistence != nil {
		if err := a.prunePersisted(ctx, now); err != nil {
			return false, err
		}
		existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{
			APIKey:     apiKey,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			window.Remember(composite, now)
			return true, nil
		}
	}
	window.Remember(composite, now)
	return false, nil
}

func (a *Authenticator) prunePersisted(ctx context.Context, now time.Time) error {
	if a.persistence == nil || a.nonceTTL <= 0 {
		return nil
	}
	a.pruneMu.Lock()
	due := a.prunedAt.IsZero() || now.Sub(a.prunedAt) >= persistedPruneEvery
	if due {
		a.prunedAt = now
	}
	a.pruneMu.Unlock()
	if !due {
		return nil
	}
	if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
		return fmt.Errorf("prune persisted nonces: %w", err)
	}
	return nil
}

// advanceFloor enforces strictly increasing signing timestamps per key while
// the previous observation is still inside the skew window. Floors older than
// the window are discarded so an idle key is not locked out forever.
func (a *Authenticator) advanceFloor(apiKey string, ts int64, now time.Time) bool {
	if a.skew <= 0 {
		return true
	}
	cutoff := now.Add(-a.skew).Unix()

	a.floorMu.Lock()
	defer a.floorMu.Unlock()

	floor, ok := a.floors[apiKey]
	if ok && floor >= cutoff && ts <= floor {
		return false
	}
	if !ok || ts > floor || floor < cutoff {
		a.floors[apiKey] = ts
	}
	return true
}

func (a *Authenticator) window(apiKey string) *nonceWindow {
	a.windowMu.Lock()
	defer a.windowMu.Unlock()
	window, ok := a.windows[apiKey]
	if !ok {
		window = newNonceWindow(a.nonceTTL, a.nonceCapacity)
		a.windows[apiKey] = window
	}
	return window
}

func compositeKey(timestamp, nonce string) string {
	return timestamp + "|" + nonce
}

// CanonicalRequestPath returns the path clients must sign: the URL path plus
// the query string with parameters in sorted order.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery sorts raw query parameters so signatures are stable across
// client serialisation order.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature derives the HMAC-SHA256 signature bytes for the request
// metadata and body.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixSeconds(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// nonceWindow is a TTL and capacity bounded record of the nonces seen for one
// API key. Entries are kept in observation order; expiry and capacity both
// evict from the oldest end.
type nonceWindow struct {
	ttl      time.Duration
	capacity int

	mu    sync.Mutex
	index map[string]*list.Element
	order *list.List
}

type windowEntry struct {
	key    string
	seenAt time.Time
}

func newNonceWindow(ttl time.Duration, capacity int) *nonceWindow {
	return &nonceWindow{
		ttl:      clampDuration(ttl, maxNonceTTL),
		capacity: clampCapacity(capacity),
		index:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains reports presence without recording a new key.
func (w *nonceWindow) Contains(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expire(now)
	_, exists := w.index[key]
	return exists
}

// Remember records the key unconditionally, refreshing it when already known.
func (w *nonceWindow) Remember(key string, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expire(now)
	w.insert(key, now)
}

func (w *nonceWindow) insert(key string, now time.Time) {
	if elem, exists := w.index[key]; exists {
		elem.Value = windowEntry{key: key, seenAt: now}
		w.order.MoveToBack(elem)
		return
	}
	for w.capacity > 0 && w.order.Len() >= w.capacity {
		w.dropOldest()
	}
	w.index[key] = w.order.PushBack(windowEntry{key: key, seenAt: now})
}

func (w *nonceWindow) expire(now time.Time) {
	cutoff := now.Add(-w.ttl)
	for {
		front := w.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(windowEntry)
		if !entry.seenAt.Before(cutoff) {
			return
		}
		w.order.Remove(front)
		delete(w.index, entry.key)
	}
}

func (w *nonceWindow) dropOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(windowEntry)
	w.order.Remove(front)
	delete(w.index, entry.key)
}
