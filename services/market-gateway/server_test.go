package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"agora/gateway/auth"
	gwcfg "agora/gateway/config"
)

type mockNodeClient struct {
	mu sync.Mutex

	submitResp  *Listing
	submitErr   error
	submitCalls int
	lastSubmit  ListingSubmission

	getResp *ListingSnapshot
	getErr  error

	flagResp  *FlagResult
	flagErr   error
	flagCalls int
	flagArgs  []struct {
		caller string
		id     uint64
		reason string
		score  uint64
	}

	ruleResp  *Dispute
	ruleErr   error
	ruleCalls int

	escrowResp *Escrow
	escrowErr  error

	events []NodeEvent
}

func (m *mockNodeClient) SubmitListing(_ context.Context, req ListingSubmission) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitCalls++
	m.lastSubmit = req
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	if m.submitResp != nil {
		resp := *m.submitResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) GetListing(context.Context, uint64) (*ListingSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.getResp != nil {
		resp := *m.getResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) UpdatePrice(context.Context, string, uint64, uint64) (*Listing, error) {
	return m.submitResp, m.submitErr
}

func (m *mockNodeClient) PauseListing(context.Context, string, uint64) (*ListingSnapshot, error) {
	return m.getResp, m.getErr
}

func (m *mockNodeClient) ResumeListing(context.Context, string, uint64) (*ListingSnapshot, error) {
	return m.getResp, m.getErr
}

func (m *mockNodeClient) FlagListing(_ context.Context, caller string, id uint64, reason string, riskScore uint64) (*FlagResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flagCalls++
	m.flagArgs = append(m.flagArgs, struct {
		caller string
		id     uint64
		reason string
		score  uint64
	}{caller: caller, id: id, reason: reason, score: riskScore})
	if m.flagErr != nil {
		return nil, m.flagErr
	}
	if m.flagResp != nil {
		resp := *m.flagResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) UnflagListing(context.Context, string, uint64) (*ListingSnapshot, error) {
	return m.getResp, m.getErr
}

func (m *mockNodeClient) ReviewQueue(context.Context) ([]ListingSnapshot, error) {
	if m.getResp != nil {
		return []ListingSnapshot{*m.getResp}, nil
	}
	return nil, m.getErr
}

func (m *mockNodeClient) OpenEscrow(context.Context, string, uint64, uint64, string) (*Escrow, error) {
	if m.escrowErr != nil {
		return nil, m.escrowErr
	}
	if m.escrowResp != nil {
		resp := *m.escrowResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) ConfirmEscrow(context.Context, string, uint64) (*Escrow, error) {
	return m.escrowResp, m.escrowErr
}

func (m *mockNodeClient) GetEscrow(context.Context, uint64) (*Escrow, error) {
	return m.escrowResp, m.escrowErr
}

func (m *mockNodeClient) OpenDispute(context.Context, string, uint64, []string) (*Dispute, error) {
	return m.ruleResp, m.ruleErr
}

func (m *mockNodeClient) SubmitEvidence(context.Context, string, string, string) (*Dispute, error) {
	return m.ruleResp, m.ruleErr
}

func (m *mockNodeClient) RuleDispute(context.Context, string, string, string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ruleCalls++
	if m.ruleErr != nil {
		return nil, m.ruleErr
	}
	if m.ruleResp != nil {
		resp := *m.ruleResp
		return &resp, nil
	}
	return nil, nil
}

func (m *mockNodeClient) GetDispute(context.Context, string) (*Dispute, error) {
	return m.ruleResp, m.ruleErr
}

func (m *mockNodeClient) Reputation(context.Context, string) (*Reputation, error) {
	return &Reputation{}, nil
}

func (m *mockNodeClient) FetchEvents(context.Context, uint64, int) (*EventsPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &EventsPage{Events: append([]NodeEvent(nil), m.events...)}, nil
}

const (
	testAPIKey     = "merchant-key"
	testSecret     = "merchant-secret"
	testPrincipal  = "agora1merchant"
	consoleSecret  = "console-jwt-secret"
	consoleIssuer  = "agora-console"
	consoleSubject = "ops@example.com"
)

var testEpoch = time.Unix(1700000000, 0).UTC()

func newTestServer(t *testing.T, node NodeClient) (*Server, *SQLiteStore) {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := testEpoch
	authenticator := auth.NewAuthenticator(
		map[string]string{testAPIKey: testSecret},
		time.Minute, 2*time.Minute, 16,
		func() time.Time { return clock },
		nil,
	)

	cfg := gwcfg.Config{
		APIKeys: []gwcfg.APIKeyConfig{{Key: testAPIKey, Secret: testSecret, Principal: testPrincipal}},
		AdminAuth: gwcfg.AdminAuthConfig{
			Enabled:    true,
			HMACSecret: consoleSecret,
			Issuer:     consoleIssuer,
			ScopeClaim: "scope",
			ClockSkew:  2 * time.Minute,
		},
	}
	server := NewServer(cfg, authenticator, node, store, NewWebhookQueue(), nil)
	return server, store
}

func signedRequestFor(t *testing.T, method, path string, body []byte, ts time.Time, nonce, idempotencyKey string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	timestamp := fmt.Sprintf("%d", ts.Unix())
	sig := auth.ComputeSignature(testSecret, timestamp, nonce, method, auth.CanonicalRequestPath(req), body)
	req.Header.Set(auth.HeaderAPIKey, testAPIKey)
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))
	if idempotencyKey != "" {
		req.Header.Set(headerIdempotencyKey, idempotencyKey)
	}
	return req
}

func consoleToken(t *testing.T, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   consoleIssuer,
		"sub":   consoleSubject,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scope,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(consoleSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestSubmitListingRejectsInvalidSignature(t *testing.T) {
	node := &mockNodeClient{}
	server, _ := newTestServer(t, node)

	body := []byte(`{"id":1,"itemHash":"abc","seller":"agora1seller","price":100}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/listings", bytes.NewReader(body))
	req.Header.Set(auth.HeaderAPIKey, testAPIKey)
	req.Header.Set(auth.HeaderTimestamp, fmt.Sprintf("%d", testEpoch.Unix()))
	req.Header.Set(auth.HeaderNonce, "nonce-bad-sig")
	req.Header.Set(auth.HeaderSignature, "deadbeef")
	req.Header.Set(headerIdempotencyKey, "idem-1")

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if node.submitCalls != 0 {
		t.Fatalf("expected no submit calls, got %d", node.submitCalls)
	}
}

func TestSubmitListingRequiresIdempotencyKey(t *testing.T) {
	node := &mockNodeClient{}
	server, _ := newTestServer(t, node)

	body := []byte(`{"id":1,"itemHash":"abc","seller":"agora1seller","price":100}`)
	req := signedRequestFor(t, http.MethodPost, "/v1/listings", body, testEpoch, "nonce-no-key", "")

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if node.submitCalls != 0 {
		t.Fatalf("expected no submit calls, got %d", node.submitCalls)
	}
}

func TestSubmitListingIdempotentReplay(t *testing.T) {
	node := &mockNodeClient{submitResp: &Listing{ID: 7, ItemHash: "abc", Seller: "agora1seller", Price: 100}}
	server, _ := newTestServer(t, node)

	body := []byte(`{"id":7,"itemHash":"abc","seller":"agora1seller","price":100,"category":"books"}`)

	req1 := signedRequestFor(t, http.MethodPost, "/v1/listings", body, testEpoch, "nonce-submit-1", "idem-submit")
	rec1 := httptest.NewRecorder()
	server.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec1.Code, rec1.Body.String())
	}
	if node.submitCalls != 1 {
		t.Fatalf("expected one submit call, got %d", node.submitCalls)
	}
	if node.lastSubmit.Caller != testPrincipal {
		t.Fatalf("expected caller %q, got %q", testPrincipal, node.lastSubmit.Caller)
	}

	req2 := signedRequestFor(t, http.MethodPost, "/v1/listings", body, testEpoch.Add(time.Second), "nonce-submit-2", "idem-submit")
	rec2 := httptest.NewRecorder()
	server.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusCreated {
		t.Fatalf("expected cached 201 got %d", rec2.Code)
	}
	if node.submitCalls != 1 {
		t.Fatalf("expected node not called again, got %d calls", node.submitCalls)
	}
	if !bytes.Equal(rec1.Body.Bytes(), rec2.Body.Bytes()) {
		t.Fatalf("expected identical replayed response")
	}
}

func TestIdempotencyKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	node := &mockNodeClient{submitResp: &Listing{ID: 7}}
	server, _ := newTestServer(t, node)

	body1 := []byte(`{"id":7,"itemHash":"abc","seller":"agora1seller","price":100}`)
	req1 := signedRequestFor(t, http.MethodPost, "/v1/listings", body1, testEpoch, "nonce-reuse-1", "idem-reuse")
	rec1 := httptest.NewRecorder()
	server.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec1.Code)
	}

	body2 := []byte(`{"id":8,"itemHash":"xyz","seller":"agora1seller","price":200}`)
	req2 := signedRequestFor(t, http.MethodPost, "/v1/listings", body2, testEpoch.Add(time.Second), "nonce-reuse-2", "idem-reuse")
	rec2 := httptest.NewRecorder()
	server.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec2.Code)
	}
	if node.submitCalls != 1 {
		t.Fatalf("expected one submit call, got %d", node.submitCalls)
	}
}

func TestNodeErrorStatusMapping(t *testing.T) {
	cases := []struct {
		message string
		want    int
	}{
		{"invalid_params", http.StatusBadRequest},
		{"not_found", http.StatusNotFound},
		{"forbidden", http.StatusForbidden},
		{"conflict", http.StatusConflict},
		{"insufficient_funds", http.StatusConflict},
		{"rejected", http.StatusUnprocessableEntity},
		{"module_paused", http.StatusServiceUnavailable},
		{"something else", http.StatusBadGateway},
	}
	for i, tc := range cases {
		node := &mockNodeClient{submitErr: &NodeError{Method: "market_submitListing", Code: -32000, Message: tc.message}}
		server, _ := newTestServer(t, node)

		body := []byte(`{"id":1,"itemHash":"abc","seller":"agora1seller","price":100}`)
		nonce := fmt.Sprintf("nonce-status-%d", i)
		req := signedRequestFor(t, http.MethodPost, "/v1/listings", body, testEpoch, nonce, fmt.Sprintf("idem-status-%d", i))
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)

		if rec.Code != tc.want {
			t.Fatalf("message %q: expected %d got %d", tc.message, tc.want, rec.Code)
		}
	}
}

func TestOpenEscrowRejectsZeroAmount(t *testing.T) {
	node := &mockNodeClient{}
	server, _ := newTestServer(t, node)

	body := []byte(`{"listingId":7,"amount":0}`)
	req := signedRequestFor(t, http.MethodPost, "/v1/escrows", body, testEpoch, "nonce-escrow-zero", "idem-escrow-zero")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestConsoleFlagRequiresToken(t *testing.T) {
	node := &mockNodeClient{flagResp: &FlagResult{}}
	server, _ := newTestServer(t, node)

	body := []byte(`{"caller":"agora1moderator","reason":"counterfeit","riskScore":90}`)
	req := httptest.NewRequest(http.MethodPost, "/console/listings/7/flag", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if node.flagCalls != 0 {
		t.Fatalf("expected no flag calls, got %d", node.flagCalls)
	}
}

func TestConsoleFlagRejectsInsufficientScope(t *testing.T) {
	node := &mockNodeClient{flagResp: &FlagResult{}}
	server, _ := newTestServer(t, node)

	body := []byte(`{"caller":"agora1moderator","reason":"counterfeit","riskScore":90}`)
	req := httptest.NewRequest(http.MethodPost, "/console/listings/7/flag", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+consoleToken(t, "disputes.rule"))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
	if node.flagCalls != 0 {
		t.Fatalf("expected no flag calls, got %d", node.flagCalls)
	}
}

func TestConsoleFlagWithScopeCallsNode(t *testing.T) {
	node := &mockNodeClient{flagResp: &FlagResult{}}
	server, _ := newTestServer(t, node)

	body := []byte(`{"caller":"agora1moderator","reason":"counterfeit","riskScore":90}`)
	req := httptest.NewRequest(http.MethodPost, "/console/listings/7/flag", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+consoleToken(t, "market.review"))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if node.flagCalls != 1 {
		t.Fatalf("expected one flag call, got %d", node.flagCalls)
	}
	got := node.flagArgs[0]
	if got.caller != "agora1moderator" || got.id != 7 || got.reason != "counterfeit" || got.score != 90 {
		t.Fatalf("unexpected flag args: %+v", got)
	}
}

func TestConsoleRuleRequiresCaller(t *testing.T) {
	node := &mockNodeClient{ruleResp: &Dispute{}}
	server, _ := newTestServer(t, node)

	body := []byte(`{"ruling":"buyer_wins"}`)
	req := httptest.NewRequest(http.MethodPost, "/console/disputes/dis-7-1/rule", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+consoleToken(t, "disputes.rule"))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if node.ruleCalls != 0 {
		t.Fatalf("expected no rule calls, got %d", node.ruleCalls)
	}
}

func TestRegisterWebhookPersistsSubscription(t *testing.T) {
	node := &mockNodeClient{}
	server, store := newTestServer(t, node)

	body := []byte(`{"eventType":"listing.flagged","url":"https://merchant.example.com/hooks","secret":"whsec"}`)
	req := signedRequestFor(t, http.MethodPost, "/v1/webhooks", body, testEpoch, "nonce-webhook-1", "idem-webhook-1")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	subs, err := store.ListWebhooksForKey(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("list webhooks: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected one subscription, got %d", len(subs))
	}
	if subs[0].EventType != "listing.flagged" || !subs[0].Active {
		t.Fatalf("unexpected subscription: %+v", subs[0])
	}
}

func TestRegisterWebhookRejectsRelativeURL(t *testing.T) {
	node := &mockNodeClient{}
	server, _ := newTestServer(t, node)

	body := []byte(`{"eventType":"listing.flagged","url":"/hooks","secret":"whsec"}`)
	req := signedRequestFor(t, http.MethodPost, "/v1/webhooks", body, testEpoch, "nonce-webhook-rel", "idem-webhook-rel")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestListEventsServesMirror(t *testing.T) {
	node := &mockNodeClient{}
	server, store := newTestServer(t, node)

	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		err := store.InsertEvent(ctx, StoredEvent{
			Sequence:  seq,
			Type:      "listing.created",
			Payload:   map[string]string{"listingId": fmt.Sprintf("%d", seq)},
			CreatedAt: testEpoch,
		})
		if err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}

	req := signedRequestFor(t, http.MethodGet, "/v1/events?cursor=1", nil, testEpoch, "nonce-events-1", "")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Events []StoredEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("expected 2 events after cursor 1, got %d", len(resp.Events))
	}
	if resp.Events[0].Sequence != 2 || resp.Events[1].Sequence != 3 {
		t.Fatalf("unexpected sequences: %+v", resp.Events)
	}
}
