package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"agora/observability/metrics"
)

// NodeClient is the thin JSON-RPC client the gateway proxies through.
type NodeClient interface {
	SubmitListing(ctx context.Context, req ListingSubmission) (*Listing, error)
	GetListing(ctx context.Context, id uint64) (*ListingSnapshot, error)
	UpdatePrice(ctx context.Context, caller string, id, newPrice uint64) (*Listing, error)
	PauseListing(ctx context.Context, caller string, id uint64) (*ListingSnapshot, error)
	ResumeListing(ctx context.Context, caller string, id uint64) (*ListingSnapshot, error)
	FlagListing(ctx context.Context, caller string, id uint64, reason string, riskScore uint64) (*FlagResult, error)
	UnflagListing(ctx context.Context, caller string, id uint64) (*ListingSnapshot, error)
	ReviewQueue(ctx context.Context) ([]ListingSnapshot, error)
	OpenEscrow(ctx context.Context, caller string, listingID, amount uint64, currency string) (*Escrow, error)
	ConfirmEscrow(ctx context.Context, caller string, listingID uint64) (*Escrow, error)
	GetEscrow(ctx context.Context, listingID uint64) (*Escrow, error)
	OpenDispute(ctx context.Context, caller string, listingID uint64, evidence []string) (*Dispute, error)
	SubmitEvidence(ctx context.Context, caller, disputeID, evidenceRef string) (*Dispute, error)
	RuleDispute(ctx context.Context, caller, disputeID, ruling string) (*Dispute, error)
	GetDispute(ctx context.Context, disputeID string) (*Dispute, error)
	Reputation(ctx context.Context, principal string) (*Reputation, error)
	FetchEvents(ctx context.Context, cursor uint64, limit int) (*EventsPage, error)
}

// RPCNodeClient implements NodeClient against the agorad JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string, timeout time.Duration) *RPCNodeClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// NodeError carries the RPC error triple so handlers can map the node's error
// vocabulary onto HTTP statuses.
type NodeError struct {
	Method  string
	Code    int
	Message string
	Detail  string
}

func (e *NodeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("node rpc %s: %s: %s", e.Method, e.Message, e.Detail)
	}
	return fmt.Sprintf("node rpc %s: %s", e.Method, e.Message)
}

// HTTPStatus maps the node's error messages onto gateway response codes.
// Unknown messages surface as a bad gateway so proxy failures are
// distinguishable from rejected requests.
func (e *NodeError) HTTPStatus() int {
	switch e.Message {
	case "invalid_params":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "forbidden":
		return http.StatusForbidden
	case "conflict", "insufficient_funds":
		return http.StatusConflict
	case "rejected":
		return http.StatusUnprocessableEntity
	case "module_paused":
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func nodeErrorStatus(err error) (int, bool) {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return nodeErr.HTTPStatus(), true
	}
	return 0, false
}

// ListingSubmission is forwarded verbatim as the market_submitListing params
// object; Caller is the principal the gateway resolved from the API key.
type ListingSubmission struct {
	Caller   string `json:"caller"`
	ID       uint64 `json:"id"`
	ItemHash string `json:"itemHash"`
	Seller   string `json:"seller"`
	Price    uint64 `json:"price"`
	Category string `json:"category"`
	Location string `json:"location"`
	Currency string `json:"currency"`
}

// Listing mirrors the node's listing JSON.
type Listing struct {
	ID           uint64  `json:"id"`
	ItemHash     string  `json:"itemHash"`
	Seller       string  `json:"seller"`
	Price        uint64  `json:"price"`
	Category     string  `json:"category"`
	Location     string  `json:"location"`
	Currency     string  `json:"currency"`
	RiskScore    *uint64 `json:"riskScore,omitempty"`
	SellerPaused bool    `json:"sellerPaused"`
	CreatedAt    int64   `json:"createdAt"`
	UpdatedAt    int64   `json:"updatedAt"`
}

// ListingFlag mirrors the flag detail attached to a snapshot.
type ListingFlag struct {
	Reason    string `json:"reason"`
	RiskScore uint64 `json:"riskScore"`
	FlaggedAt int64  `json:"flaggedAt"`
}

// ListingSnapshot is a listing plus the collapsed buyer-observed status.
type ListingSnapshot struct {
	Listing
	Status string       `json:"status"`
	Flag   *ListingFlag `json:"flag,omitempty"`
}

// FlagResult mirrors the market_flagListing response.
type FlagResult struct {
	ListingID uint64 `json:"listingId"`
	Reason    string `json:"reason"`
	RiskScore uint64 `json:"riskScore"`
	FlaggedAt int64  `json:"flaggedAt"`
}

// Escrow mirrors the node's escrow record JSON.
type Escrow struct {
	ListingID uint64 `json:"listingId"`
	Seq       uint64 `json:"seq"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Amount    uint64 `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	OpenedAt  int64  `json:"openedAt"`
	SettledAt int64  `json:"settledAt,omitempty"`
}

// Dispute mirrors the node's dispute JSON.
type Dispute struct {
	ID        string   `json:"id"`
	ListingID uint64   `json:"listingId"`
	EscrowSeq uint64   `json:"escrowSeq"`
	Opener    string   `json:"opener"`
	Buyer     string   `json:"buyer"`
	Seller    string   `json:"seller"`
	Evidence  []string `json:"evidence"`
	Status    string   `json:"status"`
	Ruling    string   `json:"ruling,omitempty"`
	OpenedAt  int64    `json:"openedAt"`
	RuledAt   int64    `json:"ruledAt,omitempty"`
}

// Reputation mirrors the rep_get response.
type Reputation struct {
	Principal string `json:"principal"`
	Score     uint64 `json:"score"`
}

// NodeEvent is one sequenced event from the node's log.
type NodeEvent struct {
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	Event     struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	} `json:"event"`
}

// EventsPage is the events_latest response.
type EventsPage struct {
	Events         []NodeEvent `json:"events"`
	LatestSequence uint64      `json:"latestSequence"`
}

func (c *RPCNodeClient) SubmitListing(ctx context.Context, req ListingSubmission) (*Listing, error) {
	var result Listing
	if err := c.call(ctx, "market_submitListing", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetListing(ctx context.Context, id uint64) (*ListingSnapshot, error) {
	var result ListingSnapshot
	if err := c.call(ctx, "market_getListing", []interface{}{map[string]uint64{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) UpdatePrice(ctx context.Context, caller string, id, newPrice uint64) (*Listing, error) {
	params := map[string]interface{}{"caller": caller, "id": id, "newPrice": newPrice}
	var result Listing
	if err := c.call(ctx, "market_updatePrice", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) PauseListing(ctx context.Context, caller string, id uint64) (*ListingSnapshot, error) {
	return c.actorCall(ctx, "market_pauseListing", caller, id)
}

func (c *RPCNodeClient) ResumeListing(ctx context.Context, caller string, id uint64) (*ListingSnapshot, error) {
	return c.actorCall(ctx, "market_resumeListing", caller, id)
}

func (c *RPCNodeClient) UnflagListing(ctx context.Context, caller string, id uint64) (*ListingSnapshot, error) {
	return c.actorCall(ctx, "market_unflagListing", caller, id)
}

func (c *RPCNodeClient) actorCall(ctx context.Context, method, caller string, id uint64) (*ListingSnapshot, error) {
	params := map[string]interface{}{"caller": caller, "id": id}
	var result ListingSnapshot
	if err := c.call(ctx, method, []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) FlagListing(ctx context.Context, caller string, id uint64, reason string, riskScore uint64) (*FlagResult, error) {
	params := map[string]interface{}{"caller": caller, "id": id, "reason": reason, "riskScore": riskScore}
	var result FlagResult
	if err := c.call(ctx, "market_flagListing", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) ReviewQueue(ctx context.Context) ([]ListingSnapshot, error) {
	var result []ListingSnapshot
	if err := c.call(ctx, "market_reviewQueue", []interface{}{}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCNodeClient) OpenEscrow(ctx context.Context, caller string, listingID, amount uint64, currency string) (*Escrow, error) {
	params := map[string]interface{}{"caller": caller, "listingId": listingID, "amount": amount, "currency": currency}
	var result Escrow
	if err := c.call(ctx, "escrow_open", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) ConfirmEscrow(ctx context.Context, caller string, listingID uint64) (*Escrow, error) {
	params := map[string]interface{}{"caller": caller, "listingId": listingID}
	var result Escrow
	if err := c.call(ctx, "escrow_confirm", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetEscrow(ctx context.Context, listingID uint64) (*Escrow, error) {
	var result Escrow
	if err := c.call(ctx, "escrow_get", []interface{}{map[string]uint64{"listingId": listingID}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) OpenDispute(ctx context.Context, caller string, listingID uint64, evidence []string) (*Dispute, error) {
	params := map[string]interface{}{"caller": caller, "listingId": listingID}
	if len(evidence) > 0 {
		params["evidence"] = evidence
	}
	var result Dispute
	if err := c.call(ctx, "dispute_open", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) SubmitEvidence(ctx context.Context, caller, disputeID, evidenceRef string) (*Dispute, error) {
	params := map[string]string{"caller": caller, "disputeId": disputeID, "evidenceRef": evidenceRef}
	var result Dispute
	if err := c.call(ctx, "dispute_submitEvidence", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) RuleDispute(ctx context.Context, caller, disputeID, ruling string) (*Dispute, error) {
	params := map[string]string{"caller": caller, "disputeId": disputeID, "ruling": ruling}
	var result Dispute
	if err := c.call(ctx, "dispute_rule", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) GetDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	var result Dispute
	if err := c.call(ctx, "dispute_get", []interface{}{map[string]string{"disputeId": disputeID}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) Reputation(ctx context.Context, principal string) (*Reputation, error) {
	var result Reputation
	if err := c.call(ctx, "rep_get", []interface{}{map[string]string{"principal": principal}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) FetchEvents(ctx context.Context, cursor uint64, limit int) (*EventsPage, error) {
	params := map[string]interface{}{"cursor": cursor}
	if limit > 0 {
		params["limit"] = limit
	}
	var result EventsPage
	if err := c.call(ctx, "events_latest", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.Gateway().ObserveNodeCall(method, time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&rpcResp); err != nil {
		return fmt.Errorf("node rpc %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return &NodeError{
			Method:  method,
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
			Detail:  rpcResp.Error.Data,
		}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("node rpc %s: empty result", method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func destinationHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "unknown"
	}
	return parsed.Host
}
