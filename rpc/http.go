package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"agora/core"
	"agora/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	sourceEventsPerSecond = 10
	sourceBurst           = 20
	limiterTTL            = 10 * time.Minute
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeModulePaused   = -32002
	codeRateLimited    = -32020
)

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server exposes the node over JSON-RPC 2.0. Mutating methods require the
// bearer token configured via AGORA_RPC_TOKEN and are rate limited per source.
type Server struct {
	node      *core.Node
	authToken string

	mu       sync.Mutex
	limiters map[string]*sourceLimiter
}

// NewServer wires a server around the node. The auth token is read from the
// AGORA_RPC_TOKEN environment variable; when empty, mutating methods are
// rejected until a token is configured.
func NewServer(node *core.Node) *Server {
	return &Server{
		node:      node,
		authToken: strings.TrimSpace(os.Getenv("AGORA_RPC_TOKEN")),
		limiters:  make(map[string]*sourceLimiter),
	}
}

// SetAuthToken overrides the bearer token. Used by tests and by deployments
// that load secrets from a file rather than the environment.
func (s *Server) SetAuthToken(token string) {
	s.authToken = strings.TrimSpace(token)
}

// Handler returns the HTTP handler serving the RPC endpoint, the websocket
// event stream, Prometheus metrics, and the health probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventStream)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start serves the RPC endpoint until the listener fails.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func moduleOf(method string) string {
	if idx := strings.Index(method, "_"); idx > 0 {
		return method[:idx]
	}
	return method
}

// handle parses the envelope and routes to the method handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	start := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.dispatch(recorder, r, req)
	observability.ModuleMetrics().Observe(moduleOf(req.Method), req.Method, recorder.status, time.Since(start))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "market_submitListing":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleMarketSubmit(w, r, req)
	case "market_flagListing":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleMarketFlag(w, r, req)
	case "market_unflagListing":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleMarketUnflag(w, r, req)
	case "market_updatePrice":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleMarketUpdatePrice(w, r, req)
	case "market_pauseListing":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleMarketPause(w, r, req)
	case "market_resumeListing":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleMarketResume(w, r, req)
	case "market_getListing":
		s.handleMarketGet(w, r, req)
	case "market_reviewQueue":
		s.handleMarketReviewQueue(w, r, req)
	case "escrow_open":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleEscrowOpen(w, r, req)
	case "escrow_confirm":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleEscrowConfirm(w, r, req)
	case "escrow_get":
		s.handleEscrowGet(w, r, req)
	case "dispute_open":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleDisputeOpen(w, r, req)
	case "dispute_submitEvidence":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleDisputeSubmitEvidence(w, r, req)
	case "dispute_rule":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleDisputeRule(w, r, req)
	case "dispute_get":
		s.handleDisputeGet(w, r, req)
	case "rep_get":
		s.handleReputationGet(w, r, req)
	case "rep_set":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleReputationSet(w, r, req)
	case "policy_setAuthority":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handlePolicySetAuthority(w, r, req)
	case "policy_getAuthority":
		s.handlePolicyGetAuthority(w, r, req)
	case "policy_setFraudThreshold":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handlePolicySetFraudThreshold(w, r, req)
	case "policy_setMinReputation":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handlePolicySetMinReputation(w, r, req)
	case "policy_setMaxRiskScore":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handlePolicySetMaxRiskScore(w, r, req)
	case "policy_toggleAnomalyDetection":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handlePolicyToggleAnomalyDetection(w, r, req)
	case "policy_get":
		s.handlePolicyGet(w, r, req)
	case "policy_blacklistAdd":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handlePolicyBlacklistAdd(w, r, req)
	case "policy_blacklistRemove":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handlePolicyBlacklistRemove(w, r, req)
	case "policy_blacklisted":
		s.handlePolicyBlacklisted(w, r, req)
	case "policy_setPaused":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handlePolicySetPaused(w, r, req)
	case "policy_roleGrant":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handlePolicyRoleGrant(w, r, req)
	case "policy_roleRevoke":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handlePolicyRoleRevoke(w, r, req)
	case "policy_roleMembers":
		s.handlePolicyRoleMembers(w, r, req)
	case "bank_mint":
		if !s.allowMutation(w, r, req) {
			return
		}
		s.handleBankMint(w, r, req)
	case "bank_balance":
		s.handleBankBalance(w, r, req)
	case "events_latest":
		s.handleEventsLatest(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

// allowMutation enforces bearer auth and per-source rate limiting for every
// state-changing method. It writes the failure response itself.
func (s *Server) allowMutation(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return false
	}
	source := clientSource(r)
	if !s.allowSource(source, time.Now()) {
		observability.ModuleMetrics().RecordThrottle(moduleOf(req.Method), "rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "request rate limit exceeded", source)
		return false
	}
	return true
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for src, entry := range s.limiters {
		if now.Sub(entry.lastSeen) > limiterTTL {
			delete(s.limiters, src)
		}
	}
	entry, ok := s.limiters[source]
	if !ok {
		entry = &sourceLimiter{limiter: rate.NewLimiter(rate.Limit(sourceEventsPerSecond), sourceBurst)}
		s.limiters[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
