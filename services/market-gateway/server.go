package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"agora/gateway/auth"
	gwcfg "agora/gateway/config"
	"agora/gateway/middleware"
	"agora/observability/metrics"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB

	nodeCallTimeout = 15 * time.Second
)

// Server is the REST facade in front of the node's JSON-RPC API. Merchant
// routes authenticate with signed API keys and replay idempotently; console
// routes carry scoped JWTs for human operators.
type Server struct {
	authenticator *auth.Authenticator
	node          NodeClient
	store         *SQLiteStore
	queue         *WebhookQueue
	principals    map[string]string
	logger        *slog.Logger
	nowFn         func() time.Time

	router chi.Router
}

func NewServer(cfg gwcfg.Config, authenticator *auth.Authenticator, node NodeClient, store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *Server {
	if authenticator == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		authenticator: authenticator,
		node:          node,
		store:         store,
		queue:         queue,
		principals:    cfg.Principals(),
		logger:        logger,
		nowFn:         time.Now,
	}
	s.router = s.buildRouter(cfg)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter(cfg gwcfg.Config) chi.Router {
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: cfg.Observability.ServiceName,
		Enabled:     cfg.Observability.Enabled,
		LogRequests: cfg.Observability.LogRequests,
	}, s.logger)
	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for name, limit := range cfg.RateLimits {
		limits[name] = middleware.RateLimit{
			RatePerSecond:     limit.RatePerSecond,
			RequestsPerMinute: limit.RequestsPerMinute,
			Burst:             limit.Burst,
			DefaultTokens:     limit.DefaultTokens,
			Tokens:            limit.Tokens,
		}
	}
	limiter := middleware.NewRateLimiter(limits, s.logger)
	console := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:        cfg.AdminAuth.Enabled,
		HMACSecret:     cfg.AdminAuth.HMACSecret,
		Issuer:         cfg.AdminAuth.Issuer,
		Audience:       cfg.AdminAuth.Audience,
		ScopeClaim:     cfg.AdminAuth.ScopeClaim,
		OptionalPaths:  cfg.AdminAuth.OptionalPaths,
		AllowAnonymous: cfg.AdminAuth.AllowAnonymous,
		ClockSkew:      cfg.AdminAuth.ClockSkew,
	}, s.logger)

	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(obs.Middleware("merchant"))
		r.Use(limiter.Middleware("merchant"))

		r.Post("/listings", s.handleSubmitListing)
		r.Get("/listings", s.handleListListings)
		r.Get("/listings/{id}", s.handleGetListing)
		r.Put("/listings/{id}/price", s.handleUpdatePrice)
		r.Post("/listings/{id}/pause", s.handlePauseListing)
		r.Post("/listings/{id}/resume", s.handleResumeListing)

		r.Post("/escrows", s.handleOpenEscrow)
		r.Post("/escrows/{listingId}/confirm", s.handleConfirmEscrow)
		r.Get("/escrows/{listingId}", s.handleGetEscrow)

		r.Post("/disputes", s.handleOpenDispute)
		r.Post("/disputes/{disputeId}/evidence", s.handleSubmitEvidence)
		r.Get("/disputes/{disputeId}", s.handleGetDispute)

		r.Get("/reputation/{principal}", s.handleGetReputation)

		r.Post("/webhooks", s.handleRegisterWebhook)
		r.Get("/webhooks", s.handleListWebhooks)
		r.Delete("/webhooks/{id}", s.handleDeleteWebhook)

		r.Get("/events", s.handleListEvents)
	})

	r.Route("/console", func(r chi.Router) {
		r.Use(obs.Middleware("console"))
		r.Use(limiter.Middleware("console"))

		r.Group(func(r chi.Router) {
			r.Use(console.Middleware("market.review"))
			r.Get("/review-queue", s.handleReviewQueue)
			r.Post("/listings/{id}/flag", s.handleFlagListing)
			r.Post("/listings/{id}/unflag", s.handleUnflagListing)
		})
		r.Group(func(r chi.Router) {
			r.Use(console.Middleware("disputes.rule"))
			r.Post("/disputes/{disputeId}/rule", s.handleRuleDispute)
		})
	})

	return r
}

// --- merchant request plumbing ---

// signedRequest is the authenticated context for one merchant call.
type signedRequest struct {
	principal auth.Principal
	actor     string
	body      []byte
}

// authenticate buffers the body, verifies the HMAC headers, and resolves the
// acting principal for the API key.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*signedRequest, bool) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r.Context(), principal.APIKey, r, body, http.StatusUnauthorized, errorBody(err))
		return nil, false
	}
	actor := s.principals[principal.APIKey]
	if strings.TrimSpace(actor) == "" {
		err := errors.New("API key has no acting principal configured")
		s.writeError(w, http.StatusForbidden, err)
		s.audit(r.Context(), principal.APIKey, r, body, http.StatusForbidden, errorBody(err))
		return nil, false
	}
	return &signedRequest{principal: principal, actor: actor, body: body}, true
}

// mutate runs an authenticated, idempotent merchant mutation: replayed keys are
// answered from the cache, fresh results are cached and audited.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, successStatus int, fn func(ctx context.Context, req *signedRequest) (interface{}, error)) {
	req, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		err := errors.New("missing Idempotency-Key header")
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), req.principal.APIKey, r, req.body, http.StatusBadRequest, errorBody(err))
		return
	}
	requestHash := hashRequest(r.Method, auth.CanonicalRequestPath(r), req.body)
	cached, cacheErr := s.store.LookupIdempotency(r.Context(), req.principal.APIKey, key, requestHash)
	if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.writeError(w, status, cacheErr)
		s.audit(r.Context(), req.principal.APIKey, r, req.body, status, errorBody(cacheErr))
		return
	}
	if cached != nil {
		metrics.Gateway().RecordIdempotencyHit()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.audit(r.Context(), req.principal.APIKey, r, req.body, cached.Status, cached.Body)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	result, err := fn(ctx, req)
	if err != nil {
		status := s.errorStatus(err)
		s.writeError(w, status, err)
		s.audit(r.Context(), req.principal.APIKey, r, req.body, status, errorBody(err))
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), req.principal.APIKey, r, req.body, http.StatusInternalServerError, errorBody(err))
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), req.principal.APIKey, key, requestHash, successStatus, payload); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), req.principal.APIKey, r, req.body, http.StatusInternalServerError, errorBody(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(successStatus)
	_, _ = w.Write(payload)
	s.audit(r.Context(), req.principal.APIKey, r, req.body, successStatus, payload)
}

// query runs an authenticated merchant read without idempotency bookkeeping.
func (s *Server) query(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, req *signedRequest) (interface{}, error)) {
	req, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	result, err := fn(ctx, req)
	if err != nil {
		s.writeError(w, s.errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- merchant handlers ---

type submitListingRequest struct {
	ID       uint64 `json:"id"`
	ItemHash string `json:"itemHash"`
	Seller   string `json:"seller"`
	Price    uint64 `json:"price"`
	Category string `json:"category"`
	Location string `json:"location"`
	Currency string `json:"currency"`
}

func (s *Server) handleSubmitListing(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusCreated, func(ctx context.Context, req *signedRequest) (interface{}, error) {
		var payload submitListingRequest
		if err := json.Unmarshal(req.body, &payload); err != nil {
			return nil, badRequest(fmt.Errorf("invalid JSON payload: %w", err))
		}
		return s.node.SubmitListing(ctx, ListingSubmission{
			Caller:   req.actor,
			ID:       payload.ID,
			ItemHash: payload.ItemHash,
			Seller:   payload.Seller,
			Price:    payload.Price,
			Category: payload.Category,
			Location: payload.Location,
			Currency: payload.Currency,
		})
	})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, _ *signedRequest) (interface{}, error) {
		id, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		return s.node.GetListing(ctx, id)
	})
}

// handleListListings serves the watcher's local mirror, not the node, so bulk
// catalogue reads stay off the RPC endpoint.
func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, _ *signedRequest) (interface{}, error) {
		listings, err := s.store.ListMirroredListings(ctx)
		if err != nil {
			return nil, err
		}
		if listings == nil {
			listings = []MirroredListing{}
		}
		return map[string]interface{}{"listings": listings}, nil
	})
}

type updatePriceRequest struct {
	NewPrice uint64 `json:"newPrice"`
}

func (s *Server) handleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, req *signedRequest) (interface{}, error) {
		id, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		var payload updatePriceRequest
		if err := json.Unmarshal(req.body, &payload); err != nil {
			return nil, badRequest(fmt.Errorf("invalid JSON payload: %w", err))
		}
		return s.node.UpdatePrice(ctx, req.actor, id, payload.NewPrice)
	})
}

func (s *Server) handlePauseListing(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, req *signedRequest) (interface{}, error) {
		id, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		return s.node.PauseListing(ctx, req.actor, id)
	})
}

func (s *Server) handleResumeListing(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, req *signedRequest) (interface{}, error) {
		id, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		return s.node.ResumeListing(ctx, req.actor, id)
	})
}

type openEscrowRequest struct {
	ListingID uint64 `json:"listingId"`
	Amount    uint64 `json:"amount"`
	Currency  string `json:"currency"`
}

func (s *Server) handleOpenEscrow(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusCreated, func(ctx context.Context, req *signedRequest) (interface{}, error) {
		var payload openEscrowRequest
		if err := json.Unmarshal(req.body, &payload); err != nil {
			return nil, badRequest(fmt.Errorf("invalid JSON payload: %w", err))
		}
		if payload.Amount == 0 {
			return nil, badRequest(errors.New("amount must be positive"))
		}
		return s.node.OpenEscrow(ctx, req.actor, payload.ListingID, payload.Amount, payload.Currency)
	})
}

func (s *Server) handleConfirmEscrow(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, req *signedRequest) (interface{}, error) {
		listingID, err := pathID(r, "listingId")
		if err != nil {
			return nil, err
		}
		return s.node.ConfirmEscrow(ctx, req.actor, listingID)
	})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, _ *signedRequest) (interface{}, error) {
		listingID, err := pathID(r, "listingId")
		if err != nil {
			return nil, err
		}
		return s.node.GetEscrow(ctx, listingID)
	})
}

type openDisputeRequest struct {
	ListingID uint64   `json:"listingId"`
	Evidence  []string `json:"evidence,omitempty"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusCreated, func(ctx context.Context, req *signedRequest) (interface{}, error) {
		var payload openDisputeRequest
		if err := json.Unmarshal(req.body, &payload); err != nil {
			return nil, badRequest(fmt.Errorf("invalid JSON payload: %w", err))
		}
		return s.node.OpenDispute(ctx, req.actor, payload.ListingID, payload.Evidence)
	})
}

type submitEvidenceRequest struct {
	EvidenceRef string `json:"evidenceRef"`
}

func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, req *signedRequest) (interface{}, error) {
		disputeID := chi.URLParam(r, "disputeId")
		var payload submitEvidenceRequest
		if err := json.Unmarshal(req.body, &payload); err != nil {
			return nil, badRequest(fmt.Errorf("invalid JSON payload: %w", err))
		}
		return s.node.SubmitEvidence(ctx, req.actor, disputeID, payload.EvidenceRef)
	})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, _ *signedRequest) (interface{}, error) {
		return s.node.GetDispute(ctx, chi.URLParam(r, "disputeId"))
	})
}

func (s *Server) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, _ *signedRequest) (interface{}, error) {
		return s.node.Reputation(ctx, chi.URLParam(r, "principal"))
	})
}

type registerWebhookRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit,omitempty"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusCreated, func(ctx context.Context, req *signedRequest) (interface{}, error) {
		var payload registerWebhookRequest
		if err := json.Unmarshal(req.body, &payload); err != nil {
			return nil, badRequest(fmt.Errorf("invalid JSON payload: %w", err))
		}
		if strings.TrimSpace(payload.EventType) == "" {
			return nil, badRequest(errors.New("eventType is required"))
		}
		parsed, err := url.Parse(payload.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, badRequest(errors.New("url must be absolute"))
		}
		if strings.TrimSpace(payload.Secret) == "" {
			return nil, badRequest(errors.New("secret is required"))
		}
		sub := WebhookSubscription{
			APIKey:    req.principal.APIKey,
			EventType: strings.TrimSpace(payload.EventType),
			URL:       payload.URL,
			Secret:    payload.Secret,
			RateLimit: payload.RateLimit,
			Active:    true,
			CreatedAt: s.nowFn().UTC(),
		}
		id, err := s.store.InsertWebhook(ctx, sub)
		if err != nil {
			return nil, err
		}
		sub.ID = id
		return sub, nil
	})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, req *signedRequest) (interface{}, error) {
		subs, err := s.store.ListWebhooksForKey(ctx, req.principal.APIKey)
		if err != nil {
			return nil, err
		}
		if subs == nil {
			subs = []WebhookSubscription{}
		}
		return map[string]interface{}{"webhooks": subs}, nil
	})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, req *signedRequest) (interface{}, error) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			return nil, badRequest(errors.New("invalid webhook id"))
		}
		if err := s.store.DeactivateWebhook(ctx, req.principal.APIKey, id); err != nil {
			return nil, err
		}
		return map[string]string{"status": "deactivated"}, nil
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, _ *signedRequest) (interface{}, error) {
		var cursor uint64
		if raw := r.URL.Query().Get("cursor"); raw != "" {
			parsed, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil, badRequest(fmt.Errorf("invalid cursor %q", raw))
			}
			cursor = parsed
		}
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				return nil, badRequest(fmt.Errorf("invalid limit %q", raw))
			}
			if parsed > 1000 {
				parsed = 1000
			}
			limit = parsed
		}
		events, err := s.store.ListEventsSince(ctx, cursor, limit)
		if err != nil {
			return nil, err
		}
		if events == nil {
			events = []StoredEvent{}
		}
		return map[string]interface{}{"events": events}, nil
	})
}

// --- console handlers ---

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	snapshots, err := s.node.ReviewQueue(ctx)
	if err != nil {
		s.writeError(w, s.errorStatus(err), err)
		return
	}
	if snapshots == nil {
		snapshots = []ListingSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"listings": snapshots})
}

type consoleFlagRequest struct {
	Caller    string `json:"caller"`
	Reason    string `json:"reason"`
	RiskScore uint64 `json:"riskScore"`
}

func (s *Server) handleFlagListing(w http.ResponseWriter, r *http.Request) {
	s.console(w, r, func(ctx context.Context, body []byte) (interface{}, error) {
		id, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		var payload consoleFlagRequest
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, badRequest(fmt.Errorf("invalid JSON payload: %w", err))
		}
		if strings.TrimSpace(payload.Caller) == "" {
			return nil, badRequest(errors.New("caller is required"))
		}
		return s.node.FlagListing(ctx, payload.Caller, id, payload.Reason, payload.RiskScore)
	})
}

type consoleActorRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleUnflagListing(w http.ResponseWriter, r *http.Request) {
	s.console(w, r, func(ctx context.Context, body []byte) (interface{}, error) {
		id, err := pathID(r, "id")
		if err != nil {
			return nil, err
		}
		var payload consoleActorRequest
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, badRequest(fmt.Errorf("invalid JSON payload: %w", err))
		}
		if strings.TrimSpace(payload.Caller) == "" {
			return nil, badRequest(errors.New("caller is required"))
		}
		return s.node.UnflagListing(ctx, payload.Caller, id)
	})
}

type consoleRuleRequest struct {
	Caller string `json:"caller"`
	Ruling string `json:"ruling"`
}

func (s *Server) handleRuleDispute(w http.ResponseWriter, r *http.Request) {
	s.console(w, r, func(ctx context.Context, body []byte) (interface{}, error) {
		disputeID := chi.URLParam(r, "disputeId")
		var payload consoleRuleRequest
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, badRequest(fmt.Errorf("invalid JSON payload: %w", err))
		}
		if strings.TrimSpace(payload.Caller) == "" {
			return nil, badRequest(errors.New("caller is required"))
		}
		return s.node.RuleDispute(ctx, payload.Caller, disputeID, payload.Ruling)
	})
}

// console runs a JWT-authorized operator mutation: no idempotency layer, but
// the call is still audited.
func (s *Server) console(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, body []byte) (interface{}, error)) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	result, err := fn(ctx, body)
	if err != nil {
		status := s.errorStatus(err)
		s.writeError(w, status, err)
		s.audit(r.Context(), "console", r, body, status, errorBody(err))
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
	s.audit(r.Context(), "console", r, body, http.StatusOK, payload)
}

// --- shared plumbing ---

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

// badRequestError wraps validation failures so errorStatus maps them to 400.
type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &badRequestError{err: err} }

func (s *Server) errorStatus(err error) int {
	var br *badRequestError
	if errors.As(err, &br) {
		return http.StatusBadRequest
	}
	if status, ok := nodeErrorStatus(err); ok {
		return status
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) audit(ctx context.Context, apiKey string, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	entry := AuditEntry{
		CorrelationID:  uuid.NewString(),
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           auth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		s.logger.Warn("audit insert failed", "path", entry.Path, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorBody(err error) []byte {
	body, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return []byte(`{"error":"internal error"}`)
	}
	return body
}

func pathID(r *http.Request, name string) (uint64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest(fmt.Errorf("invalid %s %q", name, raw))
	}
	return id, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
