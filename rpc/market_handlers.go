package rpc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"agora/native/common"
	"agora/native/registry"
)

const (
	codeMarketInvalidParams = -32030
	codeMarketNotFound      = -32031
	codeMarketForbidden     = -32032
	codeMarketConflict      = -32033
	codeMarketRejected      = -32034
	codeMarketInternal      = -32035
)

type marketSubmitParams struct {
	Caller   string `json:"caller"`
	ID       uint64 `json:"id"`
	ItemHash string `json:"itemHash"`
	Seller   string `json:"seller"`
	Price    uint64 `json:"price"`
	Category string `json:"category"`
	Location string `json:"location"`
	Currency string `json:"currency"`
}

type marketIDParams struct {
	ID uint64 `json:"id"`
}

type marketActorParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
}

type marketFlagParams struct {
	Caller    string `json:"caller"`
	ID        uint64 `json:"id"`
	Reason    string `json:"reason"`
	RiskScore uint64 `json:"riskScore"`
}

type marketPriceParams struct {
	Caller   string `json:"caller"`
	ID       uint64 `json:"id"`
	NewPrice uint64 `json:"newPrice"`
}

type listingJSON struct {
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

type listingFlagJSON struct {
	Reason    string `json:"reason"`
	RiskScore uint64 `json:"riskScore"`
	FlaggedAt int64  `json:"flaggedAt"`
}

// listingSnapshotJSON is a listing together with the collapsed status observed
// by buyers. Mutations returning a bare listing use listingJSON instead.
type listingSnapshotJSON struct {
	listingJSON
	Status string           `json:"status"`
	Flag   *listingFlagJSON `json:"flag,omitempty"`
}

type flagResultJSON struct {
	ListingID uint64 `json:"listingId"`
	Reason    string `json:"reason"`
	RiskScore uint64 `json:"riskScore"`
	FlaggedAt int64  `json:"flaggedAt"`
}

func formatListing(listing *registry.Listing) listingJSON {
	out := listingJSON{
		ID:           listing.ID,
		ItemHash:     listing.ItemHash,
		Seller:       listing.Seller,
		Price:        listing.Price,
		Category:     listing.Category,
		Location:     listing.Location,
		Currency:     string(listing.Currency),
		SellerPaused: listing.SellerPaused,
		CreatedAt:    listing.CreatedAt,
		UpdatedAt:    listing.UpdatedAt,
	}
	if listing.RiskScore != nil {
		score := *listing.RiskScore
		out.RiskScore = &score
	}
	return out
}

func formatListingSnapshot(snap *registry.Snapshot) listingSnapshotJSON {
	out := listingSnapshotJSON{
		listingJSON: formatListing(snap.Listing),
		Status:      snap.Status().String(),
	}
	if snap.Flag != nil {
		out.Flag = &listingFlagJSON{
			Reason:    snap.Flag.Reason,
			RiskScore: snap.Flag.RiskScore,
			FlaggedAt: snap.Flag.FlaggedAt,
		}
	}
	return out
}

func (s *Server) handleMarketSubmit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params marketSubmitParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	if strings.TrimSpace(params.Caller) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "caller required")
		return
	}
	listing, err := s.node.MarketSubmit(params.Caller, params.ID, params.ItemHash, params.Seller, params.Price, params.Category, params.Location, params.Currency)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatListing(listing))
}

func (s *Server) handleMarketGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params marketIDParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	snap, err := s.node.MarketGet(params.ID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatListingSnapshot(snap))
}

func (s *Server) handleMarketFlag(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params marketFlagParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	flag, err := s.node.MarketFlag(params.Caller, params.ID, params.Reason, params.RiskScore)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, flagResultJSON{
		ListingID: flag.ListingID,
		Reason:    flag.Reason,
		RiskScore: flag.RiskScore,
		FlaggedAt: flag.FlaggedAt,
	})
}

func (s *Server) handleMarketUnflag(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.marketActorCall(w, req, s.node.MarketUnflag)
}

func (s *Server) handleMarketPause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.marketActorCall(w, req, s.node.MarketPause)
}

func (s *Server) handleMarketResume(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.marketActorCall(w, req, s.node.MarketResume)
}

func (s *Server) marketActorCall(w http.ResponseWriter, req *RPCRequest, fn func(string, uint64) (*registry.Snapshot, error)) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params marketActorParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	snap, err := fn(params.Caller, params.ID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatListingSnapshot(snap))
}

func (s *Server) handleMarketUpdatePrice(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params marketPriceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	listing, err := s.node.MarketUpdatePrice(params.Caller, params.ID, params.NewPrice)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatListing(listing))
}

func (s *Server) handleMarketReviewQueue(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	snaps, err := s.node.MarketReviewQueue()
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	out := make([]listingSnapshotJSON, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, formatListingSnapshot(snap))
	}
	writeResult(w, req.ID, out)
}

func writeMarketError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeMarketInternal
	message := "internal_error"
	switch {
	case errors.Is(err, common.ErrModulePaused):
		status = http.StatusServiceUnavailable
		code = codeModulePaused
		message = "module_paused"
	case errors.Is(err, registry.ErrListingNotFound):
		status = http.StatusNotFound
		code = codeMarketNotFound
		message = "not_found"
	case errors.Is(err, common.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeMarketForbidden
		message = "forbidden"
	case errors.Is(err, registry.ErrInsufficientReputation),
		errors.Is(err, registry.ErrBlacklistedSeller),
		errors.Is(err, registry.ErrAnomalyDetected):
		status = http.StatusUnprocessableEntity
		code = codeMarketRejected
		message = "rejected"
	case errors.Is(err, registry.ErrDuplicateHash),
		errors.Is(err, registry.ErrInvalidState):
		status = http.StatusConflict
		code = codeMarketConflict
		message = "conflict"
	case errors.Is(err, registry.ErrInvalidListingID),
		errors.Is(err, registry.ErrInvalidItemHash),
		errors.Is(err, registry.ErrInvalidSellerDID),
		errors.Is(err, registry.ErrInvalidPrice),
		errors.Is(err, registry.ErrInvalidCategory),
		errors.Is(err, registry.ErrInvalidLocation),
		errors.Is(err, registry.ErrInvalidCurrency),
		errors.Is(err, common.ErrInvalidPrincipal):
		status = http.StatusBadRequest
		code = codeMarketInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}
