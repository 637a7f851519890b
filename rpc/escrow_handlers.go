package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"agora/native/common"
	"agora/native/escrow"
	"agora/native/registry"
)

const (
	codeEscrowInvalidParams = -32040
	codeEscrowNotFound      = -32041
	codeEscrowForbidden     = -32042
	codeEscrowConflict      = -32043
	codeEscrowFunds         = -32044
	codeEscrowInternal      = -32045
)

type escrowOpenParams struct {
	Caller    string `json:"caller"`
	ListingID uint64 `json:"listingId"`
	Amount    uint64 `json:"amount"`
	Currency  string `json:"currency"`
}

type escrowActionParams struct {
	Caller    string `json:"caller"`
	ListingID uint64 `json:"listingId"`
}

type escrowQueryParams struct {
	ListingID uint64 `json:"listingId"`
}

type escrowJSON struct {
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

func formatEscrowJSON(record *escrow.Record) escrowJSON {
	return escrowJSON{
		ListingID: record.ListingID,
		Seq:       record.Seq,
		Buyer:     record.Buyer,
		Seller:    record.Seller,
		Amount:    record.Amount,
		Currency:  string(record.Currency),
		Status:    record.Status.String(),
		OpenedAt:  record.OpenedAt,
		SettledAt: record.SettledAt,
	}
}

func (s *Server) handleEscrowOpen(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params escrowOpenParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.Amount == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "amount must be positive")
		return
	}
	record, err := s.node.EscrowOpen(params.Caller, params.ListingID, params.Amount, params.Currency)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrowJSON(record))
}

func (s *Server) handleEscrowConfirm(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params escrowActionParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	record, err := s.node.EscrowConfirm(params.Caller, params.ListingID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrowJSON(record))
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params escrowQueryParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	record, err := s.node.EscrowGet(params.ListingID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrowJSON(record))
}

func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeEscrowInternal
	message := "internal_error"
	switch {
	case errors.Is(err, common.ErrModulePaused):
		status = http.StatusServiceUnavailable
		code = codeModulePaused
		message = "module_paused"
	case errors.Is(err, escrow.ErrEscrowNotFound),
		errors.Is(err, escrow.ErrNoOpenEscrow),
		errors.Is(err, registry.ErrListingNotFound):
		status = http.StatusNotFound
		code = codeEscrowNotFound
		message = "not_found"
	case errors.Is(err, common.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeEscrowForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrInsufficientFunds):
		status = http.StatusConflict
		code = codeEscrowFunds
		message = "insufficient_funds"
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrEscrowMismatch):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "conflict"
	case errors.Is(err, common.ErrInvalidPrincipal):
		status = http.StatusBadRequest
		code = codeEscrowInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}
