package rpc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"agora/core/types"
	"agora/native/common"
	"agora/native/registry"
)

const (
	codeBankInvalidParams = -32070
	codeBankForbidden     = -32072
	codeBankInternal      = -32075
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

type bankMintParams struct {
	Caller    string `json:"caller"`
	Principal string `json:"principal"`
	Currency  string `json:"currency"`
	Amount    uint64 `json:"amount"`
}

type bankBalanceParams struct {
	Principal string `json:"principal"`
	Currency  string `json:"currency"`
}

type bankBalanceJSON struct {
	Principal string `json:"principal"`
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
}

type eventsParams struct {
	Cursor *uint64 `json:"cursor,omitempty"`
	Limit  int     `json:"limit,omitempty"`
}

type eventsJSON struct {
	Events         []types.SequencedEvent `json:"events"`
	LatestSequence uint64                 `json:"latestSequence"`
}

func (s *Server) handleBankMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeBankInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params bankMintParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBankInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.Amount == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeBankInvalidParams, "invalid_params", "amount must be positive")
		return
	}
	balance, err := s.node.BankMint(params.Caller, params.Principal, params.Currency, params.Amount)
	if err != nil {
		writeBankError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bankBalanceJSON{
		Principal: params.Principal,
		Currency:  strings.ToUpper(strings.TrimSpace(params.Currency)),
		Balance:   balance.String(),
	})
}

func (s *Server) handleBankBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeBankInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params bankBalanceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBankInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.BankBalance(params.Principal, params.Currency)
	if err != nil {
		writeBankError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bankBalanceJSON{
		Principal: params.Principal,
		Currency:  strings.ToUpper(strings.TrimSpace(params.Currency)),
		Balance:   balance.String(),
	})
}

// handleEventsLatest serves the sequenced event log. With a cursor it returns
// events after that sequence; without one it returns the newest events.
func (s *Server) handleEventsLatest(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeBankInvalidParams, "invalid_params", "at most one parameter object expected")
		return
	}
	var params eventsParams
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeBankInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	var (
		events []types.SequencedEvent
		latest uint64
	)
	if params.Cursor != nil {
		events, latest = s.node.EventsSince(*params.Cursor, limit)
	} else {
		events, latest = s.node.LatestEvents(limit)
	}
	writeResult(w, req.ID, eventsJSON{Events: events, LatestSequence: latest})
}

func writeBankError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeBankInternal
	message := "internal_error"
	switch {
	case errors.Is(err, common.ErrModulePaused):
		status = http.StatusServiceUnavailable
		code = codeModulePaused
		message = "module_paused"
	case errors.Is(err, common.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeBankForbidden
		message = "forbidden"
	case errors.Is(err, common.ErrInvalidPrincipal),
		errors.Is(err, registry.ErrInvalidCurrency),
		strings.Contains(err.Error(), "amount must be positive"):
		status = http.StatusBadRequest
		code = codeBankInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}
