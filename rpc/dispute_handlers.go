package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"agora/native/arbitration"
	"agora/native/common"
	"agora/native/escrow"
	"agora/native/registry"
)

const (
	codeDisputeInvalidParams = -32050
	codeDisputeNotFound      = -32051
	codeDisputeForbidden     = -32052
	codeDisputeConflict      = -32053
	codeDisputeInternal      = -32055
)

type disputeOpenParams struct {
	Caller    string   `json:"caller"`
	ListingID uint64   `json:"listingId"`
	Evidence  []string `json:"evidence,omitempty"`
}

type disputeEvidenceParams struct {
	Caller      string `json:"caller"`
	DisputeID   string `json:"disputeId"`
	EvidenceRef string `json:"evidenceRef"`
}

type disputeRuleParams struct {
	Caller    string `json:"caller"`
	DisputeID string `json:"disputeId"`
	Ruling    string `json:"ruling"`
}

type disputeIDParams struct {
	DisputeID string `json:"disputeId"`
}

type disputeJSON struct {
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

func formatDisputeID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func formatDisputeJSON(dispute *arbitration.Dispute) disputeJSON {
	evidence := make([]string, 0, len(dispute.Evidence))
	for _, ref := range dispute.Evidence {
		evidence = append(evidence, hex.EncodeToString(ref[:]))
	}
	return disputeJSON{
		ID:        formatDisputeID(dispute.ID),
		ListingID: dispute.ListingID,
		EscrowSeq: dispute.EscrowSeq,
		Opener:    dispute.Opener,
		Buyer:     dispute.Buyer,
		Seller:    dispute.Seller,
		Evidence:  evidence,
		Status:    dispute.Status.String(),
		Ruling:    dispute.Ruling.String(),
		OpenedAt:  dispute.OpenedAt,
		RuledAt:   dispute.RuledAt,
	}
}

func (s *Server) handleDisputeOpen(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeDisputeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params disputeOpenParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDisputeInvalidParams, "invalid_params", err.Error())
		return
	}
	dispute, err := s.node.DisputeOpen(params.Caller, params.ListingID, params.Evidence)
	if err != nil {
		writeDisputeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDisputeJSON(dispute))
}

func (s *Server) handleDisputeSubmitEvidence(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeDisputeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params disputeEvidenceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDisputeInvalidParams, "invalid_params", err.Error())
		return
	}
	disputeID, ok := arbitration.ParseID(params.DisputeID)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeDisputeInvalidParams, "invalid_params", "disputeId must be a 32-byte hex identifier")
		return
	}
	dispute, err := s.node.DisputeSubmitEvidence(params.Caller, disputeID, params.EvidenceRef)
	if err != nil {
		writeDisputeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDisputeJSON(dispute))
}

func (s *Server) handleDisputeRule(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeDisputeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params disputeRuleParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDisputeInvalidParams, "invalid_params", err.Error())
		return
	}
	disputeID, ok := arbitration.ParseID(params.DisputeID)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeDisputeInvalidParams, "invalid_params", "disputeId must be a 32-byte hex identifier")
		return
	}
	ruling, ok := arbitration.ParseRuling(params.Ruling)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeDisputeInvalidParams, "invalid_params", "ruling must be release or refund")
		return
	}
	dispute, err := s.node.DisputeRule(params.Caller, disputeID, ruling)
	if err != nil {
		writeDisputeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDisputeJSON(dispute))
}

func (s *Server) handleDisputeGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeDisputeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params disputeIDParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDisputeInvalidParams, "invalid_params", err.Error())
		return
	}
	disputeID, ok := arbitration.ParseID(params.DisputeID)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeDisputeInvalidParams, "invalid_params", "disputeId must be a 32-byte hex identifier")
		return
	}
	dispute, err := s.node.DisputeGet(disputeID)
	if err != nil {
		writeDisputeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatDisputeJSON(dispute))
}

func writeDisputeError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeDisputeInternal
	message := "internal_error"
	switch {
	case errors.Is(err, common.ErrModulePaused):
		status = http.StatusServiceUnavailable
		code = codeModulePaused
		message = "module_paused"
	case errors.Is(err, arbitration.ErrDisputeNotFound),
		errors.Is(err, escrow.ErrNoOpenEscrow),
		errors.Is(err, registry.ErrListingNotFound):
		status = http.StatusNotFound
		code = codeDisputeNotFound
		message = "not_found"
	case errors.Is(err, common.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeDisputeForbidden
		message = "forbidden"
	case errors.Is(err, arbitration.ErrDuplicateDispute),
		errors.Is(err, arbitration.ErrAlreadyRuled),
		errors.Is(err, arbitration.ErrEvidenceLimit):
		status = http.StatusConflict
		code = codeDisputeConflict
		message = "conflict"
	case errors.Is(err, arbitration.ErrInvalidEvidence),
		errors.Is(err, arbitration.ErrInvalidRuling),
		errors.Is(err, common.ErrInvalidPrincipal):
		status = http.StatusBadRequest
		code = codeDisputeInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}
