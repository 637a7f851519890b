package rpc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"agora/native/common"
	"agora/native/params"
)

const (
	codePolicyInvalidParams = -32060
	codePolicyForbidden     = -32062
	codePolicyConflict      = -32063
	codePolicyInternal      = -32065
)

type policyAuthorityParams struct {
	Authority string `json:"authority"`
}

type policyValueParams struct {
	Caller string `json:"caller"`
	Value  uint64 `json:"value"`
}

type policyCallerParams struct {
	Caller string `json:"caller"`
}

type policySellerParams struct {
	Caller string `json:"caller,omitempty"`
	Seller string `json:"seller"`
}

type policyPauseParams struct {
	Caller string `json:"caller"`
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

type policyRoleParams struct {
	Caller    string `json:"caller,omitempty"`
	Role      string `json:"role"`
	Principal string `json:"principal,omitempty"`
}

type repGetParams struct {
	Principal string `json:"principal"`
}

type repSetParams struct {
	Caller    string `json:"caller"`
	Principal string `json:"principal"`
	Score     uint64 `json:"score"`
}

type authorityJSON struct {
	Authority string `json:"authority,omitempty"`
	Set       bool   `json:"set"`
}

type policyJSON struct {
	params.PolicyConfig
	Paused map[string]bool `json:"paused,omitempty"`
}

type blacklistJSON struct {
	Sellers []string `json:"sellers"`
}

type blacklistedJSON struct {
	Seller      string `json:"seller"`
	Blacklisted bool   `json:"blacklisted"`
}

type roleMembersJSON struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

type repJSON struct {
	Principal string `json:"principal"`
	Score     uint64 `json:"score"`
}

func (s *Server) handlePolicySetAuthority(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params policyAuthorityParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", err.Error())
		return
	}
	authority, err := s.node.PolicySetAuthority(params.Authority)
	if err != nil {
		writePolicyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, authorityJSON{Authority: authority, Set: true})
}

func (s *Server) handlePolicyGetAuthority(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	authority, set, err := s.node.PolicyAuthority()
	if err != nil {
		writePolicyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, authorityJSON{Authority: authority, Set: set})
}

func (s *Server) handlePolicySetFraudThreshold(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.policyValueCall(w, req, s.node.PolicySetFraudThreshold)
}

func (s *Server) handlePolicySetMinReputation(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.policyValueCall(w, req, s.node.PolicySetMinReputation)
}

func (s *Server) handlePolicySetMaxRiskScore(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.policyValueCall(w, req, s.node.PolicySetMaxRiskScore)
}

func (s *Server) policyValueCall(w http.ResponseWriter, req *RPCRequest, fn func(string, uint64) (uint64, error)) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params policyValueParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", err.Error())
		return
	}
	value, err := fn(params.Caller, params.Value)
	if err != nil {
		writePolicyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]uint64{"value": value})
}

func (s *Server) handlePolicyToggleAnomalyDetection(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params policyCallerParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", err.Error())
		return
	}
	enabled, err := s.node.PolicyToggleAnomalyDetection(params.Caller)
	if err != nil {
		writePolicyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"anomalyDetectionEnabled": enabled})
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	cfg, err := s.node.PolicyGet()
	if err != nil {
		writePolicyError(w, req.ID, err)
		return
	}
	pauses, err := s.node.PolicyPauses()
	if err != nil {
		writePolicyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, policyJSON{PolicyConfig: cfg, Paused: pauses.Modules})
}

func (s *Server) handlePolicyBlacklistAdd(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.policyBlacklistCall(w, req, s.node.BlacklistAdd)
}

func (s *Server) handlePolicyBlacklistRemove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.policyBlacklistCall(w, req, s.node.BlacklistRemove)
}

func (s *Server) policyBlacklistCall(w http.ResponseWriter, req *RPCRequest, fn func(string, string) error) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params policySellerParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := fn(params.Caller, params.Seller); err != nil {
		writePolicyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handlePolicyBlacklisted(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", "at most one parameter object expected")
		return
	}
	var params policySellerParams
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	if params.Seller == "" {
		sellers, err := s.node.Blacklist()
		if err != nil {
			writePolicyError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, blacklistJSON{Sellers: sellers})
		return
	}
	blacklisted, err := s.node.IsBlacklisted(params.Seller)
	if err != nil {
		writePolicyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, blacklistedJSON{Seller: params.Seller, Blacklisted: blacklisted})
}

func (s *Server) handlePolicySetPaused(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params policyPauseParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.PolicySetPaused(params.Caller, params.Module, params.Paused); err != nil {
		writePolicyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handlePolicyRoleGrant(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.policyRoleCall(w, req, s.node.RoleGrant)
}

func (s *Server) handlePolicyRoleRevoke(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.policyRoleCall(w, req, s.node.RoleRevoke)
}

func (s *Server) policyRoleCall(w http.ResponseWriter, req *RPCRequest, fn func(string, string, string) error) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params policyRoleParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := fn(params.Caller, params.Role, params.Principal); err != nil {
		writePolicyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handlePolicyRoleMembers(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params policyRoleParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", err.Error())
		return
	}
	members, err := s.node.RoleMembers(params.Role)
	if err != nil {
		writePolicyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, roleMembersJSON{Role: params.Role, Members: members})
}

func (s *Server) handleReputationGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params repGetParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", err.Error())
		return
	}
	score, err := s.node.ReputationGet(params.Principal)
	if err != nil {
		writePolicyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, repJSON{Principal: params.Principal, Score: score})
}

func (s *Server) handleReputationSet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params repSetParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codePolicyInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.ReputationSet(params.Caller, params.Principal, params.Score); err != nil {
		writePolicyError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, repJSON{Principal: params.Principal, Score: params.Score})
}

func writePolicyError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codePolicyInternal
	message := "internal_error"
	switch {
	case errors.Is(err, params.ErrAlreadySet):
		status = http.StatusConflict
		code = codePolicyConflict
		message = "conflict"
	case errors.Is(err, common.ErrUnauthorized):
		status = http.StatusForbidden
		code = codePolicyForbidden
		message = "forbidden"
	case errors.Is(err, common.ErrInvalidPrincipal),
		strings.Contains(err.Error(), "unknown role"),
		strings.Contains(err.Error(), "unknown module"):
		status = http.StatusBadRequest
		code = codePolicyInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}
