package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/becomeliminal/crosspay"
)

// Wire contracts. Amounts are decimal strings of 6-decimal fixed-point atomic
// units; addresses and hashes are hex strings.

type verifyRequest struct {
	SignedAuthorization crosspay.SignedAuthorization `json:"signedAuthorization"`
	SourceChain         string                       `json:"sourceChain"`
	ExpectedAmount      string                       `json:"expectedAmount"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	Payer         string `json:"payer,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Fee           string `json:"fee,omitempty"`
	NetAmount     string `json:"netAmount,omitempty"`
}

type settleRequest struct {
	SignedAuthorization crosspay.SignedAuthorization `json:"signedAuthorization"`
	SourceChain         string                       `json:"sourceChain"`
	Amount              string                       `json:"amount"`
	Recipient           string                       `json:"recipient,omitempty"`
	CrossChainConfig    *crosspay.CrossChainConfig   `json:"crossChainConfig,omitempty"`
}

type sendRequest struct {
	TargetAmount     string `json:"targetAmount"`
	Recipient        string `json:"recipient"`
	DestinationChain string `json:"destinationChain"`
	Secret           string `json:"secret,omitempty"`
	AllowPartial     bool   `json:"allowPartial,omitempty"`
	DryRun           bool   `json:"dryRun,omitempty"`
}

type planResponse struct {
	TargetAmount       string               `json:"targetAmount"`
	TotalTaken         string               `json:"totalTaken"`
	RemainingUncovered string               `json:"remainingUncovered"`
	Sources            []sourceAllocationDT `json:"sources"`
}

type sourceAllocationDT struct {
	Wallet string `json:"wallet"`
	Chain  string `json:"chain"`
	Amount string `json:"amount"`
}

type errorResponse struct {
	Error     string        `json:"error"`
	Code      string        `json:"code,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
	Plan      *planResponse `json:"plan,omitempty"`
}

func (s *Server) handleSupported(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chains": s.cfg.Supported(),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, crosspay.NewError(crosspay.ErrCodeInvalidRequest, "decoding request body", err))
		return
	}

	expected, err := crosspay.ParseAtomic(req.ExpectedAmount)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	result, err := s.verifier.Verify(r.Context(), &req.SignedAuthorization, req.SourceChain, expected)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	resp := verifyResponse{
		IsValid: result.Valid,
		Payer:   result.Payer,
	}
	if result.Valid {
		resp.Fee = result.Fee.String()
		resp.NetAmount = result.NetAmount.String()
	} else {
		resp.InvalidReason = result.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, crosspay.NewError(crosspay.ErrCodeInvalidRequest, "decoding request body", err))
		return
	}

	amount, err := crosspay.ParseAtomic(req.Amount)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	// The verifier gates every settlement: an authorization that fails
	// policy never reaches the chain.
	result, err := s.verifier.Verify(r.Context(), &req.SignedAuthorization, req.SourceChain, amount)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}
	if !result.Valid {
		writeJSON(w, http.StatusOK, &crosspay.CrossChainReceipt{
			Success:     false,
			Payer:       result.Payer,
			ErrorReason: result.Reason,
		})
		return
	}

	receipt, err := s.settler.SettleAuthorized(r.Context(), &req.SignedAuthorization, crosspay.SettleParams{
		SourceChain: req.SourceChain,
		Amount:      amount,
		Recipient:   req.Recipient,
		CrossChain:  req.CrossChainConfig,
	})
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	// On-chain failure still returns 200: the receipt carries the failing
	// step and every hash confirmed before it.
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, crosspay.NewError(crosspay.ErrCodeInvalidRequest, "decoding request body", err))
		return
	}

	target, err := crosspay.ParseAtomic(req.TargetAmount)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	plan, stream, err := s.orch.Send(r.Context(), crosspay.SendRequest{
		TargetAmount:     target,
		Recipient:        req.Recipient,
		DestinationChain: req.DestinationChain,
		Wallets:          s.wallets,
		Secret:           req.Secret,
		AllowPartial:     req.AllowPartial,
		DryRun:           req.DryRun,
	})
	if err != nil {
		// A planning shortfall surfaces the plan so the caller can decide
		// whether to retry with allowPartial.
		if crosspay.IsCode(err, crosspay.ErrCodePartialPlan) {
			writeJSON(w, http.StatusConflict, errorResponse{
				Error:     err.Error(),
				Code:      crosspay.ErrCodePartialPlan,
				RequestID: requestIDFromContext(r.Context()),
				Plan:      planToWire(plan),
			})
			return
		}
		s.writeError(w, r, statusForError(err), err)
		return
	}

	if stream == nil {
		writeJSON(w, http.StatusOK, planToWire(plan))
		return
	}

	s.streamSend(w, r, plan, stream.Events())
}

// streamSend replays the plan and then every leg event as server-sent events
// until all legs are terminal.
func (s *Server) streamSend(w http.ResponseWriter, r *http.Request, plan *crosspay.AllocationPlan, events <-chan crosspay.LegEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError,
			crosspay.NewError(crosspay.ErrCodeInvalidRequest, "streaming unsupported by connection", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(name string, payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("encoding stream event", zap.Error(err))
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		flusher.Flush()
	}

	writeEvent("plan", planToWire(plan))
	for ev := range events {
		writeEvent("leg", ev)
	}
	writeEvent("done", map[string]string{"requestId": requestIDFromContext(r.Context())})
}

func planToWire(plan *crosspay.AllocationPlan) *planResponse {
	if plan == nil {
		return nil
	}
	resp := &planResponse{
		TargetAmount:       plan.TargetAmount.String(),
		TotalTaken:         plan.TotalTaken.String(),
		RemainingUncovered: plan.RemainingUncovered.String(),
		Sources:            make([]sourceAllocationDT, 0, len(plan.Sources)),
	}
	for _, src := range plan.Sources {
		resp.Sources = append(resp.Sources, sourceAllocationDT{
			Wallet: src.Wallet,
			Chain:  src.Chain,
			Amount: src.Amount.String(),
		})
	}
	return resp
}

func statusForError(err error) int {
	switch crosspay.ErrorCode(err) {
	case crosspay.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case crosspay.ErrCodeChainNotSupported:
		return http.StatusUnprocessableEntity
	case crosspay.ErrCodeBadCredential:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.logger.Warn("request failed",
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	)
	writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		Code:      crosspay.ErrorCode(err),
		RequestID: requestIDFromContext(r.Context()),
	})
}
