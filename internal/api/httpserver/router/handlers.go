package router

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AgentBar-Labs/credit_layer/internal/domain/deposit"
	"github.com/AgentBar-Labs/credit_layer/internal/domain/principal"
	domainratelimit "github.com/AgentBar-Labs/credit_layer/internal/domain/ratelimit"
	"github.com/AgentBar-Labs/credit_layer/internal/errors"
	"github.com/AgentBar-Labs/credit_layer/internal/httputil"
	"github.com/AgentBar-Labs/credit_layer/internal/middleware"
	"github.com/AgentBar-Labs/credit_layer/internal/services/credentials"
	"github.com/AgentBar-Labs/credit_layer/internal/services/deposits"
	"github.com/AgentBar-Labs/credit_layer/internal/services/ratelimit"
	"github.com/AgentBar-Labs/credit_layer/pkg/logger"
)

// maxBodyBytes bounds request bodies; no endpoint accepts large payloads.
const maxBodyBytes = 1 << 16

type handler struct {
	log         *logger.Logger
	credentials *credentials.Service
	rateLimiter *ratelimit.Service
	deposits    *deposits.Service
}

type registerRequest struct {
	DisplayName string `json:"display_name"`
}

type registerResponse struct {
	PrincipalID string `json:"principal_id"`
	DisplayName string `json:"display_name"`
	// Credential is the plaintext bearer token, returned here and nowhere
	// else. It cannot be recovered after this response.
	Credential string `json:"credential"`
	Balance    int64  `json:"balance"`
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		httputil.WriteError(w, errors.BadRequest("invalid request body"))
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		httputil.WriteError(w, errors.BadRequest("display_name is required"))
		return
	}

	if !h.consumeToken(w, r, middleware.ClientIP(r), domainratelimit.ActionRegister) {
		return
	}

	p, token, err := h.credentials.Issue(r.Context(), req.DisplayName)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, registerResponse{
		PrincipalID: p.ID,
		DisplayName: p.DisplayName,
		Credential:  token,
		Balance:     p.Balance,
	})
}

type principalResponse struct {
	PrincipalID string     `json:"principal_id"`
	DisplayName string     `json:"display_name"`
	Balance     int64      `json:"balance"`
	Online      bool       `json:"online"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteError(w, errors.MissingCredential())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toPrincipalResponse(p))
}

type depositRequest struct {
	TxHash string `json:"tx_hash"`
	// Amount is honored only in the unverified test mode.
	Amount int64 `json:"amount,omitempty"`
}

type depositResponse struct {
	DepositID   string    `json:"deposit_id"`
	TxHash      string    `json:"tx_hash"`
	Amount      int64     `json:"amount"`
	FromAddress string    `json:"from_address,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	CreditedAt  time.Time `json:"credited_at"`
}

func (h *handler) submitDeposit(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteError(w, errors.MissingCredential())
		return
	}

	var req depositRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		httputil.WriteError(w, errors.BadRequest("invalid request body"))
		return
	}

	if !h.consumeToken(w, r, p.ID, domainratelimit.ActionDeposit) {
		return
	}

	var (
		rec deposit.Record
		err error
	)
	if req.Amount != 0 {
		rec, err = h.deposits.SubmitUnverified(r.Context(), p.ID, req.TxHash, req.Amount)
	} else {
		rec, err = h.deposits.Submit(r.Context(), p.ID, req.TxHash)
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, toDepositResponse(rec))
}

func (h *handler) listDeposits(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteError(w, errors.MissingCredential())
		return
	}

	records, err := h.deposits.History(r.Context(), p.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	out := make([]depositResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toDepositResponse(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"deposits": out})
}

type rotateResponse struct {
	PrincipalID string `json:"principal_id"`
	// Credential is the replacement plaintext, shown exactly once.
	Credential string `json:"credential"`
}

func (h *handler) rotateCredential(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "id")
	if principalID == "" {
		httputil.WriteError(w, errors.BadRequest("principal id is required"))
		return
	}

	token, err := h.credentials.Rotate(r.Context(), principalID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.log.WithField("principal_id", principalID).Info("credential rotated by admin")
	httputil.WriteJSON(w, http.StatusOK, rotateResponse{
		PrincipalID: principalID,
		Credential:  token,
	})
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// consumeToken runs the domain rate limiter and writes the rejection when
// the subject is out of tokens. Returns true when the request may proceed.
func (h *handler) consumeToken(w http.ResponseWriter, r *http.Request, subject string, action domainratelimit.Action) bool {
	decision, err := h.rateLimiter.CheckAndConsume(r.Context(), subject, action)
	if err != nil {
		httputil.WriteError(w, err)
		return false
	}
	if !decision.Allowed {
		httputil.WriteError(w, errors.RateLimitExceeded(decision.Remaining, decision.RetryAfter))
		return false
	}
	return true
}

func toPrincipalResponse(p principal.Principal) principalResponse {
	resp := principalResponse{
		PrincipalID: p.ID,
		DisplayName: p.DisplayName,
		Balance:     p.Balance,
		Online:      p.Online,
		CreatedAt:   p.CreatedAt,
	}
	if !p.LastSeenAt.IsZero() {
		t := p.LastSeenAt
		resp.LastSeenAt = &t
	}
	return resp
}

func toDepositResponse(rec deposit.Record) depositResponse {
	return depositResponse{
		DepositID:   rec.ID,
		TxHash:      rec.TxHash,
		Amount:      rec.Amount,
		FromAddress: rec.FromAddress,
		BlockNumber: rec.BlockNumber,
		CreditedAt:  rec.CreatedAt,
	}
}

func decodeJSON(body io.Reader, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
