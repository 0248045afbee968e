// Package httpapi exposes the gateway's REST endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/poolflow/internal/app"
	"github.com/R3E-Network/poolflow/internal/app/domain/order"
	"github.com/R3E-Network/poolflow/internal/app/domain/pool"
	"github.com/R3E-Network/poolflow/internal/app/domain/token"
	poolsvc "github.com/R3E-Network/poolflow/internal/app/services/pools"
	"github.com/R3E-Network/poolflow/internal/app/storage"
)

// AccessTokenHeader carries the scoped token guarding pool and result reads.
const AccessTokenHeader = "X-Access-Token"

// UserIDHeader is set by the gateway's auth middleware after validating the
// caller's JWT or API credentials.
const UserIDHeader = "X-User-ID"

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// Register mounts the core REST API on the router.
func Register(r *mux.Router, application *app.Application) {
	h := &handler{app: application}

	r.HandleFunc("/orders", h.submitOrder).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}", h.getOrder).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}", h.getPool).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}/results", h.getPoolResults).Methods(http.MethodGet)
	r.HandleFunc("/tokens", h.issueToken).Methods(http.MethodPost)
	r.HandleFunc("/tokens/{id}", h.revokeToken).Methods(http.MethodDelete)
}

// --- Orders -----------------------------------------------------------------

type orderResponse struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	BatchingKey string          `json:"batching_key"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	State       order.State     `json:"state"`
	PoolID      string          `json:"pool_id,omitempty"`
	FailureNote string          `json:"failure_note,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

func toOrderResponse(o order.Order) orderResponse {
	return orderResponse{
		ID:          o.ID,
		AccountID:   o.AccountID,
		BatchingKey: o.BatchingKey,
		Payload:     o.Payload,
		State:       o.State,
		PoolID:      o.PoolID,
		FailureNote: o.FailureNote,
		SubmittedAt: o.SubmittedAt,
	}
}

func (h *handler) submitOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return
	}

	var payload struct {
		BatchingKey string          `json:"batching_key"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	o, err := h.app.Orders.Submit(r.Context(), userID, payload.BatchingKey, payload.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(o))
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserIDHeader)
	o, err := h.app.Orders.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if o.AccountID != userID {
		// Do not reveal other principals' orders.
		writeError(w, http.StatusNotFound, storage.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// --- Pools ------------------------------------------------------------------

type poolResponse struct {
	ID          string     `json:"id"`
	BatchingKey string     `json:"batching_key"`
	State       pool.State `json:"state"`
	MemberCount int        `json:"member_count"`
	CreatedAt   time.Time  `json:"created_at"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toPoolResponse(p pool.Pool) poolResponse {
	resp := poolResponse{
		ID:          p.ID,
		BatchingKey: p.BatchingKey,
		State:       p.State,
		MemberCount: p.MemberCount,
		CreatedAt:   p.CreatedAt,
	}
	if !p.LockedAt.IsZero() {
		resp.LockedAt = &p.LockedAt
	}
	if !p.CompletedAt.IsZero() {
		resp.CompletedAt = &p.CompletedAt
	}
	return resp
}

// requireScope validates the request's access token against the scope.
func (h *handler) requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	secret := strings.TrimSpace(r.Header.Get(AccessTokenHeader))
	if secret == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing %s header", AccessTokenHeader))
		return false
	}
	decision := h.app.Tokens.Validate(r.Context(), secret, scope)
	if !decision.Allow {
		status := http.StatusForbidden
		if decision.Reason == token.DenyUnknownToken {
			status = http.StatusUnauthorized
		}
		writeError(w, status, fmt.Errorf("access denied: %s", decision.Reason))
		return false
	}
	return true
}

func (h *handler) getPool(w http.ResponseWriter, r *http.Request) {
	poolID := mux.Vars(r)["id"]
	if !h.requireScope(w, r, token.PoolScope(poolID)) {
		return
	}
	p, err := h.app.Pools.Get(r.Context(), poolID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolResponse(p))
}

func (h *handler) getPoolResults(w http.ResponseWriter, r *http.Request) {
	poolID := mux.Vars(r)["id"]
	if !h.requireScope(w, r, token.ResultScope(poolID)) {
		return
	}
	rs, err := h.app.Pools.GetResults(r.Context(), poolID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

// --- Tokens -----------------------------------------------------------------

func (h *handler) issueToken(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return
	}

	var payload struct {
		Scope  string `json:"scope"`
		PoolID string `json:"pool_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var scope string
	switch payload.Scope {
	case "pool":
		scope = token.PoolScope(payload.PoolID)
	case "result":
		scope = token.ResultScope(payload.PoolID)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("scope must be \"pool\" or \"result\""))
		return
	}

	t, secret, err := h.app.Tokens.Issue(r.Context(), userID, scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         t.ID,
		"secret":     secret,
		"scope":      t.Scope,
		"issued_at":  t.IssuedAt,
		"expires_at": t.ExpiresAt,
	})
}

func (h *handler) revokeToken(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return
	}
	if _, err := h.app.Tokens.Revoke(r.Context(), mux.Vars(r)["id"], userID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ----------------------------------------------------------------

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, poolsvc.ErrResultsNotReady):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
