package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/carelink-ng/referral/internal/coordination"
	"github.com/carelink-ng/referral/internal/referral/domain"
	"github.com/carelink-ng/referral/internal/shared/auth"
	"github.com/carelink-ng/referral/internal/shared/errors"
	"github.com/carelink-ng/referral/internal/shared/types"
	"github.com/carelink-ng/referral/internal/shared/validation"
)

// Service is the case coordination surface the handlers drive.
type Service interface {
	SubmitReferral(ctx context.Context, req domain.ReferralRequest) (*domain.Case, error)
	GetCase(ctx context.Context, caseID types.ID, viewer types.ProviderID) (*domain.Case, error)
	RespondToMatch(ctx context.Context, caseID types.ID, provider types.ProviderID, decision coordination.Decision, reasonCode string) (*domain.Case, error)
	AdvanceCase(ctx context.Context, caseID types.ID, provider types.ProviderID, adv coordination.Advance) (*domain.Case, error)
	AssignManually(ctx context.Context, caseID types.ID, dispatcher, provider types.ProviderID) (*domain.Case, error)
	ListCasesForProvider(ctx context.Context, providerID types.ProviderID, filter domain.ListFilter, viewer types.ProviderID) ([]*domain.Case, error)
}

// Escalations lists the armed case deadlines.
type Escalations interface {
	Active() []coordination.Deadline
}

// Handler provides HTTP handlers for referral cases
type Handler struct {
	svc         Service
	escalations Escalations
}

// NewHandler creates a new referral handler
func NewHandler(svc Service, escalations Escalations) *Handler {
	return &Handler{svc: svc, escalations: escalations}
}

// Register mounts the referral routes on r. Every route needs a caller
// identity.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser)

		r.Post("/referrals", h.SubmitReferral)

		r.Route("/cases/{caseID}", func(r chi.Router) {
			r.Get("/", h.GetCase)
			r.Post("/respond", h.RespondToMatch)
			r.Post("/advance", h.AdvanceCase)
			r.With(auth.RequireRoles(auth.RoleDispatcher)).Post("/dispatch", h.AssignManually)
		})

		r.Get("/providers/{providerID}/cases", h.ListProviderCases)
		r.With(auth.RequireRoles(auth.RoleDispatcher)).Get("/escalations", h.ListEscalations)
	})
}

// Routes returns a router with only the referral routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// --- Request types ---

type RespondRequest struct {
	Decision   coordination.Decision `json:"decision" validate:"required,oneof=accept reject"`
	ReasonCode string                `json:"reasonCode,omitempty" validate:"max=64"`
}

type DispatchRequest struct {
	ProviderID types.ProviderID `json:"providerId" validate:"required,max=64"`
}

// --- Handlers ---

func (h *Handler) SubmitReferral(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	var req domain.ReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.InvalidRequest("invalid request body", nil))
		return
	}
	if req.FromProviderID.IsZero() {
		req.FromProviderID = user.ProviderID
	}
	if req.FromProviderID != user.ProviderID {
		writeError(w, errors.Forbidden("referrals can only be submitted on behalf of your own organization"))
		return
	}

	c, err := h.svc.SubmitReferral(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	id, ok := caseID(w, r)
	if !ok {
		return
	}

	c, err := h.svc.GetCase(r.Context(), id, auth.GetUser(r.Context()).ProviderID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) RespondToMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := caseID(w, r)
	if !ok {
		return
	}

	var req RespondRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := h.svc.RespondToMatch(r.Context(), id, auth.GetUser(r.Context()).ProviderID, req.Decision, req.ReasonCode)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) AdvanceCase(w http.ResponseWriter, r *http.Request) {
	id, ok := caseID(w, r)
	if !ok {
		return
	}

	var req coordination.Advance
	if !decode(w, r, &req) {
		return
	}

	c, err := h.svc.AdvanceCase(r.Context(), id, auth.GetUser(r.Context()).ProviderID, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) AssignManually(w http.ResponseWriter, r *http.Request) {
	id, ok := caseID(w, r)
	if !ok {
		return
	}

	var req DispatchRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := h.svc.AssignManually(r.Context(), id, auth.GetUser(r.Context()).ProviderID, req.ProviderID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) ListProviderCases(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	providerID := types.ProviderID(chi.URLParam(r, "providerID"))
	if providerID != user.ProviderID && !user.IsDispatcher() {
		writeError(w, errors.Forbidden("cannot list another provider's cases"))
		return
	}

	var filter domain.ListFilter
	q := r.URL.Query()
	if s := q.Get("state"); s != "" {
		state := domain.State(s)
		filter.State = &state
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 50); err != nil {
		writeError(w, errors.InvalidRequest("limit must be a non-negative integer", map[string]string{"limit": q.Get("limit")}))
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, errors.InvalidRequest("offset must be a non-negative integer", map[string]string{"offset": q.Get("offset")}))
		return
	}

	cases, err := h.svc.ListCasesForProvider(r.Context(), providerID, filter, user.ProviderID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  cases,
		"total": len(cases),
	})
}

func (h *Handler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	active := h.escalations.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  active,
		"total": len(active),
	})
}

// --- Helpers ---

func caseID(w http.ResponseWriter, r *http.Request) (types.ID, bool) {
	raw := chi.URLParam(r, "caseID")
	id, err := types.ParseID(raw)
	if err != nil {
		writeError(w, errors.InvalidRequest("invalid case ID", map[string]string{"caseId": raw}))
		return "", false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errors.InvalidRequest("invalid request body", nil))
		return false
	}
	if err := validation.Struct(v); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		writeJSON(w, appErr.HTTPStatus, map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}
