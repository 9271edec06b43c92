package registry

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carelink-ng/referral/internal/shared/errors"
	"github.com/carelink-ng/referral/internal/shared/types"
)

// Handler serves the read-only registry API
type Handler struct {
	reg      Registry
	taxonomy *Taxonomy
}

// NewHandler creates a new registry handler
func NewHandler(reg Registry, taxonomy *Taxonomy) *Handler {
	return &Handler{reg: reg, taxonomy: taxonomy}
}

// Register mounts the registry routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/taxonomy", h.ListTags)
	r.Get("/providers", h.ListProviders)
	r.Get("/providers/{providerID}", h.GetProvider)
}

// Routes returns a router with only the registry routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// ListProviders lists providers, optionally by category and service
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	var filter ListFilter
	if c := r.URL.Query().Get("category"); c != "" {
		category := Category(c)
		if !category.Valid() {
			writeError(w, errors.InvalidRequest("unknown category", map[string]string{"category": c}))
			return
		}
		filter.Category = &category
	}
	if s := r.URL.Query().Get("service"); s != "" {
		filter.ServiceType = types.NormalizeTag(s)
	}

	providers, err := h.reg.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  providers,
		"total": len(providers),
	})
}

// GetProvider gets a provider by id
func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	id := types.ProviderID(chi.URLParam(r, "providerID"))

	p, err := h.reg.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// ListTags returns the service taxonomy
func (h *Handler) ListTags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.taxonomy.Tags()})
}

// --- Helpers ---

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
