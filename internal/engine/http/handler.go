// Package enginehttp exposes the decision endpoints.
package enginehttp

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/sentra-authz/sentra/internal/catalog"
	"github.com/sentra-authz/sentra/internal/condition"
	"github.com/sentra-authz/sentra/internal/engine"
	"github.com/sentra-authz/sentra/internal/grants"
	"github.com/sentra-authz/sentra/internal/platform/httpx"
)

const decideRateLimit = 300
const decideRateWindow = time.Minute

// Handler wires the decide and invalidate endpoints.
type Handler struct {
	logger    *slog.Logger
	engine    *engine.Engine
	grants    *grants.Service
	catalog   *catalog.Catalog
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, eng *engine.Engine, grantSvc *grants.Service, cat *catalog.Catalog) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, engine: eng, grants: grantSvc, catalog: cat, validator: validator.New()}
}

// MountRoutes registers the decision routes.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(decideRateLimit, decideRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Post("/decide", h.handleDecide)
	})
	r.Post("/invalidate", h.handleInvalidate)
}

type decideRequest struct {
	SubjectID        int64             `json:"subject_id" validate:"required"`
	Action           string            `json:"action" validate:"required"`
	ResourceType     string            `json:"resource_type" validate:"required"`
	ResourceInstance *string           `json:"resource_instance"`
	Context          map[string]string `json:"context"`
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationDetail(err))
		return
	}

	action := strings.TrimSpace(req.Action)
	resourceType := strings.TrimSpace(req.ResourceType)
	// A pair the catalog has never heard of is a malformed request, not a
	// denial; only requests over registered permissions reach the engine.
	if _, err := h.catalog.Lookup(resourceType, action); err != nil {
		if !h.catalog.KnowsResourceType(resourceType) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown resource type: "+resourceType)
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown action for "+resourceType+": "+action)
		return
	}

	dec, err := h.engine.Decide(r.Context(), engine.Request{
		SubjectID:        req.SubjectID,
		Action:           action,
		ResourceType:     resourceType,
		ResourceInstance: req.ResourceInstance,
		Context:          condition.Attributes(req.Context),
	})
	if err != nil {
		// The decision itself is still usable; the durable audit write
		// failed, and the engine already degraded the verdict.
		h.logger.Error("decide audit failure", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, dec)
}

type invalidateRequest struct {
	SubjectID *int64 `json:"subject_id"`
	RoleID    *int64 `json:"role_id"`
}

func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if (req.SubjectID == nil) == (req.RoleID == nil) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "exactly one of subject_id and role_id required")
		return
	}
	var err error
	if req.SubjectID != nil {
		err = h.grants.Invalidate(r.Context(), *req.SubjectID)
	} else {
		err = h.grants.InvalidateRole(r.Context(), *req.RoleID)
	}
	if err != nil {
		h.logger.Error("invalidate", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validationDetail(err error) string {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok || len(fieldErrs) == 0 {
		return "invalid request"
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, strings.ToLower(fe.Field()))
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}
