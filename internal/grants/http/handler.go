// Package grantshttp exposes the grant mutation and history endpoints.
package grantshttp

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sentra-authz/sentra/internal/catalog"
	"github.com/sentra-authz/sentra/internal/condition"
	"github.com/sentra-authz/sentra/internal/grants"
	"github.com/sentra-authz/sentra/internal/platform/httpx"
	"github.com/sentra-authz/sentra/internal/schedule"
)

// Handler wires the grant admin endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *grants.Service
	validator *validator.Validate
	clock     func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *grants.Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New(), clock: time.Now}
}

// MountRoutes registers the grant routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/grants", h.handleCreate)
	r.Delete("/grants/{id}", h.handleRevoke)
	r.Post("/assignments", h.handleAssign)
	r.Delete("/assignments/{id}", h.handleRevokeAssignment)
	r.Get("/subjects/{id}/grants", h.handleHistory)
}

type createGrantRequest struct {
	SubjectID     *int64             `json:"subject_id"`
	RoleID        *int64             `json:"role_id"`
	ResourceType  string             `json:"resource_type" validate:"required"`
	Action        string             `json:"action" validate:"required"`
	Effect        string             `json:"effect" validate:"required,oneof=allow deny"`
	ResourceScope *string            `json:"resource_scope"`
	ValidFrom     *time.Time         `json:"valid_from"`
	ValidUntil    *time.Time         `json:"valid_until"`
	Condition     *condition.Expr    `json:"condition"`
	Schedule      *schedule.Schedule `json:"schedule"`
	ApprovalRef   *uuid.UUID         `json:"approval_ref"`
	CreatedBy     int64              `json:"created_by" validate:"required"`
}

type grantResponse struct {
	ID            string     `json:"id"`
	SubjectID     *int64     `json:"subject_id,omitempty"`
	RoleID        *int64     `json:"role_id,omitempty"`
	ResourceType  string     `json:"resource_type"`
	Action        string     `json:"action"`
	Effect        string     `json:"effect"`
	ResourceScope *string    `json:"resource_scope,omitempty"`
	ValidFrom     time.Time  `json:"valid_from"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"`
	IsActive      bool       `json:"is_active"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	Version       int64      `json:"version"`
}

func toGrantResponse(g grants.Grant) grantResponse {
	return grantResponse{
		ID:            g.ID.String(),
		SubjectID:     g.SubjectID,
		RoleID:        g.RoleID,
		ResourceType:  g.ResourceType,
		Action:        g.Action,
		Effect:        string(g.Effect),
		ResourceScope: g.ResourceScope,
		ValidFrom:     g.ValidFrom,
		ValidUntil:    g.ValidUntil,
		IsActive:      g.IsActive,
		RevokedAt:     g.RevokedAt,
		Version:       g.Version,
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createGrantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := grants.CreateGrantInput{
		SubjectID:     req.SubjectID,
		RoleID:        req.RoleID,
		ResourceType:  req.ResourceType,
		Action:        req.Action,
		Effect:        grants.Effect(req.Effect),
		ResourceScope: req.ResourceScope,
		ValidUntil:    req.ValidUntil,
		Condition:     req.Condition,
		Schedule:      req.Schedule,
		ApprovalRef:   req.ApprovalRef,
		CreatedBy:     req.CreatedBy,
	}
	if req.ValidFrom != nil {
		in.ValidFrom = *req.ValidFrom
	}
	created, err := h.service.CreateGrant(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toGrantResponse(created))
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid grant id")
		return
	}
	revokedBy, version, err := mutationParams(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	revoked, err := h.service.RevokeGrant(r.Context(), id, revokedBy, version)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGrantResponse(revoked))
}

type assignRequest struct {
	SubjectID     int64      `json:"subject_id" validate:"required"`
	RoleID        int64      `json:"role_id" validate:"required"`
	ResourceType  *string    `json:"resource_type"`
	ResourceScope *string    `json:"resource_scope"`
	ValidFrom     *time.Time `json:"valid_from"`
	ValidUntil    *time.Time `json:"valid_until"`
	CreatedBy     int64      `json:"created_by" validate:"required"`
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := grants.AssignRoleInput{
		SubjectID:     req.SubjectID,
		RoleID:        req.RoleID,
		ResourceType:  req.ResourceType,
		ResourceScope: req.ResourceScope,
		ValidUntil:    req.ValidUntil,
		CreatedBy:     req.CreatedBy,
	}
	if req.ValidFrom != nil {
		in.ValidFrom = *req.ValidFrom
	}
	created, err := h.service.AssignRole(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) handleRevokeAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid assignment id")
		return
	}
	revokedBy, version, err := mutationParams(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	revoked, err := h.service.RevokeAssignment(r.Context(), id, revokedBy, version)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, revoked)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	subjectID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid subject id")
		return
	}
	history, err := h.service.History(r.Context(), subjectID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	includeExpired := strings.EqualFold(r.URL.Query().Get("include_expired"), "true")
	now := h.clock()
	out := make([]grantResponse, 0, len(history))
	for _, g := range history {
		if !includeExpired && (g.Expired(now) || !g.IsActive) {
			continue
		}
		out = append(out, toGrantResponse(g))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"grants": out})
}

// mutationParams reads the actor and expected version for revocations from
// the query string, keeping DELETE bodies empty.
func mutationParams(r *http.Request) (revokedBy, version int64, err error) {
	revokedBy, err = strconv.ParseInt(r.URL.Query().Get("revoked_by"), 10, 64)
	if err != nil {
		return 0, 0, errors.New("revoked_by required")
	}
	version, err = strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil {
		return 0, 0, errors.New("version required")
	}
	return revokedBy, version, nil
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, grants.ErrInvalidGrant), errors.Is(err, catalog.ErrUnknownPermission):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, grants.ErrGrantNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, grants.ErrVersionConflict), errors.Is(err, grants.ErrDuplicateAssignment):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("grant mutation", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
