// Package audithttp serves the audit trail query and export endpoints.
package audithttp

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sentra-authz/sentra/internal/audit"
	"github.com/sentra-authz/sentra/internal/platform/httpx"
)

const (
	defaultPageSize   = 20
	maxPageSize       = 100
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
)

// Handler serves audit trail queries.
type Handler struct {
	logger  *slog.Logger
	emitter *audit.Emitter
	now     func() time.Time
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, emitter *audit.Emitter) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, emitter: emitter, now: time.Now}
}

type recordResponse struct {
	ID               string            `json:"id"`
	Kind             string            `json:"kind"`
	SubjectID        int64             `json:"subject_id"`
	ActorID          int64             `json:"actor_id"`
	Action           string            `json:"action"`
	ResourceType     string            `json:"resource_type,omitempty"`
	ResourceInstance *string           `json:"resource_instance,omitempty"`
	Verdict          string            `json:"verdict,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	DecisiveGrantID  *string           `json:"decisive_grant_id,omitempty"`
	Context          map[string]string `json:"context,omitempty"`
	Seq              int64             `json:"seq"`
	At               time.Time         `json:"at"`
}

type listResponse struct {
	Records []recordResponse `json:"records"`
	Page    int              `json:"page"`
	HasNext bool             `json:"has_next"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	result, err := h.emitter.List(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "load audit trail", err)
		return
	}
	resp := listResponse{
		Records: make([]recordResponse, 0, len(result.Records)),
		Page:    result.Paging.Page,
		HasNext: result.Paging.HasNext,
	}
	for _, rec := range result.Records {
		resp.Records = append(resp.Records, toResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	// Export walks every page within the filter window.
	var records []audit.Record
	filters.Page = 1
	filters.PageSize = maxPageSize
	for {
		result, err := h.emitter.List(r.Context(), filters)
		if err != nil {
			h.handleServerError(w, "export audit trail", err)
			return
		}
		records = append(records, result.Records...)
		if !result.Paging.HasNext {
			break
		}
		filters.Page++
	}
	csvBytes, err := audit.WriteCSV(records)
	if err != nil {
		h.handleServerError(w, "encode csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-trail.csv\"")
	if _, err := w.Write(csvBytes); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func toResponse(rec audit.Record) recordResponse {
	out := recordResponse{
		ID:               rec.ID.String(),
		Kind:             string(rec.Kind),
		SubjectID:        rec.SubjectID,
		ActorID:          rec.ActorID,
		Action:           rec.Action,
		ResourceType:     rec.ResourceType,
		ResourceInstance: rec.ResourceInstance,
		Verdict:          rec.Verdict,
		Reason:           rec.Reason,
		Context:          rec.Context,
		Seq:              rec.Seq,
		At:               rec.At,
	}
	if rec.DecisiveGrantID != nil {
		id := rec.DecisiveGrantID.String()
		out.DecisiveGrantID = &id
	}
	return out
}

func (h *Handler) parseFilters(r *http.Request) (audit.Filters, error) {
	query := r.URL.Query()
	var filters audit.Filters

	now := h.now().UTC()
	toStr := strings.TrimSpace(query.Get("to"))
	if toStr == "" {
		toStr = now.Add(24 * time.Hour).Format("2006-01-02")
	}
	toTime, err := time.Parse("2006-01-02", toStr)
	if err != nil {
		return audit.Filters{}, validationError{field: "to"}
	}
	fromStr := strings.TrimSpace(query.Get("from"))
	if fromStr == "" {
		fromStr = toTime.Add(-defaultDateRange).Format("2006-01-02")
	}
	fromTime, err := time.Parse("2006-01-02", fromStr)
	if err != nil {
		return audit.Filters{}, validationError{field: "from"}
	}
	if fromTime.After(toTime) {
		return audit.Filters{}, validationError{field: "range"}
	}
	if toTime.Sub(fromTime) > maxDateRangeHours*time.Hour {
		return audit.Filters{}, validationError{field: "range"}
	}
	filters.From = fromTime
	filters.To = toTime

	if v := strings.TrimSpace(query.Get("subject_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return audit.Filters{}, validationError{field: "subject_id"}
		}
		filters.SubjectID = &id
	}
	if v := strings.TrimSpace(query.Get("actor_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return audit.Filters{}, validationError{field: "actor_id"}
		}
		filters.ActorID = &id
	}
	switch kind := strings.TrimSpace(query.Get("kind")); kind {
	case "":
	case string(audit.KindDecision):
		filters.Kind = audit.KindDecision
	case string(audit.KindGrantMutation):
		filters.Kind = audit.KindGrantMutation
	default:
		return audit.Filters{}, validationError{field: "kind"}
	}

	filters.Page = 1
	if v := strings.TrimSpace(query.Get("page")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.Filters{}, validationError{field: "page"}
		}
		filters.Page = parsed
	}
	filters.PageSize = defaultPageSize
	if v := strings.TrimSpace(query.Get("page_size")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.Filters{}, validationError{field: "page_size"}
		}
		if parsed > maxPageSize {
			parsed = maxPageSize
		}
		filters.PageSize = parsed
	}
	return filters, nil
}

func (h *Handler) handleFilterError(w http.ResponseWriter, err error) {
	var v validationError
	if errors.As(err, &v) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid filter: "+v.field)
		return
	}
	h.handleServerError(w, "validate filters", err)
}

func (h *Handler) handleServerError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

type validationError struct {
	field string
}

func (validationError) Error() string {
	return "validation failed"
}
