// Package audithttp exposes the audit trail over HTTP.
package audithttp

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/rbac"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// Handler serves read-only audit endpoints.
type Handler struct {
	logger  *slog.Logger
	service *audit.Service
	gate    rbac.Middleware
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *audit.Service, gate rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, gate: gate}
}

// MountRoutes registers audit routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermAdminAuditView))
		r.Get("/", h.list)
	})
}

type entryView struct {
	ID           int64          `json:"id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	ActorID      int64          `json:"actor_id"`
	ActorType    string         `json:"actor_type"`
	ActorEmail   string         `json:"actor_email"`
	Before       map[string]any `json:"before,omitempty"`
	After        map[string]any `json:"after,omitempty"`
	IP           string         `json:"ip,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

type listResponse struct {
	Entries []entryView      `json:"entries"`
	Paging  audit.PagingInfo `json:"paging"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := audit.Filters{
		ActorEmail:   q.Get("actor"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		filters.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		filters.To = t
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	result, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.logger.Error("list audit entries", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	views := make([]entryView, 0, len(result.Rows))
	for _, e := range result.Rows {
		views = append(views, entryView{
			ID:           e.ID,
			Action:       e.Action,
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			ActorID:      e.ActorID,
			ActorType:    e.ActorType,
			ActorEmail:   e.ActorEmail,
			Before:       e.Before,
			After:        e.After,
			IP:           e.IP,
			UserAgent:    e.UserAgent,
			OccurredAt:   e.OccurredAt,
		})
	}
	httpx.JSON(w, http.StatusOK, listResponse{Entries: views, Paging: result.Paging})
}
