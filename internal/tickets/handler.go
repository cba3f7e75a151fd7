package tickets

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/rbac"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// Handler wires ticket HTTP endpoints for both the user-facing and the
// support-staff surfaces.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	gate      rbac.Middleware
	validator *validator.Validate
}

// NewHandler constructs a ticket Handler.
func NewHandler(logger *slog.Logger, service *Service, gate rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, gate: gate, validator: validator.New()}
}

// MountUserRoutes registers the end-user ticket surface.
func (h *Handler) MountUserRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.listMine)
	r.Get("/{id}", h.get)
	r.Post("/{id}/messages", h.reply)
	r.Post("/{id}/close", h.close)
}

// MountAdminRoutes registers the support-staff surface.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermSupportTicketView))
		r.Get("/", h.listAll)
		r.Get("/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermSupportTicketManage))
		r.Post("/{id}/messages", h.reply)
		r.Post("/{id}/assign", h.assign)
		r.Post("/{id}/close", h.close)
		r.Post("/{id}/reopen", h.reopen)
	})
}

type ticketView struct {
	ID             int64      `json:"id"`
	Subject        string     `json:"subject"`
	Status         string     `json:"status"`
	Priority       string     `json:"priority"`
	RequesterID    int64      `json:"requester_id"`
	RequesterEmail string     `json:"requester_email"`
	AssigneeID     *int64     `json:"assignee_id,omitempty"`
	AssigneeEmail  *string    `json:"assignee_email,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

func toTicketView(t Ticket) ticketView {
	return ticketView{
		ID:             t.ID,
		Subject:        t.Subject,
		Status:         t.Status,
		Priority:       t.Priority,
		RequesterID:    t.RequesterID,
		RequesterEmail: t.RequesterEmail,
		AssigneeID:     t.AssigneeID,
		AssigneeEmail:  t.AssigneeEmail,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		ClosedAt:       t.ClosedAt,
	}
}

type messageView struct {
	ID          int64     `json:"id"`
	AuthorID    int64     `json:"author_id"`
	AuthorType  string    `json:"author_type"`
	AuthorEmail string    `json:"author_email"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

func toMessageView(m Message) messageView {
	return messageView{
		ID:          m.ID,
		AuthorID:    m.AuthorID,
		AuthorType:  m.AuthorType,
		AuthorEmail: m.AuthorEmail,
		Body:        m.Body,
		CreatedAt:   m.CreatedAt,
	}
}

type createTicketRequest struct {
	Subject  string `json:"subject" validate:"required,max=200"`
	Body     string `json:"body" validate:"required"`
	Priority string `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	var req createTicketRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	ticket, err := h.service.Create(r.Context(), *ident, req.Subject, req.Body, req.Priority)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTicketView(*ticket))
}

func (h *Handler) listMine(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	page, perPage := pageParams(r)
	rows, pagination, err := h.service.ListMine(r.Context(), *ident, page, perPage)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	h.respondList(w, rows, pagination)
}

func (h *Handler) listAll(w http.ResponseWriter, r *http.Request) {
	filters := ListFilters{
		Status:   r.URL.Query().Get("status"),
		Priority: r.URL.Query().Get("priority"),
	}
	if raw := r.URL.Query().Get("assignee_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filters.AssigneeID = &id
		}
	}
	page, perPage := pageParams(r)
	rows, pagination, err := h.service.List(r.Context(), filters, page, perPage)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	h.respondList(w, rows, pagination)
}

func (h *Handler) respondList(w http.ResponseWriter, rows []Ticket, pagination shared.Pagination) {
	views := make([]ticketView, 0, len(rows))
	for _, t := range rows {
		views = append(views, toTicketView(t))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"tickets":    views,
		"pagination": pagination,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ticket, messages, err := h.service.Get(r.Context(), *ident, id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, toMessageView(m))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"ticket":   toTicketView(*ticket),
		"messages": views,
	})
}

type replyRequest struct {
	Body string `json:"body" validate:"required"`
}

func (h *Handler) reply(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req replyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := h.service.Reply(r.Context(), *ident, id, req.Body)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toMessageView(*msg))
}

type assignRequest struct {
	AssigneeID int64 `json:"assignee_id" validate:"required,gt=0"`
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.service.Assign(r.Context(), audit.ActorFromRequest(r), id, req.AssigneeID); err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	ident := shared.IdentityFromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Close(r.Context(), audit.ActorFromRequest(r), *ident, id); err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *Handler) reopen(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Reopen(r.Context(), audit.ActorFromRequest(r), id); err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "reopened"})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid ticket id")
		return 0, false
	}
	return id, true
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	return page, perPage
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error("ticket request failed", "error", err)
	}
	httpx.RespondError(w, err)
}
