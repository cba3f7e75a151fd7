package identity

import (
	"context"
	"errors"
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

// Audit actions for account administration.
const (
	ActionSuspend   = "identity.user.suspend"
	ActionReinstate = "identity.user.reinstate"
)

// AuditRecorder persists identity audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Handler wires the user administration endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	auditor AuditRecorder
	gate    rbac.Middleware
}

// NewHandler constructs an identity Handler.
func NewHandler(logger *slog.Logger, service *Service, auditor AuditRecorder, gate rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, auditor: auditor, gate: gate}
}

// MountAdminRoutes registers user administration routes.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermAdminUsersView))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermAdminUsersEdit))
		r.Post("/{id}/suspend", h.suspend)
		r.Post("/{id}/reinstate", h.reinstate)
	})
}

type userView struct {
	ID                 int64     `json:"id"`
	Username           string    `json:"username"`
	Email              string    `json:"email"`
	IsActive           bool      `json:"is_active"`
	SubscriptionStatus string    `json:"subscription_status"`
	CreatedAt          time.Time `json:"created_at"`
}

func toUserView(u User) userView {
	return userView{
		ID:                 u.ID,
		Username:           u.Username,
		Email:              u.Email,
		IsActive:           u.IsActive,
		SubscriptionStatus: u.SubscriptionStatus,
		CreatedAt:          u.CreatedAt,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	users, pagination, err := h.service.ListUsers(r.Context(), page, perPage)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, toUserView(u))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"users":      views,
		"pagination": pagination,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toUserView(*user))
}

func (h *Handler) suspend(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false, ActionSuspend)
}

func (h *Handler) reinstate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true, ActionReinstate)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool, action string) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if user.IsActive == active {
		httpx.JSON(w, http.StatusOK, toUserView(*user))
		return
	}
	if active {
		err = h.service.Reinstate(r.Context(), id)
	} else {
		err = h.service.Suspend(r.Context(), id)
	}
	if err != nil {
		h.respondErr(w, err)
		return
	}
	entry := audit.ActorFromRequest(r).NewEntry(action, "user", strconv.FormatInt(id, 10),
		map[string]any{"is_active": user.IsActive},
		map[string]any{"is_active": active},
	)
	if err := h.auditor.Record(r.Context(), entry); err != nil {
		h.logger.Error("record identity audit", "action", action, "user_id", id, "error", err)
	}
	user.IsActive = active
	httpx.JSON(w, http.StatusOK, toUserView(*user))
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	if errors.Is(err, shared.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "user not found")
		return
	}
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error("identity request failed", "error", err)
	}
	httpx.RespondError(w, err)
}
