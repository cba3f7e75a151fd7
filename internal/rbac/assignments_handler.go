package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// AssignmentsHandler manages role assignments for both principal stores.
// It mounts under /admin/users and /admin/admins.
type AssignmentsHandler struct {
	logger    *slog.Logger
	service   *Service
	gate      Middleware
	validator *validator.Validate
}

// NewAssignmentsHandler constructs an AssignmentsHandler instance.
func NewAssignmentsHandler(logger *slog.Logger, service *Service, gate Middleware) *AssignmentsHandler {
	return &AssignmentsHandler{logger: logger, service: service, gate: gate, validator: validator.New()}
}

// MountUserRoutes registers assignment routes for end-users.
func (h *AssignmentsHandler) MountUserRoutes(r chi.Router) {
	h.mount(r, shared.KindUser)
}

// MountAdminRoutes registers assignment routes for admin principals.
func (h *AssignmentsHandler) MountAdminRoutes(r chi.Router) {
	h.mount(r, shared.KindAdmin)
}

func (h *AssignmentsHandler) mount(r chi.Router, kind shared.PrincipalKind) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermAdminUsersView))
		r.Get("/{id}/roles", h.list(kind))
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermAdminUsersEdit))
		r.Post("/{id}/roles", h.assign(kind))
		r.Delete("/{id}/roles/{roleID}", h.revoke(kind))
	})
}

type assignmentView struct {
	ID              int64      `json:"id"`
	RoleID          int64      `json:"role_id"`
	RoleName        string     `json:"role_name"`
	RolePriority    int        `json:"role_priority"`
	AssignedBy      int64      `json:"assigned_by"`
	AssignedByEmail string     `json:"assigned_by_email,omitempty"`
	AssignedAt      time.Time  `json:"assigned_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	IsActive        bool       `json:"is_active"`
	IsValid         bool       `json:"is_valid"`
	Notes           string     `json:"notes,omitempty"`
}

func toAssignmentView(a Assignment, now time.Time) assignmentView {
	return assignmentView{
		ID:              a.ID,
		RoleID:          a.RoleID,
		RoleName:        a.RoleName,
		RolePriority:    a.RolePriority,
		AssignedBy:      a.AssignedBy,
		AssignedByEmail: a.AssignedByEmail,
		AssignedAt:      a.AssignedAt,
		ExpiresAt:       a.ExpiresAt,
		IsActive:        a.IsActive,
		IsValid:         a.IsValid(now),
		Notes:           a.Notes,
	}
}

func (h *AssignmentsHandler) list(kind shared.PrincipalKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := h.principalRef(w, r, kind)
		if !ok {
			return
		}
		assignments, err := h.service.ListAssignments(r.Context(), principal)
		if err != nil {
			h.logger.Error("list assignments", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		now := time.Now()
		views := make([]assignmentView, 0, len(assignments))
		for _, a := range assignments {
			views = append(views, toAssignmentView(a, now))
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"assignments": views})
	}
}

type assignRequest struct {
	RoleID    int64      `json:"role_id" validate:"required,gt=0"`
	ExpiresAt *time.Time `json:"expires_at"`
	Notes     string     `json:"notes" validate:"max=500"`
}

func (h *AssignmentsHandler) assign(kind shared.PrincipalKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := h.principalRef(w, r, kind)
		if !ok {
			return
		}
		var req assignRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := h.validator.Struct(req); err != nil {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		assignment, err := h.service.Assign(r.Context(), audit.ActorFromRequest(r), AssignInput{
			Principal: principal,
			RoleID:    req.RoleID,
			ExpiresAt: req.ExpiresAt,
			Notes:     req.Notes,
		})
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusCreated, toAssignmentView(assignment, time.Now()))
	}
}

func (h *AssignmentsHandler) revoke(kind shared.PrincipalKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := h.principalRef(w, r, kind)
		if !ok {
			return
		}
		roleID, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
		if err != nil || roleID <= 0 {
			httpx.Error(w, http.StatusBadRequest, "invalid role id")
			return
		}
		if err := h.service.Revoke(r.Context(), audit.ActorFromRequest(r), principal, roleID); err != nil {
			httpx.RespondError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *AssignmentsHandler) principalRef(w http.ResponseWriter, r *http.Request, kind shared.PrincipalKind) (PrincipalRef, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid principal id")
		return PrincipalRef{}, false
	}
	return PrincipalRef{Kind: kind, ID: id}, true
}
