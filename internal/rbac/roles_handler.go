package rbac

import (
	"errors"
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

// RolesHandler wires HTTP endpoints for role administration.
type RolesHandler struct {
	logger    *slog.Logger
	service   *Service
	gate      Middleware
	validator *validator.Validate
}

// NewRolesHandler constructs a RolesHandler instance.
func NewRolesHandler(logger *slog.Logger, service *Service, gate Middleware) *RolesHandler {
	return &RolesHandler{logger: logger, service: service, gate: gate, validator: validator.New()}
}

// MountRoutes registers role routes on the provided router.
func (h *RolesHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermAdminRolesView))
		r.Get("/", h.listRoles)
		r.Get("/{id}", h.getRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermAdminRolesEdit))
		r.Post("/", h.createRole)
		r.Patch("/{id}", h.updateRole)
		r.Delete("/{id}", h.deleteRole)
		r.Post("/{id}/permissions", h.grantPermission)
		r.Delete("/{id}/permissions/{permission}", h.revokePermission)
	})
}

type roleView struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toRoleView(role Role) roleView {
	return roleView{
		ID:          role.ID,
		Name:        role.Name,
		DisplayName: role.DisplayName,
		Description: role.Description,
		IsSystem:    role.IsSystem,
		IsActive:    role.IsActive,
		Priority:    role.Priority,
		CreatedAt:   role.CreatedAt,
		UpdatedAt:   role.UpdatedAt,
	}
}

func (h *RolesHandler) listRoles(w http.ResponseWriter, r *http.Request) {
	filters := RoleListFilters{
		ActiveOnly:    r.URL.Query().Get("active") == "true",
		IncludeSystem: r.URL.Query().Get("include_system") != "false",
	}
	roles, err := h.service.ListRoles(r.Context(), filters)
	if err != nil {
		h.respondErr(w, "list roles", err)
		return
	}
	views := make([]roleView, 0, len(roles))
	for _, role := range roles {
		views = append(views, toRoleView(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": views})
}

func (h *RolesHandler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.respondErr(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleView(role))
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=100"`
	DisplayName string `json:"display_name" validate:"max=150"`
	Description string `json:"description" validate:"max=500"`
	Priority    int    `json:"priority" validate:"gte=0,lte=1000"`
}

func (h *RolesHandler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := h.service.CreateRole(r.Context(), audit.ActorFromRequest(r), CreateRoleInput{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Priority:    req.Priority,
	})
	if err != nil {
		h.respondErr(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleView(role))
}

type updateRoleRequest struct {
	DisplayName string `json:"display_name" validate:"max=150"`
	Description string `json:"description" validate:"max=500"`
	Priority    int    `json:"priority" validate:"gte=0,lte=1000"`
}

func (h *RolesHandler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req updateRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := h.service.UpdateRole(r.Context(), audit.ActorFromRequest(r), id, UpdateRoleInput{
		DisplayName: req.DisplayName,
		Description: req.Description,
		Priority:    req.Priority,
	})
	if err != nil {
		h.respondErr(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleView(role))
}

func (h *RolesHandler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	purge := r.URL.Query().Get("purge") == "true"
	if err := h.service.DeleteRole(r.Context(), audit.ActorFromRequest(r), id, purge); err != nil {
		h.respondErr(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantPermissionRequest struct {
	Permission string `json:"permission" validate:"required"`
}

func (h *RolesHandler) grantPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req grantPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.service.GrantPermission(r.Context(), audit.ActorFromRequest(r), id, req.Permission); err != nil {
		h.respondErr(w, "grant permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RolesHandler) revokePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	permission := chi.URLParam(r, "permission")
	if err := h.service.RevokePermission(r.Context(), audit.ActorFromRequest(r), id, permission); err != nil {
		h.respondErr(w, "revoke permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RolesHandler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func (h *RolesHandler) respondErr(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError && !errors.Is(err, ErrNotFound) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
