package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// PermissionsHandler serves the permission catalog.
type PermissionsHandler struct {
	logger    *slog.Logger
	service   *Service
	gate      Middleware
	validator *validator.Validate
}

// NewPermissionsHandler constructs a PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, service *Service, gate Middleware) *PermissionsHandler {
	return &PermissionsHandler{logger: logger, service: service, gate: gate, validator: validator.New()}
}

// MountRoutes registers permission routes on the provided router.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermAdminPermissionsView))
		r.Get("/", h.listPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(shared.PermAdminRolesEdit))
		r.Post("/", h.createPermission)
	})
}

type permissionView struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	IsSystem bool   `json:"is_system"`
	IsActive bool   `json:"is_active"`
}

type permissionGroupView struct {
	Category    string           `json:"category"`
	DisplayName string           `json:"display_name"`
	Permissions []permissionView `json:"permissions"`
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	groups, err := h.service.ListPermissionsGrouped(r.Context())
	if err != nil {
		h.logger.Error("list permissions", slog.Any("error", err))
		httpx.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	views := make([]permissionGroupView, 0, len(groups))
	for _, g := range groups {
		view := permissionGroupView{Category: g.Category, DisplayName: g.DisplayName}
		for _, p := range g.Permissions {
			view.Permissions = append(view.Permissions, permissionView{
				ID: p.ID, Name: p.Name, Category: p.Category, Resource: p.Resource,
				Action: p.Action, IsSystem: p.IsSystem, IsActive: p.IsActive,
			})
		}
		views = append(views, view)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"categories": views})
}

type createPermissionRequest struct {
	Name string `json:"name" validate:"required,min=5,max=150"`
}

func (h *PermissionsHandler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), audit.ActorFromRequest(r), req.Name)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, permissionView{
		ID: perm.ID, Name: perm.Name, Category: perm.Category, Resource: perm.Resource,
		Action: perm.Action, IsSystem: perm.IsSystem, IsActive: perm.IsActive,
	})
}
