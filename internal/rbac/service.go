package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// Sentinel errors wrap the httpx taxonomy so handlers map them to status
// codes with errors.Is.
var (
	ErrNotFound            = fmt.Errorf("rbac: %w", httpx.ErrNotFound)
	ErrRoleNameTaken       = fmt.Errorf("rbac: role name already exists: %w", httpx.ErrConflict)
	ErrPermissionNameTaken = fmt.Errorf("rbac: permission name already exists: %w", httpx.ErrConflict)
	ErrSystemRole          = fmt.Errorf("rbac: system roles cannot be modified: %w", httpx.ErrForbidden)
	ErrRoleInUse           = fmt.Errorf("rbac: role has active assignments: %w", httpx.ErrConflict)
	ErrAssignmentExists    = fmt.Errorf("rbac: principal already holds an active assignment of this role: %w", httpx.ErrConflict)
	ErrRoleInactive        = fmt.Errorf("rbac: role is not active: %w", httpx.ErrValidation)
)

// Audit action verbs for privileged RBAC mutations.
const (
	ActionRoleCreate       = "rbac.role.create"
	ActionRoleUpdate       = "rbac.role.update"
	ActionRoleDelete       = "rbac.role.delete"
	ActionRolePurge        = "rbac.role.purge"
	ActionPermissionCreate = "rbac.permission.create"
	ActionGrantCreate      = "rbac.grant.create"
	ActionGrantRevoke      = "rbac.grant.revoke"
	ActionAssignmentGrant  = "rbac.assignment.grant"
	ActionAssignmentRevoke = "rbac.assignment.revoke"
	ActionAssignmentSweep  = "rbac.assignment.sweep"
)

// Service orchestrates RBAC operations.
type Service struct {
	repo    RepositoryPort
	cache   *Cache
	logger  *slog.Logger
	resolve singleflight.Group
	now     func() time.Time
}

// NewService constructs a Service. The cache may be nil, in which case every
// permission check resolves against the repository.
func NewService(repo RepositoryPort, cache *Cache, logger *slog.Logger) *Service {
	return &Service{repo: repo, cache: cache, logger: logger, now: time.Now}
}

// CreateRoleInput carries the fields accepted when creating a role.
type CreateRoleInput struct {
	Name        string
	DisplayName string
	Description string
	Priority    int
}

// CreateRole inserts a new role. Role names are unique, case-sensitive.
func (s *Service) CreateRole(ctx context.Context, actor audit.Actor, input CreateRoleInput) (Role, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Role{}, fmt.Errorf("rbac: role name required: %w", httpx.ErrValidation)
	}
	role := Role{
		Name:        name,
		DisplayName: strings.TrimSpace(input.DisplayName),
		Description: strings.TrimSpace(input.Description),
		Priority:    input.Priority,
		CreatedBy:   actor.ID,
	}
	if role.DisplayName == "" {
		role.DisplayName = name
	}
	var created Role
	err := s.repo.Atomically(ctx, func(tx TxPort) error {
		var err error
		created, err = tx.InsertRole(ctx, role)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, actor.NewEntry(ActionRoleCreate, "role", strconv.FormatInt(created.ID, 10), nil, roleSnapshot(created)))
	})
	if err != nil {
		return Role{}, err
	}
	return created, nil
}

// UpdateRoleInput carries the mutable role fields.
type UpdateRoleInput struct {
	DisplayName string
	Description string
	Priority    int
}

// UpdateRole updates a non-system role. System roles reject every mutation
// before anything is written.
func (s *Service) UpdateRole(ctx context.Context, actor audit.Actor, id int64, input UpdateRoleInput) (Role, error) {
	existing, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if existing.IsSystem {
		return Role{}, ErrSystemRole
	}
	updated := existing
	updated.DisplayName = strings.TrimSpace(input.DisplayName)
	updated.Description = strings.TrimSpace(input.Description)
	updated.Priority = input.Priority
	if updated.DisplayName == "" {
		updated.DisplayName = existing.DisplayName
	}
	var result Role
	err = s.repo.Atomically(ctx, func(tx TxPort) error {
		var err error
		result, err = tx.UpdateRole(ctx, updated)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, actor.NewEntry(ActionRoleUpdate, "role", strconv.FormatInt(id, 10), roleSnapshot(existing), roleSnapshot(result)))
	})
	if err != nil {
		return Role{}, err
	}
	return result, nil
}

// DeleteRole soft-deletes a role. Deletion is blocked while active
// assignments reference it or when the role is system-owned. With purge set,
// the role is physically removed, which additionally requires that no
// assignment row at all references it.
func (s *Service) DeleteRole(ctx context.Context, actor audit.Actor, id int64, purge bool) error {
	existing, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsSystem {
		return ErrSystemRole
	}
	active, err := s.repo.CountActiveAssignments(ctx, id)
	if err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("role %q is assigned to %d principal(s): %w", existing.Name, active, ErrRoleInUse)
	}
	if purge {
		total, err := s.repo.CountAssignments(ctx, id)
		if err != nil {
			return err
		}
		if total > 0 {
			return fmt.Errorf("role %q has assignment history: %w", existing.Name, ErrRoleInUse)
		}
	}
	return s.repo.Atomically(ctx, func(tx TxPort) error {
		action := ActionRoleDelete
		if purge {
			action = ActionRolePurge
			if err := tx.HardDeleteRole(ctx, id); err != nil {
				return err
			}
		} else {
			if err := tx.SetRoleActive(ctx, id, false); err != nil {
				return err
			}
		}
		return tx.RecordAudit(ctx, actor.NewEntry(action, "role", strconv.FormatInt(id, 10), roleSnapshot(existing), nil))
	})
}

// ListRoles returns roles matching the filters.
func (s *Service) ListRoles(ctx context.Context, filters RoleListFilters) ([]Role, error) {
	return s.repo.ListRoles(ctx, filters)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// CreatePermission registers a new permission. The name must follow the
// category.resource.action convention.
func (s *Service) CreatePermission(ctx context.Context, actor audit.Actor, name string) (Permission, error) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Permission{}, fmt.Errorf("rbac: permission name must be category.resource.action: %w", httpx.ErrValidation)
	}
	perm := Permission{Name: name, Category: parts[0], Resource: parts[1], Action: parts[2]}
	var created Permission
	err := s.repo.Atomically(ctx, func(tx TxPort) error {
		var err error
		created, err = tx.InsertPermission(ctx, perm)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, actor.NewEntry(ActionPermissionCreate, "permission", created.Name, nil, map[string]any{"name": created.Name}))
	})
	if err != nil {
		return Permission{}, err
	}
	return created, nil
}

// GrantPermission attaches a permission to a role. Cached resolutions for
// principals holding the role age out with the cache TTL rather than being
// invalidated individually.
func (s *Service) GrantPermission(ctx context.Context, actor audit.Actor, roleID int64, permissionName string) error {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	perm, err := s.repo.GetPermissionByName(ctx, strings.TrimSpace(permissionName))
	if err != nil {
		return err
	}
	return s.repo.Atomically(ctx, func(tx TxPort) error {
		if err := tx.UpsertGrant(ctx, Grant{RoleID: role.ID, PermissionID: perm.ID, GrantedBy: actor.ID}); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, actor.NewEntry(ActionGrantCreate, "role_permission_grant",
			fmt.Sprintf("%d:%d", role.ID, perm.ID), nil,
			map[string]any{"role": role.Name, "permission": perm.Name}))
	})
}

// RevokePermission detaches a permission from a role.
func (s *Service) RevokePermission(ctx context.Context, actor audit.Actor, roleID int64, permissionName string) error {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	perm, err := s.repo.GetPermissionByName(ctx, strings.TrimSpace(permissionName))
	if err != nil {
		return err
	}
	return s.repo.Atomically(ctx, func(tx TxPort) error {
		changed, err := tx.DeactivateGrant(ctx, role.ID, perm.ID)
		if err != nil {
			return err
		}
		if !changed {
			// Already revoked; keep the call idempotent without a second audit row.
			return nil
		}
		return tx.RecordAudit(ctx, actor.NewEntry(ActionGrantRevoke, "role_permission_grant",
			fmt.Sprintf("%d:%d", role.ID, perm.ID),
			map[string]any{"role": role.Name, "permission": perm.Name}, nil))
	})
}

// PermissionGroup bundles permissions sharing a category.
type PermissionGroup struct {
	Category    string
	DisplayName string
	Permissions []Permission
}

// ListPermissionsGrouped returns all permissions grouped by category.
func (s *Service) ListPermissionsGrouped(ctx context.Context) ([]PermissionGroup, error) {
	perms, err := s.repo.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	var groups []PermissionGroup
	for _, p := range perms {
		if len(groups) == 0 || groups[len(groups)-1].Category != p.Category {
			groups = append(groups, PermissionGroup{Category: p.Category, DisplayName: categoryDisplayName(p.Category)})
		}
		last := &groups[len(groups)-1]
		last.Permissions = append(last.Permissions, p)
	}
	return groups, nil
}

// AssignInput carries the fields accepted when granting a role.
type AssignInput struct {
	Principal PrincipalRef
	RoleID    int64
	ExpiresAt *time.Time
	Notes     string
}

// Assign grants a role to a principal. A duplicate active assignment for the
// same (principal, role) pair is rejected.
func (s *Service) Assign(ctx context.Context, actor audit.Actor, input AssignInput) (Assignment, error) {
	role, err := s.repo.GetRole(ctx, input.RoleID)
	if err != nil {
		return Assignment{}, err
	}
	if !role.IsActive {
		return Assignment{}, ErrRoleInactive
	}
	var replaceID int64
	existing, err := s.repo.FindActiveAssignment(ctx, input.Principal, role.ID)
	switch {
	case err == nil:
		if !existing.IsExpired(s.now()) {
			return Assignment{}, ErrAssignmentExists
		}
		// Expired but not yet swept; retire it so the new grant can land.
		replaceID = existing.ID
	case errors.Is(err, ErrNotFound):
	default:
		return Assignment{}, err
	}

	assignment := Assignment{
		RoleID:     role.ID,
		AssignedBy: actor.ID,
		ExpiresAt:  input.ExpiresAt,
		Notes:      input.Notes,
	}
	if input.Principal.Kind == shared.KindAdmin {
		assignment.AdminUserID = &input.Principal.ID
	} else {
		assignment.UserID = &input.Principal.ID
	}

	var created Assignment
	err = s.repo.Atomically(ctx, func(tx TxPort) error {
		if replaceID != 0 {
			if _, err := tx.DeactivateAssignment(ctx, replaceID); err != nil {
				return err
			}
		}
		var err error
		created, err = tx.InsertAssignment(ctx, assignment)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, actor.NewEntry(ActionAssignmentGrant, "assignment",
			strconv.FormatInt(created.ID, 10), nil, assignmentSnapshot(created, role.Name)))
	})
	if err != nil {
		return Assignment{}, err
	}
	created.RoleName = role.Name
	created.RolePriority = role.Priority
	created.RoleIsActive = role.IsActive
	s.invalidate(ctx, input.Principal)
	return created, nil
}

// Revoke soft-deactivates the principal's active assignment of the role.
// Revoking an assignment that is already inactive is a no-op.
func (s *Service) Revoke(ctx context.Context, actor audit.Actor, principal PrincipalRef, roleID int64) error {
	existing, err := s.repo.FindActiveAssignment(ctx, principal, roleID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	err = s.repo.Atomically(ctx, func(tx TxPort) error {
		changed, err := tx.DeactivateAssignment(ctx, existing.ID)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return tx.RecordAudit(ctx, actor.NewEntry(ActionAssignmentRevoke, "assignment",
			strconv.FormatInt(existing.ID, 10), assignmentSnapshot(existing, existing.RoleName), nil))
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, principal)
	return nil
}

// ListAssignments returns every assignment of the principal with role and
// assigner details joined in.
func (s *Service) ListAssignments(ctx context.Context, principal PrincipalRef) ([]Assignment, error) {
	return s.repo.ListAssignments(ctx, principal)
}

// ExpireSweep batch-deactivates assignments whose expiry has passed. The
// sweep is idempotent: a second run right after the first changes nothing.
func (s *Service) ExpireSweep(ctx context.Context) (int64, error) {
	now := s.now()
	var swept int64
	err := s.repo.Atomically(ctx, func(tx TxPort) error {
		var err error
		swept, err = tx.DeactivateExpiredAssignments(ctx, now)
		if err != nil {
			return err
		}
		if swept == 0 {
			return nil
		}
		return tx.RecordAudit(ctx, audit.SystemActor.NewEntry(ActionAssignmentSweep, "assignment", "batch",
			nil, map[string]any{"deactivated": swept}))
	})
	return swept, err
}

// EnsureAdminBootstrap auto-assigns a default elevated role to an admin that
// holds no valid assignments, preferring super_admin and falling back to
// admin. Self-healing so the first admin is never locked out; idempotent.
func (s *Service) EnsureAdminBootstrap(ctx context.Context, adminID int64) (bool, error) {
	principal := AdminRef(adminID, false)
	assignments, err := s.repo.ListAssignments(ctx, principal)
	if err != nil {
		return false, err
	}
	now := s.now()
	for i := range assignments {
		if assignments[i].IsValid(now) {
			return false, nil
		}
	}
	role, err := s.repo.GetRoleByName(ctx, shared.RoleSuperAdmin)
	if errors.Is(err, ErrNotFound) {
		role, err = s.repo.GetRoleByName(ctx, shared.RoleAdmin)
	}
	if err != nil {
		return false, fmt.Errorf("rbac: bootstrap role lookup: %w", err)
	}
	_, err = s.Assign(ctx, audit.SystemActor, AssignInput{
		Principal: principal,
		RoleID:    role.ID,
		Notes:     "bootstrap: first admin login with no assignments",
	})
	if errors.Is(err, ErrAssignmentExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// HasPermission reports whether the principal holds the permission. Superuser
// admins bypass the assignment lookup entirely. Resolution failures degrade
// to false so the gate fails closed.
func (s *Service) HasPermission(ctx context.Context, principal PrincipalRef, permission string) (bool, error) {
	if principal.Kind == shared.KindAdmin && principal.IsSuperuser {
		return true, nil
	}
	permission = strings.TrimSpace(permission)
	if permission == "" {
		return false, nil
	}
	if allowed, ok := s.cache.Get(ctx, principal, permission); ok {
		return allowed, nil
	}
	key := fmt.Sprintf("%s:%d:%s", principal.Kind, principal.ID, permission)
	v, err, _ := s.resolve.Do(key, func() (any, error) {
		granted, err := s.EffectivePermissions(ctx, principal)
		if err != nil {
			return false, err
		}
		allowed := false
		for _, name := range granted {
			if name == permission {
				allowed = true
				break
			}
		}
		s.cache.Set(ctx, principal, permission, allowed)
		return allowed, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// EffectivePermissions computes the union of active permissions granted
// through the principal's valid assignments.
func (s *Service) EffectivePermissions(ctx context.Context, principal PrincipalRef) ([]string, error) {
	assignments, err := s.repo.ListAssignments(ctx, principal)
	if err != nil {
		return nil, err
	}
	now := s.now()
	roleIDs := make([]int64, 0, len(assignments))
	for i := range assignments {
		if assignments[i].IsValid(now) {
			roleIDs = append(roleIDs, assignments[i].RoleID)
		}
	}
	return s.repo.GrantedPermissionNames(ctx, roleIDs)
}

func (s *Service) invalidate(ctx context.Context, principal PrincipalRef) {
	if err := s.cache.Invalidate(ctx, principal); err != nil && s.logger != nil {
		s.logger.Warn("rbac cache invalidate", slog.Any("error", err))
	}
}

func roleSnapshot(role Role) map[string]any {
	return map[string]any{
		"name":         role.Name,
		"display_name": role.DisplayName,
		"description":  role.Description,
		"is_system":    role.IsSystem,
		"is_active":    role.IsActive,
		"priority":     role.Priority,
	}
}

func assignmentSnapshot(a Assignment, roleName string) map[string]any {
	snap := map[string]any{
		"role_id":   a.RoleID,
		"role":      roleName,
		"is_active": a.IsActive,
		"notes":     a.Notes,
	}
	if a.UserID != nil {
		snap["user_id"] = *a.UserID
	}
	if a.AdminUserID != nil {
		snap["admin_user_id"] = *a.AdminUserID
	}
	if a.ExpiresAt != nil {
		snap["expires_at"] = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return snap
}
