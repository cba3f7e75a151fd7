package rbac

import (
	"time"

	"github.com/traderdesk/traderdesk/internal/shared"
)

// Role represents a named bundle of permissions assignable to principals.
type Role struct {
	ID          int64
	Name        string
	DisplayName string
	Description string
	IsSystem    bool
	IsActive    bool
	Priority    int
	CreatedBy   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission represents an atomic capability, named category.resource.action.
type Permission struct {
	ID       int64
	Name     string
	Category string
	Resource string
	Action   string
	IsSystem bool
	IsActive bool
}

// Grant ties a permission to a role with grant metadata.
type Grant struct {
	RoleID       int64
	PermissionID int64
	GrantedBy    int64
	GrantedAt    time.Time
	IsActive     bool
}

// Assignment links exactly one principal (user or admin) to a role.
type Assignment struct {
	ID              int64
	UserID          *int64
	AdminUserID     *int64
	RoleID          int64
	RoleName        string
	RolePriority    int
	RoleIsActive    bool
	AssignedBy      int64
	AssignedByEmail string
	AssignedAt      time.Time
	ExpiresAt       *time.Time
	IsActive        bool
	Notes           string
}

// IsExpired reports whether the assignment expiry has passed.
func (a *Assignment) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && a.ExpiresAt.Before(now)
}

// IsValid reports whether the assignment currently confers its role.
func (a *Assignment) IsValid(now time.Time) bool {
	return a.IsActive && !a.IsExpired(now) && a.RoleIsActive
}

// PrincipalRef points at one row in one of the two identity stores.
type PrincipalRef struct {
	Kind        shared.PrincipalKind
	ID          int64
	IsSuperuser bool
}

// UserRef builds a reference into the user store.
func UserRef(id int64) PrincipalRef {
	return PrincipalRef{Kind: shared.KindUser, ID: id}
}

// AdminRef builds a reference into the admin store.
func AdminRef(id int64, superuser bool) PrincipalRef {
	return PrincipalRef{Kind: shared.KindAdmin, ID: id, IsSuperuser: superuser}
}

// RoleListFilters narrows role listings.
type RoleListFilters struct {
	ActiveOnly    bool
	IncludeSystem bool
}
