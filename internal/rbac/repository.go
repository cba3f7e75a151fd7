package rbac

import (
	"context"
	"time"

	"github.com/traderdesk/traderdesk/internal/audit"
)

// TxPort groups the mutations that must commit atomically with their audit
// rows. Implementations run every call inside one transaction.
type TxPort interface {
	InsertRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	SetRoleActive(ctx context.Context, id int64, active bool) error
	HardDeleteRole(ctx context.Context, id int64) error

	InsertPermission(ctx context.Context, perm Permission) (Permission, error)
	UpsertGrant(ctx context.Context, grant Grant) error
	DeactivateGrant(ctx context.Context, roleID, permissionID int64) (bool, error)

	InsertAssignment(ctx context.Context, assignment Assignment) (Assignment, error)
	DeactivateAssignment(ctx context.Context, id int64) (bool, error)
	DeactivateExpiredAssignments(ctx context.Context, now time.Time) (int64, error)

	RecordAudit(ctx context.Context, entry audit.Entry) error
}

// RepositoryPort defines data access for the RBAC catalog and ledger.
type RepositoryPort interface {
	Atomically(ctx context.Context, fn func(TxPort) error) error

	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context, filters RoleListFilters) ([]Role, error)
	CountActiveAssignments(ctx context.Context, roleID int64) (int, error)
	CountAssignments(ctx context.Context, roleID int64) (int, error)

	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)

	ListAssignments(ctx context.Context, principal PrincipalRef) ([]Assignment, error)
	FindActiveAssignment(ctx context.Context, principal PrincipalRef, roleID int64) (Assignment, error)
	GrantedPermissionNames(ctx context.Context, roleIDs []int64) ([]string, error)
}
