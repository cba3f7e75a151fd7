package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/platform/db"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// Repository provides PostgreSQL backed persistence for the RBAC catalog.
type Repository struct {
	pool     *pgxpool.Pool
	recorder *audit.Recorder
}

// NewRepository constructs a repository. The recorder is used for audit rows
// written inside the same transaction as their mutation.
func NewRepository(pool *pgxpool.Pool, recorder *audit.Recorder) *Repository {
	return &Repository{pool: pool, recorder: recorder}
}

// Atomically runs fn with a transaction-scoped TxPort.
func (r *Repository) Atomically(ctx context.Context, fn func(TxPort) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&txRepository{tx: tx, recorder: r.recorder})
	})
}

const roleColumns = `id, name, display_name, description, is_system, is_active, priority, created_by, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.IsSystem, &role.IsActive, &role.Priority, &role.CreatedBy, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	return role, err
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
}

// GetRoleByName fetches a role by exact name.
func (r *Repository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
}

// ListRoles returns roles matching the filters ordered by priority then name.
func (r *Repository) ListRoles(ctx context.Context, filters RoleListFilters) ([]Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE TRUE`
	if filters.ActiveOnly {
		query += ` AND is_active`
	}
	if !filters.IncludeSystem {
		query += ` AND NOT is_system`
	}
	query += ` ORDER BY priority DESC, name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.IsSystem, &role.IsActive, &role.Priority, &role.CreatedBy, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// CountActiveAssignments counts valid assignments currently referencing the role.
func (r *Repository) CountActiveAssignments(ctx context.Context, roleID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM assignments
		WHERE role_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > NOW())`, roleID).Scan(&count)
	return count, err
}

// CountAssignments counts every assignment row referencing the role,
// including revoked ones kept for audit history.
func (r *Repository) CountAssignments(ctx context.Context, roleID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM assignments WHERE role_id = $1`, roleID).Scan(&count)
	return count, err
}

const permColumns = `id, name, category, resource, action, is_system, is_active`

// GetPermissionByName fetches a permission by exact name.
func (r *Repository) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	var p Permission
	err := r.pool.QueryRow(ctx, `SELECT `+permColumns+` FROM permissions WHERE name = $1`, name).
		Scan(&p.ID, &p.Name, &p.Category, &p.Resource, &p.Action, &p.IsSystem, &p.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, ErrNotFound
	}
	return p, err
}

// ListPermissions returns all permissions ordered by category then name.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+permColumns+` FROM permissions ORDER BY category, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Resource, &p.Action, &p.IsSystem, &p.IsActive); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func principalClause(principal PrincipalRef) (string, int64) {
	if principal.Kind == shared.KindAdmin {
		return "a.admin_user_id = $1", principal.ID
	}
	return "a.user_id = $1", principal.ID
}

const assignmentSelect = `
	SELECT a.id, a.user_id, a.admin_user_id, a.role_id, r.name, r.priority, r.is_active,
	       a.assigned_by, COALESCE(ad.email, ''), a.assigned_at, a.expires_at, a.is_active, a.notes
	FROM assignments a
	JOIN roles r ON r.id = a.role_id
	LEFT JOIN admin_users ad ON ad.id = a.assigned_by`

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.UserID, &a.AdminUserID, &a.RoleID, &a.RoleName, &a.RolePriority, &a.RoleIsActive,
		&a.AssignedBy, &a.AssignedByEmail, &a.AssignedAt, &a.ExpiresAt, &a.IsActive, &a.Notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, ErrNotFound
	}
	return a, err
}

// ListAssignments returns every assignment for the principal, newest first,
// with the role and assigner joined in.
func (r *Repository) ListAssignments(ctx context.Context, principal PrincipalRef) ([]Assignment, error) {
	clause, id := principalClause(principal)
	rows, err := r.pool.Query(ctx, assignmentSelect+` WHERE `+clause+` ORDER BY a.assigned_at DESC, a.id DESC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.AdminUserID, &a.RoleID, &a.RoleName, &a.RolePriority, &a.RoleIsActive,
			&a.AssignedBy, &a.AssignedByEmail, &a.AssignedAt, &a.ExpiresAt, &a.IsActive, &a.Notes); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// FindActiveAssignment returns the active assignment of the role to the
// principal, or ErrNotFound.
func (r *Repository) FindActiveAssignment(ctx context.Context, principal PrincipalRef, roleID int64) (Assignment, error) {
	clause, id := principalClause(principal)
	row := r.pool.QueryRow(ctx, assignmentSelect+` WHERE `+clause+` AND a.role_id = $2 AND a.is_active`, id, roleID)
	return scanAssignment(row)
}

// GrantedPermissionNames returns the deduplicated names of active permissions
// actively granted to any of the given roles.
func (r *Repository) GrantedPermissionNames(ctx context.Context, roleIDs []int64) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT p.name
		FROM role_permission_grants g
		JOIN permissions p ON p.id = g.permission_id
		WHERE g.role_id = ANY($1) AND g.is_active AND p.is_active
		ORDER BY p.name`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// txRepository implements TxPort over a single transaction.
type txRepository struct {
	tx       pgx.Tx
	recorder *audit.Recorder
}

// InsertRole inserts a new role.
func (t *txRepository) InsertRole(ctx context.Context, role Role) (Role, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO roles (name, display_name, description, is_system, is_active, priority, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, NOW(), NOW())
		RETURNING `+roleColumns,
		role.Name, role.DisplayName, role.Description, role.IsSystem, role.Priority, role.CreatedBy)
	created, err := scanRole(row)
	if err != nil && db.IsUniqueViolation(err) {
		return Role{}, fmt.Errorf("role %q: %w", role.Name, ErrRoleNameTaken)
	}
	return created, err
}

// UpdateRole updates display name, description and priority.
func (t *txRepository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE roles SET display_name = $2, description = $3, priority = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING `+roleColumns,
		role.ID, role.DisplayName, role.Description, role.Priority)
	return scanRole(row)
}

// SetRoleActive toggles the soft-delete flag.
func (t *txRepository) SetRoleActive(ctx context.Context, id int64, active bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE roles SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDeleteRole physically removes a role and its grants. Callers must have
// verified no assignment rows reference it.
func (t *txRepository) HardDeleteRole(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM role_permission_grants WHERE role_id = $1`, id); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertPermission inserts a new permission.
func (t *txRepository) InsertPermission(ctx context.Context, perm Permission) (Permission, error) {
	var p Permission
	err := t.tx.QueryRow(ctx, `
		INSERT INTO permissions (name, category, resource, action, is_system, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING `+permColumns,
		perm.Name, perm.Category, perm.Resource, perm.Action, perm.IsSystem).
		Scan(&p.ID, &p.Name, &p.Category, &p.Resource, &p.Action, &p.IsSystem, &p.IsActive)
	if err != nil && db.IsUniqueViolation(err) {
		return Permission{}, fmt.Errorf("permission %q: %w", perm.Name, ErrPermissionNameTaken)
	}
	return p, err
}

// UpsertGrant attaches a permission to a role, reactivating a revoked grant
// in place so the (role, permission) pair stays unique.
func (t *txRepository) UpsertGrant(ctx context.Context, grant Grant) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO role_permission_grants (role_id, permission_id, granted_by, granted_at, is_active)
		VALUES ($1, $2, $3, NOW(), TRUE)
		ON CONFLICT (role_id, permission_id)
		DO UPDATE SET granted_by = EXCLUDED.granted_by, granted_at = NOW(), is_active = TRUE`,
		grant.RoleID, grant.PermissionID, grant.GrantedBy)
	return err
}

// DeactivateGrant revokes an active grant, reporting whether a row changed.
func (t *txRepository) DeactivateGrant(ctx context.Context, roleID, permissionID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE role_permission_grants SET is_active = FALSE
		WHERE role_id = $1 AND permission_id = $2 AND is_active`, roleID, permissionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// InsertAssignment inserts a new assignment row.
func (t *txRepository) InsertAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO assignments (user_id, admin_user_id, role_id, assigned_by, assigned_at, expires_at, is_active, notes)
		VALUES ($1, $2, $3, $4, NOW(), $5, TRUE, $6)
		RETURNING id, assigned_at`,
		a.UserID, a.AdminUserID, a.RoleID, a.AssignedBy, a.ExpiresAt, a.Notes)
	var (
		id         int64
		assignedAt time.Time
	)
	if err := row.Scan(&id, &assignedAt); err != nil {
		if db.IsUniqueViolation(err) {
			return Assignment{}, ErrAssignmentExists
		}
		return Assignment{}, err
	}
	a.ID = id
	a.AssignedAt = assignedAt
	a.IsActive = true
	return a, nil
}

// DeactivateAssignment soft-revokes an assignment, reporting whether a row changed.
func (t *txRepository) DeactivateAssignment(ctx context.Context, id int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE assignments SET is_active = FALSE WHERE id = $1 AND is_active`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeactivateExpiredAssignments batch-deactivates assignments past their
// expiry. Running it twice in a row changes nothing the second time.
func (t *txRepository) DeactivateExpiredAssignments(ctx context.Context, now time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE assignments SET is_active = FALSE
		WHERE is_active AND expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecordAudit writes the audit entry inside this transaction.
func (t *txRepository) RecordAudit(ctx context.Context, entry audit.Entry) error {
	return t.recorder.RecordTx(ctx, t.tx, entry)
}

var (
	_ RepositoryPort = (*Repository)(nil)
	_ TxPort         = (*txRepository)(nil)
)
