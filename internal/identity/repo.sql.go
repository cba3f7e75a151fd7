package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/traderdesk/traderdesk/internal/platform/db"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// Repository provides PostgreSQL backed persistence for both principal stores.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, username, email, password_hash, is_active, subscription_status, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsActive, &u.SubscriptionStatus, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// FindUserByEmail fetches a user by email.
func (r *Repository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// FindUserByID fetches a user by id.
func (r *Repository) FindUserByID(ctx context.Context, id int64) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// CreateUser inserts a new end-user account.
func (r *Repository) CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO users (username, email, password_hash, is_active, subscription_status, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, NOW(), NOW())
		RETURNING `+userColumns, username, email, passwordHash, SubscriptionNone)
	user, err := scanUser(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			if strings.Contains(db.UniqueConstraint(err), "username") {
				return nil, fmt.Errorf("identity: user %s: %w", username, ErrUsernameTaken)
			}
			return nil, fmt.Errorf("identity: user %s: %w", email, ErrEmailTaken)
		}
		return nil, err
	}
	return user, nil
}

// ListUsers returns a page of users plus the total count.
func (r *Repository) ListUsers(ctx context.Context, limit, offset int) ([]User, int, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsActive, &u.SubscriptionStatus, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// SetUserActive toggles the active flag for a user.
func (r *Repository) SetUserActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

const adminColumns = `id, username, email, password_hash, is_active, is_superuser, failed_login_attempts, locked_until, created_at, updated_at`

func scanAdmin(row pgx.Row) (*AdminUser, error) {
	var a AdminUser
	if err := row.Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.IsActive, &a.IsSuperuser, &a.FailedLoginAttempts, &a.LockedUntil, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// FindAdminByEmail fetches an admin by email.
func (r *Repository) FindAdminByEmail(ctx context.Context, email string) (*AdminUser, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+adminColumns+` FROM admin_users WHERE email = $1`, email)
	return scanAdmin(row)
}

// FindAdminByID fetches an admin by id.
func (r *Repository) FindAdminByID(ctx context.Context, id int64) (*AdminUser, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+adminColumns+` FROM admin_users WHERE id = $1`, id)
	return scanAdmin(row)
}

// CreateAdmin inserts a new admin account. The password hash is stored as
// given so a promoted user keeps their existing credentials.
func (r *Repository) CreateAdmin(ctx context.Context, username, email, passwordHash string, superuser bool) (*AdminUser, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO admin_users (username, email, password_hash, is_active, is_superuser, failed_login_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, 0, NOW(), NOW())
		RETURNING `+adminColumns, username, email, passwordHash, superuser)
	admin, err := scanAdmin(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			if strings.Contains(db.UniqueConstraint(err), "username") {
				return nil, fmt.Errorf("identity: admin %s: %w", username, ErrUsernameTaken)
			}
			return nil, fmt.Errorf("identity: admin %s: %w", email, ErrEmailTaken)
		}
		return nil, err
	}
	return admin, nil
}

// RecordAdminLoginFailure stores the updated failure counter and lockout.
func (r *Repository) RecordAdminLoginFailure(ctx context.Context, id int64, attempts int, lockedUntil *time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE admin_users SET failed_login_attempts = $2, locked_until = $3, updated_at = NOW() WHERE id = $1`, id, attempts, lockedUntil)
	return err
}

// ResetAdminLoginFailures clears the failure counter after a successful login.
func (r *Repository) ResetAdminLoginFailures(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE admin_users SET failed_login_attempts = 0, locked_until = NULL, updated_at = NOW() WHERE id = $1`, id)
	return err
}

var _ RepositoryPort = (*Repository)(nil)
