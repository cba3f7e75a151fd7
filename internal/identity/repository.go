package identity

import (
	"context"
	"time"
)

// RepositoryPort defines data access methods for both principal stores.
type RepositoryPort interface {
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByID(ctx context.Context, id int64) (*User, error)
	CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]User, int, error)
	SetUserActive(ctx context.Context, id int64, active bool) error

	FindAdminByEmail(ctx context.Context, email string) (*AdminUser, error)
	FindAdminByID(ctx context.Context, id int64) (*AdminUser, error)
	CreateAdmin(ctx context.Context, username, email, passwordHash string, superuser bool) (*AdminUser, error)
	RecordAdminLoginFailure(ctx context.Context, id int64, attempts int, lockedUntil *time.Time) error
	ResetAdminLoginFailures(ctx context.Context, id int64) error
}
