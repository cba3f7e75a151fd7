package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/traderdesk/traderdesk/internal/shared"
)

// ErrEmailTaken indicates the email is already registered.
var ErrEmailTaken = errors.New("email already registered")

// ErrUsernameTaken indicates the username is already registered.
var ErrUsernameTaken = errors.New("username already taken")

// ServiceConfig tunes lockout behaviour.
type ServiceConfig struct {
	MaxLoginFailures int
	LockoutDuration  time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.MaxLoginFailures <= 0 {
		c.MaxLoginFailures = 5
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = 15 * time.Minute
	}
	return c
}

// Service handles principal lifecycle for both identity stores.
type Service struct {
	repo RepositoryPort
	cfg  ServiceConfig
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, cfg ServiceConfig) *Service {
	return &Service{repo: repo, cfg: cfg.withDefaults()}
}

// Register creates a new end-user account with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, username, email, password string) (*User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" || email == "" {
		return nil, errors.New("identity: username and email required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return s.repo.CreateUser(ctx, username, email, string(hash))
}

// GetUser fetches a user by id.
func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.repo.FindUserByID(ctx, id)
}

// GetAdmin fetches an admin by id.
func (s *Service) GetAdmin(ctx context.Context, id int64) (*AdminUser, error) {
	return s.repo.FindAdminByID(ctx, id)
}

// FindUserByEmail fetches a user by normalised email.
func (s *Service) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.repo.FindUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

// FindAdminByEmail fetches an admin by normalised email.
func (s *Service) FindAdminByEmail(ctx context.Context, email string) (*AdminUser, error) {
	return s.repo.FindAdminByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

// ListUsers returns a page of users plus pagination metadata.
func (s *Service) ListUsers(ctx context.Context, page, perPage int) ([]User, shared.Pagination, error) {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	users, total, err := s.repo.ListUsers(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return users, shared.NewPagination(page, perPage, total), nil
}

// Suspend deactivates a user account.
func (s *Service) Suspend(ctx context.Context, id int64) error {
	return s.repo.SetUserActive(ctx, id, false)
}

// Reinstate reactivates a user account.
func (s *Service) Reinstate(ctx context.Context, id int64) error {
	return s.repo.SetUserActive(ctx, id, true)
}

// EnsureAdminMirror materialises an admin record for the given user, reusing
// the same password hash. Idempotent: an existing admin with the same email
// is returned untouched.
func (s *Service) EnsureAdminMirror(ctx context.Context, user *User) (*AdminUser, error) {
	if user == nil {
		return nil, errors.New("identity: user required")
	}
	existing, err := s.repo.FindAdminByEmail(ctx, user.Email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	admin, err := s.repo.CreateAdmin(ctx, user.Username, user.Email, user.PasswordHash, false)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			// Lost a race with a concurrent promotion; the mirror exists now.
			return s.repo.FindAdminByEmail(ctx, user.Email)
		}
		return nil, err
	}
	return admin, nil
}

// RegisterLoginFailure bumps the failure counter and locks the account once
// the threshold is crossed. Returns the updated counter.
func (s *Service) RegisterLoginFailure(ctx context.Context, admin *AdminUser, now time.Time) (int, error) {
	attempts := admin.FailedLoginAttempts + 1
	var lockedUntil *time.Time
	if attempts >= s.cfg.MaxLoginFailures {
		until := now.Add(s.cfg.LockoutDuration)
		lockedUntil = &until
	}
	if err := s.repo.RecordAdminLoginFailure(ctx, admin.ID, attempts, lockedUntil); err != nil {
		return admin.FailedLoginAttempts, err
	}
	return attempts, nil
}

// ClearLoginFailures resets the lockout state after a successful login.
func (s *Service) ClearLoginFailures(ctx context.Context, adminID int64) error {
	return s.repo.ResetAdminLoginFailures(ctx, adminID)
}
