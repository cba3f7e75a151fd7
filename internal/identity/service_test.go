package identity

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/traderdesk/traderdesk/internal/shared"
)

type stubIdentityRepo struct {
	users  map[string]*User
	admins map[string]*AdminUser

	failureID     int64
	failureCount  int
	failureLocked *time.Time
	resets        int
}

func newStubIdentityRepo() *stubIdentityRepo {
	return &stubIdentityRepo{users: map[string]*User{}, admins: map[string]*AdminUser{}}
}

func (s *stubIdentityRepo) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	if u, ok := s.users[email]; ok {
		return u, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubIdentityRepo) FindUserByID(ctx context.Context, id int64) (*User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (s *stubIdentityRepo) CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error) {
	if _, ok := s.users[email]; ok {
		return nil, ErrEmailTaken
	}
	u := &User{ID: int64(len(s.users) + 1), Username: username, Email: email, PasswordHash: passwordHash, IsActive: true}
	s.users[email] = u
	return u, nil
}

func (s *stubIdentityRepo) ListUsers(ctx context.Context, limit, offset int) ([]User, int, error) {
	var out []User
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out, len(out), nil
}

func (s *stubIdentityRepo) SetUserActive(ctx context.Context, id int64, active bool) error {
	u, err := s.FindUserByID(ctx, id)
	if err != nil {
		return err
	}
	u.IsActive = active
	return nil
}

func (s *stubIdentityRepo) FindAdminByEmail(ctx context.Context, email string) (*AdminUser, error) {
	if a, ok := s.admins[email]; ok {
		return a, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubIdentityRepo) FindAdminByID(ctx context.Context, id int64) (*AdminUser, error) {
	for _, a := range s.admins {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (s *stubIdentityRepo) CreateAdmin(ctx context.Context, username, email, passwordHash string, superuser bool) (*AdminUser, error) {
	if _, ok := s.admins[email]; ok {
		return nil, ErrEmailTaken
	}
	a := &AdminUser{ID: int64(len(s.admins) + 100), Username: username, Email: email, PasswordHash: passwordHash, IsActive: true, IsSuperuser: superuser}
	s.admins[email] = a
	return a, nil
}

func (s *stubIdentityRepo) RecordAdminLoginFailure(ctx context.Context, id int64, attempts int, lockedUntil *time.Time) error {
	s.failureID = id
	s.failureCount = attempts
	s.failureLocked = lockedUntil
	return nil
}

func (s *stubIdentityRepo) ResetAdminLoginFailures(ctx context.Context, id int64) error {
	s.resets++
	return nil
}

func TestRegisterHashesAndNormalizes(t *testing.T) {
	repo := newStubIdentityRepo()
	svc := NewService(repo, ServiceConfig{})

	user, err := svc.Register(context.Background(), " trader ", " Trader@Example.COM ", "hunter22")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Email != "trader@example.com" || user.Username != "trader" {
		t.Fatalf("expected normalized fields, got %+v", user)
	}
	if user.PasswordHash == "hunter22" {
		t.Fatalf("password must be hashed")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("hunter22")) != nil {
		t.Fatalf("hash does not verify")
	}
}

func TestLoginFailureLockoutThreshold(t *testing.T) {
	repo := newStubIdentityRepo()
	svc := NewService(repo, ServiceConfig{MaxLoginFailures: 3, LockoutDuration: 15 * time.Minute})
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	admin := &AdminUser{ID: 7, FailedLoginAttempts: 0}
	count, err := svc.RegisterLoginFailure(context.Background(), admin, now)
	if err != nil {
		t.Fatalf("register failure: %v", err)
	}
	if count != 1 || repo.failureLocked != nil {
		t.Fatalf("first failure must not lock, count=%d locked=%v", count, repo.failureLocked)
	}

	admin.FailedLoginAttempts = 2
	count, err = svc.RegisterLoginFailure(context.Background(), admin, now)
	if err != nil {
		t.Fatalf("register failure: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count 3, got %d", count)
	}
	if repo.failureLocked == nil || !repo.failureLocked.Equal(now.Add(15*time.Minute)) {
		t.Fatalf("expected lockout at threshold, got %v", repo.failureLocked)
	}

	if err := svc.ClearLoginFailures(context.Background(), admin.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if repo.resets != 1 {
		t.Fatalf("expected reset recorded")
	}
}

func TestEnsureAdminMirrorIdempotent(t *testing.T) {
	repo := newStubIdentityRepo()
	svc := NewService(repo, ServiceConfig{})

	user, err := svc.Register(context.Background(), "riser", "riser@example.com", "hunter22")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	first, err := svc.EnsureAdminMirror(context.Background(), user)
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if first.IsSuperuser {
		t.Fatalf("mirrored admins must not be superusers")
	}
	if first.PasswordHash != user.PasswordHash {
		t.Fatalf("mirror must reuse the password hash")
	}
	second, err := svc.EnsureAdminMirror(context.Background(), user)
	if err != nil {
		t.Fatalf("second mirror: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("mirror must be idempotent, got %d then %d", first.ID, second.ID)
	}
	if len(repo.admins) != 1 {
		t.Fatalf("expected one admin row, got %d", len(repo.admins))
	}
}

func TestAdminLockExpiry(t *testing.T) {
	now := time.Now()
	until := now.Add(time.Minute)
	admin := &AdminUser{LockedUntil: &until}
	if !admin.IsLocked(now) {
		t.Fatalf("expected locked before expiry")
	}
	if admin.IsLocked(now.Add(2 * time.Minute)) {
		t.Fatalf("expected unlocked after expiry")
	}
	if (&AdminUser{}).IsLocked(now) {
		t.Fatalf("nil lock must not lock")
	}
}
