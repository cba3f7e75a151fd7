package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/identity"
	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/rbac"
	"github.com/traderdesk/traderdesk/internal/shared"
)

type stubIdentityStore struct {
	users  map[string]*identity.User
	admins map[string]*identity.AdminUser

	failureCalls int
	clearCalls   int
	mirrorCalls  int
	mirrored     *identity.AdminUser
}

func newStubIdentityStore() *stubIdentityStore {
	return &stubIdentityStore{
		users:  map[string]*identity.User{},
		admins: map[string]*identity.AdminUser{},
	}
}

func (s *stubIdentityStore) FindUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	if u, ok := s.users[email]; ok {
		return u, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubIdentityStore) FindAdminByEmail(ctx context.Context, email string) (*identity.AdminUser, error) {
	if a, ok := s.admins[email]; ok {
		return a, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubIdentityStore) GetUser(ctx context.Context, id int64) (*identity.User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (s *stubIdentityStore) GetAdmin(ctx context.Context, id int64) (*identity.AdminUser, error) {
	for _, a := range s.admins {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (s *stubIdentityStore) Register(ctx context.Context, username, email, password string) (*identity.User, error) {
	if _, ok := s.users[email]; ok {
		return nil, identity.ErrEmailTaken
	}
	for _, u := range s.users {
		if u.Username == username {
			return nil, identity.ErrUsernameTaken
		}
	}
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	user := &identity.User{ID: int64(len(s.users) + 1), Username: username, Email: email, PasswordHash: string(hash), IsActive: true}
	s.users[email] = user
	return user, nil
}

func (s *stubIdentityStore) EnsureAdminMirror(ctx context.Context, user *identity.User) (*identity.AdminUser, error) {
	s.mirrorCalls++
	if s.mirrored == nil {
		s.mirrored = &identity.AdminUser{ID: 100 + user.ID, Username: user.Username, Email: user.Email, PasswordHash: user.PasswordHash, IsActive: true}
		s.admins[user.Email] = s.mirrored
	}
	return s.mirrored, nil
}

func (s *stubIdentityStore) RegisterLoginFailure(ctx context.Context, admin *identity.AdminUser, now time.Time) (int, error) {
	s.failureCalls++
	admin.FailedLoginAttempts++
	return admin.FailedLoginAttempts, nil
}

func (s *stubIdentityStore) ClearLoginFailures(ctx context.Context, adminID int64) error {
	s.clearCalls++
	return nil
}

type stubAccessControl struct {
	bootstrapCalls int
	bootstrapped   bool
	perms          []string
}

func (s *stubAccessControl) EnsureAdminBootstrap(ctx context.Context, adminID int64) (bool, error) {
	s.bootstrapCalls++
	if s.bootstrapped {
		return false, nil
	}
	s.bootstrapped = true
	return true, nil
}

func (s *stubAccessControl) EffectivePermissions(ctx context.Context, principal rbac.PrincipalRef) ([]string, error) {
	return s.perms, nil
}

type stubAuditor struct {
	entries []audit.Entry
}

func (s *stubAuditor) Record(ctx context.Context, entry audit.Entry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubAuditor) lastReason(t *testing.T) string {
	t.Helper()
	if len(s.entries) == 0 {
		t.Fatalf("expected at least one audit entry")
	}
	last := s.entries[len(s.entries)-1]
	reason, _ := last.After["reason"].(string)
	return reason
}

func hashOf(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return string(hash)
}

type authFixture struct {
	svc     *Service
	ids     *stubIdentityStore
	access  *stubAccessControl
	auditor *stubAuditor
}

func newAuthFixture(t *testing.T, cfg ServiceConfig) *authFixture {
	t.Helper()
	ids := newStubIdentityStore()
	access := &stubAccessControl{}
	auditor := &stubAuditor{}
	tokens, err := NewTokenManager(TokenConfig{Secret: "test-secret-test-secret-test-1234"})
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	svc := NewService(ids, access, auditor, tokens, nil, cfg, nil)
	return &authFixture{svc: svc, ids: ids, access: access, auditor: auditor}
}

func (f *authFixture) addUser(t *testing.T, email, password string, active bool, subStatus string) *identity.User {
	t.Helper()
	user := &identity.User{
		ID:                 int64(len(f.ids.users) + 1),
		Username:           email,
		Email:              email,
		PasswordHash:       hashOf(t, password),
		IsActive:           active,
		SubscriptionStatus: subStatus,
	}
	f.ids.users[email] = user
	return user
}

func (f *authFixture) addAdmin(t *testing.T, email, password string, active, superuser bool) *identity.AdminUser {
	t.Helper()
	admin := &identity.AdminUser{
		ID:           int64(len(f.ids.admins) + 1),
		Username:     email,
		Email:        email,
		PasswordHash: hashOf(t, password),
		IsActive:     active,
		IsSuperuser:  superuser,
	}
	f.ids.admins[email] = admin
	return admin
}

func TestLoginUserSuccess(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{})
	f.addUser(t, "trader@example.com", "hunter22", true, identity.SubscriptionActive)

	result, err := f.svc.Login(context.Background(), "Trader@Example.com ", "hunter22", Meta{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Kind != shared.KindUser {
		t.Fatalf("expected user login, got %s", result.Kind)
	}
	if result.Tokens.AccessToken == "" || result.Tokens.RefreshToken == "" {
		t.Fatalf("expected token pair")
	}
	if len(f.auditor.entries) != 1 || f.auditor.entries[0].Action != ActionLogin {
		t.Fatalf("expected one login audit entry, got %+v", f.auditor.entries)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{})
	f.addUser(t, "trader@example.com", "hunter22", true, identity.SubscriptionActive)

	_, err := f.svc.Login(context.Background(), "trader@example.com", "nope", Meta{})
	if !errors.Is(err, httpx.ErrUnauthorized) {
		t.Fatalf("expected 401 mapping, got %v", err)
	}
	if got := f.auditor.lastReason(t); got != ReasonInvalidCredentials {
		t.Fatalf("expected invalid_credentials audit, got %q", got)
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{})
	_, err := f.svc.Login(context.Background(), "ghost@example.com", "whatever", Meta{})
	var lerr *LoginError
	if !errors.As(err, &lerr) || lerr.Reason != ReasonInvalidCredentials {
		t.Fatalf("expected invalid_credentials, got %v", err)
	}
}

func TestLoginPaymentRequired(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{})
	f.addUser(t, "lapsed@example.com", "hunter22", false, identity.SubscriptionPastDue)

	_, err := f.svc.Login(context.Background(), "lapsed@example.com", "hunter22", Meta{})
	if !errors.Is(err, httpx.ErrPaymentRequired) {
		t.Fatalf("expected 402 mapping, got %v", err)
	}
	var lerr *LoginError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LoginError, got %T", err)
	}
	if lerr.RedirectHint != BillingRedirect {
		t.Fatalf("expected billing redirect hint, got %q", lerr.RedirectHint)
	}
	if got := f.auditor.lastReason(t); got != ReasonPaymentRequired {
		t.Fatalf("expected payment_required audit, got %q", got)
	}
}

func TestLoginSuspendedUser(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{})
	// Inactive despite a live subscription: an operator suspension, not billing.
	f.addUser(t, "banned@example.com", "hunter22", false, identity.SubscriptionActive)

	_, err := f.svc.Login(context.Background(), "banned@example.com", "hunter22", Meta{})
	if !errors.Is(err, httpx.ErrForbidden) {
		t.Fatalf("expected 403 mapping, got %v", err)
	}
	if got := f.auditor.lastReason(t); got != ReasonAccountSuspended {
		t.Fatalf("expected account_suspended audit, got %q", got)
	}
}

func TestLoginAdminTakesPrecedence(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{})
	f.addUser(t, "both@example.com", "user-pass", true, identity.SubscriptionActive)
	f.addAdmin(t, "both@example.com", "admin-pass", true, false)

	result, err := f.svc.Login(context.Background(), "both@example.com", "admin-pass", Meta{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Kind != shared.KindAdmin {
		t.Fatalf("admin store should win for shared emails, got %s", result.Kind)
	}
	if f.access.bootstrapCalls != 1 {
		t.Fatalf("expected bootstrap check on admin login, got %d calls", f.access.bootstrapCalls)
	}
	if f.ids.clearCalls != 1 {
		t.Fatalf("expected failure counter reset on success")
	}

	// The user-store password no longer works once the admin row exists.
	_, err = f.svc.Login(context.Background(), "both@example.com", "user-pass", Meta{})
	if !errors.Is(err, httpx.ErrUnauthorized) {
		t.Fatalf("expected 401 for user-store password, got %v", err)
	}
	if f.ids.failureCalls != 1 {
		t.Fatalf("expected admin failure recorded, got %d", f.ids.failureCalls)
	}
}

func TestLoginLockedAdmin(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{})
	admin := f.addAdmin(t, "ops@example.com", "hunter22", true, false)
	until := time.Now().Add(10 * time.Minute)
	admin.LockedUntil = &until

	_, err := f.svc.Login(context.Background(), "ops@example.com", "hunter22", Meta{})
	if !errors.Is(err, httpx.ErrForbidden) {
		t.Fatalf("expected 403 for locked admin, got %v", err)
	}
	if got := f.auditor.lastReason(t); got != ReasonAccountLocked {
		t.Fatalf("expected account_locked audit, got %q", got)
	}
	// The lockout gate runs before the password check.
	if f.ids.failureCalls != 0 {
		t.Fatalf("locked rejection must not record another failure")
	}
}

func TestLoginExpiredLockIsIgnored(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{})
	admin := f.addAdmin(t, "ops@example.com", "hunter22", true, false)
	until := time.Now().Add(-time.Minute)
	admin.LockedUntil = &until

	if _, err := f.svc.Login(context.Background(), "ops@example.com", "hunter22", Meta{}); err != nil {
		t.Fatalf("login after lock expiry: %v", err)
	}
}

func TestAutoPromoteMirrorsOnce(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{AutoPromote: true})
	f.access.perms = []string{"admin.users.view", "journal.trades.view"}
	f.addUser(t, "riser@example.com", "hunter22", true, identity.SubscriptionActive)

	if _, err := f.svc.Login(context.Background(), "riser@example.com", "hunter22", Meta{}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if f.ids.mirrorCalls != 1 {
		t.Fatalf("expected one mirror call, got %d", f.ids.mirrorCalls)
	}
	promoted := 0
	for _, e := range f.auditor.entries {
		if e.Action == ActionPromoteAdmin {
			promoted++
		}
	}
	if promoted != 1 {
		t.Fatalf("expected one promotion audit entry, got %d", promoted)
	}

	// The mirror now exists, so the next login takes the admin path.
	result, err := f.svc.Login(context.Background(), "riser@example.com", "hunter22", Meta{})
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if result.Kind != shared.KindAdmin {
		t.Fatalf("expected admin login after promotion, got %s", result.Kind)
	}
	if f.ids.mirrorCalls != 1 {
		t.Fatalf("promotion must be idempotent, got %d mirror calls", f.ids.mirrorCalls)
	}
}

func TestAutoPromoteSkippedWithoutAdminScopes(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{AutoPromote: true})
	f.access.perms = []string{"journal.trades.view"}
	f.addUser(t, "plain@example.com", "hunter22", true, identity.SubscriptionActive)

	if _, err := f.svc.Login(context.Background(), "plain@example.com", "hunter22", Meta{}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if f.ids.mirrorCalls != 0 {
		t.Fatalf("no admin-scoped roles, mirror must not run")
	}
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{})
	if _, err := f.svc.Register(context.Background(), "trader", "trader@example.com", "hunter22!", Meta{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := f.svc.Register(context.Background(), "trader2", "trader@example.com", "hunter22!", Meta{})
	if !errors.Is(err, httpx.ErrConflict) {
		t.Fatalf("expected 409 mapping, got %v", err)
	}
}

func TestRegisterDuplicateUsernameConflicts(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{})
	if _, err := f.svc.Register(context.Background(), "trader", "trader@example.com", "hunter22!", Meta{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := f.svc.Register(context.Background(), "trader", "other@example.com", "hunter22!", Meta{})
	if !errors.Is(err, httpx.ErrConflict) {
		t.Fatalf("expected 409 mapping, got %v", err)
	}
}

func TestRegisterShortPassword(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{})
	_, err := f.svc.Register(context.Background(), "trader", "trader@example.com", "short", Meta{})
	if !errors.Is(err, httpx.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRefreshRoundTrip(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{})
	f.addUser(t, "trader@example.com", "hunter22", true, identity.SubscriptionActive)

	result, err := f.svc.Login(context.Background(), "trader@example.com", "hunter22", Meta{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	pair, err := f.svc.Refresh(context.Background(), result.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if pair.AccessToken == "" {
		t.Fatalf("expected fresh access token")
	}

	// Access tokens are not accepted as refresh tokens.
	if _, err := f.svc.Refresh(context.Background(), result.Tokens.AccessToken); !errors.Is(err, httpx.ErrUnauthorized) {
		t.Fatalf("expected 401 for access token misuse, got %v", err)
	}
}

func TestRefreshRejectsDeactivatedUser(t *testing.T) {
	f := newAuthFixture(t, ServiceConfig{})
	user := f.addUser(t, "trader@example.com", "hunter22", true, identity.SubscriptionActive)

	result, err := f.svc.Login(context.Background(), "trader@example.com", "hunter22", Meta{})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	user.IsActive = false
	if _, err := f.svc.Refresh(context.Background(), result.Tokens.RefreshToken); !errors.Is(err, httpx.ErrUnauthorized) {
		t.Fatalf("expected 401 after deactivation, got %v", err)
	}
}
