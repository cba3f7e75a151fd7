package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/identity"
	"github.com/traderdesk/traderdesk/internal/platform/httpx"
	"github.com/traderdesk/traderdesk/internal/rbac"
	"github.com/traderdesk/traderdesk/internal/shared"
)

// Failure reason codes recorded on rejected login attempts.
const (
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonAccountSuspended   = "account_suspended"
	ReasonAccountLocked      = "account_locked"
	ReasonPaymentRequired    = "payment_required"
)

// Audit actions emitted by the auth flow.
const (
	ActionLogin        = "auth.login"
	ActionLoginFailed  = "auth.login.failed"
	ActionRegister     = "auth.register"
	ActionPromoteAdmin = "auth.promote_admin"
)

// BillingRedirect is the hint returned alongside payment_required rejections.
const BillingRedirect = "/billing/portal"

// LoginError carries the rejection reason back to the transport layer.
type LoginError struct {
	Reason       string
	RedirectHint string
}

func (e *LoginError) Error() string {
	return strings.ReplaceAll(e.Reason, "_", " ")
}

// Unwrap maps the reason onto the HTTP error taxonomy.
func (e *LoginError) Unwrap() error {
	switch e.Reason {
	case ReasonPaymentRequired:
		return httpx.ErrPaymentRequired
	case ReasonAccountSuspended, ReasonAccountLocked:
		return httpx.ErrForbidden
	default:
		return httpx.ErrUnauthorized
	}
}

// IdentityStore is the slice of the identity service the auth flow needs.
type IdentityStore interface {
	FindUserByEmail(ctx context.Context, email string) (*identity.User, error)
	FindAdminByEmail(ctx context.Context, email string) (*identity.AdminUser, error)
	GetUser(ctx context.Context, id int64) (*identity.User, error)
	GetAdmin(ctx context.Context, id int64) (*identity.AdminUser, error)
	Register(ctx context.Context, username, email, password string) (*identity.User, error)
	EnsureAdminMirror(ctx context.Context, user *identity.User) (*identity.AdminUser, error)
	RegisterLoginFailure(ctx context.Context, admin *identity.AdminUser, now time.Time) (int, error)
	ClearLoginFailures(ctx context.Context, adminID int64) error
}

// AccessControl is the slice of the rbac service the auth flow needs.
type AccessControl interface {
	EnsureAdminBootstrap(ctx context.Context, adminID int64) (bool, error)
	EffectivePermissions(ctx context.Context, principal rbac.PrincipalRef) ([]string, error)
}

// AuditRecorder persists auth audit entries outside any transaction.
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// LoginThrottle observes attempt frequency per key. Implementations flag
// rather than block; the gate decision stays with the caller.
type LoginThrottle interface {
	Observe(ctx context.Context, key string) (count int64, flagged bool, err error)
}

// Meta captures request metadata attached to audit rows.
type Meta struct {
	IP        string
	UserAgent string
}

// ServiceConfig tunes the auth flow.
type ServiceConfig struct {
	// AutoPromote mirrors users holding admin-scoped roles into the admin
	// store on login. Off unless explicitly enabled.
	AutoPromote bool
}

// Service implements the dual-identity login flow.
type Service struct {
	ids      IdentityStore
	access   AccessControl
	auditor  AuditRecorder
	tokens   *TokenManager
	throttle LoginThrottle
	cfg      ServiceConfig
	logger   *slog.Logger
	now      func() time.Time

	countFailure func(reason string)
}

// SetFailureCounter installs a per-reason counter for rejected logins.
func (s *Service) SetFailureCounter(fn func(reason string)) { s.countFailure = fn }

// NewService wires the auth service.
func NewService(ids IdentityStore, access AccessControl, auditor AuditRecorder, tokens *TokenManager, throttle LoginThrottle, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ids:      ids,
		access:   access,
		auditor:  auditor,
		tokens:   tokens,
		throttle: throttle,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// LoginResult is returned on a successful login.
type LoginResult struct {
	Kind     shared.PrincipalKind
	Identity shared.Identity
	Tokens   TokenPair
}

// Login authenticates against the admin store first, then the user store.
// Every rejection records an audit row with a reason code.
func (s *Service) Login(ctx context.Context, email, password string, meta Meta) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, &LoginError{Reason: ReasonInvalidCredentials}
	}
	s.observeVelocity(ctx, email, meta)

	admin, err := s.ids.FindAdminByEmail(ctx, email)
	switch {
	case err == nil:
		return s.loginAdmin(ctx, admin, password, meta)
	case errors.Is(err, shared.ErrNotFound):
		// Fall through to the user store.
	default:
		return nil, err
	}

	user, err := s.ids.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, s.reject(ctx, shared.KindUser, 0, email, ReasonInvalidCredentials, meta)
		}
		return nil, err
	}
	return s.loginUser(ctx, user, password, meta)
}

func (s *Service) loginAdmin(ctx context.Context, admin *identity.AdminUser, password string, meta Meta) (*LoginResult, error) {
	now := s.now()
	if admin.IsLocked(now) {
		return nil, s.reject(ctx, shared.KindAdmin, admin.ID, admin.Email, ReasonAccountLocked, meta)
	}
	if bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)) != nil {
		if _, err := s.ids.RegisterLoginFailure(ctx, admin, now); err != nil {
			s.logger.Error("record login failure", "admin_id", admin.ID, "error", err)
		}
		return nil, s.reject(ctx, shared.KindAdmin, admin.ID, admin.Email, ReasonInvalidCredentials, meta)
	}
	if !admin.IsActive {
		return nil, s.reject(ctx, shared.KindAdmin, admin.ID, admin.Email, ReasonAccountSuspended, meta)
	}
	if err := s.ids.ClearLoginFailures(ctx, admin.ID); err != nil {
		s.logger.Error("clear login failures", "admin_id", admin.ID, "error", err)
	}
	if assigned, err := s.access.EnsureAdminBootstrap(ctx, admin.ID); err != nil {
		s.logger.Error("admin bootstrap", "admin_id", admin.ID, "error", err)
	} else if assigned {
		s.logger.Info("bootstrap role assigned", "admin_id", admin.ID)
	}
	ident := shared.Identity{ID: admin.ID, Email: admin.Email, Kind: shared.KindAdmin, IsSuperuser: admin.IsSuperuser}
	pair, err := s.tokens.IssuePair(admin.ID, shared.KindAdmin)
	if err != nil {
		return nil, err
	}
	s.recordLogin(ctx, ident, meta)
	return &LoginResult{Kind: shared.KindAdmin, Identity: ident, Tokens: pair}, nil
}

func (s *Service) loginUser(ctx context.Context, user *identity.User, password string, meta Meta) (*LoginResult, error) {
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, s.reject(ctx, shared.KindUser, user.ID, user.Email, ReasonInvalidCredentials, meta)
	}
	if !user.IsActive {
		if !user.HasPaidAccess() {
			return nil, s.reject(ctx, shared.KindUser, user.ID, user.Email, ReasonPaymentRequired, meta)
		}
		return nil, s.reject(ctx, shared.KindUser, user.ID, user.Email, ReasonAccountSuspended, meta)
	}
	if s.cfg.AutoPromote {
		s.maybePromote(ctx, user, meta)
	}
	ident := shared.Identity{ID: user.ID, Email: user.Email, Kind: shared.KindUser}
	pair, err := s.tokens.IssuePair(user.ID, shared.KindUser)
	if err != nil {
		return nil, err
	}
	s.recordLogin(ctx, ident, meta)
	return &LoginResult{Kind: shared.KindUser, Identity: ident, Tokens: pair}, nil
}

// maybePromote mirrors the user into the admin store when their role grants
// reach into the admin namespace, so subsequent logins take the admin path.
func (s *Service) maybePromote(ctx context.Context, user *identity.User, meta Meta) {
	perms, err := s.access.EffectivePermissions(ctx, rbac.UserRef(user.ID))
	if err != nil {
		s.logger.Error("resolve permissions for promotion", "user_id", user.ID, "error", err)
		return
	}
	promote := false
	for _, p := range perms {
		if strings.HasPrefix(p, "admin.") {
			promote = true
			break
		}
	}
	if !promote {
		return
	}
	admin, err := s.ids.EnsureAdminMirror(ctx, user)
	if err != nil {
		s.logger.Error("promote user to admin", "user_id", user.ID, "error", err)
		return
	}
	entry := audit.Entry{
		Action:       ActionPromoteAdmin,
		ResourceType: "admin_user",
		ResourceID:   fmt.Sprintf("%d", admin.ID),
		ActorID:      user.ID,
		ActorType:    audit.ActorUser,
		ActorEmail:   user.Email,
		After:        map[string]any{"admin_id": admin.ID, "email": admin.Email},
		IP:           meta.IP,
		UserAgent:    meta.UserAgent,
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.logger.Error("record promotion audit", "user_id", user.ID, "error", err)
	}
}

// Register creates a user account and returns a logged-in session.
func (s *Service) Register(ctx context.Context, username, email, password string, meta Meta) (*LoginResult, error) {
	if len(password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", httpx.ErrValidation)
	}
	user, err := s.ids.Register(ctx, username, email, password)
	if err != nil {
		if errors.Is(err, identity.ErrEmailTaken) {
			return nil, fmt.Errorf("%w: email already registered", httpx.ErrConflict)
		}
		if errors.Is(err, identity.ErrUsernameTaken) {
			return nil, fmt.Errorf("%w: username already taken", httpx.ErrConflict)
		}
		return nil, err
	}
	ident := shared.Identity{ID: user.ID, Email: user.Email, Kind: shared.KindUser}
	entry := audit.Entry{
		Action:       ActionRegister,
		ResourceType: "user",
		ResourceID:   fmt.Sprintf("%d", user.ID),
		ActorID:      user.ID,
		ActorType:    audit.ActorUser,
		ActorEmail:   user.Email,
		IP:           meta.IP,
		UserAgent:    meta.UserAgent,
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.logger.Error("record register audit", "user_id", user.ID, "error", err)
	}
	pair, err := s.tokens.IssuePair(user.ID, shared.KindUser)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Kind: shared.KindUser, Identity: ident, Tokens: pair}, nil
}

// Refresh issues a new access token from a valid refresh token, re-checking
// that the principal still exists and is allowed to sign in.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.Parse(refreshToken, TokenUseRefresh)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid refresh token", httpx.ErrUnauthorized)
	}
	kind := shared.PrincipalKind(claims.Kind)
	ident, err := s.Resolve(ctx, kind, claims.PrincipalID)
	if err != nil {
		return nil, err
	}
	pair, err := s.tokens.IssueAccess(ident.ID, ident.Kind)
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

// Resolve loads the identity behind a verified token, failing with 401 if the
// principal disappeared or was deactivated since issuance.
func (s *Service) Resolve(ctx context.Context, kind shared.PrincipalKind, principalID int64) (*shared.Identity, error) {
	switch kind {
	case shared.KindAdmin:
		admin, err := s.ids.GetAdmin(ctx, principalID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown principal", httpx.ErrUnauthorized)
			}
			return nil, err
		}
		if !admin.IsActive || admin.IsLocked(s.now()) {
			return nil, fmt.Errorf("%w: account unavailable", httpx.ErrUnauthorized)
		}
		return &shared.Identity{ID: admin.ID, Email: admin.Email, Kind: shared.KindAdmin, IsSuperuser: admin.IsSuperuser}, nil
	case shared.KindUser:
		user, err := s.ids.GetUser(ctx, principalID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown principal", httpx.ErrUnauthorized)
			}
			return nil, err
		}
		if !user.IsActive {
			return nil, fmt.Errorf("%w: account unavailable", httpx.ErrUnauthorized)
		}
		return &shared.Identity{ID: user.ID, Email: user.Email, Kind: shared.KindUser}, nil
	default:
		return nil, fmt.Errorf("%w: unknown principal kind", httpx.ErrUnauthorized)
	}
}

// PermissionsFor resolves the effective permission names for an identity.
func (s *Service) PermissionsFor(ctx context.Context, ident shared.Identity) ([]string, error) {
	if ident.Kind == shared.KindAdmin {
		return s.access.EffectivePermissions(ctx, rbac.AdminRef(ident.ID, ident.IsSuperuser))
	}
	return s.access.EffectivePermissions(ctx, rbac.UserRef(ident.ID))
}

func (s *Service) observeVelocity(ctx context.Context, email string, meta Meta) {
	if s.throttle == nil {
		return
	}
	for _, key := range []string{"login:email:" + email, "login:ip:" + meta.IP} {
		count, flagged, err := s.throttle.Observe(ctx, key)
		if err != nil {
			s.logger.Warn("login velocity check", "key", key, "error", err)
			continue
		}
		if flagged {
			s.logger.Warn("login velocity flagged", "key", key, "count", count)
		}
	}
}

func (s *Service) reject(ctx context.Context, kind shared.PrincipalKind, principalID int64, email, reason string, meta Meta) error {
	actorType := audit.ActorUser
	resource := "user"
	if kind == shared.KindAdmin {
		actorType = audit.ActorAdmin
		resource = "admin_user"
	}
	entry := audit.Entry{
		Action:       ActionLoginFailed,
		ResourceType: resource,
		ResourceID:   fmt.Sprintf("%d", principalID),
		ActorID:      principalID,
		ActorType:    actorType,
		ActorEmail:   email,
		After:        map[string]any{"reason": reason},
		IP:           meta.IP,
		UserAgent:    meta.UserAgent,
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.logger.Error("record failed login audit", "email", email, "error", err)
	}
	if s.countFailure != nil {
		s.countFailure(reason)
	}
	lerr := &LoginError{Reason: reason}
	if reason == ReasonPaymentRequired {
		lerr.RedirectHint = BillingRedirect
	}
	return lerr
}

func (s *Service) recordLogin(ctx context.Context, ident shared.Identity, meta Meta) {
	actorType := audit.ActorUser
	resource := "user"
	if ident.Kind == shared.KindAdmin {
		actorType = audit.ActorAdmin
		resource = "admin_user"
	}
	entry := audit.Entry{
		Action:       ActionLogin,
		ResourceType: resource,
		ResourceID:   fmt.Sprintf("%d", ident.ID),
		ActorID:      ident.ID,
		ActorType:    actorType,
		ActorEmail:   ident.Email,
		IP:           meta.IP,
		UserAgent:    meta.UserAgent,
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.logger.Error("record login audit", "email", ident.Email, "error", err)
	}
}
