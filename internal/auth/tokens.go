package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/traderdesk/traderdesk/internal/shared"
)

// Token uses carried in the "use" claim.
const (
	TokenUseAccess  = "access"
	TokenUseRefresh = "refresh"
)

// ErrInvalidToken indicates a token that failed verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims augments registered claims with the principal reference.
type Claims struct {
	PrincipalID int64  `json:"uid"`
	Kind        string `json:"knd"`
	TokenUse    string `json:"use"`
	jwt.RegisteredClaims
}

// TokenPair bundles the two tokens issued on login.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenConfig tunes token issuance.
type TokenConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenManager signs and verifies HS256 tokens.
type TokenManager struct {
	cfg TokenConfig
	now func() time.Time
}

// NewTokenManager constructs a TokenManager.
func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: token secret required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "traderdesk"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	return &TokenManager{cfg: cfg, now: time.Now}, nil
}

// AccessTTL returns the configured access token lifetime.
func (m *TokenManager) AccessTTL() time.Duration { return m.cfg.AccessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (m *TokenManager) RefreshTTL() time.Duration { return m.cfg.RefreshTTL }

func (m *TokenManager) sign(principalID int64, kind shared.PrincipalKind, use string, ttl time.Duration) (string, error) {
	now := m.now().UTC()
	claims := Claims{
		PrincipalID: principalID,
		Kind:        string(kind),
		TokenUse:    use,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   fmt.Sprintf("%s:%d", kind, principalID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.cfg.Secret))
}

// IssuePair issues a fresh access/refresh token pair for the principal.
func (m *TokenManager) IssuePair(principalID int64, kind shared.PrincipalKind) (TokenPair, error) {
	access, err := m.sign(principalID, kind, TokenUseAccess, m.cfg.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.sign(principalID, kind, TokenUseRefresh, m.cfg.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(m.cfg.AccessTTL.Seconds()),
	}, nil
}

// IssueAccess issues a new access token only, used by the refresh endpoint.
func (m *TokenManager) IssueAccess(principalID int64, kind shared.PrincipalKind) (TokenPair, error) {
	access, err := m.sign(principalID, kind, TokenUseAccess, m.cfg.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(m.cfg.AccessTTL.Seconds()),
	}, nil
}

// Parse verifies the token signature, expiry and expected use.
func (m *TokenManager) Parse(raw, expectedUse string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(m.cfg.Secret), nil
	}, jwt.WithIssuer(m.cfg.Issuer), jwt.WithTimeFunc(func() time.Time { return m.now() }))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenUse != expectedUse {
		return nil, ErrInvalidToken
	}
	if claims.Kind != string(shared.KindUser) && claims.Kind != string(shared.KindAdmin) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
