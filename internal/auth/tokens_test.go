package auth

import (
	"testing"
	"time"

	"github.com/traderdesk/traderdesk/internal/shared"
)

func newTestTokenManager(t *testing.T) *TokenManager {
	t.Helper()
	m, err := NewTokenManager(TokenConfig{Secret: "test-secret-test-secret-test-1234", AccessTTL: time.Minute, RefreshTTL: time.Hour})
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	return m
}

func TestTokenManagerRequiresSecret(t *testing.T) {
	if _, err := NewTokenManager(TokenConfig{}); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestIssueAndParsePair(t *testing.T) {
	m := newTestTokenManager(t)
	pair, err := m.IssuePair(42, shared.KindAdmin)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	if pair.TokenType != "Bearer" || pair.ExpiresIn != 60 {
		t.Fatalf("unexpected pair metadata: %+v", pair)
	}

	claims, err := m.Parse(pair.AccessToken, TokenUseAccess)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.PrincipalID != 42 || claims.Kind != string(shared.KindAdmin) {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := m.Parse(pair.RefreshToken, TokenUseRefresh); err != nil {
		t.Fatalf("parse refresh: %v", err)
	}
}

func TestParseRejectsWrongUse(t *testing.T) {
	m := newTestTokenManager(t)
	pair, err := m.IssuePair(42, shared.KindUser)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	if _, err := m.Parse(pair.AccessToken, TokenUseRefresh); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := m.Parse(pair.RefreshToken, TokenUseAccess); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	m := newTestTokenManager(t)
	pair, err := m.IssuePair(42, shared.KindUser)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := m.Parse(pair.AccessToken, TokenUseAccess); err != ErrInvalidToken {
		t.Fatalf("expected expiry rejection, got %v", err)
	}
	// The refresh token outlives the access token.
	if _, err := m.Parse(pair.RefreshToken, TokenUseRefresh); err != nil {
		t.Fatalf("refresh should still verify: %v", err)
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	m := newTestTokenManager(t)
	other, err := NewTokenManager(TokenConfig{Secret: "another-secret-entirely-1234567890"})
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	pair, err := other.IssuePair(42, shared.KindUser)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	if _, err := m.Parse(pair.AccessToken, TokenUseAccess); err != ErrInvalidToken {
		t.Fatalf("expected signature rejection, got %v", err)
	}
	if _, err := m.Parse("not-a-token", TokenUseAccess); err != ErrInvalidToken {
		t.Fatalf("expected garbage rejection, got %v", err)
	}
}
