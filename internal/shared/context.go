package shared

import "context"

// PrincipalKind distinguishes the two identity stores.
type PrincipalKind string

const (
	KindUser  PrincipalKind = "user"
	KindAdmin PrincipalKind = "admin"
)

// Identity describes the authenticated caller attached to a request.
type Identity struct {
	ID          int64
	Email       string
	Kind        PrincipalKind
	IsSuperuser bool
}

// IsAdmin reports whether the identity came from the admin store.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Kind == KindAdmin
}

type identityContextKey struct{}

// ContextWithIdentity stores the identity in context.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}
