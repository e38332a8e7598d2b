package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Roles recognised by the API. Customers file returns, dealers act on their
// own orders, and fulfillment admins operate across the marketplace.
const (
	RoleUser             = "user"
	RoleDealer           = "dealer"
	RoleFulfillmentAdmin = "fulfillment-admin"
)

// ErrUserLoaderUnavailable reports an identity created without a user loader.
var ErrUserLoaderUnavailable = errors.New("auth: user loader not configured")

// Identity is the authenticated caller, extracted from a Firebase ID token.
type Identity struct {
	UID, Email, Locale string

	Roles []string

	token *firebaseauth.Token

	userLoader UserLoader
	once       sync.Once
	userRecord *firebaseauth.UserRecord
	userErr    error
}

// Token returns the decoded Firebase ID token behind this identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasRole reports whether the identity carries the role, case-insensitively.
func (i *Identity) HasRole(role string) bool {
	want := strings.TrimSpace(role)
	if i == nil || want == "" {
		return false
	}
	return slices.ContainsFunc(i.Roles, func(have string) bool {
		return strings.EqualFold(have, want)
	})
}

// HasAnyRole reports whether the identity carries any of the given roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, i.HasRole)
}

// User loads the Firebase user profile on first access and caches it.
func (i *Identity) User(ctx context.Context) (*firebaseauth.UserRecord, error) {
	if i == nil || i.userLoader == nil {
		return nil, ErrUserLoaderUnavailable
	}
	i.once.Do(func() {
		i.userRecord, i.userErr = i.userLoader(ctx, i.UID)
	})
	return i.userRecord, i.userErr
}

type contextKey string

const identityContextKey contextKey = "github.com/Digi9ReachInfoSystems/returns-api/internal/platform/auth/identity"

// WithIdentity stores the identity on the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if identity, ok := ctx.Value(identityContextKey).(*Identity); ok && identity != nil {
		return identity, true
	}
	return nil, false
}

// UserLoader fetches the Firebase user profile for a UID.
type UserLoader func(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)
