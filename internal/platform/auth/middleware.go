package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Role, locale and email ride on custom claims stamped by the identity
// service at account provisioning time.
const (
	roleClaim     = "role"
	localeClaim   = "locale"
	emailClaim    = "email"
	fallbackRole  = RoleUser
	verifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// UserGetter retrieves Firebase user records.
type UserGetter interface {
	GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)
}

// Authenticator turns Firebase token verification into HTTP middleware for
// the returns and SLA routes.
type Authenticator struct {
	verifier TokenVerifier
	users    UserGetter
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithUserGetter enables lazy user record loading via the Firebase Admin API.
func WithUserGetter(getter UserGetter) Option {
	return func(a *Authenticator) {
		a.users = getter
	}
}

// NewAuthenticator constructs an Authenticator around the verifier.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth verifies the Authorization bearer token and, when
// allowedRoles is non-empty, requires at least one of them. Callers without
// any role claim get the customer role.
func (a *Authenticator) RequireFirebaseAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := roleSet(allowedRoles)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, rej := a.authenticate(r)
			if rej == nil && len(allowed) > 0 && !anyRoleAllowed(identity.Roles, allowed) {
				rej = unauthorized("insufficient_role", "identity does not have required role")
			}
			if rej != nil {
				respondAuthError(w, rej.status, rej.code, rej.message)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// authenticate resolves the bearer token into an Identity or a rejection.
func (a *Authenticator) authenticate(r *http.Request) (*Identity, *rejection) {
	tokenStr, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, unauthorized("unauthenticated", "authorization header missing or invalid")
	}
	if a == nil || a.verifier == nil {
		return nil, unauthorized("unauthenticated", "authorization service unavailable")
	}

	ctx, cancel := context.WithTimeout(r.Context(), verifyTimeout)
	defer cancel()

	token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
	if err != nil {
		return nil, verificationRejection(err)
	}

	identity := a.identityFromToken(token)
	return identity, nil
}

func (a *Authenticator) identityFromToken(token *firebaseauth.Token) *Identity {
	identity := &Identity{
		UID:    token.UID,
		Email:  stringClaim(token.Claims, emailClaim),
		Locale: stringClaim(token.Claims, localeClaim),
		Roles:  rolesFromClaims(token.Claims, roleClaim),
		token:  token,
	}
	if len(identity.Roles) == 0 {
		identity.Roles = []string{fallbackRole}
	}

	if a != nil && a.users != nil {
		users := a.users
		identity.userLoader = func(ctx context.Context, uid string) (*firebaseauth.UserRecord, error) {
			if uid == "" {
				uid = identity.UID
			}
			ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
			defer cancel()
			return users.GetUser(ctx, uid)
		}
	}
	return identity
}

func roleSet(roles []string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if role = canonicalRole(role); role != "" {
			set[role] = struct{}{}
		}
	}
	return set
}

func anyRoleAllowed(roles []string, allowed map[string]struct{}) bool {
	for _, role := range roles {
		if _, ok := allowed[canonicalRole(role)]; ok {
			return true
		}
	}
	return false
}

// rolesFromClaims accepts the claim shapes seen in the wild: a single
// string, a list, or a map of role to enabled flag.
func rolesFromClaims(claims map[string]any, key string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, candidate := range roleCandidates(claims[key]) {
		role := canonicalRole(candidate)
		_, dup := seen[role]
		if role == "" || dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func roleCandidates(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		var candidates []string
		for _, item := range v {
			if str, ok := item.(string); ok {
				candidates = append(candidates, str)
			}
		}
		return candidates
	case map[string]any:
		var candidates []string
		for name, value := range v {
			if enabled, ok := value.(bool); ok && enabled {
				candidates = append(candidates, name)
			}
		}
		return candidates
	}
	return nil
}

func stringClaim(claims map[string]any, key string) string {
	str, _ := claims[key].(string)
	return strings.TrimSpace(str)
}

func canonicalRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	token = strings.TrimSpace(token)
	if !found || token == "" || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return token, true
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Code    string `json:"error"`
		Message string `json:"message"`
		Status  int    `json:"status"`
	}{Code: code, Message: message, Status: status})
}

func verificationRejection(err error) *rejection {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return unauthorized("token_expired", "firebase id token expired")
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		return unauthorized("invalid_token", "firebase id token invalid")
	}
	return unauthorized("invalid_token", "firebase id token verification failed")
}
