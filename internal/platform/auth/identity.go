// Package auth extracts the storefront customer's identity from the bearer
// token forwarded by the browser. Signatures are verified by the upstream API
// on every forwarded call; this package only reads the claims.
package auth

import (
	"context"
	"strings"
	"time"
)

// Role constants understood by the storefront.
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// Identity is the authenticated customer behind a request.
type Identity struct {
	UID       string
	Email     string
	Roles     []string
	ExpiresAt time.Time

	token string
}

// Token returns the raw bearer token to forward upstream.
func (i *Identity) Token() string {
	if i == nil {
		return ""
	}
	return i.token
}

// HasRole reports whether the identity includes role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

type contextKey string

const identityContextKey contextKey = "finitefield.org/storefront-checkout/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity stored by the middleware. Guest
// requests have none.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
