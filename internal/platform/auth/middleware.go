package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"finitefield.org/storefront-checkout/internal/platform/httpx"
)

const (
	defaultRoleClaim    = "role"
	defaultEmailClaim   = "email"
	defaultFallbackRole = RoleCustomer
	defaultLeeway       = 30 * time.Second
)

var (
	// ErrTokenExpired signals that the bearer token's exp claim has passed.
	ErrTokenExpired = errors.New("auth: bearer token expired")
	// ErrTokenInvalid signals a token that cannot be decoded or has no subject.
	ErrTokenInvalid = errors.New("auth: bearer token invalid")
)

// Authenticator reads bearer token claims into an Identity.
type Authenticator struct {
	parser *jwt.Parser

	roleClaim    string
	emailClaim   string
	fallbackRole string
	leeway       time.Duration
	now          func() time.Time
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		claim = strings.TrimSpace(claim)
		if claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithEmailClaim overrides the claim used to populate Identity.Email.
func WithEmailClaim(claim string) Option {
	return func(a *Authenticator) {
		claim = strings.TrimSpace(claim)
		if claim != "" {
			a.emailClaim = claim
		}
	}
}

// WithLeeway tolerates clock skew when checking exp.
func WithLeeway(d time.Duration) Option {
	return func(a *Authenticator) {
		if d >= 0 {
			a.leeway = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(opts ...Option) *Authenticator {
	a := &Authenticator{
		parser:       jwt.NewParser(),
		roleClaim:    defaultRoleClaim,
		emailClaim:   defaultEmailClaim,
		fallbackRole: defaultFallbackRole,
		leeway:       defaultLeeway,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Identify decodes token into an Identity without verifying its signature.
func (a *Authenticator) Identify(token string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := a.parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	uid := claimAsString(claims, "sub")
	if uid == "" {
		uid = claimAsString(claims, "uid")
	}
	if uid == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if !claims.VerifyExpiresAt(a.now().Add(-a.leeway).Unix(), false) {
		return nil, ErrTokenExpired
	}

	identity := &Identity{
		UID:       uid,
		Email:     claimAsString(claims, a.emailClaim),
		Roles:     rolesFromClaims(claims, a.roleClaim),
		ExpiresAt: expiresAt(claims),
		token:     token,
	}
	if identity.Email == "" {
		identity.Email = claimAsString(claims, defaultEmailClaim)
	}
	if len(identity.Roles) == 0 && a.fallbackRole != "" {
		identity.Roles = []string{a.fallbackRole}
	}
	return identity, nil
}

// OptionalBearer attaches an Identity when the request carries a bearer
// token. Requests without an Authorization header pass through as guests; a
// malformed, undecodable or expired token is rejected with 401.
func (a *Authenticator) OptionalBearer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if strings.TrimSpace(header) == "" {
				next.ServeHTTP(w, r)
				return
			}
			tokenStr, ok := extractBearerToken(header)
			if !ok {
				respondAuthError(w, r, "unauthenticated", "authorization header invalid")
				return
			}
			identity, err := a.Identify(tokenStr)
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					respondAuthError(w, r, "token_expired", "session expired, sign in again")
					return
				}
				respondAuthError(w, r, "invalid_token", "bearer token invalid")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func expiresAt(claims jwt.MapClaims) time.Time {
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0).UTC()
	case int64:
		return time.Unix(exp, 0).UTC()
	default:
		return time.Time{}
	}
}

func rolesFromClaims(claims map[string]interface{}, key string) []string {
	raw, ok := claims[key]
	if !ok {
		return nil
	}
	var values []string
	switch v := raw.(type) {
	case string:
		values = strings.Split(v, ",")
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}
	case []string:
		values = v
	default:
		return nil
	}

	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		role := normaliseRole(value)
		if role == "" {
			continue
		}
		if _, exists := seen[role]; exists {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func claimAsString(claims map[string]interface{}, key string) string {
	v, ok := claims[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

func respondAuthError(w http.ResponseWriter, r *http.Request, code, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="storefront"`)
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, http.StatusUnauthorized))
}
