// Package session binds browser sessions to checkout flows: a signed session
// cookie identifies the browser, the Registry keeps one flow per session and
// identity, and a per-request Collector gathers the flow's notices and
// navigation for the response.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"finitefield.org/storefront-checkout/internal/platform/requestctx"
)

// CookieName is the name of the signed session cookie.
const CookieName = "STOREFRONT_CHECKOUT_SESSION"

// Data is the payload of the session cookie.
type Data struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// Manager issues and verifies session cookies.
type Manager struct {
	key    []byte
	secure bool
	now    func() time.Time
	logger *zap.Logger
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithSecureCookies marks cookies Secure.
func WithSecureCookies(secure bool) ManagerOption {
	return func(m *Manager) { m.secure = secure }
}

// WithManagerLogger sets the logger used for key and cookie warnings.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns a Manager signing with key. An empty key is replaced by
// a random process-local key, so sessions do not survive a restart.
func NewManager(key string, opts ...ManagerOption) *Manager {
	m := &Manager{
		key:    []byte(key),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if len(m.key) == 0 {
		m.key = make([]byte, 32)
		if _, err := rand.Read(m.key); err != nil {
			m.logger.Error("session.signing_key_generation_failed", zap.Error(err))
		}
		m.logger.Warn("session.ephemeral_signing_key")
	}
	return m
}

type sessionContextKey struct{}

// FromContext returns the session attached by Middleware.
func FromContext(ctx context.Context) (Data, bool) {
	if ctx == nil {
		return Data{}, false
	}
	data, ok := ctx.Value(sessionContextKey{}).(Data)
	return data, ok
}

// WithData attaches session data to ctx.
func WithData(ctx context.Context, data Data) context.Context {
	ctx = context.WithValue(ctx, sessionContextKey{}, data)
	return requestctx.WithSessionID(ctx, data.ID)
}

// Middleware loads the session cookie, issuing a new session when the cookie
// is missing or fails verification.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := m.read(r)
		if !ok {
			data = Data{ID: ulid.Make().String(), CreatedAt: m.now().UTC()}
			m.write(w, data)
		}
		next.ServeHTTP(w, r.WithContext(WithData(r.Context(), data)))
	})
}

func (m *Manager) read(r *http.Request) (Data, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return Data{}, false
	}
	payload, sig, ok := strings.Cut(c.Value, ".")
	if !ok {
		return Data{}, false
	}
	payloadB, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Data{}, false
	}
	sigB, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return Data{}, false
	}
	if !hmac.Equal(sigB, m.sign(payloadB)) {
		m.logger.Debug("session.cookie_signature_mismatch")
		return Data{}, false
	}
	var data Data
	if err := json.Unmarshal(payloadB, &data); err != nil {
		return Data{}, false
	}
	if _, err := ulid.ParseStrict(data.ID); err != nil {
		return Data{}, false
	}
	return data, true
}

func (m *Manager) write(w http.ResponseWriter, data Data) {
	b, _ := json.Marshal(data)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    base64.RawURLEncoding.EncodeToString(b) + "." + base64.RawURLEncoding.EncodeToString(m.sign(b)),
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, m.key)
	mac.Write(payload)
	return mac.Sum(nil)
}
