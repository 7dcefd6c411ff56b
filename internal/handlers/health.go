package handlers

import (
	"net/http"
	"time"

	"finitefield.org/storefront-checkout/internal/platform/httpx"
)

// HealthHandlers serves the liveness probe.
type HealthHandlers struct {
	started time.Time
	now     func() time.Time
	version string
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithVersion reports version in the health payload.
func WithVersion(version string) HealthOption {
	return func(h *HealthHandlers) { h.version = version }
}

// WithHealthClock overrides the time source.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHealthHandlers returns health handlers whose uptime starts now.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.started = h.now()
	return h
}

// Healthz reports liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	payload := map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.started).Round(time.Second).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	}
	if h.version != "" {
		payload["version"] = h.version
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}
