package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"finitefield.org/storefront-checkout/internal/checkout"
)

// Key identifies a flow: one per browser session and signed-in user. Signing
// in or out mid-checkout therefore starts a fresh flow.
type Key struct {
	SessionID string
	UserID    string
}

func (k Key) String() string {
	return k.SessionID + "|" + k.UserID
}

// Authenticated reports whether the flow belongs to a signed-in customer.
func (k Key) Authenticated() bool {
	return k.UserID != ""
}

// Factory builds the orchestrator of a new flow.
type Factory func(key Key) (*checkout.Orchestrator, error)

// NewFactory returns a Factory building flows from template. Each flow gets
// its own state store, reports feedback to the request Collector and is
// authenticated when the key carries a user.
func NewFactory(template checkout.Deps) Factory {
	return func(key Key) (*checkout.Orchestrator, error) {
		deps := template
		deps.Store = nil
		deps.Notifier = Feedback{}
		deps.Navigator = Feedback{}
		deps.Options.Authenticated = key.Authenticated()
		return checkout.New(deps)
	}
}

var errNoSession = errors.New("session: session id is required")

// Registry holds the live checkout flows. Flows idle for longer than the TTL,
// or pushed out by capacity, are disposed.
type Registry struct {
	mu      sync.Mutex
	flows   *expirable.LRU[string, *checkout.Orchestrator]
	factory Factory
	logger  *zap.Logger
}

// NewRegistry returns a Registry holding up to size flows for ttl each.
func NewRegistry(factory Factory, size int, ttl time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{factory: factory, logger: logger}
	r.flows = expirable.NewLRU[string, *checkout.Orchestrator](size, func(key string, flow *checkout.Orchestrator) {
		flow.Dispose()
		r.logger.Debug("session.flow_disposed", zap.String("flow", key))
	}, ttl)
	return r
}

// Open returns the flow for key, creating it on first use. Every call renews
// the flow's idle deadline.
func (r *Registry) Open(_ context.Context, key Key) (*checkout.Orchestrator, error) {
	if key.SessionID == "" {
		return nil, errNoSession
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := key.String()
	if flow, ok := r.flows.Get(id); ok && !flow.Disposed() {
		r.flows.Add(id, flow)
		return flow, nil
	}
	// An expired or disposed entry may still be held; removing it disposes it.
	r.flows.Remove(id)
	flow, err := r.factory(key)
	if err != nil {
		return nil, err
	}
	r.flows.Add(id, flow)
	r.logger.Debug("session.flow_opened", zap.String("flow", id), zap.Bool("authenticated", key.Authenticated()))
	return flow, nil
}

// Lookup returns an existing flow without creating one.
func (r *Registry) Lookup(key Key) (*checkout.Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := key.String()
	flow, ok := r.flows.Get(id)
	if !ok || flow.Disposed() {
		return nil, false
	}
	r.flows.Add(id, flow)
	return flow, true
}

// Close disposes and forgets the flow for key. It reports whether a flow existed.
func (r *Registry) Close(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flows.Remove(key.String())
}

// Len returns the number of live flows.
func (r *Registry) Len() int {
	return r.flows.Len()
}

// Shutdown disposes every flow.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows.Purge()
}
