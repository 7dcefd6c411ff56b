package session

import (
	"context"
	"slices"
	"sync"

	"finitefield.org/storefront-checkout/internal/checkout"
)

// Collector gathers the notices and the last navigation a flow emits while
// handling one request.
type Collector struct {
	mu         sync.Mutex
	notices    []checkout.Notice
	navigation *checkout.Destination
}

type collectorKey struct{}

// WithCollector attaches a fresh Collector to ctx.
func WithCollector(ctx context.Context) (context.Context, *Collector) {
	c := &Collector{}
	return context.WithValue(ctx, collectorKey{}, c), c
}

// CollectorFromContext returns the Collector attached to ctx.
func CollectorFromContext(ctx context.Context) (*Collector, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(collectorKey{}).(*Collector)
	return c, ok && c != nil
}

// Notices returns the collected notices in emission order.
func (c *Collector) Notices() []checkout.Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notices == nil {
		return []checkout.Notice{}
	}
	return slices.Clone(c.notices)
}

// Navigation returns the last requested destination, or nil.
func (c *Collector) Navigation() *checkout.Destination {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.navigation == nil {
		return nil
	}
	dest := *c.navigation
	return &dest
}

// Feedback implements checkout.Notifier and checkout.Navigator by routing to
// the Collector of the calling request. Feedback emitted outside a request is
// dropped.
type Feedback struct{}

// Notify implements checkout.Notifier.
func (Feedback) Notify(ctx context.Context, notice checkout.Notice) {
	c, ok := CollectorFromContext(ctx)
	if !ok {
		return
	}
	c.mu.Lock()
	c.notices = append(c.notices, notice)
	c.mu.Unlock()
}

// Navigate implements checkout.Navigator.
func (Feedback) Navigate(ctx context.Context, dest checkout.Destination) {
	c, ok := CollectorFromContext(ctx)
	if !ok {
		return
	}
	c.mu.Lock()
	c.navigation = &dest
	c.mu.Unlock()
}
