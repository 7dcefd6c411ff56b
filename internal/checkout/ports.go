package checkout

import (
	"context"
	"time"

	"finitefield.org/storefront-checkout/internal/domain"
)

// DeliveryMethodSource lists the active delivery methods.
type DeliveryMethodSource interface {
	ListActive(ctx context.Context) ([]domain.DeliveryMethod, error)
}

// PaymentMethodSource lists the active payment methods.
type PaymentMethodSource interface {
	ListActive(ctx context.Context) ([]domain.PaymentMethod, error)
}

// AddressSource lists the caller's saved addresses.
type AddressSource interface {
	List(ctx context.Context) ([]domain.Address, error)
}

// LocationSource serves the city and neighborhood reference lists.
type LocationSource interface {
	Cities(ctx context.Context) ([]domain.City, error)
	NeighborhoodsByCity(ctx context.Context, cityID string) ([]domain.Neighborhood, error)
}

// CartGateway reads and clears the active cart.
type CartGateway interface {
	Get(ctx context.Context) (*domain.Cart, error)
	Clear(ctx context.Context) error
}

// OrderGateway creates orders.
type OrderGateway interface {
	Create(ctx context.Context, submission domain.OrderSubmission) (domain.Order, error)
}

// PaymentGateway requests payment preferences for created orders.
type PaymentGateway interface {
	CreatePreference(ctx context.Context, orderID string) (domain.PaymentPreference, error)
}

// NotificationGateway dispatches manual order notifications.
type NotificationGateway interface {
	SendManual(ctx context.Context, notification domain.ManualNotification) error
}

// NoticeLevel is the presentation level of a Notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a single user-visible message.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message"`
}

// Notifier presents notices to the customer.
type Notifier interface {
	Notify(ctx context.Context, notice Notice)
}

// Destination is a navigation target. External destinations leave the
// storefront; Delay asks the browser to wait before navigating.
type Destination struct {
	Path     string        `json:"path,omitempty"`
	URL      string        `json:"url,omitempty"`
	External bool          `json:"external"`
	Delay    time.Duration `json:"-"`
}

// Navigator moves the customer to another view.
type Navigator interface {
	Navigate(ctx context.Context, dest Destination)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, notice Notice)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, notice Notice) { f(ctx, notice) }

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, dest Destination)

// Navigate implements Navigator.
func (f NavigatorFunc) Navigate(ctx context.Context, dest Destination) { f(ctx, dest) }

type discardFeedback struct{}

func (discardFeedback) Notify(context.Context, Notice)        {}
func (discardFeedback) Navigate(context.Context, Destination) {}
