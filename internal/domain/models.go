package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Delivery method codes known to the storefront.
const (
	DeliveryCodePickup   = "PICKUP"
	DeliveryCodeShipping = "SHIPPING"
	DeliveryCodeDelivery = "DELIVERY"
	DeliveryCodeExpress  = "EXPRESS"
)

// Payment method codes known to the storefront.
const (
	PaymentCodeCash        = "CASH"
	PaymentCodeMercadoPago = "MERCADO_PAGO"
)

// CartItem is a single cart line as exposed by the cart subsystem.
type CartItem struct {
	ProductID        string          `json:"productId"`
	Name             string          `json:"name,omitempty"`
	Quantity         int             `json:"quantity"`
	UnitPriceWithTax decimal.Decimal `json:"unitPriceWithTax"`
	Subtotal         decimal.Decimal `json:"subtotalWithTax"`
}

// Cart is a read-only snapshot of the active cart.
type Cart struct {
	ID     string          `json:"id,omitempty"`
	Items  []CartItem      `json:"items"`
	Total  decimal.Decimal `json:"total"`
	UserID string          `json:"userId,omitempty"`
}

// IsEmpty reports whether the cart is absent or has no lines.
func (c *Cart) IsEmpty() bool {
	return c == nil || len(c.Items) == 0
}

// DeliveryMethod is a way of fulfilling an order.
type DeliveryMethod struct {
	ID              string          `json:"id"`
	Code            string          `json:"code"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Price           decimal.Decimal `json:"price"`
	RequiresAddress bool            `json:"requiresAddress"`
	IsActive        bool            `json:"isActive"`
}

// PaymentMethod is a way of settling an order.
type PaymentMethod struct {
	ID                    string `json:"id"`
	Code                  string `json:"code"`
	Name                  string `json:"name"`
	Description           string `json:"description,omitempty"`
	RequiresOnlinePayment bool   `json:"requiresOnlinePayment"`
	IsActive              bool   `json:"isActive"`
}

// Address is a shipping address previously saved by an authenticated customer.
type Address struct {
	ID               string `json:"id"`
	RecipientName    string `json:"recipientName"`
	Phone            string `json:"phone"`
	StreetAddress    string `json:"streetAddress"`
	PostalCode       string `json:"postalCode,omitempty"`
	NeighborhoodID   string `json:"neighborhoodId"`
	NeighborhoodName string `json:"neighborhoodName,omitempty"`
	CityID           string `json:"cityId"`
	CityName         string `json:"cityName,omitempty"`
	AdditionalInfo   string `json:"additionalInfo,omitempty"`
	Alias            string `json:"alias,omitempty"`
	IsDefault        bool   `json:"isDefault"`
}

// City is a reference entry used by the new-address form.
type City struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Neighborhood belongs to exactly one city.
type Neighborhood struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	CityID string `json:"cityId"`
}

// GuestCustomerInfo identifies an unauthenticated buyer.
type GuestCustomerInfo struct {
	CustomerName  string `json:"customerName"`
	CustomerEmail string `json:"customerEmail"`
}

// Complete reports whether both guest fields carry a value.
func (g *GuestCustomerInfo) Complete() bool {
	if g == nil {
		return false
	}
	return strings.TrimSpace(g.CustomerName) != "" && strings.TrimSpace(g.CustomerEmail) != ""
}

// OrderItem is one line of an order submission.
type OrderItem struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
}

// ShippingDetails carries the six address fields sent when a new address is used.
type ShippingDetails struct {
	RecipientName  string
	Phone          string
	StreetAddress  string
	PostalCode     string
	NeighborhoodID string
	AdditionalInfo string
}

// OrderSubmission is built once per submit attempt and never stored.
// At most one of SelectedAddressID and Shipping is set, and neither is set when
// the delivery method does not require an address.
type OrderSubmission struct {
	Items              []OrderItem
	DeliveryMethodID   string
	DeliveryMethodCode string
	PaymentMethodID    string
	SelectedAddressID  string
	Shipping           *ShippingDetails
	CustomerName       string
	CustomerEmail      string
	Notes              string
}

// Order is the upstream order returned after creation.
type Order struct {
	ID        string          `json:"id"`
	Status    string          `json:"status,omitempty"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
}

// PaymentPreference is the gateway redirect target for an order.
type PaymentPreference struct {
	ID               string
	InitPoint        string
	SandboxInitPoint string
}

// RedirectURL picks the sandbox or production init point.
func (p PaymentPreference) RedirectURL(sandbox bool) string {
	if sandbox && strings.TrimSpace(p.SandboxInitPoint) != "" {
		return strings.TrimSpace(p.SandboxInitPoint)
	}
	return strings.TrimSpace(p.InitPoint)
}

// ManualNotification is the best-effort email and Telegram message sent for cash orders.
type ManualNotification struct {
	Subject        string
	Message        string
	EmailTo        string
	TelegramChatID string
}

// NormalizeCode upper-cases and trims a delivery or payment code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
