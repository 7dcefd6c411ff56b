package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"finitefield.org/storefront-checkout/internal/domain"
)

const idempotencyHeader = "Idempotency-Key"

// Cart reads and clears the caller's active cart.
type Cart struct {
	client *Client
}

// NewCart returns a cart gateway.
func NewCart(client *Client) *Cart {
	return &Cart{client: client}
}

// Get returns the live cart snapshot.
func (s *Cart) Get(ctx context.Context) (*domain.Cart, error) {
	var cart domain.Cart
	if err := s.client.getJSON(ctx, "/cart", &cart); err != nil {
		return nil, err
	}
	return &cart, nil
}

// Clear empties the active cart.
func (s *Cart) Clear(ctx context.Context) error {
	return s.client.sendJSON(ctx, http.MethodPost, "/cart/clear", nil, nil)
}

// Orders creates orders.
type Orders struct {
	client *Client
	newKey func() string
}

// NewOrders returns an order gateway. Each Create call carries a fresh ULID
// idempotency key.
func NewOrders(client *Client) *Orders {
	return &Orders{
		client: client,
		newKey: func() string { return ulid.Make().String() },
	}
}

type orderItemPayload struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// orderPayload carries either selectedAddressId or the shipping* fields of a
// new address, never both.
type orderPayload struct {
	Items                  []orderItemPayload `json:"items"`
	DeliveryMethodID       string             `json:"deliveryMethodId"`
	DeliveryMethodCode     string             `json:"deliveryMethodCode,omitempty"`
	PaymentMethodID        string             `json:"paymentMethodId"`
	SelectedAddressID      string             `json:"selectedAddressId,omitempty"`
	ShippingRecipientName  string             `json:"shippingRecipientName,omitempty"`
	ShippingPhone          string             `json:"shippingPhone,omitempty"`
	ShippingStreetAddress  string             `json:"shippingStreetAddress,omitempty"`
	ShippingPostalCode     string             `json:"shippingPostalCode,omitempty"`
	ShippingNeighborhoodID string             `json:"shippingNeighborhoodId,omitempty"`
	ShippingAdditionalInfo string             `json:"shippingAdditionalInfo,omitempty"`
	CustomerName           string             `json:"customerName,omitempty"`
	CustomerEmail          string             `json:"customerEmail,omitempty"`
	Notes                  string             `json:"notes,omitempty"`
}

type orderResponse struct {
	ID        flexibleID      `json:"id"`
	Status    string          `json:"status"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt string          `json:"createdAt"`
}

// Create posts the submission and returns the created order.
func (s *Orders) Create(ctx context.Context, submission domain.OrderSubmission) (domain.Order, error) {
	req, err := s.client.newJSONRequest(ctx, http.MethodPost, "/orders", toOrderPayload(submission))
	if err != nil {
		return domain.Order{}, err
	}
	req.Header.Set(idempotencyHeader, s.newKey())

	var resp orderResponse
	if err := s.client.decode(req, &resp); err != nil {
		return domain.Order{}, err
	}
	return domain.Order{
		ID:        string(resp.ID),
		Status:    strings.TrimSpace(resp.Status),
		Total:     resp.Total,
		CreatedAt: parseTime(resp.CreatedAt),
	}, nil
}

func toOrderPayload(submission domain.OrderSubmission) orderPayload {
	payload := orderPayload{
		Items: lo.Map(submission.Items, func(item domain.OrderItem, _ int) orderItemPayload {
			return orderItemPayload{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPrice,
			}
		}),
		DeliveryMethodID:   submission.DeliveryMethodID,
		DeliveryMethodCode: submission.DeliveryMethodCode,
		PaymentMethodID:    submission.PaymentMethodID,
		CustomerName:       submission.CustomerName,
		CustomerEmail:      submission.CustomerEmail,
		Notes:              submission.Notes,
	}
	if shipping := submission.Shipping; shipping != nil {
		payload.ShippingRecipientName = shipping.RecipientName
		payload.ShippingPhone = shipping.Phone
		payload.ShippingStreetAddress = shipping.StreetAddress
		payload.ShippingPostalCode = shipping.PostalCode
		payload.ShippingNeighborhoodID = shipping.NeighborhoodID
		payload.ShippingAdditionalInfo = shipping.AdditionalInfo
	} else {
		payload.SelectedAddressID = submission.SelectedAddressID
	}
	return payload
}

// Payments requests gateway payment preferences.
type Payments struct {
	client *Client
}

// NewPayments returns a payment gateway.
func NewPayments(client *Client) *Payments {
	return &Payments{client: client}
}

// CreatePreference requests a preference for orderID. A response without a
// preference yields an empty PaymentPreference.
func (s *Payments) CreatePreference(ctx context.Context, orderID string) (domain.PaymentPreference, error) {
	body := map[string]string{"orderId": strings.TrimSpace(orderID)}
	var resp struct {
		Preference *struct {
			ID               string `json:"id"`
			InitPoint        string `json:"init_point"`
			SandboxInitPoint string `json:"sandbox_init_point"`
		} `json:"preference"`
	}
	if err := s.client.sendJSON(ctx, http.MethodPost, "/payments/preference", body, &resp); err != nil {
		return domain.PaymentPreference{}, err
	}
	if resp.Preference == nil {
		return domain.PaymentPreference{}, nil
	}
	return domain.PaymentPreference{
		ID:               strings.TrimSpace(resp.Preference.ID),
		InitPoint:        strings.TrimSpace(resp.Preference.InitPoint),
		SandboxInitPoint: strings.TrimSpace(resp.Preference.SandboxInitPoint),
	}, nil
}

// Notifications dispatches manual order notifications.
type Notifications struct {
	client *Client
}

// NewNotifications returns a notification gateway.
func NewNotifications(client *Client) *Notifications {
	return &Notifications{client: client}
}

// SendManual posts an email and Telegram notification request.
func (s *Notifications) SendManual(ctx context.Context, n domain.ManualNotification) error {
	body := struct {
		Subject        string `json:"subject"`
		Message        string `json:"message"`
		EmailTo        string `json:"emailTo,omitempty"`
		TelegramChatID string `json:"telegramChatId,omitempty"`
	}{
		Subject:        n.Subject,
		Message:        n.Message,
		EmailTo:        strings.TrimSpace(n.EmailTo),
		TelegramChatID: strings.TrimSpace(n.TelegramChatID),
	}
	return s.client.sendJSON(ctx, http.MethodPost, "/notifications/manual", body, nil)
}

// flexibleID accepts string and numeric identifiers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("apiclient: id must be a string or number: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	return time.Time{}
}
