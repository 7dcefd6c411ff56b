package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"finitefield.org/storefront-checkout/internal/domain"
)

const (
	// DefaultDeliveryMethodsTTL is how long the delivery method list is reused.
	DefaultDeliveryMethodsTTL = 5 * time.Minute
	// DefaultCitiesTTL is how long the city list is reused.
	DefaultCitiesTTL = 30 * time.Minute

	activeKey = "active"
)

// DeliveryMethods lists delivery methods through a shared TTL cache. Admin
// mutations invalidate the cache whether or not they succeed.
type DeliveryMethods struct {
	client *Client
	cache  *expirable.LRU[string, []domain.DeliveryMethod]
}

// NewDeliveryMethods returns a delivery method source caching for ttl.
func NewDeliveryMethods(client *Client, ttl time.Duration) *DeliveryMethods {
	if ttl <= 0 {
		ttl = DefaultDeliveryMethodsTTL
	}
	return &DeliveryMethods{
		client: client,
		cache:  expirable.NewLRU[string, []domain.DeliveryMethod](1, nil, ttl),
	}
}

// ListActive returns the active delivery methods.
func (s *DeliveryMethods) ListActive(ctx context.Context) ([]domain.DeliveryMethod, error) {
	if cached, ok := s.cache.Get(activeKey); ok {
		return slices.Clone(cached), nil
	}
	var payload struct {
		DeliveryMethods []domain.DeliveryMethod `json:"deliveryMethods"`
	}
	if err := s.client.getJSON(ctx, "/delivery-methods", &payload); err != nil {
		return nil, err
	}
	active := lo.Filter(payload.DeliveryMethods, func(m domain.DeliveryMethod, _ int) bool { return m.IsActive })
	s.cache.Add(activeKey, active)
	return slices.Clone(active), nil
}

// DeliveryMethodInput is the body of a delivery method create or update.
type DeliveryMethodInput struct {
	Code            string          `json:"code"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Price           decimal.Decimal `json:"price"`
	RequiresAddress bool            `json:"requiresAddress"`
	IsActive        bool            `json:"isActive"`
}

// Create adds a delivery method.
func (s *DeliveryMethods) Create(ctx context.Context, input DeliveryMethodInput) (domain.DeliveryMethod, error) {
	defer s.cache.Purge()
	var out domain.DeliveryMethod
	if err := s.client.sendJSON(ctx, http.MethodPost, "/delivery-methods", normalizeInput(input), &out); err != nil {
		return domain.DeliveryMethod{}, err
	}
	return out, nil
}

// Update replaces a delivery method.
func (s *DeliveryMethods) Update(ctx context.Context, id string, input DeliveryMethodInput) (domain.DeliveryMethod, error) {
	defer s.cache.Purge()
	var out domain.DeliveryMethod
	if err := s.client.sendJSON(ctx, http.MethodPut, deliveryMethodPath(id), normalizeInput(input), &out); err != nil {
		return domain.DeliveryMethod{}, err
	}
	return out, nil
}

// Delete removes a delivery method.
func (s *DeliveryMethods) Delete(ctx context.Context, id string) error {
	defer s.cache.Purge()
	req, err := s.client.newRequest(ctx, http.MethodDelete, deliveryMethodPath(id), nil)
	if err != nil {
		return err
	}
	return s.client.decode(req, nil)
}

func deliveryMethodPath(id string) string {
	return path.Join("/delivery-methods", url.PathEscape(strings.TrimSpace(id)))
}

func normalizeInput(input DeliveryMethodInput) DeliveryMethodInput {
	input.Code = domain.NormalizeCode(input.Code)
	input.Name = strings.TrimSpace(input.Name)
	input.Description = strings.TrimSpace(input.Description)
	return input
}

// PaymentMethods lists the active payment methods.
type PaymentMethods struct {
	client *Client
}

// NewPaymentMethods returns a payment method source.
func NewPaymentMethods(client *Client) *PaymentMethods {
	return &PaymentMethods{client: client}
}

// ListActive returns the active payment methods.
func (s *PaymentMethods) ListActive(ctx context.Context) ([]domain.PaymentMethod, error) {
	var raw json.RawMessage
	if err := s.client.getJSON(ctx, "/payment-methods?active=true", &raw); err != nil {
		return nil, err
	}
	methods, err := decodeList[domain.PaymentMethod](raw, "paymentMethods")
	if err != nil {
		return nil, err
	}
	return lo.Filter(methods, func(m domain.PaymentMethod, _ int) bool { return m.IsActive }), nil
}

// Addresses lists the saved addresses of the caller identified by the bearer token.
type Addresses struct {
	client *Client
}

// NewAddresses returns an address source.
func NewAddresses(client *Client) *Addresses {
	return &Addresses{client: client}
}

// List returns the caller's saved addresses.
func (s *Addresses) List(ctx context.Context) ([]domain.Address, error) {
	var raw json.RawMessage
	if err := s.client.getJSON(ctx, "/addresses", &raw); err != nil {
		return nil, err
	}
	return decodeList[domain.Address](raw, "addresses")
}

// Locations serves cities through a TTL cache and neighborhoods per city.
type Locations struct {
	client *Client
	cities *expirable.LRU[string, []domain.City]
}

// NewLocations returns a location source caching the city list for ttl.
func NewLocations(client *Client, ttl time.Duration) *Locations {
	if ttl <= 0 {
		ttl = DefaultCitiesTTL
	}
	return &Locations{
		client: client,
		cities: expirable.NewLRU[string, []domain.City](1, nil, ttl),
	}
}

// Cities returns every city.
func (s *Locations) Cities(ctx context.Context) ([]domain.City, error) {
	if cached, ok := s.cities.Get(activeKey); ok {
		return slices.Clone(cached), nil
	}
	var raw json.RawMessage
	if err := s.client.getJSON(ctx, "/cities", &raw); err != nil {
		return nil, err
	}
	cities, err := decodeList[domain.City](raw, "cities")
	if err != nil {
		return nil, err
	}
	s.cities.Add(activeKey, cities)
	return slices.Clone(cities), nil
}

// NeighborhoodsByCity returns the neighborhoods of one city.
func (s *Locations) NeighborhoodsByCity(ctx context.Context, cityID string) ([]domain.Neighborhood, error) {
	cityID = strings.TrimSpace(cityID)
	if cityID == "" {
		return nil, fmt.Errorf("apiclient: city id is required")
	}
	var raw json.RawMessage
	if err := s.client.getJSON(ctx, path.Join("/neighborhoods/by-city", url.PathEscape(cityID)), &raw); err != nil {
		return nil, err
	}
	neighborhoods, err := decodeList[domain.Neighborhood](raw, "neighborhoods")
	if err != nil {
		return nil, err
	}
	for i := range neighborhoods {
		if neighborhoods[i].CityID == "" {
			neighborhoods[i].CityID = cityID
		}
	}
	return neighborhoods, nil
}

// decodeList accepts either a bare JSON array or an object wrapping the array
// under key.
func decodeList[T any](raw json.RawMessage, key string) ([]T, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return []T{}, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var items []T
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("apiclient: decode %s: %w", key, err)
		}
		return items, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("apiclient: decode %s: %w", key, err)
	}
	inner, ok := wrapped[key]
	if !ok {
		return []T{}, nil
	}
	var items []T
	if err := json.Unmarshal(inner, &items); err != nil {
		return nil, fmt.Errorf("apiclient: decode %s: %w", key, err)
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}
