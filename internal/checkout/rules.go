package checkout

import (
	"fmt"
	"os"
	"slices"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"finitefield.org/storefront-checkout/internal/domain"
)

// PaymentRules maps delivery method codes to the payment method codes they accept.
type PaymentRules struct {
	byDelivery map[string][]string
}

// DefaultPaymentRules accepts cash and the online gateway for pickup and only
// the online gateway for delivery-like methods.
func DefaultPaymentRules() PaymentRules {
	return PaymentRules{byDelivery: map[string][]string{
		domain.DeliveryCodePickup:   {domain.PaymentCodeCash, domain.PaymentCodeMercadoPago},
		domain.DeliveryCodeShipping: {domain.PaymentCodeMercadoPago},
		domain.DeliveryCodeDelivery: {domain.PaymentCodeMercadoPago},
		domain.DeliveryCodeExpress:  {domain.PaymentCodeMercadoPago},
	}}
}

type rulesFile struct {
	DeliveryMethods map[string][]string `yaml:"deliveryMethods"`
}

// ParsePaymentRules reads a YAML compatibility table:
//
//	deliveryMethods:
//	  PICKUP: [CASH, MERCADO_PAGO]
//	  SHIPPING: [MERCADO_PAGO]
func ParsePaymentRules(data []byte) (PaymentRules, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return PaymentRules{}, fmt.Errorf("checkout: parse payment rules: %w", err)
	}
	if len(file.DeliveryMethods) == 0 {
		return PaymentRules{}, fmt.Errorf("checkout: payment rules define no delivery methods")
	}
	rules := PaymentRules{byDelivery: make(map[string][]string, len(file.DeliveryMethods))}
	for code, payments := range file.DeliveryMethods {
		key := domain.NormalizeCode(code)
		if key == "" {
			continue
		}
		normalized := lo.Uniq(lo.FilterMap(payments, func(p string, _ int) (string, bool) {
			p = domain.NormalizeCode(p)
			return p, p != ""
		}))
		rules.byDelivery[key] = normalized
	}
	return rules, nil
}

// LoadPaymentRules reads rules from path, or returns the defaults when path is empty.
func LoadPaymentRules(path string) (PaymentRules, error) {
	if path == "" {
		return DefaultPaymentRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PaymentRules{}, fmt.Errorf("checkout: read payment rules %s: %w", path, err)
	}
	return ParsePaymentRules(data)
}

// Allowed returns the payment codes accepted for a delivery code and whether
// the code is known to the table.
func (r PaymentRules) Allowed(deliveryCode string) ([]string, bool) {
	codes, ok := r.byDelivery[domain.NormalizeCode(deliveryCode)]
	return slices.Clone(codes), ok
}

// Filter returns the subset of all compatible with method, preserving order.
// Unknown delivery codes accept only online methods when an address is
// required and every method otherwise.
func (r PaymentRules) Filter(method domain.DeliveryMethod, all []domain.PaymentMethod) []domain.PaymentMethod {
	allowed, known := r.Allowed(method.Code)
	if !known {
		if method.RequiresAddress {
			return lo.Filter(all, func(p domain.PaymentMethod, _ int) bool { return p.RequiresOnlinePayment })
		}
		return slices.Clone(all)
	}
	return lo.Filter(all, func(p domain.PaymentMethod, _ int) bool {
		return lo.Contains(allowed, domain.NormalizeCode(p.Code))
	})
}

// fallbackPaymentMethods is the degraded set used when the payment method
// list could not be fetched.
func fallbackPaymentMethods(method domain.DeliveryMethod) []domain.PaymentMethod {
	if method.RequiresAddress {
		return []domain.PaymentMethod{}
	}
	return []domain.PaymentMethod{{
		ID:       "cash",
		Code:     domain.PaymentCodeCash,
		Name:     "Cash",
		IsActive: true,
	}}
}
