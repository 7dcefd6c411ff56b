package checkout

import (
	"slices"
	"sort"

	"finitefield.org/storefront-checkout/internal/domain"
)

// Address selection modes exposed in the view.
const (
	AddressModeNone     = ""
	AddressModeExisting = "existing"
	AddressModeNew      = "new"
)

// View is the read model rendered by the browser.
type View struct {
	Version                 uint64                    `json:"version"`
	IsGuestCheckout         bool                      `json:"isGuestCheckout"`
	DeliveryMethods         []domain.DeliveryMethod   `json:"deliveryMethods"`
	DeliveryMethodsError    string                    `json:"deliveryMethodsError,omitempty"`
	SelectedDeliveryMethod  *domain.DeliveryMethod    `json:"selectedDeliveryMethod"`
	PaymentMethods          []domain.PaymentMethod    `json:"paymentMethods"`
	PaymentMethodsDegraded  bool                      `json:"paymentMethodsDegraded"`
	SelectedPaymentMethodID string                    `json:"selectedPaymentMethodId,omitempty"`
	ShowAddressSection      bool                      `json:"showAddressSection"`
	Address                 AddressView               `json:"address"`
	Guest                   *domain.GuestCustomerInfo `json:"guest,omitempty"`
	Notes                   string                    `json:"notes,omitempty"`
	IsCheckoutValid         bool                      `json:"isCheckoutValid"`
	IsProcessingOrder       bool                      `json:"isProcessingOrder"`
}

// AddressView is the address section of the view.
type AddressView struct {
	Mode                 string                `json:"mode"`
	SelectedAddressID    string                `json:"selectedAddressId,omitempty"`
	SavedAddresses       []domain.Address      `json:"savedAddresses"`
	SavedAddressesError  string                `json:"savedAddressesError,omitempty"`
	Draft                domain.AddressDraft   `json:"draft"`
	Touched              []string              `json:"touched"`
	Errors               map[string]string     `json:"errors,omitempty"`
	Cities               []domain.City         `json:"cities"`
	CitiesLoading        bool                  `json:"citiesLoading"`
	CitiesError          string                `json:"citiesError,omitempty"`
	Neighborhoods        []domain.Neighborhood `json:"neighborhoods"`
	NeighborhoodEnabled  bool                  `json:"neighborhoodEnabled"`
	NeighborhoodsLoading bool                  `json:"neighborhoodsLoading"`
	NeighborhoodsError   string                `json:"neighborhoodsError,omitempty"`
}

// View returns the current read model of the flow.
func (o *Orchestrator) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := o.store.Snapshot()
	v := View{
		Version:                 snap.Version,
		IsGuestCheckout:         snap.IsGuestCheckout,
		DeliveryMethods:         nonNil(snap.AvailableDeliveryMethods),
		SelectedDeliveryMethod:  snap.SelectedDeliveryMethod,
		PaymentMethods:          nonNil(slices.Clone(o.available)),
		PaymentMethodsDegraded:  o.paymentsDegraded,
		SelectedPaymentMethodID: snap.SelectedPaymentMethodID,
		ShowAddressSection:      snap.ShouldShowAddressSection,
		Notes:                   o.notes,
		IsCheckoutValid:         snap.IsCheckoutValid,
		IsProcessingOrder:       o.processing,
	}
	if o.deliveryErr != nil {
		v.DeliveryMethodsError = o.deliveryErr.Message
	}
	if snap.IsGuestCheckout {
		guest := o.guestDraft
		if snap.GuestCustomerInfo != nil {
			guest = *snap.GuestCustomerInfo
		}
		v.Guest = &guest
	}

	form := o.form
	av := AddressView{
		SavedAddresses:       nonNil(slices.Clone(o.savedAddresses)),
		Draft:                form.draft,
		Touched:              touchedFields(form.touched),
		Cities:               nonNil(slices.Clone(form.cities)),
		CitiesLoading:        form.citiesLoading,
		Neighborhoods:        nonNil(slices.Clone(form.neighborhoods)),
		NeighborhoodEnabled:  form.neighborhoodEnabled(),
		NeighborhoodsLoading: form.neighborhoodsLoading,
	}
	if len(form.errors) > 0 {
		av.Errors = make(map[string]string, len(form.errors))
		for field, rule := range form.errors {
			av.Errors[field] = rule
		}
	}
	if o.addressesErr != nil {
		av.SavedAddressesError = o.addressesErr.Message
	}
	if form.citiesErr != nil {
		av.CitiesError = form.citiesErr.Message
	}
	if form.neighborhoodsErr != nil {
		av.NeighborhoodsError = form.neighborhoodsErr.Message
	}
	switch sel := snap.ShippingAddress.(type) {
	case domain.ExistingAddress:
		av.Mode = AddressModeExisting
		av.SelectedAddressID = sel.Address.ID
	case domain.NewAddress:
		av.Mode = AddressModeNew
		av.Draft = sel.Draft
	case nil:
		av.Mode = AddressModeNone
	}
	v.Address = av
	return v
}

func touchedFields(touched map[string]bool) []string {
	out := make([]string, 0, len(touched))
	for field, ok := range touched {
		if ok {
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
