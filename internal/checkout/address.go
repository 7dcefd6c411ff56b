package checkout

import (
	"context"
	"slices"
	"strings"

	"github.com/samber/lo"

	"finitefield.org/storefront-checkout/internal/domain"
)

// addressForm is the new-address form state of a flow.
type addressForm struct {
	draft   domain.AddressDraft
	touched map[string]bool
	errors  domain.FieldErrors

	cities          []domain.City
	citiesRequested bool
	citiesLoading   bool
	citiesErr       *Error

	neighborhoods        []domain.Neighborhood
	neighborhoodsCity    string
	neighborhoodsLoading bool
	neighborhoodsErr     *Error
}

func newAddressForm() addressForm {
	return addressForm{touched: make(map[string]bool)}
}

// requestCities reports whether the city list still has to be fetched and
// marks it as requested. The list is fetched at most once per flow.
func (f *addressForm) requestCities() bool {
	if f.citiesRequested {
		return false
	}
	f.citiesRequested = true
	f.citiesLoading = true
	return true
}

func (f *addressForm) clearValidation() {
	f.touched = make(map[string]bool)
	f.errors = nil
}

func (f *addressForm) touch(fields ...string) {
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field != "" {
			f.touched[field] = true
		}
	}
}

func (f *addressForm) touchAll() {
	f.touch(domain.DraftFields()...)
}

// revalidate recomputes the field errors shown for touched fields.
func (f *addressForm) revalidate() {
	fields, _ := domain.AsFieldErrors(f.draft.Validate())
	visible := make(domain.FieldErrors)
	for field, rule := range fields {
		if f.touched[field] {
			visible[field] = rule
		}
	}
	if len(visible) == 0 {
		visible = nil
	}
	f.errors = visible
}

func (f *addressForm) neighborhoodEnabled() bool {
	return f.draft.CityID != "" && !f.neighborhoodsLoading && f.neighborhoodsCity == f.draft.CityID
}

// SelectExistingAddress chooses a saved address. An id that no longer matches
// a loaded address clears the selection.
func (o *Orchestrator) SelectExistingAddress(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrFlowDisposed
	}
	if ce := o.requireAddressLocked(); ce != nil {
		o.mu.Unlock()
		o.report(ctx, ce)
		return ce
	}
	address, ok := lo.Find(o.savedAddresses, func(a domain.Address) bool { return a.ID == id })
	if !ok || id == "" {
		o.store.SetSelectedShippingAddress(nil)
		o.mu.Unlock()
		ce := preconditionError("address_not_found", msgAddressNotFound, ErrAddressNotFound)
		o.report(ctx, ce)
		return ce
	}
	o.form.clearValidation()
	o.store.SetSelectedShippingAddress(domain.ExistingAddress{Address: address})
	o.mu.Unlock()
	return nil
}

// UseNewAddress switches to the new-address branch, loading cities the first time.
func (o *Orchestrator) UseNewAddress(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrFlowDisposed
	}
	if ce := o.requireAddressLocked(); ce != nil {
		o.mu.Unlock()
		o.report(ctx, ce)
		return ce
	}
	gen := o.generation
	o.store.SetSelectedShippingAddress(domain.NewAddress{Draft: o.form.draft})
	loadCities := o.form.requestCities()
	o.mu.Unlock()

	if loadCities {
		o.loadCities(ctx, gen)
	}
	return nil
}

// UpdateAddressDraft replaces the new-address draft and marks the given
// fields as touched. Changing the city resets the neighborhood and fetches the
// neighborhoods of the new city; a neighborhood outside the loaded list is
// rejected.
func (o *Orchestrator) UpdateAddressDraft(ctx context.Context, draft domain.AddressDraft, touched ...string) error {
	draft = draft.Normalized()

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrFlowDisposed
	}
	if ce := o.requireAddressLocked(); ce != nil {
		o.mu.Unlock()
		o.report(ctx, ce)
		return ce
	}
	gen := o.generation
	loadCities := o.form.requestCities()

	cityChanged := draft.CityID != o.form.draft.CityID
	if cityChanged {
		o.changeCityLocked(draft.CityID)
		draft.NeighborhoodID = ""
	}
	o.form.touch(touched...)

	invalidNeighborhood := false
	if draft.NeighborhoodID != "" {
		known := lo.ContainsBy(o.form.neighborhoods, func(n domain.Neighborhood) bool { return n.ID == draft.NeighborhoodID })
		if !o.form.neighborhoodEnabled() || !known {
			draft.NeighborhoodID = ""
			invalidNeighborhood = true
		}
	}
	o.form.draft = draft
	o.form.revalidate()
	if invalidNeighborhood {
		if o.form.errors == nil {
			o.form.errors = make(domain.FieldErrors)
		}
		o.form.touch(domain.FieldNeighborhoodID)
		o.form.errors[domain.FieldNeighborhoodID] = "invalid"
	}
	o.store.SetSelectedShippingAddress(domain.NewAddress{Draft: draft})
	cityID := o.form.draft.CityID
	o.mu.Unlock()

	if loadCities {
		o.loadCities(ctx, gen)
	}
	if cityChanged && cityID != "" {
		o.loadNeighborhoods(ctx, gen, cityID)
	}
	return nil
}

// SelectCity sets the draft city, resets the neighborhood and fetches the
// city's neighborhoods. The neighborhood field stays disabled until the fetch
// completes.
func (o *Orchestrator) SelectCity(ctx context.Context, cityID string) error {
	cityID = strings.TrimSpace(cityID)

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrFlowDisposed
	}
	if ce := o.requireAddressLocked(); ce != nil {
		o.mu.Unlock()
		o.report(ctx, ce)
		return ce
	}
	if cityID != "" && len(o.form.cities) > 0 && !lo.ContainsBy(o.form.cities, func(c domain.City) bool { return c.ID == cityID }) {
		o.mu.Unlock()
		ce := preconditionError("city_not_found", msgCityNotFound, ErrCityNotFound)
		o.report(ctx, ce)
		return ce
	}
	gen := o.generation
	o.form.touch(domain.FieldCityID)
	o.changeCityLocked(cityID)
	o.form.draft.CityID = cityID
	o.form.draft.NeighborhoodID = ""
	o.form.revalidate()
	o.store.SetSelectedShippingAddress(domain.NewAddress{Draft: o.form.draft})
	o.mu.Unlock()

	if cityID != "" {
		o.loadNeighborhoods(ctx, gen, cityID)
	}
	return nil
}

func (o *Orchestrator) changeCityLocked(cityID string) {
	o.form.neighborhoods = nil
	o.form.neighborhoodsErr = nil
	o.form.neighborhoodsCity = ""
	o.form.neighborhoodsLoading = cityID != ""
}

func (o *Orchestrator) requireAddressLocked() *Error {
	method := o.store.Snapshot().SelectedDeliveryMethod
	if method == nil {
		return preconditionError("delivery_method_required", msgSelectDelivery, ErrNoDeliveryMethod)
	}
	if !method.RequiresAddress {
		return preconditionError("address_not_required", msgAddressNotRequired, ErrAddressNotRequired)
	}
	return nil
}

func (o *Orchestrator) loadCities(ctx context.Context, gen uint64) {
	cities, err := o.locations.Cities(ctx)

	o.mu.Lock()
	if o.staleLocked(gen) {
		o.mu.Unlock()
		return
	}
	o.form.citiesLoading = false
	if err != nil {
		ce := referenceError("cities_unavailable", msgCities, ErrCitiesUnavailable, err)
		o.form.citiesErr = ce
		// allow the next switch to the new-address branch to try again
		o.form.citiesRequested = false
		o.mu.Unlock()
		o.logger(ctx, "checkout.cities_failed", map[string]any{"error": err.Error()})
		o.report(ctx, ce)
		return
	}
	o.form.citiesErr = nil
	o.form.cities = slices.Clone(cities)
	o.mu.Unlock()
}

func (o *Orchestrator) loadNeighborhoods(ctx context.Context, gen uint64, cityID string) {
	neighborhoods, err := o.locations.NeighborhoodsByCity(ctx, cityID)

	o.mu.Lock()
	if o.staleLocked(gen) || o.form.draft.CityID != cityID {
		o.mu.Unlock()
		return
	}
	o.form.neighborhoodsLoading = false
	if err != nil {
		ce := referenceError("neighborhoods_unavailable", msgNeighborhoods, ErrNeighborhoodsUnavailable, err)
		o.form.neighborhoodsErr = ce
		o.mu.Unlock()
		o.logger(ctx, "checkout.neighborhoods_failed", map[string]any{
			"cityID": cityID,
			"error":  err.Error(),
		})
		o.report(ctx, ce)
		return
	}
	o.form.neighborhoodsErr = nil
	o.form.neighborhoodsCity = cityID
	o.form.neighborhoods = slices.Clone(neighborhoods)
	o.mu.Unlock()
}
