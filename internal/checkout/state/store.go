// Package state holds the observable checkout aggregate shared by the
// orchestrator and its readers.
package state

import (
	"slices"
	"sync"

	"finitefield.org/storefront-checkout/internal/domain"
)

// Snapshot is an immutable copy of the checkout aggregate plus its derived values.
type Snapshot struct {
	Version                  uint64
	SelectedDeliveryMethod   *domain.DeliveryMethod
	AvailableDeliveryMethods []domain.DeliveryMethod
	SelectedPaymentMethodID  string
	ShippingAddress          domain.AddressSelection
	IsGuestCheckout          bool
	GuestCustomerInfo        *domain.GuestCustomerInfo

	ShouldShowAddressSection bool
	IsCheckoutValid          bool
}

// Listener receives every published snapshot. Listeners run synchronously
// and must not call setters on the store that invoked them.
type Listener func(Snapshot)

// Store is the checkout aggregate. Each setter runs to completion and
// publishes before returning, so no two updates interleave.
type Store struct {
	// publishMu orders snapshot delivery; mu guards the fields below.
	publishMu sync.Mutex
	mu        sync.Mutex

	data      aggregate
	version   uint64
	nextID    uint64
	listeners []subscription
	closed    bool
}

type aggregate struct {
	deliveryMethod  *domain.DeliveryMethod
	available       []domain.DeliveryMethod
	paymentMethodID string
	address         domain.AddressSelection
	guest           bool
	guestInfo       *domain.GuestCustomerInfo
}

type subscription struct {
	id uint64
	fn Listener
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Subscribe registers fn and immediately replays the latest snapshot to it.
// The returned function removes the listener.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, subscription{id: id, fn: fn})
	snap := s.snapshotLocked()
	s.mu.Unlock()

	fn(snap)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.listeners = slices.DeleteFunc(s.listeners, func(sub subscription) bool { return sub.id == id })
		})
	}
}

// SubscribeAddressSection observes ShouldShowAddressSection.
func (s *Store) SubscribeAddressSection(fn func(bool)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return s.Subscribe(func(snap Snapshot) { fn(snap.ShouldShowAddressSection) })
}

// SubscribeCheckoutValid observes IsCheckoutValid.
func (s *Store) SubscribeCheckoutValid(fn func(bool)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return s.Subscribe(func(snap Snapshot) { fn(snap.IsCheckoutValid) })
}

// Snapshot returns the current aggregate.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SetSelectedDeliveryMethod stores method and clears the shipping address
// whenever the method does not require one.
func (s *Store) SetSelectedDeliveryMethod(method *domain.DeliveryMethod) {
	s.update(func(a *aggregate) {
		a.deliveryMethod = cloneMethod(method)
		if a.deliveryMethod == nil || !a.deliveryMethod.RequiresAddress {
			a.address = nil
		}
	})
}

// SetAvailableDeliveryMethods replaces the delivery method list.
func (s *Store) SetAvailableDeliveryMethods(methods []domain.DeliveryMethod) {
	s.update(func(a *aggregate) {
		a.available = slices.Clone(methods)
	})
}

// SetSelectedPaymentMethodID stores the payment selection; empty means none.
func (s *Store) SetSelectedPaymentMethodID(id string) {
	s.update(func(a *aggregate) {
		a.paymentMethodID = id
	})
}

// SetSelectedShippingAddress stores the address selection; nil means neither.
func (s *Store) SetSelectedShippingAddress(selection domain.AddressSelection) {
	s.update(func(a *aggregate) {
		a.address = selection
	})
}

// SetIsGuestCheckout flags the flow as unauthenticated.
func (s *Store) SetIsGuestCheckout(guest bool) {
	s.update(func(a *aggregate) {
		a.guest = guest
	})
}

// SetGuestCustomerInfo stores the guest's identity; nil clears it.
func (s *Store) SetGuestCustomerInfo(info *domain.GuestCustomerInfo) {
	s.update(func(a *aggregate) {
		if info == nil {
			a.guestInfo = nil
			return
		}
		copied := *info
		a.guestInfo = &copied
	})
}

// Reset restores every field to its empty default and publishes the result.
func (s *Store) Reset() {
	s.update(func(a *aggregate) {
		*a = aggregate{}
	})
}

// Close drops every listener. Later setters still update the aggregate but
// nothing is delivered.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listeners = nil
}

func (s *Store) update(mutate func(*aggregate)) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	mutate(&s.data)
	s.version++
	snap := s.snapshotLocked()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, sub := range s.listeners {
		listeners = append(listeners, sub.fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	a := s.data
	snap := Snapshot{
		Version:                  s.version,
		SelectedDeliveryMethod:   cloneMethod(a.deliveryMethod),
		AvailableDeliveryMethods: slices.Clone(a.available),
		SelectedPaymentMethodID:  a.paymentMethodID,
		ShippingAddress:          a.address,
		IsGuestCheckout:          a.guest,
	}
	if a.guestInfo != nil {
		info := *a.guestInfo
		snap.GuestCustomerInfo = &info
	}
	snap.ShouldShowAddressSection = a.deliveryMethod != nil && a.deliveryMethod.RequiresAddress
	snap.IsCheckoutValid = IsCheckoutValid(snap)
	return snap
}

// IsCheckoutValid is the submission invariant: delivery and payment methods
// are selected, guest info is complete for guests, and the address is ready
// whenever the delivery method requires one.
func IsCheckoutValid(snap Snapshot) bool {
	if snap.SelectedDeliveryMethod == nil || snap.SelectedPaymentMethodID == "" {
		return false
	}
	if snap.IsGuestCheckout && !snap.GuestCustomerInfo.Complete() {
		return false
	}
	return domain.AddressReady(snap.SelectedDeliveryMethod, snap.ShippingAddress)
}

func cloneMethod(method *domain.DeliveryMethod) *domain.DeliveryMethod {
	if method == nil {
		return nil
	}
	copied := *method
	return &copied
}
