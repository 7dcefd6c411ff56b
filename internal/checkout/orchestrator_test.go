package checkout

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"finitefield.org/storefront-checkout/internal/checkout/state"
	"finitefield.org/storefront-checkout/internal/domain"
)

func TestNewRequiresCollaborators(t *testing.T) {
	h := newHarness()
	if _, err := New(Deps{}); err == nil {
		t.Fatalf("expected error for empty deps")
	}
	_, err := New(Deps{
		DeliveryMethods: h.deliveries,
		PaymentMethods:  h.payments,
		Locations:       h.locations,
		Cart:            h.cart,
		Orders:          h.orders,
		Payments:        h.gateway,
		Notifications:   h.notifications,
		Options:         Options{Authenticated: true},
	})
	if err == nil {
		t.Fatalf("expected error when authenticated flow has no address source")
	}
	_, err = New(Deps{
		DeliveryMethods: h.deliveries,
		PaymentMethods:  h.payments,
		Locations:       h.locations,
		Cart:            h.cart,
		Orders:          h.orders,
		Payments:        h.gateway,
	})
	if err == nil {
		t.Fatalf("expected error without a notification gateway")
	}
}

func TestInitLoadsReferenceDataConcurrently(t *testing.T) {
	defer goleak.VerifyNone(t)

	var arrived sync.WaitGroup
	arrived.Add(3)
	allArrived := make(chan struct{})
	go func() {
		arrived.Wait()
		close(allArrived)
	}()
	barrier := func() error {
		arrived.Done()
		select {
		case <-allArrived:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("fetches were not concurrent")
		}
	}

	h := newHarness()
	h.deliveries.listFunc = func(context.Context) ([]domain.DeliveryMethod, error) {
		if err := barrier(); err != nil {
			return nil, err
		}
		return []domain.DeliveryMethod{pickupMethod, shipMethod}, nil
	}
	h.payments.listFunc = func(context.Context) ([]domain.PaymentMethod, error) {
		if err := barrier(); err != nil {
			return nil, err
		}
		return []domain.PaymentMethod{cashMethod, onlineMethod}, nil
	}
	h.addresses.listFunc = func(context.Context) ([]domain.Address, error) {
		if err := barrier(); err != nil {
			return nil, err
		}
		return []domain.Address{{ID: "addr-1", StreetAddress: "Av. Santa Fe 100"}}, nil
	}

	o := h.initialized(t, Options{Authenticated: true})

	if !o.Initialized() {
		t.Fatalf("expected flow to be initialized")
	}
	view := o.View()
	if view.IsGuestCheckout {
		t.Fatalf("expected authenticated flow")
	}
	if len(view.DeliveryMethods) != 2 {
		t.Fatalf("expected 2 delivery methods, got %d", len(view.DeliveryMethods))
	}
	if len(view.Address.SavedAddresses) != 1 {
		t.Fatalf("expected saved addresses to load, got %d", len(view.Address.SavedAddresses))
	}
	if view.SelectedDeliveryMethod != nil {
		t.Fatalf("expected no auto-selection with two delivery methods")
	}
	if codes := h.feedback.noticeCodes(); len(codes) != 0 {
		t.Fatalf("expected no notices, got %v", codes)
	}
}

func TestInitAutoSelectsSingleDeliveryMethod(t *testing.T) {
	h := newHarness()
	h.deliveries.listFunc = func(context.Context) ([]domain.DeliveryMethod, error) {
		return []domain.DeliveryMethod{shipMethod}, nil
	}

	o := h.initialized(t, Options{})

	snap := o.Store().Snapshot()
	if snap.SelectedDeliveryMethod == nil || snap.SelectedDeliveryMethod.ID != shipMethod.ID {
		t.Fatalf("expected shipping to be auto-selected, got %+v", snap.SelectedDeliveryMethod)
	}
	if snap.SelectedPaymentMethodID != onlineMethod.ID {
		t.Fatalf("expected the only compatible payment to be auto-selected, got %q", snap.SelectedPaymentMethodID)
	}
	if _, ok := snap.ShippingAddress.(domain.NewAddress); !ok {
		t.Fatalf("expected guest flow to open the new address branch, got %T", snap.ShippingAddress)
	}
	if calls := h.locations.calls(); calls != 1 {
		t.Fatalf("expected cities to load once, got %d", calls)
	}
	if !snap.IsGuestCheckout {
		t.Fatalf("expected guest flow")
	}
}

func TestDeliveryMethodFailureCanBeRetried(t *testing.T) {
	h := newHarness()
	h.deliveries.listFunc = func(context.Context) ([]domain.DeliveryMethod, error) {
		return nil, errors.New("connection refused")
	}

	o := h.initialized(t, Options{})

	if msg := o.View().DeliveryMethodsError; msg == "" {
		t.Fatalf("expected delivery methods error in view")
	}
	if codes := h.feedback.noticeCodes(); len(codes) != 1 || codes[0] != "delivery_methods_unavailable" {
		t.Fatalf("expected delivery_methods_unavailable notice, got %v", codes)
	}
	if !h.feedback.hasEvent("checkout.delivery_methods_failed") {
		t.Fatalf("expected failure to be logged")
	}

	h.deliveries.listFunc = func(context.Context) ([]domain.DeliveryMethod, error) {
		return []domain.DeliveryMethod{pickupMethod}, nil
	}
	if err := o.RetryLoadDeliveryMethods(context.Background()); err != nil {
		t.Fatalf("retry returned error: %v", err)
	}
	view := o.View()
	if view.DeliveryMethodsError != "" {
		t.Fatalf("expected error to clear, got %q", view.DeliveryMethodsError)
	}
	if view.SelectedDeliveryMethod == nil || view.SelectedDeliveryMethod.ID != pickupMethod.ID {
		t.Fatalf("expected pickup to be auto-selected after retry")
	}
}

func TestSelectDeliveryMethodFiltersPayments(t *testing.T) {
	h := newHarness()
	o := h.initialized(t, Options{Authenticated: true})
	ctx := context.Background()

	if err := o.SelectDeliveryMethodByID(ctx, shipMethod.ID); err != nil {
		t.Fatalf("select shipping: %v", err)
	}
	available := o.AvailablePaymentMethods()
	if len(available) != 1 || available[0].ID != onlineMethod.ID {
		t.Fatalf("expected only online payment for shipping, got %+v", available)
	}
	if got := o.Store().Snapshot().SelectedPaymentMethodID; got != onlineMethod.ID {
		t.Fatalf("expected online payment auto-selected, got %q", got)
	}

	err := o.SelectPaymentMethod(ctx, cashMethod.ID)
	ce, ok := AsError(err)
	if !ok || ce.Kind != KindPrecondition || !errors.Is(err, ErrPaymentMethodUnavailable) {
		t.Fatalf("expected payment unavailable precondition, got %v", err)
	}

	if err := o.SelectDeliveryMethodByID(ctx, pickupMethod.ID); err != nil {
		t.Fatalf("select pickup: %v", err)
	}
	if got := len(o.AvailablePaymentMethods()); got != 2 {
		t.Fatalf("expected both payments for pickup, got %d", got)
	}
	if got := o.Store().Snapshot().SelectedPaymentMethodID; got != "" {
		t.Fatalf("expected payment selection cleared with several options, got %q", got)
	}
	if err := o.SelectPaymentMethod(ctx, cashMethod.ID); err != nil {
		t.Fatalf("select cash: %v", err)
	}
	if err := o.SelectPaymentMethod(ctx, ""); err != nil {
		t.Fatalf("clear payment: %v", err)
	}
	if got := o.Store().Snapshot().SelectedPaymentMethodID; got != "" {
		t.Fatalf("expected cleared payment, got %q", got)
	}
}

func TestSelectDeliveryMethodByUnknownID(t *testing.T) {
	h := newHarness()
	o := h.initialized(t, Options{})

	err := o.SelectDeliveryMethodByID(context.Background(), "dm-missing")
	if !errors.Is(err, ErrDeliveryMethodNotFound) {
		t.Fatalf("expected ErrDeliveryMethodNotFound, got %v", err)
	}
	if o.Store().Snapshot().SelectedDeliveryMethod != nil {
		t.Fatalf("expected selection to stay empty")
	}
}

func TestNonShippingMethodClearsAddress(t *testing.T) {
	h := newHarness()
	h.addresses.listFunc = func(context.Context) ([]domain.Address, error) {
		return []domain.Address{{ID: "addr-1", StreetAddress: "Av. Santa Fe 100"}}, nil
	}
	o := h.initialized(t, Options{Authenticated: true})
	ctx := context.Background()

	if err := o.SelectDeliveryMethodByID(ctx, shipMethod.ID); err != nil {
		t.Fatalf("select shipping: %v", err)
	}
	if o.Store().Snapshot().ShippingAddress != nil {
		t.Fatalf("expected saved addresses to leave the choice open")
	}
	if err := o.SelectExistingAddress(ctx, "addr-1"); err != nil {
		t.Fatalf("select address: %v", err)
	}
	if !o.Store().Snapshot().IsCheckoutValid {
		t.Fatalf("expected checkout to be valid")
	}

	if err := o.SelectDeliveryMethodByID(ctx, pickupMethod.ID); err != nil {
		t.Fatalf("select pickup: %v", err)
	}
	snap := o.Store().Snapshot()
	if snap.ShippingAddress != nil {
		t.Fatalf("expected address cleared, got %T", snap.ShippingAddress)
	}
	if snap.ShouldShowAddressSection {
		t.Fatalf("expected address section hidden")
	}
	if calls := h.locations.calls(); calls != 0 {
		t.Fatalf("expected no city fetch, got %d", calls)
	}
}

func TestSelectExistingAddressRejectsUnknownID(t *testing.T) {
	h := newHarness()
	h.addresses.listFunc = func(context.Context) ([]domain.Address, error) {
		return []domain.Address{{ID: "addr-1"}}, nil
	}
	o := h.initialized(t, Options{Authenticated: true})
	ctx := context.Background()

	if err := o.SelectExistingAddress(ctx, "addr-1"); !errors.Is(err, ErrNoDeliveryMethod) {
		t.Fatalf("expected delivery method precondition, got %v", err)
	}
	if err := o.SelectDeliveryMethodByID(ctx, pickupMethod.ID); err != nil {
		t.Fatalf("select pickup: %v", err)
	}
	if err := o.SelectExistingAddress(ctx, "addr-1"); !errors.Is(err, ErrAddressNotRequired) {
		t.Fatalf("expected address not required, got %v", err)
	}

	if err := o.SelectDeliveryMethodByID(ctx, shipMethod.ID); err != nil {
		t.Fatalf("select shipping: %v", err)
	}
	if err := o.SelectExistingAddress(ctx, "addr-1"); err != nil {
		t.Fatalf("select address: %v", err)
	}
	if err := o.SelectExistingAddress(ctx, "addr-gone"); !errors.Is(err, ErrAddressNotFound) {
		t.Fatalf("expected ErrAddressNotFound, got %v", err)
	}
	if o.Store().Snapshot().ShippingAddress != nil {
		t.Fatalf("expected stale selection to be cleared")
	}
}

func TestNewAddressLoadsCitiesOnceAndNeighborhoodsPerCity(t *testing.T) {
	h := newHarness()
	var neighborhoodCalls []string
	h.locations.neighborhoodsFunc = func(_ context.Context, cityID string) ([]domain.Neighborhood, error) {
		neighborhoodCalls = append(neighborhoodCalls, cityID)
		return []domain.Neighborhood{{ID: "nb-1", Name: "Palermo", CityID: cityID}}, nil
	}
	h.addresses.listFunc = func(context.Context) ([]domain.Address, error) {
		return []domain.Address{{ID: "addr-1"}}, nil
	}
	o := h.initialized(t, Options{Authenticated: true})
	ctx := context.Background()

	if err := o.SelectDeliveryMethodByID(ctx, shipMethod.ID); err != nil {
		t.Fatalf("select shipping: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := o.UseNewAddress(ctx); err != nil {
			t.Fatalf("use new address: %v", err)
		}
	}
	if calls := h.locations.calls(); calls != 1 {
		t.Fatalf("expected cities to be fetched once, got %d", calls)
	}
	if view := o.View(); view.Address.Mode != AddressModeNew || view.Address.NeighborhoodEnabled {
		t.Fatalf("expected new mode with neighborhood disabled, got %+v", view.Address)
	}

	if err := o.SelectCity(ctx, "city-404"); !errors.Is(err, ErrCityNotFound) {
		t.Fatalf("expected ErrCityNotFound, got %v", err)
	}
	if err := o.SelectCity(ctx, "city-1"); err != nil {
		t.Fatalf("select city: %v", err)
	}
	view := o.View()
	if !view.Address.NeighborhoodEnabled || len(view.Address.Neighborhoods) != 1 {
		t.Fatalf("expected neighborhoods loaded for city, got %+v", view.Address)
	}
	if len(neighborhoodCalls) != 1 || neighborhoodCalls[0] != "city-1" {
		t.Fatalf("expected one neighborhood fetch for city-1, got %v", neighborhoodCalls)
	}

	if err := o.UpdateAddressDraft(ctx, validAddressDraft(), domain.FieldNeighborhoodID); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	sel, ok := o.Store().Snapshot().ShippingAddress.(domain.NewAddress)
	if !ok || sel.Draft.NeighborhoodID != "nb-1" || !sel.Ready() {
		t.Fatalf("expected a complete draft, got %+v", sel)
	}
	if len(neighborhoodCalls) != 1 {
		t.Fatalf("expected unchanged city not to refetch, got %v", neighborhoodCalls)
	}
}

func TestChangingCityResetsNeighborhood(t *testing.T) {
	h := newHarness()
	o := h.initialized(t, Options{})
	ctx := context.Background()

	if err := o.SelectDeliveryMethodByID(ctx, shipMethod.ID); err != nil {
		t.Fatalf("select shipping: %v", err)
	}
	if err := o.UpdateAddressDraft(ctx, validAddressDraft()); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	sel := o.Store().Snapshot().ShippingAddress.(domain.NewAddress)
	if sel.Draft.NeighborhoodID != "" {
		t.Fatalf("expected neighborhood reset on city change, got %q", sel.Draft.NeighborhoodID)
	}

	draft := validAddressDraft()
	draft.NeighborhoodID = "nb-unknown"
	if err := o.UpdateAddressDraft(ctx, draft); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	view := o.View()
	if view.Address.Errors[domain.FieldNeighborhoodID] != "invalid" {
		t.Fatalf("expected invalid neighborhood error, got %v", view.Address.Errors)
	}
	if view.Address.Draft.NeighborhoodID != "" {
		t.Fatalf("expected unknown neighborhood dropped, got %q", view.Address.Draft.NeighborhoodID)
	}

	if err := o.UpdateAddressDraft(ctx, validAddressDraft()); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	if errs := o.View().Address.Errors; len(errs) != 0 {
		t.Fatalf("expected errors to clear, got %v", errs)
	}
}

func TestDraftErrorsOnlyForTouchedFields(t *testing.T) {
	h := newHarness()
	o := h.initialized(t, Options{})
	ctx := context.Background()

	if err := o.SelectDeliveryMethodByID(ctx, shipMethod.ID); err != nil {
		t.Fatalf("select shipping: %v", err)
	}
	draft := domain.AddressDraft{Phone: "12"}
	if err := o.UpdateAddressDraft(ctx, draft, domain.FieldPhone); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	errs := o.View().Address.Errors
	if len(errs) != 1 || errs[domain.FieldPhone] != "phone" {
		t.Fatalf("expected only the phone error, got %v", errs)
	}
}

func TestCitiesFailureIsRetriedOnNextSwitch(t *testing.T) {
	h := newHarness()
	fail := true
	h.locations.citiesFunc = func(context.Context) ([]domain.City, error) {
		if fail {
			return nil, errors.New("timeout")
		}
		return []domain.City{{ID: "city-1", Name: "Rosario"}}, nil
	}
	o := h.initialized(t, Options{})
	ctx := context.Background()

	if err := o.SelectDeliveryMethodByID(ctx, shipMethod.ID); err != nil {
		t.Fatalf("select shipping: %v", err)
	}
	if o.View().Address.CitiesError == "" {
		t.Fatalf("expected cities error in view")
	}

	fail = false
	if err := o.UseNewAddress(ctx); err != nil {
		t.Fatalf("use new address: %v", err)
	}
	view := o.View()
	if view.Address.CitiesError != "" || len(view.Address.Cities) != 1 {
		t.Fatalf("expected cities after retry, got %+v", view.Address)
	}
	if calls := h.locations.calls(); calls != 2 {
		t.Fatalf("expected 2 city fetches, got %d", calls)
	}
}

func TestPaymentMethodsDegradedFallback(t *testing.T) {
	h := newHarness()
	h.payments.listFunc = func(context.Context) ([]domain.PaymentMethod, error) {
		return nil, errors.New("503 service unavailable")
	}
	o := h.initialized(t, Options{})
	ctx := context.Background()

	if !h.feedback.hasEvent("checkout.payment_methods_degraded") {
		t.Fatalf("expected degraded event")
	}
	if err := o.SelectDeliveryMethodByID(ctx, pickupMethod.ID); err != nil {
		t.Fatalf("select pickup: %v", err)
	}
	available := o.AvailablePaymentMethods()
	if len(available) != 1 || available[0].Code != domain.PaymentCodeCash {
		t.Fatalf("expected cash fallback, got %+v", available)
	}
	if got := o.Store().Snapshot().SelectedPaymentMethodID; got != "cash" {
		t.Fatalf("expected cash fallback auto-selected, got %q", got)
	}
	if !o.View().PaymentMethodsDegraded {
		t.Fatalf("expected degraded flag in view")
	}

	err := o.SelectDeliveryMethodByID(ctx, shipMethod.ID)
	if !errors.Is(err, ErrPaymentMethodsUnavailable) {
		t.Fatalf("expected payment methods unavailable, got %v", err)
	}
	if got := len(o.AvailablePaymentMethods()); got != 0 {
		t.Fatalf("expected no payment for shipping while degraded, got %d", got)
	}

	h.payments.listFunc = func(context.Context) ([]domain.PaymentMethod, error) {
		return []domain.PaymentMethod{cashMethod, onlineMethod}, nil
	}
	if err := o.LoadPaymentMethods(ctx); err != nil {
		t.Fatalf("reload payments: %v", err)
	}
	if got := o.Store().Snapshot().SelectedPaymentMethodID; got != onlineMethod.ID {
		t.Fatalf("expected online payment after reload, got %q", got)
	}
	if o.View().PaymentMethodsDegraded {
		t.Fatalf("expected degraded flag cleared")
	}
}

func TestSetGuestInfoSanitizesAndValidates(t *testing.T) {
	h := newHarness()
	o := h.initialized(t, Options{})
	ctx := context.Background()

	err := o.SetGuestInfo(ctx, domain.GuestCustomerInfo{CustomerName: "Ana", CustomerEmail: "not-an-email"})
	ce, ok := AsError(err)
	if !ok || ce.Kind != KindValidation || !errors.Is(err, ErrInvalidGuestInfo) {
		t.Fatalf("expected guest validation error, got %v", err)
	}
	if o.Store().Snapshot().GuestCustomerInfo != nil {
		t.Fatalf("expected invalid info not to be stored")
	}

	err = o.SetGuestInfo(ctx, domain.GuestCustomerInfo{
		CustomerName:  "  <script>x()</script><b>Ana</b> &amp; Co ",
		CustomerEmail: " ana@example.com ",
	})
	if err != nil {
		t.Fatalf("set guest info: %v", err)
	}
	info := o.Store().Snapshot().GuestCustomerInfo
	if info == nil || info.CustomerName != "Ana & Co" || info.CustomerEmail != "ana@example.com" {
		t.Fatalf("expected sanitized guest info, got %+v", info)
	}
}

func TestSetNotesTruncates(t *testing.T) {
	h := newHarness()
	o := h.initialized(t, Options{})

	o.SetNotes(strings.Repeat("ñ", 600))
	if got := len([]rune(o.View().Notes)); got != maxNotesLength {
		t.Fatalf("expected %d runes, got %d", maxNotesLength, got)
	}
	o.SetNotes("<i>ring twice</i>")
	if got := o.View().Notes; got != "ring twice" {
		t.Fatalf("expected markup stripped, got %q", got)
	}
}

func TestDisposeIgnoresLateResponses(t *testing.T) {
	h := newHarness()
	o := h.initialized(t, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	h.deliveries.listFunc = func(context.Context) ([]domain.DeliveryMethod, error) {
		close(started)
		<-release
		return []domain.DeliveryMethod{pickupMethod}, nil
	}

	done := make(chan error, 1)
	go func() { done <- o.LoadDeliveryMethods(context.Background()) }()
	<-started
	o.Dispose()
	close(release)

	if err := <-done; !errors.Is(err, ErrFlowDisposed) {
		t.Fatalf("expected ErrFlowDisposed, got %v", err)
	}
	if o.Store().Snapshot().SelectedDeliveryMethod != nil {
		t.Fatalf("expected late response to be ignored")
	}
	if !o.Disposed() {
		t.Fatalf("expected disposed flow")
	}
	if err := o.Init(context.Background()); !errors.Is(err, ErrFlowDisposed) {
		t.Fatalf("expected Init to fail after dispose, got %v", err)
	}
	if _, err := o.ConfirmOrder(context.Background()); !errors.Is(err, ErrFlowDisposed) {
		t.Fatalf("expected ConfirmOrder to fail after dispose, got %v", err)
	}
}

func TestResetClearsSelections(t *testing.T) {
	h := newHarness()
	o := h.initialized(t, Options{})
	ctx := context.Background()

	if err := o.SelectDeliveryMethodByID(ctx, shipMethod.ID); err != nil {
		t.Fatalf("select shipping: %v", err)
	}
	o.SetNotes("leave at door")
	o.Reset()

	view := o.View()
	if o.Initialized() {
		t.Fatalf("expected reset flow to need Init")
	}
	if view.SelectedDeliveryMethod != nil || view.SelectedPaymentMethodID != "" || view.Notes != "" {
		t.Fatalf("expected cleared view, got %+v", view)
	}
	if view.Address.Mode != AddressModeNone || len(view.Address.Cities) != 0 {
		t.Fatalf("expected cleared address form, got %+v", view.Address)
	}
}

func TestStoreListenersReadSnapshotsDuringMutations(t *testing.T) {
	h := newHarness()
	o := h.initialized(t, Options{Authenticated: true})
	ctx := context.Background()

	var (
		mu       sync.Mutex
		observed []string
	)
	unsubscribe := o.Store().Subscribe(func(snap state.Snapshot) {
		current := o.Store().Snapshot()
		if current.Version < snap.Version {
			t.Errorf("store snapshot %d older than published %d", current.Version, snap.Version)
		}
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, snap.SelectedPaymentMethodID)
	})
	defer unsubscribe()

	done := make(chan error, 1)
	go func() {
		if err := o.SelectDeliveryMethodByID(ctx, shipMethod.ID); err != nil {
			done <- err
			return
		}
		done <- o.SelectPaymentMethod(ctx, "")
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("mutations failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener blocked the flow")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) < 2 || observed[len(observed)-1] != "" {
		t.Fatalf("expected listener to see every publish, got %v", observed)
	}
	if !slices.Contains(observed, onlineMethod.ID) {
		t.Fatalf("expected auto-selected online method to be published, got %v", observed)
	}
	if got := o.View().SelectedPaymentMethodID; got != "" {
		t.Fatalf("expected cleared payment selection, got %q", got)
	}
}
