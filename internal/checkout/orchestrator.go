// Package checkout drives a single checkout flow: it loads reference data into
// the state store, applies the selection rules and runs the order pipeline.
package checkout

import (
	"context"
	"errors"
	"html"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"finitefield.org/storefront-checkout/internal/checkout/state"
	"finitefield.org/storefront-checkout/internal/domain"
)

const (
	defaultConfirmationDelay = 1500 * time.Millisecond
	defaultOrderDetailPath   = "/my-orders"
	defaultCartPath          = "/cart"
	maxNotesLength           = 500
	tracerName               = "finitefield.org/storefront-checkout/internal/checkout"
)

const (
	msgDeliveryMethods    = "Delivery methods could not be loaded. Please try again."
	msgPaymentMethods     = "No payment method is available for this delivery method right now."
	msgAddresses          = "Your saved addresses could not be loaded."
	msgCities             = "Cities could not be loaded."
	msgNeighborhoods      = "Neighborhoods could not be loaded for the selected city."
	msgSelectDelivery     = "Select a delivery method."
	msgSelectPayment      = "Select a payment method."
	msgPaymentUnavailable = "The selected payment method is not available for this delivery method."
	msgAddressRequired    = "Select or enter a shipping address."
	msgAddressInvalid     = "Please complete the shipping address."
	msgAddressNotRequired = "The selected delivery method does not need a shipping address."
	msgGuestRequired      = "Enter your name and email to continue."
	msgGuestInvalid       = "Enter a valid name and email."
	msgAlreadyProcessing  = "Your order is already being processed."
	msgEmptyCart          = "Your cart is empty."
	msgDeliveryNotFound   = "The selected delivery method is no longer available."
	msgAddressNotFound    = "The selected address is no longer available."
	msgCityNotFound       = "The selected city is not available."
	msgFlowDisposed       = "This checkout has ended. Please start again."
)

// ErrAddressNotRequired is returned when an address is chosen for a delivery
// method that does not ship.
var ErrAddressNotRequired = errors.New("checkout: shipping address not required")

// Options configures the post-order behaviour of an Orchestrator.
type Options struct {
	Authenticated        bool
	ConfirmationDelay    time.Duration
	OrderDetailPath      string
	CartPath             string
	UseSandbox           bool
	NotifyEmailTo        string
	NotifyTelegramChatID string
}

// Deps wires the collaborators of an Orchestrator.
type Deps struct {
	Store           *state.Store
	DeliveryMethods DeliveryMethodSource
	PaymentMethods  PaymentMethodSource
	Addresses       AddressSource
	Locations       LocationSource
	Cart            CartGateway
	Orders          OrderGateway
	Payments        PaymentGateway
	Notifications   NotificationGateway
	Notifier        Notifier
	Navigator       Navigator
	Rules           *PaymentRules
	Tracer          trace.Tracer
	Logger          func(ctx context.Context, event string, fields map[string]any)
	Options         Options
}

// Orchestrator is the controller of one checkout flow. Selection changes are
// not guarded against replays; only ConfirmOrder is re-entrancy safe.
type Orchestrator struct {
	store           *state.Store
	deliveryMethods DeliveryMethodSource
	paymentMethods  PaymentMethodSource
	addresses       AddressSource
	locations       LocationSource
	cart            CartGateway
	orders          OrderGateway
	payments        PaymentGateway
	notifications   NotificationGateway
	notifier        Notifier
	navigator       Navigator
	rules           PaymentRules
	tracer          trace.Tracer
	logger          func(ctx context.Context, event string, fields map[string]any)
	opts            Options
	policy          *bluemonday.Policy

	mu          sync.Mutex
	disposed    bool
	initialized bool
	generation  uint64
	processing  bool

	deliveryErr      *Error
	allPayments      []domain.PaymentMethod
	paymentsDegraded bool
	available        []domain.PaymentMethod
	savedAddresses   []domain.Address
	addressesErr     *Error
	form             addressForm
	guestDraft       domain.GuestCustomerInfo
	notes            string
}

// New validates deps and returns an Orchestrator for one flow.
func New(deps Deps) (*Orchestrator, error) {
	if deps.DeliveryMethods == nil {
		return nil, errors.New("checkout: delivery method source is required")
	}
	if deps.PaymentMethods == nil {
		return nil, errors.New("checkout: payment method source is required")
	}
	if deps.Locations == nil {
		return nil, errors.New("checkout: location source is required")
	}
	if deps.Cart == nil {
		return nil, errors.New("checkout: cart gateway is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout: order gateway is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout: payment gateway is required")
	}
	if deps.Notifications == nil {
		return nil, errors.New("checkout: notification gateway is required")
	}
	if deps.Options.Authenticated && deps.Addresses == nil {
		return nil, errors.New("checkout: address source is required for authenticated flows")
	}

	store := deps.Store
	if store == nil {
		store = state.NewStore()
	}
	rules := DefaultPaymentRules()
	if deps.Rules != nil {
		rules = *deps.Rules
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	opts := deps.Options
	if opts.ConfirmationDelay < 0 {
		opts.ConfirmationDelay = 0
	} else if opts.ConfirmationDelay == 0 {
		opts.ConfirmationDelay = defaultConfirmationDelay
	}
	opts.OrderDetailPath = strings.TrimRight(firstNonEmpty(opts.OrderDetailPath, defaultOrderDetailPath), "/")
	opts.CartPath = firstNonEmpty(opts.CartPath, defaultCartPath)

	o := &Orchestrator{
		store:           store,
		deliveryMethods: deps.DeliveryMethods,
		paymentMethods:  deps.PaymentMethods,
		addresses:       deps.Addresses,
		locations:       deps.Locations,
		cart:            deps.Cart,
		orders:          deps.Orders,
		payments:        deps.Payments,
		notifications:   deps.Notifications,
		notifier:        deps.Notifier,
		navigator:       deps.Navigator,
		rules:           rules,
		tracer:          tracer,
		logger:          logger,
		opts:            opts,
		policy:          bluemonday.StrictPolicy(),
		form:            newAddressForm(),
	}
	if o.notifier == nil {
		o.notifier = discardFeedback{}
	}
	if o.navigator == nil {
		o.navigator = discardFeedback{}
	}
	return o, nil
}

// Store exposes the flow's state store for observers. Listeners registered
// on it run while the flow's lock is held: they must work from the snapshot
// they receive (or Store().Snapshot()) and must not call Orchestrator methods.
func (o *Orchestrator) Store() *state.Store {
	return o.store
}

// Initialized reports whether Init has run since creation or the last reset.
func (o *Orchestrator) Initialized() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initialized
}

// Init marks the flow as guest or authenticated and loads delivery methods,
// payment methods and saved addresses concurrently. Reference data failures
// are reported through the Notifier and the view; only cancellation and
// disposal are returned.
func (o *Orchestrator) Init(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "checkout.Init")
	defer span.End()

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrFlowDisposed
	}
	o.initialized = true
	gen := o.generation
	o.store.SetIsGuestCheckout(!o.opts.Authenticated)
	o.mu.Unlock()

	var (
		deliveries  []domain.DeliveryMethod
		deliveryErr error
		payments    []domain.PaymentMethod
		paymentErr  error
		saved       []domain.Address
		savedErr    error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		deliveries, deliveryErr = o.deliveryMethods.ListActive(gctx)
		return nil
	})
	g.Go(func() error {
		payments, paymentErr = o.paymentMethods.ListActive(gctx)
		return nil
	})
	if o.opts.Authenticated {
		g.Go(func() error {
			saved, savedErr = o.addresses.List(gctx)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := o.applyPaymentMethods(ctx, gen, payments, paymentErr); errors.Is(err, ErrFlowDisposed) {
		return err
	}
	if o.opts.Authenticated {
		if err := o.applyAddresses(ctx, gen, saved, savedErr); errors.Is(err, ErrFlowDisposed) {
			return err
		}
	}
	if err := o.applyDeliveryMethods(ctx, gen, deliveries, deliveryErr); errors.Is(err, ErrFlowDisposed) {
		return err
	}
	return nil
}

// LoadDeliveryMethods fetches the active delivery methods, auto-selecting the
// only one when exactly one is returned.
func (o *Orchestrator) LoadDeliveryMethods(ctx context.Context) error {
	gen, err := o.currentGeneration()
	if err != nil {
		return err
	}
	methods, fetchErr := o.deliveryMethods.ListActive(ctx)
	return o.applyDeliveryMethods(ctx, gen, methods, fetchErr)
}

// RetryLoadDeliveryMethods repeats the delivery method fetch after a failure.
func (o *Orchestrator) RetryLoadDeliveryMethods(ctx context.Context) error {
	return o.LoadDeliveryMethods(ctx)
}

// LoadPaymentMethods fetches the active payment methods. A failed fetch
// switches the flow to the degraded fallback set instead of failing.
func (o *Orchestrator) LoadPaymentMethods(ctx context.Context) error {
	gen, err := o.currentGeneration()
	if err != nil {
		return err
	}
	methods, fetchErr := o.paymentMethods.ListActive(ctx)
	return o.applyPaymentMethods(ctx, gen, methods, fetchErr)
}

// LoadAddresses fetches the saved addresses of an authenticated customer.
func (o *Orchestrator) LoadAddresses(ctx context.Context) error {
	if !o.opts.Authenticated {
		return nil
	}
	gen, err := o.currentGeneration()
	if err != nil {
		return err
	}
	saved, fetchErr := o.addresses.List(ctx)
	return o.applyAddresses(ctx, gen, saved, fetchErr)
}

func (o *Orchestrator) applyDeliveryMethods(ctx context.Context, gen uint64, methods []domain.DeliveryMethod, fetchErr error) error {
	o.mu.Lock()
	if o.staleLocked(gen) {
		o.mu.Unlock()
		return ErrFlowDisposed
	}
	if fetchErr != nil {
		ce := referenceError("delivery_methods_unavailable", msgDeliveryMethods, ErrDeliveryMethodsUnavailable, fetchErr)
		o.deliveryErr = ce
		o.mu.Unlock()
		o.logger(ctx, "checkout.delivery_methods_failed", map[string]any{"error": fetchErr.Error()})
		o.report(ctx, ce)
		return ce
	}
	o.deliveryErr = nil
	o.store.SetAvailableDeliveryMethods(methods)

	var (
		loadCities bool
		surfaced   *Error
	)
	if len(methods) == 1 {
		loadCities, surfaced = o.selectDeliveryLocked(methods[0])
	}
	o.mu.Unlock()

	o.report(ctx, surfaced)
	if loadCities {
		o.loadCities(ctx, gen)
	}
	return nil
}

func (o *Orchestrator) applyPaymentMethods(ctx context.Context, gen uint64, methods []domain.PaymentMethod, fetchErr error) error {
	o.mu.Lock()
	if o.staleLocked(gen) {
		o.mu.Unlock()
		return ErrFlowDisposed
	}
	if fetchErr != nil {
		o.allPayments = nil
		o.paymentsDegraded = true
	} else {
		o.allPayments = slices.Clone(methods)
		o.paymentsDegraded = false
	}

	var surfaced *Error
	if method := o.store.Snapshot().SelectedDeliveryMethod; method != nil {
		surfaced = o.refreshPaymentsLocked(*method, true)
	}
	o.mu.Unlock()

	if fetchErr != nil {
		o.logger(ctx, "checkout.payment_methods_degraded", map[string]any{"error": fetchErr.Error()})
	}
	o.report(ctx, surfaced)
	return nil
}

func (o *Orchestrator) applyAddresses(ctx context.Context, gen uint64, saved []domain.Address, fetchErr error) error {
	o.mu.Lock()
	if o.staleLocked(gen) {
		o.mu.Unlock()
		return ErrFlowDisposed
	}
	if fetchErr != nil {
		ce := referenceError("addresses_unavailable", msgAddresses, ErrAddressesUnavailable, fetchErr)
		o.addressesErr = ce
		o.mu.Unlock()
		o.logger(ctx, "checkout.addresses_failed", map[string]any{"error": fetchErr.Error()})
		o.report(ctx, ce)
		return ce
	}
	o.addressesErr = nil
	o.savedAddresses = slices.Clone(saved)
	o.mu.Unlock()
	return nil
}

// SelectDeliveryMethodByID selects one of the loaded delivery methods.
func (o *Orchestrator) SelectDeliveryMethodByID(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	method, ok := lo.Find(o.store.Snapshot().AvailableDeliveryMethods, func(m domain.DeliveryMethod) bool {
		return m.ID == id
	})
	if !ok {
		ce := preconditionError("delivery_method_not_found", msgDeliveryNotFound, ErrDeliveryMethodNotFound)
		o.report(ctx, ce)
		return ce
	}
	return o.SelectDeliveryMethod(ctx, method)
}

// SelectDeliveryMethod applies the selection rules: payment methods are
// recomputed for the method and auto-selected when only one remains, and the
// address is cleared or routed to the right branch.
func (o *Orchestrator) SelectDeliveryMethod(ctx context.Context, method domain.DeliveryMethod) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrFlowDisposed
	}
	gen := o.generation
	loadCities, surfaced := o.selectDeliveryLocked(method)
	o.mu.Unlock()

	o.report(ctx, surfaced)
	if loadCities {
		o.loadCities(ctx, gen)
	}
	if surfaced != nil {
		return surfaced
	}
	return nil
}

func (o *Orchestrator) selectDeliveryLocked(method domain.DeliveryMethod) (loadCities bool, surfaced *Error) {
	o.store.SetSelectedDeliveryMethod(&method)
	surfaced = o.refreshPaymentsLocked(method, false)

	if !method.RequiresAddress {
		o.form.clearValidation()
		o.store.SetSelectedShippingAddress(nil)
		return false, surfaced
	}
	if o.opts.Authenticated && len(o.savedAddresses) > 0 {
		return false, surfaced
	}
	if _, ok := o.store.Snapshot().ShippingAddress.(domain.NewAddress); !ok {
		o.store.SetSelectedShippingAddress(domain.NewAddress{Draft: o.form.draft})
	}
	return o.form.requestCities(), surfaced
}

// refreshPaymentsLocked recomputes the available payment methods for method.
// keepCurrent preserves a still-available selection when the list reloads.
func (o *Orchestrator) refreshPaymentsLocked(method domain.DeliveryMethod, keepCurrent bool) *Error {
	var surfaced *Error
	if o.paymentsDegraded {
		o.available = fallbackPaymentMethods(method)
		if len(o.available) == 0 {
			surfaced = referenceError("payment_methods_unavailable", msgPaymentMethods, ErrPaymentMethodsUnavailable, nil)
		}
	} else {
		o.available = o.rules.Filter(method, o.allPayments)
	}

	current := o.store.Snapshot().SelectedPaymentMethodID
	switch {
	case len(o.available) == 1:
		o.store.SetSelectedPaymentMethodID(o.available[0].ID)
	case keepCurrent && current != "" && o.isAvailableLocked(current):
	default:
		o.store.SetSelectedPaymentMethodID("")
	}
	return surfaced
}

// AvailablePaymentMethods returns the payment methods compatible with the
// selected delivery method.
func (o *Orchestrator) AvailablePaymentMethods() []domain.PaymentMethod {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.available)
}

// SelectPaymentMethod selects an available payment method; an empty id clears
// the selection.
func (o *Orchestrator) SelectPaymentMethod(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrFlowDisposed
	}
	if id != "" && !o.isAvailableLocked(id) {
		o.mu.Unlock()
		ce := preconditionError("payment_method_unavailable", msgPaymentUnavailable, ErrPaymentMethodUnavailable)
		o.report(ctx, ce)
		return ce
	}
	o.store.SetSelectedPaymentMethodID(id)
	o.mu.Unlock()
	return nil
}

// SetGuestInfo stores the guest's name and email after stripping markup. An
// invalid pair clears the stored info so the checkout stays invalid.
func (o *Orchestrator) SetGuestInfo(ctx context.Context, info domain.GuestCustomerInfo) error {
	cleaned := domain.GuestCustomerInfo{
		CustomerName:  o.sanitize(info.CustomerName),
		CustomerEmail: strings.TrimSpace(info.CustomerEmail),
	}

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrFlowDisposed
	}
	o.guestDraft = cleaned
	if err := domain.ValidateGuest(cleaned); err != nil {
		o.store.SetGuestCustomerInfo(nil)
		o.mu.Unlock()
		ce := validationError("invalid_guest_info", msgGuestInvalid, errors.Join(ErrInvalidGuestInfo, err))
		o.report(ctx, ce)
		return ce
	}
	o.store.SetGuestCustomerInfo(&cleaned)
	o.mu.Unlock()
	return nil
}

// SetNotes stores the free-text order notes without markup, truncated to 500 characters.
func (o *Orchestrator) SetNotes(notes string) {
	cleaned := o.sanitize(notes)
	if utf8.RuneCountInString(cleaned) > maxNotesLength {
		cleaned = string([]rune(cleaned)[:maxNotesLength])
	}
	o.mu.Lock()
	o.notes = cleaned
	o.mu.Unlock()
}

// Reset clears every selection and form value, and ignores loads still in flight.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetLocked()
}

func (o *Orchestrator) resetLocked() {
	o.generation++
	o.initialized = false
	o.deliveryErr = nil
	o.allPayments = nil
	o.paymentsDegraded = false
	o.available = nil
	o.savedAddresses = nil
	o.addressesErr = nil
	o.form = newAddressForm()
	o.guestDraft = domain.GuestCustomerInfo{}
	o.notes = ""
	o.store.Reset()
}

// Dispose tears the flow down. Responses of loads that complete afterwards are ignored.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return
	}
	o.resetLocked()
	o.disposed = true
	o.store.Close()
}

// Disposed reports whether Dispose has been called.
func (o *Orchestrator) Disposed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disposed
}

func (o *Orchestrator) currentGeneration() (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return 0, ErrFlowDisposed
	}
	return o.generation, nil
}

func (o *Orchestrator) staleLocked(gen uint64) bool {
	return o.disposed || gen != o.generation
}

func (o *Orchestrator) isAvailableLocked(id string) bool {
	return lo.ContainsBy(o.available, func(p domain.PaymentMethod) bool { return p.ID == id })
}

func (o *Orchestrator) report(ctx context.Context, ce *Error) {
	if ce == nil {
		return
	}
	level := NoticeError
	if ce.Kind == KindPrecondition || ce.Kind == KindValidation {
		level = NoticeWarning
	}
	o.notifier.Notify(ctx, Notice{Level: level, Code: ce.Code, Message: ce.Message})
}

func (o *Orchestrator) sanitize(value string) string {
	return strings.TrimSpace(html.UnescapeString(o.policy.Sanitize(strings.TrimSpace(value))))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
