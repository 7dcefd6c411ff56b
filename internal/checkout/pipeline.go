package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"finitefield.org/storefront-checkout/internal/domain"
)

// OrderResult is the outcome of a successful order creation. It is one of
// CashResult, OnlineResult or GenericResult.
type OrderResult interface {
	OrderID() string
	Kind() domain.PaymentKind
	orderResult()
}

// CashResult settles on pickup or delivery; no further network call is made.
type CashResult struct {
	Order domain.Order
}

// OnlineResult redirects to the payment gateway.
type OnlineResult struct {
	Order        domain.Order
	PreferenceID string
	RedirectURL  string
}

// GenericResult is any other payment code: a success with no redirect.
type GenericResult struct {
	Order domain.Order
}

// OrderID implements OrderResult.
func (r CashResult) OrderID() string { return r.Order.ID }

// Kind implements OrderResult.
func (CashResult) Kind() domain.PaymentKind { return domain.PaymentKindCash }

func (CashResult) orderResult() {}

// OrderID implements OrderResult.
func (r OnlineResult) OrderID() string { return r.Order.ID }

// Kind implements OrderResult.
func (OnlineResult) Kind() domain.PaymentKind { return domain.PaymentKindOnline }

func (OnlineResult) orderResult() {}

// OrderID implements OrderResult.
func (r GenericResult) OrderID() string { return r.Order.ID }

// Kind implements OrderResult.
func (GenericResult) Kind() domain.PaymentKind { return domain.PaymentKindGeneric }

func (GenericResult) orderResult() {}

// submitRequest is the state captured once pre-validation passes.
type submitRequest struct {
	method    domain.DeliveryMethod
	payment   domain.PaymentMethod
	selection domain.AddressSelection
	guest     *domain.GuestCustomerInfo
	notes     string
}

// IsProcessingOrder reports whether ConfirmOrder is running.
func (o *Orchestrator) IsProcessingOrder() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.processing
}

// ConfirmOrder validates the selections, creates the order and drives the
// cash, online or generic branch. A call made while another is running fails
// without any network call. Every failure is reported once through the
// Notifier and returned as *Error.
func (o *Orchestrator) ConfirmOrder(ctx context.Context) (OrderResult, error) {
	ctx, span := o.tracer.Start(ctx, "checkout.ConfirmOrder")
	defer span.End()

	req, ce := o.beginSubmit()
	if ce != nil {
		span.SetStatus(codes.Error, ce.Code)
		o.report(ctx, ce)
		return nil, ce
	}
	defer o.endSubmit()

	span.SetAttributes(
		attribute.String("checkout.delivery_method", req.method.Code),
		attribute.String("checkout.payment_method", req.payment.Code),
	)

	result, ce := o.submit(ctx, span, req)
	if ce != nil {
		span.SetStatus(codes.Error, ce.Code)
		if ce.Err != nil {
			span.RecordError(ce.Err)
		}
		o.report(ctx, ce)
		return nil, ce
	}
	span.SetAttributes(
		attribute.String("checkout.order_id", result.OrderID()),
		attribute.String("checkout.payment_kind", result.Kind().String()),
	)
	return result, nil
}

// beginSubmit runs pre-validation and sets the processing flag in one step.
func (o *Orchestrator) beginSubmit() (submitRequest, *Error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.disposed {
		return submitRequest{}, preconditionError("flow_disposed", msgFlowDisposed, ErrFlowDisposed)
	}
	if o.processing {
		return submitRequest{}, preconditionError("already_processing", msgAlreadyProcessing, ErrAlreadyProcessing)
	}

	snap := o.store.Snapshot()
	if snap.SelectedDeliveryMethod == nil {
		return submitRequest{}, preconditionError("delivery_method_required", msgSelectDelivery, ErrNoDeliveryMethod)
	}
	if snap.SelectedPaymentMethodID == "" {
		return submitRequest{}, preconditionError("payment_method_required", msgSelectPayment, ErrNoPaymentMethod)
	}
	payment, ok := lo.Find(o.available, func(p domain.PaymentMethod) bool { return p.ID == snap.SelectedPaymentMethodID })
	if !ok {
		return submitRequest{}, preconditionError("payment_method_unavailable", msgPaymentUnavailable, ErrPaymentMethodUnavailable)
	}
	if snap.IsGuestCheckout && !snap.GuestCustomerInfo.Complete() {
		return submitRequest{}, preconditionError("guest_info_required", msgGuestRequired, ErrGuestInfoRequired)
	}
	if !domain.AddressReady(snap.SelectedDeliveryMethod, snap.ShippingAddress) {
		switch sel := snap.ShippingAddress.(type) {
		case domain.NewAddress:
			o.form.draft = sel.Draft
			o.form.touchAll()
			o.form.revalidate()
			return submitRequest{}, validationError("invalid_address", msgAddressInvalid, ErrInvalidAddress)
		case domain.ExistingAddress, nil:
			return submitRequest{}, preconditionError("address_required", msgAddressRequired, ErrAddressRequired)
		}
	}

	o.processing = true
	req := submitRequest{
		method:    *snap.SelectedDeliveryMethod,
		payment:   payment,
		selection: snap.ShippingAddress,
		notes:     o.notes,
	}
	if snap.IsGuestCheckout {
		req.guest = snap.GuestCustomerInfo
	}
	return req, nil
}

func (o *Orchestrator) endSubmit() {
	o.mu.Lock()
	o.processing = false
	o.mu.Unlock()
}

func (o *Orchestrator) submit(ctx context.Context, span trace.Span, req submitRequest) (OrderResult, *Error) {
	cart, err := o.cart.Get(ctx)
	if err != nil && !isNotFound(err) {
		o.logger(ctx, "checkout.cart_fetch_failed", map[string]any{"error": err.Error()})
		return nil, ClassifyTransport(err)
	}
	if err != nil || cart.IsEmpty() {
		o.navigator.Navigate(ctx, Destination{Path: o.opts.CartPath})
		return nil, preconditionError("empty_cart", msgEmptyCart, ErrEmptyCart)
	}

	submission := buildSubmission(cart, req)
	order, err := o.createOrder(ctx, submission)
	if err != nil {
		ce := ClassifyTransport(err)
		o.logger(ctx, "checkout.order_failed", map[string]any{
			"status": ce.Status,
			"code":   ce.Code,
			"error":  err.Error(),
		})
		return nil, ce
	}
	span.AddEvent("order_created", trace.WithAttributes(attribute.String("checkout.order_id", order.ID)))

	result, ce := o.resolvePayment(ctx, order, req.payment)
	if ce != nil {
		return nil, ce
	}

	if err := o.cart.Clear(ctx); err != nil {
		o.logger(ctx, "checkout.cart_clear_failed", map[string]any{
			"orderID": order.ID,
			"error":   err.Error(),
		})
	}

	switch r := result.(type) {
	case CashResult:
		o.notifier.Notify(ctx, Notice{Level: NoticeSuccess, Code: "order_created", Message: fmt.Sprintf("Order #%s created. You will pay in cash.", r.Order.ID)})
		o.sendManualNotification(ctx, r.Order, cart, req)
		o.navigator.Navigate(ctx, o.orderDetail(r.Order.ID))
	case OnlineResult:
		if r.RedirectURL == "" {
			o.logger(ctx, "checkout.payment_redirect_missing", map[string]any{
				"orderID":      r.Order.ID,
				"preferenceID": r.PreferenceID,
			})
			return nil, newError(KindPaymentInit, "payment_init_failed", msgPaymentInit, ErrPaymentInit)
		}
		o.notifier.Notify(ctx, Notice{Level: NoticeInfo, Code: "payment_redirect", Message: "Redirecting to the payment gateway."})
		o.navigator.Navigate(ctx, Destination{URL: r.RedirectURL, External: true})
	case GenericResult:
		o.notifier.Notify(ctx, Notice{Level: NoticeSuccess, Code: "order_created", Message: fmt.Sprintf("Order #%s created.", r.Order.ID)})
		o.navigator.Navigate(ctx, o.orderDetail(r.Order.ID))
	}

	o.Reset()
	return result, nil
}

func (o *Orchestrator) createOrder(ctx context.Context, submission domain.OrderSubmission) (domain.Order, error) {
	ctx, span := o.tracer.Start(ctx, "checkout.CreateOrder")
	defer span.End()

	order, err := o.orders.Create(ctx, submission)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create order failed")
		return domain.Order{}, err
	}
	if strings.TrimSpace(order.ID) == "" {
		err := newError(KindTransport, "order_failed", msgGenericOrder, errors.Join(ErrOrderFailed, errors.New("checkout: order created without id")))
		span.RecordError(err)
		span.SetStatus(codes.Error, "order without id")
		return domain.Order{}, err
	}
	return order, nil
}

// resolvePayment branches on the payment method code.
func (o *Orchestrator) resolvePayment(ctx context.Context, order domain.Order, payment domain.PaymentMethod) (OrderResult, *Error) {
	switch domain.PaymentKindForCode(payment.Code) {
	case domain.PaymentKindCash:
		return CashResult{Order: order}, nil
	case domain.PaymentKindOnline:
		ctx, span := o.tracer.Start(ctx, "checkout.CreatePaymentPreference")
		defer span.End()
		pref, err := o.payments.CreatePreference(ctx, order.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create preference failed")
			o.logger(ctx, "checkout.payment_preference_failed", map[string]any{
				"orderID": order.ID,
				"error":   err.Error(),
			})
			return nil, newError(KindPaymentInit, "payment_init_failed", msgPaymentInit, errors.Join(ErrPaymentInit, err))
		}
		return OnlineResult{
			Order:        order,
			PreferenceID: pref.ID,
			RedirectURL:  pref.RedirectURL(o.opts.UseSandbox),
		}, nil
	default:
		return GenericResult{Order: order}, nil
	}
}

func (o *Orchestrator) orderDetail(orderID string) Destination {
	return Destination{
		Path:  path.Join(o.opts.OrderDetailPath, orderID),
		Delay: o.opts.ConfirmationDelay,
	}
}

// sendManualNotification is best effort: failures are logged only.
func (o *Orchestrator) sendManualNotification(ctx context.Context, order domain.Order, cart *domain.Cart, req submitRequest) {
	notification := domain.ManualNotification{
		Subject:        fmt.Sprintf("New order #%s", order.ID),
		Message:        manualNotificationBody(order, cart, req),
		EmailTo:        o.opts.NotifyEmailTo,
		TelegramChatID: o.opts.NotifyTelegramChatID,
	}
	if err := o.notifications.SendManual(ctx, notification); err != nil {
		o.logger(ctx, "checkout.manual_notification_failed", map[string]any{
			"orderID": order.ID,
			"error":   err.Error(),
		})
	}
}

// buildSubmission maps cart lines 1:1 and fills the shipping fields from the
// active address branch. Shipping is omitted when the method needs no address.
func buildSubmission(cart *domain.Cart, req submitRequest) domain.OrderSubmission {
	submission := domain.OrderSubmission{
		Items: lo.Map(cart.Items, func(item domain.CartItem, _ int) domain.OrderItem {
			return domain.OrderItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPriceWithTax,
			}
		}),
		DeliveryMethodID:   req.method.ID,
		DeliveryMethodCode: req.method.Code,
		PaymentMethodID:    req.payment.ID,
		Notes:              req.notes,
	}
	if req.guest != nil {
		submission.CustomerName = strings.TrimSpace(req.guest.CustomerName)
		submission.CustomerEmail = strings.TrimSpace(req.guest.CustomerEmail)
	}
	if !req.method.RequiresAddress {
		return submission
	}
	switch sel := req.selection.(type) {
	case domain.ExistingAddress:
		submission.SelectedAddressID = sel.Address.ID
	case domain.NewAddress:
		submission.Shipping = sel.Draft.Shipping()
	case nil:
	}
	return submission
}

func manualNotificationBody(order domain.Order, cart *domain.Cart, req submitRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order: %s\n", order.ID)
	if req.guest != nil {
		fmt.Fprintf(&b, "Customer: %s <%s> (guest)\n", req.guest.CustomerName, req.guest.CustomerEmail)
	} else {
		b.WriteString("Customer: registered customer\n")
	}
	fmt.Fprintf(&b, "Delivery: %s (%s)\n", req.method.Name, req.method.Code)
	fmt.Fprintf(&b, "Payment: %s (%s)\n", req.payment.Name, req.payment.Code)
	b.WriteString("Items:\n")
	for _, item := range cart.Items {
		name := firstNonEmpty(item.Name, item.ProductID)
		fmt.Fprintf(&b, "- %d x %s @ %s\n", item.Quantity, name, item.UnitPriceWithTax.StringFixed(2))
	}
	fmt.Fprintf(&b, "Total: %s\n", cartTotal(cart, req.method).StringFixed(2))
	if req.notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", req.notes)
	}
	return b.String()
}

// cartTotal prefers the cart's own total and falls back to summing its lines.
// The delivery price is added either way.
func cartTotal(cart *domain.Cart, method domain.DeliveryMethod) decimal.Decimal {
	total := cart.Total
	if total.IsZero() {
		total = lo.Reduce(cart.Items, func(acc decimal.Decimal, item domain.CartItem, _ int) decimal.Decimal {
			return acc.Add(item.UnitPriceWithTax.Mul(decimal.NewFromInt(int64(item.Quantity))))
		}, decimal.Zero)
	}
	return total.Add(method.Price)
}

// isNotFound reports an upstream 404, which GET /cart uses for a customer
// without an active cart.
func isNotFound(err error) bool {
	var sc statusCoder
	return errors.As(err, &sc) && sc.StatusCode() == http.StatusNotFound
}
