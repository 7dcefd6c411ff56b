package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"finitefield.org/storefront-checkout/internal/apiclient"
	"finitefield.org/storefront-checkout/internal/checkout"
	"finitefield.org/storefront-checkout/internal/domain"
	"finitefield.org/storefront-checkout/internal/platform/auth"
	"finitefield.org/storefront-checkout/internal/platform/httpx"
	"finitefield.org/storefront-checkout/internal/session"
)

const (
	maxCheckoutRequestBody = 16 * 1024
	defaultSubmitTimeout   = 90 * time.Second
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

// FlowRegistry resolves the checkout flow of a session.
type FlowRegistry interface {
	Open(ctx context.Context, key session.Key) (*checkout.Orchestrator, error)
	Lookup(key session.Key) (*checkout.Orchestrator, bool)
	Close(key session.Key) bool
}

// CheckoutHandlers exposes one checkout flow per browser session.
type CheckoutHandlers struct {
	flows         FlowRegistry
	submitTimeout time.Duration
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithSubmitTimeout bounds order confirmation, which is not cancelled when
// the browser disconnects.
func WithSubmitTimeout(d time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		if d > 0 {
			h.submitTimeout = d
		}
	}
}

// NewCheckoutHandlers constructs checkout handlers backed by flows.
func NewCheckoutHandlers(flows FlowRegistry, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{flows: flows, submitTimeout: defaultSubmitTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Route("/checkout", func(r chi.Router) {
		r.Use(forwardToken, collectFeedback)
		r.Get("/", h.open)
		r.Delete("/", h.dispose)
		r.Post("/delivery-methods/retry", h.retryDeliveryMethods)
		r.Put("/delivery-method", h.selectDeliveryMethod)
		r.Put("/payment-method", h.selectPaymentMethod)
		r.Put("/address", h.selectAddress)
		r.Put("/address/city", h.selectCity)
		r.Put("/guest", h.setGuest)
		r.Put("/notes", h.setNotes)
		r.Post("/confirm", h.confirm)
	})
}

func forwardToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity, ok := auth.IdentityFromContext(r.Context()); ok {
			r = r.WithContext(apiclient.WithToken(r.Context(), identity.Token()))
		}
		next.ServeHTTP(w, r)
	})
}

func collectFeedback(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := session.WithCollector(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type navigationPayload struct {
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	External bool   `json:"external"`
	DelayMs  int64  `json:"delayMs"`
}

type orderPayload struct {
	ID           string          `json:"id"`
	Status       string          `json:"status,omitempty"`
	Total        decimal.Decimal `json:"total"`
	PaymentKind  string          `json:"paymentKind"`
	PreferenceID string          `json:"preferenceId,omitempty"`
	RedirectURL  string          `json:"redirectUrl,omitempty"`
}

type checkoutResponse struct {
	Checkout   *checkout.View     `json:"checkout"`
	Notices    []checkout.Notice  `json:"notices"`
	Navigation *navigationPayload `json:"navigation"`
	Order      *orderPayload      `json:"order,omitempty"`
}

type idRequest struct {
	ID string `json:"id"`
}

type addressRequest struct {
	Mode      string               `json:"mode"`
	AddressID string               `json:"addressId"`
	Draft     *domain.AddressDraft `json:"draft"`
	Touched   []string             `json:"touched"`
}

type cityRequest struct {
	CityID string `json:"cityId"`
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (h *CheckoutHandlers) open(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, ok := flowKey(ctx)
	if !ok {
		writeNoSession(ctx, w)
		return
	}
	flow, err := h.flows.Open(ctx, key)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout could not be started", http.StatusServiceUnavailable))
		return
	}
	if !flow.Initialized() {
		if err := flow.Init(ctx); err != nil {
			writeCheckoutError(ctx, w, flow, err)
			return
		}
	}
	writeCheckout(ctx, w, http.StatusOK, flow, nil)
}

func (h *CheckoutHandlers) dispose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, ok := flowKey(ctx)
	if !ok {
		writeNoSession(ctx, w)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"disposed": h.flows.Close(key)})
}

func (h *CheckoutHandlers) retryDeliveryMethods(w http.ResponseWriter, r *http.Request) {
	h.withFlow(w, r, nil, func(ctx context.Context, flow *checkout.Orchestrator) error {
		return flow.RetryLoadDeliveryMethods(ctx)
	})
}

func (h *CheckoutHandlers) selectDeliveryMethod(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	h.withFlow(w, r, &req, func(ctx context.Context, flow *checkout.Orchestrator) error {
		return flow.SelectDeliveryMethodByID(ctx, req.ID)
	})
}

func (h *CheckoutHandlers) selectPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	h.withFlow(w, r, &req, func(ctx context.Context, flow *checkout.Orchestrator) error {
		return flow.SelectPaymentMethod(ctx, req.ID)
	})
}

func (h *CheckoutHandlers) selectAddress(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	h.withFlow(w, r, &req, func(ctx context.Context, flow *checkout.Orchestrator) error {
		switch strings.ToLower(strings.TrimSpace(req.Mode)) {
		case checkout.AddressModeExisting:
			return flow.SelectExistingAddress(ctx, req.AddressID)
		case checkout.AddressModeNew:
			if err := flow.UseNewAddress(ctx); err != nil {
				return err
			}
			if req.Draft == nil {
				return nil
			}
			return flow.UpdateAddressDraft(ctx, *req.Draft, req.Touched...)
		default:
			return errInvalidAddressMode
		}
	})
}

var errInvalidAddressMode = errors.New(`mode must be "existing" or "new"`)

func (h *CheckoutHandlers) selectCity(w http.ResponseWriter, r *http.Request) {
	var req cityRequest
	h.withFlow(w, r, &req, func(ctx context.Context, flow *checkout.Orchestrator) error {
		return flow.SelectCity(ctx, req.CityID)
	})
}

func (h *CheckoutHandlers) setGuest(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.IdentityFromContext(r.Context()); ok {
		httpx.WriteError(r.Context(), w, httpx.NewError("not_guest_checkout", "signed-in customers do not provide guest details", http.StatusConflict))
		return
	}
	var req domain.GuestCustomerInfo
	h.withFlow(w, r, &req, func(ctx context.Context, flow *checkout.Orchestrator) error {
		return flow.SetGuestInfo(ctx, req)
	})
}

func (h *CheckoutHandlers) setNotes(w http.ResponseWriter, r *http.Request) {
	var req notesRequest
	h.withFlow(w, r, &req, func(_ context.Context, flow *checkout.Orchestrator) error {
		flow.SetNotes(req.Notes)
		return nil
	})
}

func (h *CheckoutHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flow, ok := h.lookup(w, r)
	if !ok {
		return
	}

	// A started submission must finish even if the browser goes away.
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.submitTimeout)
	defer cancel()

	result, err := flow.ConfirmOrder(submitCtx)
	if err != nil {
		writeCheckoutError(ctx, w, flow, err)
		return
	}
	writeCheckout(ctx, w, http.StatusOK, flow, toOrderPayload(result))
}

// withFlow decodes the JSON body into req (when not nil), runs fn against the
// caller's flow and writes the resulting view.
func (h *CheckoutHandlers) withFlow(w http.ResponseWriter, r *http.Request, req any, fn func(context.Context, *checkout.Orchestrator) error) {
	ctx := r.Context()
	flow, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if req != nil {
		if err := decodeBody(r, req); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, errBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
			return
		}
	}
	if err := fn(ctx, flow); err != nil {
		if errors.Is(err, errInvalidAddressMode) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		writeCheckoutError(ctx, w, flow, err)
		return
	}
	writeCheckout(ctx, w, http.StatusOK, flow, nil)
}

func (h *CheckoutHandlers) lookup(w http.ResponseWriter, r *http.Request) (*checkout.Orchestrator, bool) {
	ctx := r.Context()
	key, ok := flowKey(ctx)
	if !ok {
		writeNoSession(ctx, w)
		return nil, false
	}
	flow, ok := h.flows.Lookup(key)
	if !ok || !flow.Initialized() {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_not_started", "the checkout has expired, reload it to continue", http.StatusConflict))
		return nil, false
	}
	return flow, true
}

func flowKey(ctx context.Context) (session.Key, bool) {
	data, ok := session.FromContext(ctx)
	if !ok || data.ID == "" {
		return session.Key{}, false
	}
	key := session.Key{SessionID: data.ID}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		key.UserID = identity.UID
	}
	return key, true
}

func writeNoSession(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("session_required", "a checkout session is required", http.StatusBadRequest))
}

func decodeBody(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCheckoutRequestBody+1))
	if err != nil {
		return err
	}
	if len(data) > maxCheckoutRequestBody {
		return errBodyTooLarge
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return errEmptyBody
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.New("request body must be valid JSON")
	}
	return nil
}

func feedback(ctx context.Context) ([]checkout.Notice, *navigationPayload) {
	collector, ok := session.CollectorFromContext(ctx)
	if !ok {
		return []checkout.Notice{}, nil
	}
	var nav *navigationPayload
	if dest := collector.Navigation(); dest != nil {
		nav = &navigationPayload{
			Path:     dest.Path,
			URL:      dest.URL,
			External: dest.External,
			DelayMs:  dest.Delay.Milliseconds(),
		}
	}
	return collector.Notices(), nav
}

func writeCheckout(ctx context.Context, w http.ResponseWriter, status int, flow *checkout.Orchestrator, order *orderPayload) {
	view := flow.View()
	notices, nav := feedback(ctx)
	httpx.WriteJSON(w, status, checkoutResponse{
		Checkout:   &view,
		Notices:    notices,
		Navigation: nav,
		Order:      order,
	})
}

func toOrderPayload(result checkout.OrderResult) *orderPayload {
	out := &orderPayload{ID: result.OrderID(), PaymentKind: result.Kind().String()}
	switch res := result.(type) {
	case checkout.CashResult:
		out.Status, out.Total = res.Order.Status, res.Order.Total
	case checkout.GenericResult:
		out.Status, out.Total = res.Order.Status, res.Order.Total
	case checkout.OnlineResult:
		out.Status, out.Total = res.Order.Status, res.Order.Total
		out.PreferenceID = res.PreferenceID
		out.RedirectURL = res.RedirectURL
	}
	return out
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, flow *checkout.Orchestrator, err error) {
	if errors.Is(err, checkout.ErrFlowDisposed) {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_not_started", "the checkout has expired, reload it to continue", http.StatusConflict))
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		httpx.WriteError(ctx, w, httpx.NewError("request_cancelled", "the request was cancelled", http.StatusServiceUnavailable))
		return
	}

	ce, ok := checkout.AsError(err)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
		return
	}

	view := flow.View()
	notices, nav := feedback(ctx)
	httpx.WriteError(ctx, w, httpx.NewError(ce.Code, ce.Message, statusForError(ce)).WithDetails(map[string]any{
		"checkout":   view,
		"notices":    notices,
		"navigation": nav,
	}))
}

func statusForError(ce *checkout.Error) int {
	switch {
	case errors.Is(ce, checkout.ErrAlreadyProcessing):
		return http.StatusConflict
	case errors.Is(ce, checkout.ErrDeliveryMethodNotFound),
		errors.Is(ce, checkout.ErrAddressNotFound),
		errors.Is(ce, checkout.ErrCityNotFound):
		return http.StatusNotFound
	}
	switch ce.Kind {
	case checkout.KindPrecondition, checkout.KindValidation:
		return http.StatusUnprocessableEntity
	case checkout.KindTransport:
		if ce.Status >= http.StatusBadRequest && ce.Status < http.StatusInternalServerError {
			return ce.Status
		}
		return http.StatusBadGateway
	case checkout.KindPaymentInit:
		return http.StatusBadGateway
	case checkout.KindReferenceData:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
