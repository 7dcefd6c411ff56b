package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind groups checkout failures by how they are reported.
type ErrorKind string

const (
	KindPrecondition  ErrorKind = "precondition"
	KindValidation    ErrorKind = "validation"
	KindTransport     ErrorKind = "transport"
	KindPaymentInit   ErrorKind = "payment_init"
	KindReferenceData ErrorKind = "reference_data"
)

var (
	ErrNoDeliveryMethod           = errors.New("checkout: delivery method not selected")
	ErrNoPaymentMethod            = errors.New("checkout: payment method not selected")
	ErrPaymentMethodUnavailable   = errors.New("checkout: payment method not available for delivery method")
	ErrAddressRequired            = errors.New("checkout: shipping address required")
	ErrInvalidAddress             = errors.New("checkout: shipping address draft invalid")
	ErrGuestInfoRequired          = errors.New("checkout: guest customer info required")
	ErrInvalidGuestInfo           = errors.New("checkout: guest customer info invalid")
	ErrAlreadyProcessing          = errors.New("checkout: order already being processed")
	ErrEmptyCart                  = errors.New("checkout: cart is empty")
	ErrDeliveryMethodNotFound     = errors.New("checkout: delivery method not found")
	ErrAddressNotFound            = errors.New("checkout: address not found")
	ErrCityNotFound               = errors.New("checkout: city not found")
	ErrDeliveryMethodsUnavailable = errors.New("checkout: delivery methods unavailable")
	ErrPaymentMethodsUnavailable  = errors.New("checkout: payment methods unavailable")
	ErrAddressesUnavailable       = errors.New("checkout: addresses unavailable")
	ErrCitiesUnavailable          = errors.New("checkout: cities unavailable")
	ErrNeighborhoodsUnavailable   = errors.New("checkout: neighborhoods unavailable")
	ErrOrderFailed                = errors.New("checkout: order creation failed")
	ErrPaymentInit                = errors.New("checkout: payment could not be initialized")
	ErrFlowDisposed               = errors.New("checkout: flow disposed")
)

// Error is the single user-facing failure reported for an operation.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	// Status is the upstream HTTP status when the failure came from transport.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AsError extracts a checkout error from err.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce, true
	}
	return nil, false
}

func newError(kind ErrorKind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func preconditionError(code, message string, err error) *Error {
	return newError(KindPrecondition, code, message, err)
}

func validationError(code, message string, err error) *Error {
	return newError(KindValidation, code, message, err)
}

func referenceError(code, message string, sentinel, cause error) *Error {
	return newError(KindReferenceData, code, message, errors.Join(sentinel, cause))
}

// statusCoder is implemented by transport errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// serverMessager is implemented by transport errors that carry the server's message.
type serverMessager interface {
	ServerMessage() string
}

const (
	msgBadRequest         = "The order could not be processed. Please review your details."
	msgProductUnavailable = "One or more products are no longer available."
	msgInsufficientStock  = "There is not enough stock for one or more products."
	msgServerError        = "The server is having trouble right now. Please try again shortly."
	msgConnectivity       = "Could not reach the server. Check your connection and try again."
	msgGenericOrder       = "The order could not be created. Please try again."
	msgPaymentInit        = "The payment could not be initialized. Please try again."
)

// ClassifyTransport turns an order or cart failure into the one message shown
// to the customer. 400, 404 and 409 are terminal for the attempt; 5xx and
// network failures are transient.
func ClassifyTransport(err error) *Error {
	if err == nil {
		return nil
	}
	if ce, ok := AsError(err); ok {
		return ce
	}

	var sc statusCoder
	if !errors.As(err, &sc) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		out := newError(KindTransport, "network_error", msgConnectivity, errors.Join(ErrOrderFailed, err))
		return out
	}

	status := sc.StatusCode()
	out := &Error{Kind: KindTransport, Status: status, Err: errors.Join(ErrOrderFailed, err)}
	switch {
	case status == http.StatusBadRequest:
		out.Code = "invalid_order"
		out.Message = msgBadRequest
		var sm serverMessager
		if errors.As(err, &sm) {
			if msg := strings.TrimSpace(sm.ServerMessage()); msg != "" {
				out.Message = msg
			}
		}
	case status == http.StatusNotFound:
		out.Code = "product_unavailable"
		out.Message = msgProductUnavailable
	case status == http.StatusConflict:
		out.Code = "insufficient_stock"
		out.Message = msgInsufficientStock
	case status >= http.StatusInternalServerError:
		out.Code = "server_error"
		out.Message = msgServerError
	default:
		out.Code = "order_failed"
		out.Message = msgGenericOrder
	}
	return out
}
