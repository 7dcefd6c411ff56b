package domain

// AddressSelection is the shipping address choice of a checkout. A nil
// AddressSelection means neither branch is active.
type AddressSelection interface {
	// Ready reports whether the selection can be submitted as is.
	Ready() bool
	addressSelection()
}

// ExistingAddress selects a saved address by id.
type ExistingAddress struct {
	Address Address
}

// Ready is true when the address resolved to a non-empty id.
func (e ExistingAddress) Ready() bool { return e.Address.ID != "" }

func (ExistingAddress) addressSelection() {}

// NewAddress selects an in-progress address draft.
type NewAddress struct {
	Draft AddressDraft
}

// Ready is true when every required draft field is present and well formed.
func (n NewAddress) Ready() bool { return n.Draft.Validate() == nil }

func (NewAddress) addressSelection() {}

// AddressReady is the readiness predicate used for submission: addresses are
// always ready when the delivery method does not need one.
func AddressReady(method *DeliveryMethod, selection AddressSelection) bool {
	if method == nil || !method.RequiresAddress {
		return true
	}
	if selection == nil {
		return false
	}
	return selection.Ready()
}

// PaymentKind is the post-order branch chosen by a payment method.
type PaymentKind int

const (
	PaymentKindGeneric PaymentKind = iota
	PaymentKindCash
	PaymentKindOnline
)

// String returns the wire name of the kind.
func (k PaymentKind) String() string {
	switch k {
	case PaymentKindCash:
		return "cash"
	case PaymentKindOnline:
		return "online"
	default:
		return "generic"
	}
}

// PaymentKindForCode maps a payment method code to its branch. The code is
// authoritative; RequiresOnlinePayment is not consulted.
func PaymentKindForCode(code string) PaymentKind {
	switch NormalizeCode(code) {
	case PaymentCodeCash:
		return PaymentKindCash
	case PaymentCodeMercadoPago:
		return PaymentKindOnline
	default:
		return PaymentKindGeneric
	}
}
