package checkout

import (
	"context"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"

	"finitefield.org/storefront-checkout/internal/domain"
)

var (
	pickupMethod = domain.DeliveryMethod{ID: "dm-pickup", Code: domain.DeliveryCodePickup, Name: "Store pickup", IsActive: true}
	shipMethod   = domain.DeliveryMethod{ID: "dm-ship", Code: domain.DeliveryCodeShipping, Name: "Home shipping", Price: decimal.NewFromInt(1500), RequiresAddress: true, IsActive: true}
	cashMethod   = domain.PaymentMethod{ID: "pm-cash", Code: domain.PaymentCodeCash, Name: "Cash", IsActive: true}
	onlineMethod = domain.PaymentMethod{ID: "pm-mp", Code: domain.PaymentCodeMercadoPago, Name: "Mercado Pago", RequiresOnlinePayment: true, IsActive: true}
)

type stubDeliveryMethods struct {
	listFunc func(ctx context.Context) ([]domain.DeliveryMethod, error)
}

func (s *stubDeliveryMethods) ListActive(ctx context.Context) ([]domain.DeliveryMethod, error) {
	if s.listFunc == nil {
		return nil, nil
	}
	return s.listFunc(ctx)
}

type stubPaymentMethods struct {
	listFunc func(ctx context.Context) ([]domain.PaymentMethod, error)
}

func (s *stubPaymentMethods) ListActive(ctx context.Context) ([]domain.PaymentMethod, error) {
	if s.listFunc == nil {
		return nil, nil
	}
	return s.listFunc(ctx)
}

type stubAddresses struct {
	listFunc func(ctx context.Context) ([]domain.Address, error)
}

func (s *stubAddresses) List(ctx context.Context) ([]domain.Address, error) {
	if s.listFunc == nil {
		return nil, nil
	}
	return s.listFunc(ctx)
}

type stubLocations struct {
	mu                sync.Mutex
	cityCalls         int
	citiesFunc        func(ctx context.Context) ([]domain.City, error)
	neighborhoodsFunc func(ctx context.Context, cityID string) ([]domain.Neighborhood, error)
}

func (s *stubLocations) Cities(ctx context.Context) ([]domain.City, error) {
	s.mu.Lock()
	s.cityCalls++
	s.mu.Unlock()
	if s.citiesFunc == nil {
		return []domain.City{{ID: "city-1", Name: "Buenos Aires"}}, nil
	}
	return s.citiesFunc(ctx)
}

func (s *stubLocations) NeighborhoodsByCity(ctx context.Context, cityID string) ([]domain.Neighborhood, error) {
	if s.neighborhoodsFunc == nil {
		return []domain.Neighborhood{{ID: "nb-1", Name: "Palermo", CityID: cityID}}, nil
	}
	return s.neighborhoodsFunc(ctx, cityID)
}

func (s *stubLocations) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cityCalls
}

type stubCart struct {
	mu         sync.Mutex
	getCalls   int
	clearCalls int
	getFunc    func(ctx context.Context) (*domain.Cart, error)
	clearFunc  func(ctx context.Context) error
}

func (s *stubCart) Get(ctx context.Context) (*domain.Cart, error) {
	s.mu.Lock()
	s.getCalls++
	s.mu.Unlock()
	if s.getFunc == nil {
		return nil, nil
	}
	return s.getFunc(ctx)
}

func (s *stubCart) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.clearCalls++
	s.mu.Unlock()
	if s.clearFunc == nil {
		return nil
	}
	return s.clearFunc(ctx)
}

func (s *stubCart) counts() (gets, clears int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls, s.clearCalls
}

type stubOrders struct {
	mu         sync.Mutex
	calls      int
	submission domain.OrderSubmission
	createFunc func(ctx context.Context, submission domain.OrderSubmission) (domain.Order, error)
}

func (s *stubOrders) Create(ctx context.Context, submission domain.OrderSubmission) (domain.Order, error) {
	s.mu.Lock()
	s.calls++
	s.submission = submission
	s.mu.Unlock()
	if s.createFunc == nil {
		return domain.Order{ID: "ord-1"}, nil
	}
	return s.createFunc(ctx, submission)
}

func (s *stubOrders) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubPayments struct {
	orderIDs       []string
	preferenceFunc func(ctx context.Context, orderID string) (domain.PaymentPreference, error)
}

func (s *stubPayments) CreatePreference(ctx context.Context, orderID string) (domain.PaymentPreference, error) {
	s.orderIDs = append(s.orderIDs, orderID)
	if s.preferenceFunc == nil {
		return domain.PaymentPreference{ID: "pref-1", InitPoint: "https://gateway.example/init/pref-1"}, nil
	}
	return s.preferenceFunc(ctx, orderID)
}

type stubNotifications struct {
	sent     []domain.ManualNotification
	sendFunc func(ctx context.Context, n domain.ManualNotification) error
}

func (s *stubNotifications) SendManual(ctx context.Context, n domain.ManualNotification) error {
	s.sent = append(s.sent, n)
	if s.sendFunc == nil {
		return nil
	}
	return s.sendFunc(ctx, n)
}

// feedbackRecorder captures notices, navigation and log events.
type feedbackRecorder struct {
	mu           sync.Mutex
	notices      []Notice
	destinations []Destination
	events       []string
}

func (r *feedbackRecorder) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *feedbackRecorder) Navigate(_ context.Context, d Destination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destinations = append(r.destinations, d)
}

func (r *feedbackRecorder) log(_ context.Context, event string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *feedbackRecorder) noticeCodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.Code)
	}
	return out
}

func (r *feedbackRecorder) hasEvent(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type harness struct {
	deliveries    *stubDeliveryMethods
	payments      *stubPaymentMethods
	addresses     *stubAddresses
	locations     *stubLocations
	cart          *stubCart
	orders        *stubOrders
	gateway       *stubPayments
	notifications *stubNotifications
	feedback      *feedbackRecorder
}

func newHarness() *harness {
	return &harness{
		deliveries: &stubDeliveryMethods{listFunc: func(context.Context) ([]domain.DeliveryMethod, error) {
			return []domain.DeliveryMethod{pickupMethod, shipMethod}, nil
		}},
		payments: &stubPaymentMethods{listFunc: func(context.Context) ([]domain.PaymentMethod, error) {
			return []domain.PaymentMethod{cashMethod, onlineMethod}, nil
		}},
		addresses:     &stubAddresses{},
		locations:     &stubLocations{},
		cart:          &stubCart{},
		orders:        &stubOrders{},
		gateway:       &stubPayments{},
		notifications: &stubNotifications{},
		feedback:      &feedbackRecorder{},
	}
}

func (h *harness) build(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	o, err := New(Deps{
		DeliveryMethods: h.deliveries,
		PaymentMethods:  h.payments,
		Addresses:       h.addresses,
		Locations:       h.locations,
		Cart:            h.cart,
		Orders:          h.orders,
		Payments:        h.gateway,
		Notifications:   h.notifications,
		Notifier:        h.feedback,
		Navigator:       h.feedback,
		Logger:          h.feedback.log,
		Options:         opts,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return o
}

func (h *harness) initialized(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	o := h.build(t, opts)
	if err := o.Init(context.Background()); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	return o
}

// fakeCart builds a cart with n lines of generated products.
func fakeCart(n int) *domain.Cart {
	faker := gofakeit.New(42)
	cart := &domain.Cart{ID: "cart-1"}
	for i := 0; i < n; i++ {
		price := decimal.NewFromFloat(faker.Price(100, 5000)).Round(2)
		qty := faker.Number(1, 4)
		cart.Items = append(cart.Items, domain.CartItem{
			ProductID:        faker.UUID(),
			Name:             faker.ProductName(),
			Quantity:         qty,
			UnitPriceWithTax: price,
			Subtotal:         price.Mul(decimal.NewFromInt(int64(qty))),
		})
		cart.Total = cart.Total.Add(price.Mul(decimal.NewFromInt(int64(qty))))
	}
	return cart
}

func validAddressDraft() domain.AddressDraft {
	return domain.AddressDraft{
		RecipientName:  "Ana Gómez",
		Phone:          "+54 11 4444-5555",
		StreetAddress:  "Av. Corrientes 1234",
		PostalCode:     "C1043",
		CityID:         "city-1",
		NeighborhoodID: "nb-1",
		AdditionalInfo: "Piso 3",
	}
}
