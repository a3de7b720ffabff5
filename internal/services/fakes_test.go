package services

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/marketplace/internal/domain"
	"github.com/hanko-field/marketplace/internal/payments"
	"github.com/hanko-field/marketplace/internal/repositories"
	"github.com/hanko-field/marketplace/internal/shipping"
	"github.com/hanko-field/marketplace/internal/tax"
)

type repoErr struct {
	notFound    bool
	conflict    bool
	unavailable bool
	msg         string
}

func (e repoErr) Error() string       { return e.msg }
func (e repoErr) IsNotFound() bool    { return e.notFound }
func (e repoErr) IsConflict() bool    { return e.conflict }
func (e repoErr) IsUnavailable() bool { return e.unavailable }

func notFound(what string) error { return repoErr{notFound: true, msg: what + " not found"} }

// store is an in-memory stand-in for the products, users and orders collections sharing one lock,
// so CommitPurchase can flip the sold flag and insert the order atomically.
type store struct {
	mu       sync.Mutex
	products map[string]domain.Product
	users    map[string]domain.UserProfile
	orders   map[string]domain.Order
	numbers  map[string]string

	commitCalls     int
	commitErr       error
	reserveErr      error
	transitionCalls int
	// beforeTransition runs inside TransitionStatus before the status check, simulating a
	// concurrent writer.
	beforeTransition func(o *domain.Order)
}

func newStore() *store {
	return &store{
		products: map[string]domain.Product{},
		users:    map[string]domain.UserProfile{},
		orders:   map[string]domain.Order{},
		numbers:  map[string]string{},
	}
}

type storeProducts struct{ s *store }
type storeUsers struct{ s *store }
type storeOrders struct{ s *store }

func (p storeProducts) FindByID(_ context.Context, id string) (domain.Product, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	product, ok := p.s.products[id]
	if !ok {
		return domain.Product{}, notFound("product")
	}
	return product, nil
}

func (u storeUsers) FindByID(_ context.Context, id string) (domain.UserProfile, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return domain.UserProfile{}, notFound("user")
	}
	return user, nil
}

func (u storeUsers) ReserveFreeSale(_ context.Context, id string) (int, bool, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if u.s.reserveErr != nil {
		return 0, false, u.s.reserveErr
	}
	user, ok := u.s.users[id]
	if !ok {
		return 0, false, notFound("user")
	}
	if user.FreeSales <= 0 {
		return 0, false, nil
	}
	user.FreeSales--
	u.s.users[id] = user
	return user.FreeSales, true, nil
}

func (u storeUsers) ReleaseFreeSale(_ context.Context, id string) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return notFound("user")
	}
	user.FreeSales++
	u.s.users[id] = user
	return nil
}

func (o storeOrders) CommitPurchase(_ context.Context, record repositories.PurchaseRecord) (domain.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	o.s.commitCalls++
	if o.s.commitErr != nil {
		return domain.Order{}, o.s.commitErr
	}
	order := record.Order
	product, ok := o.s.products[order.ProductID]
	if !ok {
		return domain.Order{}, notFound("product")
	}
	if product.Sold {
		return domain.Order{}, &repositories.PurchaseConflictError{Reason: repositories.PurchaseConflictProductSold, Key: product.ID}
	}
	if _, taken := o.s.numbers[order.OrderNumber]; taken {
		return domain.Order{}, &repositories.PurchaseConflictError{Reason: repositories.PurchaseConflictOrderNumber, Key: order.OrderNumber}
	}
	soldAt := record.SoldAt
	product.Sold = true
	product.SoldAt = &soldAt
	o.s.products[product.ID] = product
	o.s.numbers[order.OrderNumber] = order.ID
	o.s.orders[order.ID] = order
	return order, nil
}

func (o storeOrders) FindByID(_ context.Context, id string) (domain.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	order, ok := o.s.orders[id]
	if !ok {
		return domain.Order{}, notFound("order")
	}
	return order, nil
}

func (o storeOrders) FindByTrackerID(_ context.Context, trackerID string) (domain.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	for _, order := range o.s.orders {
		if order.TrackerID == trackerID {
			return order, nil
		}
	}
	return domain.Order{}, notFound("order")
}

func (o storeOrders) OrderNumberExists(_ context.Context, number string) (bool, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	_, ok := o.s.numbers[number]
	return ok, nil
}

func (o storeOrders) TransitionStatus(_ context.Context, id string, expected []domain.OrderStatus, mutate func(*domain.Order)) (domain.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	o.s.transitionCalls++
	order, ok := o.s.orders[id]
	if !ok {
		return domain.Order{}, notFound("order")
	}
	if hook := o.s.beforeTransition; hook != nil {
		o.s.beforeTransition = nil
		hook(&order)
		o.s.orders[id] = order
	}
	if !slices.Contains(expected, order.Status) {
		return domain.Order{}, &repositories.StatusMismatchError{OrderID: id, Actual: string(order.Status)}
	}
	mutate(&order)
	o.s.orders[id] = order
	return order, nil
}

type fakeShipping struct {
	mu            sync.Mutex
	purchaseCalls int
	voidCalls     int
	previewCalls  int
	verifyCalls   int
	purchase      func(shipmentID, rateID string) (shipping.Purchase, error)
	voidErr       error
	preview       func(to, from domain.Address, weight float64) (domain.ShipmentPreview, error)
	verify        func(domain.Address) (domain.AddressVerification, error)
}

func (f *fakeShipping) PreviewShipment(_ context.Context, to, from domain.Address, weight float64) (domain.ShipmentPreview, error) {
	f.mu.Lock()
	f.previewCalls++
	f.mu.Unlock()
	if f.preview == nil {
		return domain.ShipmentPreview{ShipmentID: "shp_1", RateID: "rate_1", Rate: 735, Carrier: "USPS", Service: "Priority"}, nil
	}
	return f.preview(to, from, weight)
}

func (f *fakeShipping) PurchaseShipment(_ context.Context, shipmentID, rateID string) (shipping.Purchase, error) {
	f.mu.Lock()
	f.purchaseCalls++
	f.mu.Unlock()
	if f.purchase != nil {
		return f.purchase(shipmentID, rateID)
	}
	return shipping.Purchase{
		ShipmentID:      shipmentID,
		TrackerID:       "trk_" + shipmentID,
		TrackingURL:     "https://track.example/" + shipmentID,
		PostageLabelURL: "https://labels.example/" + shipmentID + ".png",
		ShippingCost:    735,
		Carrier:         "USPS",
		Service:         "Priority",
	}, nil
}

func (f *fakeShipping) VoidShipment(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voidCalls++
	return f.voidErr
}

func (f *fakeShipping) VerifyAddress(_ context.Context, address domain.Address) (domain.AddressVerification, error) {
	f.mu.Lock()
	f.verifyCalls++
	f.mu.Unlock()
	if f.verify != nil {
		return f.verify(address)
	}
	return domain.AddressVerification{Success: true, Corrected: &address}, nil
}

func (f *fakeShipping) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purchaseCalls + f.voidCalls + f.previewCalls + f.verifyCalls
}

type fakePayments struct {
	mu          sync.Mutex
	charges     []payments.ChargeRequest
	refunds     []payments.RefundRequest
	verifyCalls int
	chargeErr   error
	refundErr   error
	verifyErr   error
	onCharge    func(payments.ChargeRequest)
}

func (f *fakePayments) Charge(_ context.Context, _ payments.PaymentContext, req payments.ChargeRequest) (payments.ChargeResult, error) {
	if f.onCharge != nil {
		f.onCharge(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges = append(f.charges, req)
	if f.chargeErr != nil {
		return payments.ChargeResult{}, f.chargeErr
	}
	return payments.ChargeResult{ChargeRef: "ch_1", IntentRef: "pi_1", Status: payments.StatusSucceeded, Amount: req.Amount, Currency: req.Currency}, nil
}

func (f *fakePayments) Refund(_ context.Context, _ payments.PaymentContext, req payments.RefundRequest) (payments.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, req)
	if f.refundErr != nil {
		return payments.RefundResult{}, f.refundErr
	}
	return payments.RefundResult{RefundRef: "re_1", ChargeRef: req.ChargeRef, Status: payments.StatusRefunded}, nil
}

func (f *fakePayments) VerifyPaymentMethod(context.Context, payments.PaymentContext, string, string) (payments.PaymentMethodDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	return payments.PaymentMethodDetails{}, f.verifyErr
}

func (f *fakePayments) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.charges) + len(f.refunds) + f.verifyCalls
}

type fakeTax struct {
	mu           sync.Mutex
	quotes       []tax.Quote
	transactions []tax.Transaction
	amount       decimal.Decimal
	quoteErr     error
	recordErr    error
}

func (f *fakeTax) AmountToCollect(_ context.Context, q tax.Quote) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes = append(f.quotes, q)
	return f.amount, f.quoteErr
}

func (f *fakeTax) RecordTransaction(_ context.Context, tx tax.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions = append(f.transactions, tx)
	return f.recordErr
}

func (f *fakeTax) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.quotes) + len(f.transactions)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type loggedEvent struct {
	name   string
	fields map[string]any
}

type recordingLogger struct {
	mu     sync.Mutex
	events []loggedEvent
}

func (l *recordingLogger) log(_ context.Context, event string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, loggedEvent{name: event, fields: fields})
}

func (l *recordingLogger) has(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.name == name {
			return true
		}
	}
	return false
}

func strPtr(s string) *string { return &s }

func addressIn(state string) domain.Address {
	return domain.Address{
		Recipient:  "Test Recipient",
		Line1:      "1 Main St",
		City:       "Springfield",
		State:      strPtr(state),
		PostalCode: "00001",
		Country:    "US",
	}
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
}
