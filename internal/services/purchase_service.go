package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/marketplace/internal/domain"
	"github.com/hanko-field/marketplace/internal/payments"
	"github.com/hanko-field/marketplace/internal/repositories"
	"github.com/hanko-field/marketplace/internal/shipping"
	"github.com/hanko-field/marketplace/internal/tax"
)

const (
	orderIDPrefix           = "ord_"
	defaultPurchaseCurrency = "USD"
	compensationTimeout     = 30 * time.Second
	maxOrderNumberCommits   = 2
)

var (
	// ErrPurchaseInvalidInput indicates the request cannot be fulfilled as submitted.
	ErrPurchaseInvalidInput = errors.New("purchase: invalid input")
	// ErrPurchaseNotFound indicates the product or a participant does not exist.
	ErrPurchaseNotFound = errors.New("purchase: not found")
	// ErrPurchaseConflict indicates the product has already been sold.
	ErrPurchaseConflict = errors.New("purchase: product no longer available")
	// ErrPurchaseDeclined indicates the buyer's payment was refused.
	ErrPurchaseDeclined = errors.New("purchase: payment declined")
	// ErrPurchaseUpstream indicates the carrier or payment processor failed.
	ErrPurchaseUpstream = errors.New("purchase: upstream failure")
	// ErrPurchaseUnavailable indicates storage could not serve the request.
	ErrPurchaseUnavailable = errors.New("purchase: unavailable")
)

// PurchaseTimeouts bounds each external step of a purchase.
type PurchaseTimeouts struct {
	Shipping time.Duration
	Tax      time.Duration
	Payment  time.Duration
	Persist  time.Duration
}

func (t PurchaseTimeouts) withDefaults() PurchaseTimeouts {
	if t.Shipping <= 0 {
		t.Shipping = 30 * time.Second
	}
	if t.Tax <= 0 {
		t.Tax = 15 * time.Second
	}
	if t.Payment <= 0 {
		t.Payment = 30 * time.Second
	}
	if t.Persist <= 0 {
		t.Persist = 15 * time.Second
	}
	return t
}

// PurchaseServiceDeps wires the dependencies required by the purchase service.
type PurchaseServiceDeps struct {
	Products     repositories.ProductRepository
	Users        repositories.UserRepository
	Orders       repositories.OrderRepository
	Shipping     ShippingGateway
	Payments     PaymentGateway
	Tax          TaxGateway
	Fees         *FeeCalculator
	OrderNumbers *OrderNumberGenerator
	Events       OrderEventPublisher
	Currency     string
	Timeouts     PurchaseTimeouts
	// VerifyPaymentMethod checks that the payment method belongs to the buyer before any
	// label is bought.
	VerifyPaymentMethod bool
	Clock               func() time.Time
	IDGenerator         func() string
	Logger              func(ctx context.Context, event string, fields map[string]any)
}

type purchaseService struct {
	products     repositories.ProductRepository
	users        repositories.UserRepository
	orders       repositories.OrderRepository
	shipping     ShippingGateway
	payments     PaymentGateway
	tax          TaxGateway
	fees         *FeeCalculator
	numbers      *OrderNumberGenerator
	events       OrderEventPublisher
	currency     string
	timeouts     PurchaseTimeouts
	verifyMethod bool
	now          func() time.Time
	newID        func() string
	logger       func(context.Context, string, map[string]any)
}

// NewPurchaseService constructs a PurchaseService validating required dependencies.
func NewPurchaseService(deps PurchaseServiceDeps) (PurchaseService, error) {
	switch {
	case deps.Products == nil:
		return nil, errors.New("purchase service: product repository is required")
	case deps.Users == nil:
		return nil, errors.New("purchase service: user repository is required")
	case deps.Orders == nil:
		return nil, errors.New("purchase service: order repository is required")
	case deps.Shipping == nil:
		return nil, errors.New("purchase service: shipping gateway is required")
	case deps.Payments == nil:
		return nil, errors.New("purchase service: payment gateway is required")
	case deps.Fees == nil:
		return nil, errors.New("purchase service: fee calculator is required")
	case deps.OrderNumbers == nil:
		return nil, errors.New("purchase service: order number generator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultPurchaseCurrency
	}

	return &purchaseService{
		products:     deps.Products,
		users:        deps.Users,
		orders:       deps.Orders,
		shipping:     deps.Shipping,
		payments:     deps.Payments,
		tax:          deps.Tax,
		fees:         deps.Fees,
		numbers:      deps.OrderNumbers,
		events:       deps.Events,
		currency:     currency,
		timeouts:     deps.Timeouts.withDefaults(),
		verifyMethod: deps.VerifyPaymentMethod,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// purchaseState accumulates what has happened outside our database so failures can be unwound.
type purchaseState struct {
	orderID   string
	product   Product
	buyer     UserProfile
	seller    UserProfile
	address   Address
	label     *shipping.Purchase
	charge    *payments.ChargeResult
	breakdown FeeBreakdown
	// freeSaleReserved is set while this attempt holds one of the seller's free sales.
	freeSaleReserved bool
}

// Purchase runs the purchase sequence. Every step gates the next; nothing runs in parallel.
func (s *purchaseService) Purchase(ctx context.Context, cmd PurchaseCommand) (OrderDetail, error) {
	if err := validatePurchaseCommand(cmd); err != nil {
		return OrderDetail{}, err
	}
	st := &purchaseState{orderID: orderIDPrefix + s.newID()}

	product, err := s.products.FindByID(ctx, strings.TrimSpace(cmd.ProductID))
	if err != nil {
		return OrderDetail{}, s.mapLookupError("product", err)
	}
	if product.Sold {
		return OrderDetail{}, fmt.Errorf("%w: product %s", ErrPurchaseConflict, product.ID)
	}
	st.product = product

	buyer, err := s.users.FindByID(ctx, strings.TrimSpace(cmd.BuyerID))
	if err != nil {
		return OrderDetail{}, s.mapLookupError("buyer", err)
	}
	if strings.TrimSpace(buyer.StripeCustomerID) == "" {
		return OrderDetail{}, fmt.Errorf("%w: buyer has no payment customer", ErrPurchaseInvalidInput)
	}
	if buyer.ID == product.SellerID {
		return OrderDetail{}, fmt.Errorf("%w: sellers cannot buy their own products", ErrPurchaseInvalidInput)
	}
	st.buyer = buyer

	switch {
	case cmd.Address != nil:
		st.address = *cmd.Address
	default:
		primary, ok := buyer.PrimaryAddress()
		if !ok {
			return OrderDetail{}, fmt.Errorf("%w: no shipping address supplied and buyer has no primary address", ErrPurchaseInvalidInput)
		}
		st.address = primary
	}

	seller, err := s.users.FindByID(ctx, product.SellerID)
	if err != nil {
		return OrderDetail{}, s.mapLookupError("seller", err)
	}
	if strings.TrimSpace(seller.StripeSellerID) == "" || seller.ReturnAddress == nil {
		return OrderDetail{}, fmt.Errorf("%w: seller %s cannot accept orders", ErrPurchaseInvalidInput, seller.ID)
	}
	st.seller = seller

	if s.verifyMethod {
		if err := s.verifyPaymentMethod(ctx, st, cmd.PaymentMethodRef); err != nil {
			return OrderDetail{}, err
		}
	}

	if err := s.purchaseLabel(ctx, st, cmd.Shipping); err != nil {
		return OrderDetail{}, err
	}
	s.adoptLabelAddress(ctx, st)

	freeSales := 0
	if seller.FreeSales > 0 {
		if err := s.reserveFreeSale(ctx, st); err != nil {
			return OrderDetail{}, err
		}
		if st.freeSaleReserved {
			freeSales = 1
		}
	}

	taxCtx, cancel := context.WithTimeout(ctx, s.timeouts.Tax)
	fees := s.fees.Calculate(taxCtx, FeeInput{
		Price:           product.Price,
		SellerFreeSales: freeSales,
		To:              st.address,
		From:            *seller.ReturnAddress,
		ShippingCost:    st.label.ShippingCost,
		CategoryID:      product.PrimaryCategory(),
		SellerID:        seller.ID,
	})
	cancel()
	if fees.Err != nil {
		s.compensate(ctx, st, "tax_failed", fees.Err)
		return OrderDetail{}, fmt.Errorf("%w: %w", ErrPurchaseInvalidInput, fees.Err)
	}
	st.breakdown = fees.Breakdown(product.Price, st.label.ShippingCost)

	if err := s.charge(ctx, st, cmd.PaymentMethodRef); err != nil {
		return OrderDetail{}, err
	}

	order, err := s.commit(ctx, st)
	if err != nil {
		return OrderDetail{}, err
	}

	if s.fees.InNexus(st.address, *seller.ReturnAddress) {
		s.recordTaxTransaction(ctx, order, *seller.ReturnAddress)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          OrderEventPurchased,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		ProductID:     order.ProductID,
		CurrentStatus: string(order.Status),
		ActorID:       buyer.ID,
		OccurredAt:    order.PurchaseDate,
		Metadata: map[string]any{
			"total":    order.Total,
			"currency": order.Currency,
			"sellerID": order.SellerID,
		},
	})
	s.logger(ctx, "purchase.completed", map[string]any{
		"orderID":     order.ID,
		"orderNumber": order.OrderNumber,
		"productID":   order.ProductID,
		"total":       order.Total,
		"freeSale":    order.FreeSaleApplied,
	})

	soldAt := order.PurchaseDate
	product.Sold = true
	product.SoldAt = &soldAt
	return OrderDetail{Order: order, Product: product, Buyer: buyer, Seller: st.seller}, nil
}

func validatePurchaseCommand(cmd PurchaseCommand) error {
	missing := []string{}
	if strings.TrimSpace(cmd.ProductID) == "" {
		missing = append(missing, "productId")
	}
	if strings.TrimSpace(cmd.BuyerID) == "" {
		missing = append(missing, "buyerId")
	}
	if strings.TrimSpace(cmd.Shipping.ShipmentID) == "" {
		missing = append(missing, "shipmentId")
	}
	if strings.TrimSpace(cmd.Shipping.RateID) == "" {
		missing = append(missing, "rateId")
	}
	if strings.TrimSpace(cmd.PaymentMethodRef) == "" {
		missing = append(missing, "paymentMethodId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrPurchaseInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}

func (s *purchaseService) verifyPaymentMethod(ctx context.Context, st *purchaseState, methodRef string) error {
	payCtx, cancel := context.WithTimeout(ctx, s.timeouts.Payment)
	defer cancel()
	_, err := s.payments.VerifyPaymentMethod(payCtx, s.paymentContext(), st.buyer.StripeCustomerID, methodRef)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, payments.ErrPaymentMethodMismatch):
		return fmt.Errorf("%w: payment method does not belong to buyer", ErrPurchaseInvalidInput)
	default:
		s.logger(ctx, "purchase.payment_method.failed", map[string]any{
			"buyerID": st.buyer.ID,
			"error":   err.Error(),
		})
		return fmt.Errorf("%w: verify payment method: %v", ErrPurchaseUpstream, err)
	}
}

func (s *purchaseService) purchaseLabel(ctx context.Context, st *purchaseState, choice ShippingChoice) error {
	shipCtx, cancel := context.WithTimeout(ctx, s.timeouts.Shipping)
	defer cancel()

	label, err := s.shipping.PurchaseShipment(shipCtx, strings.TrimSpace(choice.ShipmentID), strings.TrimSpace(choice.RateID))
	if err != nil {
		s.logger(ctx, "purchase.label.failed", map[string]any{
			"orderID":    st.orderID,
			"productID":  st.product.ID,
			"shipmentID": choice.ShipmentID,
			"error":      err.Error(),
		})
		if errors.Is(err, shipping.ErrShipmentNotFound) {
			return fmt.Errorf("%w: unknown shipment %s", ErrPurchaseInvalidInput, choice.ShipmentID)
		}
		if label.ShipmentID != "" {
			// The carrier billed the label but returned an unusable response.
			st.label = &label
			s.compensate(ctx, st, "label_incomplete", err)
		}
		return fmt.Errorf("%w: purchase shipment: %v", ErrPurchaseUpstream, err)
	}
	st.label = &label
	s.logger(ctx, "purchase.label_purchased", map[string]any{
		"orderID":      st.orderID,
		"shipmentID":   label.ShipmentID,
		"trackerID":    label.TrackerID,
		"shippingCost": label.ShippingCost,
	})
	return nil
}

// adoptLabelAddress makes the destination the carrier actually bought the label for the
// order's address, so the snapshot and the tax quote match where the parcel goes.
func (s *purchaseService) adoptLabelAddress(ctx context.Context, st *purchaseState) {
	dest := st.label.Address
	if strings.TrimSpace(dest.Line1) == "" || strings.TrimSpace(dest.Country) == "" {
		return
	}
	if !strings.EqualFold(dest.StateCode(), st.address.StateCode()) || strings.TrimSpace(dest.PostalCode) != strings.TrimSpace(st.address.PostalCode) {
		s.logger(ctx, "purchase.address.replaced", map[string]any{
			"orderID":        st.orderID,
			"shipmentID":     st.label.ShipmentID,
			"requestedState": st.address.StateCode(),
			"labelState":     dest.StateCode(),
		})
	}
	st.address = dest
}

// reserveFreeSale takes one of the seller's free sales before fees are computed. Losing the
// race to a concurrent sale leaves the purchase on the regular fee schedule.
func (s *purchaseService) reserveFreeSale(ctx context.Context, st *purchaseState) error {
	persistCtx, cancel := context.WithTimeout(ctx, s.timeouts.Persist)
	defer cancel()
	remaining, reserved, err := s.users.ReserveFreeSale(persistCtx, st.seller.ID)
	if err != nil {
		s.compensate(ctx, st, "free_sale_failed", err)
		return fmt.Errorf("%w: reserve free sale: %v", ErrPurchaseUnavailable, err)
	}
	st.freeSaleReserved = reserved
	st.seller.FreeSales = remaining
	return nil
}

func (s *purchaseService) charge(ctx context.Context, st *purchaseState, methodRef string) error {
	payCtx, cancel := context.WithTimeout(ctx, s.timeouts.Payment)
	defer cancel()

	req := payments.ChargeRequest{
		CustomerRef:      st.buyer.StripeCustomerID,
		SellerRef:        st.seller.StripeSellerID,
		PaymentMethodRef: strings.TrimSpace(methodRef),
		Amount:           st.breakdown.Total(),
		Fees:             st.breakdown.ApplicationFee(),
		Currency:         s.currency,
		Description:      st.product.Title,
		Metadata: map[string]string{
			"orderId":   st.orderID,
			"productId": st.product.ID,
			"buyerId":   st.buyer.ID,
			"sellerId":  st.seller.ID,
		},
	}
	req.IdempotencyKey = chargeIdempotencyKey(st.orderID, req)
	result, err := s.payments.Charge(payCtx, s.paymentContext(), req)
	if err != nil {
		if errors.Is(err, payments.ErrPaymentDeclined) {
			s.logger(ctx, "purchase.charge_declined", map[string]any{
				"orderID":   st.orderID,
				"productID": st.product.ID,
				"buyerID":   st.buyer.ID,
				"reason":    err.Error(),
			})
			s.compensate(ctx, st, "charge_declined", err)
			return fmt.Errorf("%w: %v", ErrPurchaseDeclined, err)
		}
		// A transport failure leaves the charge outcome unknown; the label is voided and an
		// operator confirms with the processor.
		s.compensate(ctx, st, "charge_failed", err)
		return fmt.Errorf("%w: charge: %v", ErrPurchaseUpstream, err)
	}
	st.charge = &result
	s.logger(ctx, "purchase.charged", map[string]any{
		"orderID":   st.orderID,
		"chargeRef": result.ChargeRef,
		"amount":    result.Amount,
		"status":    string(result.Status),
	})
	return nil
}

// commit atomically flips the product to sold and inserts the order. A taken order number is
// regenerated; a lost sold race unwinds the charge and label.
func (s *purchaseService) commit(ctx context.Context, st *purchaseState) (Order, error) {
	now := s.now()
	order := s.buildOrder(st, now)

	var lastErr error
	for attempt := 0; attempt < maxOrderNumberCommits; attempt++ {
		persistCtx, cancel := context.WithTimeout(ctx, s.timeouts.Persist)
		number, err := s.numbers.Next(persistCtx)
		if err != nil {
			cancel()
			lastErr = err
			break
		}
		order.OrderNumber = number

		committed, err := s.orders.CommitPurchase(persistCtx, repositories.PurchaseRecord{Order: order, SoldAt: now})
		cancel()
		if err == nil {
			return committed, nil
		}
		lastErr = err

		var conflict *repositories.PurchaseConflictError
		if errors.As(err, &conflict) {
			if conflict.Reason == repositories.PurchaseConflictOrderNumber {
				s.logger(ctx, "purchase.order_number.anomaly", map[string]any{
					"orderID":     order.ID,
					"orderNumber": number,
				})
				continue
			}
			s.compensate(ctx, st, "product_sold_concurrently", err)
			return Order{}, fmt.Errorf("%w: product %s", ErrPurchaseConflict, st.product.ID)
		}
		break
	}

	// The commit may have landed even though the call failed.
	if existing, err := s.orders.FindByID(context.WithoutCancel(ctx), order.ID); err == nil {
		return existing, nil
	}
	s.compensate(ctx, st, "persist_failed", lastErr)
	return Order{}, fmt.Errorf("%w: persist order: %v", ErrPurchaseUnavailable, lastErr)
}

func (s *purchaseService) buildOrder(st *purchaseState, now time.Time) Order {
	b := st.breakdown
	return Order{
		ID:               st.orderID,
		ProductID:        st.product.ID,
		SellerID:         st.seller.ID,
		BuyerID:          st.buyer.ID,
		Status:           domain.OrderStatusPurchased,
		Currency:         s.currency,
		Price:            b.Price,
		Total:            b.Total(),
		ShippingCost:     b.ShippingCost,
		Tax:              b.Tax,
		SellerFee:        b.SellerFee,
		TransferFee:      b.TransferFee,
		FreeSaleApplied:  b.FreeSale,
		ShipmentID:       st.label.ShipmentID,
		TrackerID:        st.label.TrackerID,
		TrackingURL:      st.label.TrackingURL,
		ShippingLabelURL: st.label.PostageLabelURL,
		Carrier:          st.label.Carrier,
		Service:          st.label.Service,
		StripeChargeID:   st.charge.ChargeRef,
		Address:          snapshotAddress(st.address),
		PurchaseDate:     now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (s *purchaseService) recordTaxTransaction(ctx context.Context, order Order, from Address) {
	if s.tax == nil {
		return
	}
	taxCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeouts.Tax)
	defer cancel()
	err := s.tax.RecordTransaction(taxCtx, tax.Transaction{
		ID:          order.ID,
		Date:        order.PurchaseDate,
		From:        from,
		To:          order.Address,
		Amount:      order.Price,
		Shipping:    order.ShippingCost,
		SalesTax:    order.Tax,
		ProductID:   order.ProductID,
		Description: order.OrderNumber,
	})
	if err != nil {
		s.logger(ctx, "purchase.tax_transaction.failed", map[string]any{
			"orderID": order.ID,
			"tax":     order.Tax,
			"error":   err.Error(),
		})
	}
}

// compensate unwinds the external side effects recorded in st and reports them for
// reconciliation. It runs detached from the caller's cancellation.
func (s *purchaseService) compensate(ctx context.Context, st *purchaseState, reason string, cause error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	fields := map[string]any{
		"orderID":   st.orderID,
		"productID": st.product.ID,
		"buyerID":   st.buyer.ID,
		"reason":    reason,
	}
	if cause != nil {
		fields["cause"] = cause.Error()
	}
	unresolved := false

	if st.charge != nil {
		fields["chargeRef"] = st.charge.ChargeRef
		_, err := s.payments.Refund(cctx, s.paymentContext(), payments.RefundRequest{
			ChargeRef:      st.charge.ChargeRef,
			Reason:         "duplicate",
			IdempotencyKey: "refund-" + st.orderID,
			Metadata:       map[string]string{"orderId": st.orderID, "reason": reason},
		})
		if err != nil {
			unresolved = true
			fields["refundError"] = err.Error()
		} else {
			fields["refunded"] = true
		}
	}
	if st.freeSaleReserved {
		if err := s.users.ReleaseFreeSale(cctx, st.seller.ID); err != nil {
			unresolved = true
			fields["freeSaleReleaseError"] = err.Error()
		} else {
			st.freeSaleReserved = false
			fields["freeSaleReleased"] = true
		}
	}
	if st.label != nil && st.label.ShipmentID != "" {
		fields["shipmentID"] = st.label.ShipmentID
		if err := s.shipping.VoidShipment(cctx, st.label.ShipmentID); err != nil {
			unresolved = true
			fields["voidError"] = err.Error()
		} else {
			fields["labelVoided"] = true
		}
	}
	// A charge in flight with an unknown outcome always needs a human.
	if reason == "charge_failed" || reason == "persist_failed" {
		unresolved = true
	}
	fields["resolved"] = !unresolved

	if unresolved {
		s.logger(ctx, "purchase.reconciliation", fields)
	} else {
		s.logger(ctx, "purchase.compensation.anomaly", fields)
	}
	s.publishEvent(ctx, OrderEvent{
		Type:       OrderEventReconciliationRequired,
		OrderID:    st.orderID,
		ProductID:  st.product.ID,
		ActorID:    st.buyer.ID,
		OccurredAt: s.now(),
		Metadata:   fields,
	})
}

func (s *purchaseService) paymentContext() payments.PaymentContext {
	return payments.PaymentContext{Currency: s.currency}
}

func (s *purchaseService) mapLookupError(subject string, err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %s", ErrPurchaseNotFound, subject)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: load %s: %v", ErrPurchaseUnavailable, subject, err)
		}
	}
	return fmt.Errorf("purchase: load %s: %w", subject, err)
}

func (s *purchaseService) publishEvent(ctx context.Context, event OrderEvent) {
	publishOrderEvent(ctx, s.events, s.logger, event)
}

// chargeIdempotencyKey scopes a charge to one purchase attempt. Each attempt carries a fresh
// order ID, so a retry after a decline is a new charge, while a resend of the same request
// replays. The key covers every parameter that varies between attempts.
func chargeIdempotencyKey(orderID string, req payments.ChargeRequest) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strings.TrimSpace(orderID),
		strings.TrimSpace(req.CustomerRef),
		strings.TrimSpace(req.PaymentMethodRef),
		strconv.FormatInt(req.Amount, 10),
		strconv.FormatInt(req.Fees, 10),
		strings.ToUpper(req.Currency),
	}, "|")))
	return "purchase-" + hex.EncodeToString(sum[:16])
}

func snapshotAddress(a Address) Address {
	out := a
	out.Company = cloneStringPtr(a.Company)
	out.Line2 = cloneStringPtr(a.Line2)
	out.State = cloneStringPtr(a.State)
	out.Phone = cloneStringPtr(a.Phone)
	return out
}

func cloneStringPtr(value *string) *string {
	if value == nil {
		return nil
	}
	ref := *value
	return &ref
}
