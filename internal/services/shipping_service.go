package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hanko-field/marketplace/internal/repositories"
	"github.com/hanko-field/marketplace/internal/shipping"
)

var (
	// ErrShippingInvalidInput indicates a preview or verification request is incomplete.
	ErrShippingInvalidInput = errors.New("shipping: invalid input")
	// ErrShippingNotFound indicates the product or seller could not be located.
	ErrShippingNotFound = errors.New("shipping: not found")
	// ErrShippingUnavailable indicates the carrier could not quote the shipment.
	ErrShippingUnavailable = errors.New("shipping: unavailable")
)

// ShippingServiceDeps wires the shipping service.
type ShippingServiceDeps struct {
	Products repositories.ProductRepository
	Users    repositories.UserRepository
	Gateway  ShippingGateway
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type shippingService struct {
	products repositories.ProductRepository
	users    repositories.UserRepository
	gateway  ShippingGateway
	logger   func(context.Context, string, map[string]any)
}

// NewShippingService validates dependencies.
func NewShippingService(deps ShippingServiceDeps) (ShippingService, error) {
	if deps.Products == nil || deps.Users == nil {
		return nil, errors.New("shipping service: product and user repositories are required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("shipping service: gateway is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &shippingService{
		products: deps.Products,
		users:    deps.Users,
		gateway:  deps.Gateway,
		logger:   logger,
	}, nil
}

// PreviewShipment quotes shipping from the seller's return address using the product weight.
func (s *shippingService) PreviewShipment(ctx context.Context, cmd PreviewShipmentCommand) (ShipmentPreview, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return ShipmentPreview{}, fmt.Errorf("%w: product id is required", ErrShippingInvalidInput)
	}
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return ShipmentPreview{}, s.mapLookupError("product", err)
	}
	if product.Sold {
		return ShipmentPreview{}, fmt.Errorf("%w: product %s is sold", ErrShippingInvalidInput, product.ID)
	}
	if product.Weight <= 0 {
		return ShipmentPreview{}, fmt.Errorf("%w: product %s has no weight", ErrShippingInvalidInput, product.ID)
	}

	to := cmd.Address
	if to == nil {
		buyer, err := s.users.FindByID(ctx, strings.TrimSpace(cmd.BuyerID))
		if err != nil {
			return ShipmentPreview{}, s.mapLookupError("buyer", err)
		}
		primary, ok := buyer.PrimaryAddress()
		if !ok {
			return ShipmentPreview{}, fmt.Errorf("%w: address is required", ErrShippingInvalidInput)
		}
		to = &primary
	}

	seller, err := s.users.FindByID(ctx, product.SellerID)
	if err != nil {
		return ShipmentPreview{}, s.mapLookupError("seller", err)
	}
	if seller.ReturnAddress == nil {
		return ShipmentPreview{}, fmt.Errorf("%w: seller %s has no return address", ErrShippingInvalidInput, seller.ID)
	}

	preview, err := s.gateway.PreviewShipment(ctx, *to, *seller.ReturnAddress, product.Weight)
	if err != nil {
		s.logger(ctx, "shipping.preview.failed", map[string]any{
			"productID": product.ID,
			"error":     err.Error(),
		})
		if errors.Is(err, shipping.ErrNoMatchingRate) {
			return ShipmentPreview{}, fmt.Errorf("%w: %v", ErrShippingInvalidInput, err)
		}
		return ShipmentPreview{}, fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
	}
	return preview, nil
}

// VerifyAddress asks the carrier to validate and normalise address.
func (s *shippingService) VerifyAddress(ctx context.Context, address Address) (AddressVerification, error) {
	if strings.TrimSpace(address.Line1) == "" || strings.TrimSpace(address.Country) == "" {
		return AddressVerification{}, fmt.Errorf("%w: line1 and country are required", ErrShippingInvalidInput)
	}
	result, err := s.gateway.VerifyAddress(ctx, address)
	if err != nil {
		s.logger(ctx, "shipping.verify.failed", map[string]any{"error": err.Error()})
		return AddressVerification{}, fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
	}
	return result, nil
}

func (s *shippingService) mapLookupError(subject string, err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %s", ErrShippingNotFound, subject)
	}
	return fmt.Errorf("shipping: load %s: %w", subject, err)
}
