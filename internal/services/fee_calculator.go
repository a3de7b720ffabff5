package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/marketplace/internal/tax"
)

// ErrTaxCalculation indicates the tax service could not produce an amount for a sale.
var ErrTaxCalculation = errors.New("fees: tax calculation failed")

var hundred = decimal.NewFromInt(100)

// FeeSchedule is the marketplace fee policy. Rates are fractions of the item price.
type FeeSchedule struct {
	SellerRate         decimal.Decimal
	TransferRate       decimal.Decimal
	SellerFloor        int64
	SellerTierMinPrice int64
}

// DefaultFeeSchedule returns the standard 10% seller fee with a 50 floor from 500 upwards and
// a 2.9% transfer fee.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		SellerRate:         decimal.RequireFromString("0.10"),
		TransferRate:       decimal.RequireFromString("0.029"),
		SellerFloor:        50,
		SellerTierMinPrice: 500,
	}
}

// FeeInput describes a candidate sale. Amounts are in minor units.
type FeeInput struct {
	Price           int64
	SellerFreeSales int
	To              Address
	From            Address
	ShippingCost    int64
	CategoryID      string
	SellerID        string
}

// FeeResult carries computed fees. Err is set, with Tax zero, when the tax service failed;
// callers must abort before charging.
type FeeResult struct {
	SellerFee   int64
	TransferFee int64
	Tax         int64
	FreeSale    bool
	Err         error
}

// Breakdown combines the result with the sale's price and shipping.
func (r FeeResult) Breakdown(price, shippingCost int64) FeeBreakdown {
	return FeeBreakdown{
		Price:        price,
		ShippingCost: shippingCost,
		Tax:          r.Tax,
		SellerFee:    r.SellerFee,
		TransferFee:  r.TransferFee,
		FreeSale:     r.FreeSale,
	}
}

// FeeCalculatorDeps wires the fee calculator.
type FeeCalculatorDeps struct {
	Tax         TaxGateway
	Schedule    FeeSchedule
	NexusStates []string
}

// FeeCalculator computes seller fees, transfer fees and sales tax for a sale. It never
// mutates state; the free-sale counter is decremented by the caller.
type FeeCalculator struct {
	tax      TaxGateway
	schedule FeeSchedule
	nexus    map[string]struct{}
}

// NewFeeCalculator validates the schedule and normalises the nexus set.
func NewFeeCalculator(deps FeeCalculatorDeps) (*FeeCalculator, error) {
	schedule := deps.Schedule
	if schedule.SellerRate.IsZero() && schedule.TransferRate.IsZero() && schedule.SellerFloor == 0 {
		schedule = DefaultFeeSchedule()
	}
	if schedule.SellerRate.IsNegative() || schedule.TransferRate.IsNegative() {
		return nil, errors.New("fee calculator: fee rates must not be negative")
	}
	if schedule.SellerFloor < 0 || schedule.SellerTierMinPrice < 0 {
		return nil, errors.New("fee calculator: fee floor and threshold must not be negative")
	}

	nexus := make(map[string]struct{}, len(deps.NexusStates))
	for _, state := range deps.NexusStates {
		if code := strings.ToUpper(strings.TrimSpace(state)); code != "" {
			nexus[code] = struct{}{}
		}
	}
	if len(nexus) > 0 && deps.Tax == nil {
		return nil, errors.New("fee calculator: tax gateway is required when nexus states are configured")
	}

	return &FeeCalculator{tax: deps.Tax, schedule: schedule, nexus: nexus}, nil
}

// Calculate computes the fee result for in. Tax is requested only for sales touching a nexus state.
func (c *FeeCalculator) Calculate(ctx context.Context, in FeeInput) FeeResult {
	result := FeeResult{}
	if in.SellerFreeSales > 0 {
		result.FreeSale = true
	} else {
		result.SellerFee = c.SellerFee(in.Price)
		result.TransferFee = c.TransferFee(in.Price)
	}

	if !c.InNexus(in.To, in.From) {
		return result
	}

	amount, err := c.tax.AmountToCollect(ctx, tax.Quote{
		From:         in.From,
		To:           in.To,
		Amount:       in.Price,
		Shipping:     in.ShippingCost,
		CategoryCode: in.CategoryID,
	})
	if err != nil {
		result.Err = fmt.Errorf("%w: %v", ErrTaxCalculation, err)
		return result
	}
	if amount.IsNegative() {
		result.Err = fmt.Errorf("%w: negative amount %s", ErrTaxCalculation, amount)
		return result
	}
	result.Tax = amount.Mul(hundred).Round(0).IntPart()
	return result
}

// SellerFee is the platform fee for a non-free sale at price.
func (c *FeeCalculator) SellerFee(price int64) int64 {
	if price < c.schedule.SellerTierMinPrice {
		return c.schedule.SellerFloor
	}
	fee := decimal.NewFromInt(price).Mul(c.schedule.SellerRate).Round(0).IntPart()
	return max(fee, c.schedule.SellerFloor)
}

// TransferFee covers the processor's cost of moving funds to the seller.
func (c *FeeCalculator) TransferFee(price int64) int64 {
	return decimal.NewFromInt(price).Mul(c.schedule.TransferRate).Round(0).IntPart()
}

// InNexus reports whether either address lies in a state with a tax-collection obligation.
func (c *FeeCalculator) InNexus(to, from Address) bool {
	if len(c.nexus) == 0 {
		return false
	}
	for _, code := range []string{to.StateCode(), from.StateCode()} {
		if _, ok := c.nexus[code]; ok && code != "" {
			return true
		}
	}
	return false
}
