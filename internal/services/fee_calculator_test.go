package services

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestFeeCalculator(t *testing.T, taxGateway *fakeTax, nexus ...string) *FeeCalculator {
	t.Helper()
	deps := FeeCalculatorDeps{NexusStates: nexus}
	if taxGateway != nil {
		deps.Tax = taxGateway
	}
	calc, err := NewFeeCalculator(deps)
	if err != nil {
		t.Fatalf("NewFeeCalculator: %v", err)
	}
	return calc
}

func TestFeeCalculatorSellerFee(t *testing.T) {
	calc := newTestFeeCalculator(t, nil)

	cases := []struct {
		price int64
		want  int64
	}{
		{price: 0, want: 50},
		{price: 400, want: 50},
		{price: 499, want: 50},
		{price: 500, want: 50},
		{price: 505, want: 51},
		{price: 1000, want: 100},
		{price: 12345, want: 1235},
	}
	for _, tc := range cases {
		if got := calc.SellerFee(tc.price); got != tc.want {
			t.Fatalf("SellerFee(%d) = %d, want %d", tc.price, got, tc.want)
		}
	}
}

func TestFeeCalculatorTransferFeeRoundsHalfAwayFromZero(t *testing.T) {
	calc := newTestFeeCalculator(t, nil)

	cases := []struct {
		price int64
		want  int64
	}{
		{price: 1000, want: 29},
		{price: 400, want: 12},
		{price: 50, want: 1},
		{price: 17, want: 0},
		{price: 3000, want: 87},
	}
	for _, tc := range cases {
		if got := calc.TransferFee(tc.price); got != tc.want {
			t.Fatalf("TransferFee(%d) = %d, want %d", tc.price, got, tc.want)
		}
	}
}

func TestFeeCalculatorFreeSaleWaivesFees(t *testing.T) {
	calc := newTestFeeCalculator(t, nil)

	result := calc.Calculate(context.Background(), FeeInput{Price: 1000, SellerFreeSales: 3, To: addressIn("WA"), From: addressIn("OR")})
	if !result.FreeSale || result.SellerFee != 0 || result.TransferFee != 0 {
		t.Fatalf("expected waived fees, got %+v", result)
	}

	breakdown := result.Breakdown(1000, 500)
	if breakdown.ApplicationFee() != 500 {
		t.Fatalf("expected application fee of shipping only, got %d", breakdown.ApplicationFee())
	}
	if breakdown.Total() != 1500 {
		t.Fatalf("expected total 1500, got %d", breakdown.Total())
	}
}

func TestFeeCalculatorSkipsTaxOutsideNexus(t *testing.T) {
	taxGateway := &fakeTax{amount: decimal.RequireFromString("4.20")}
	calc := newTestFeeCalculator(t, taxGateway, "TX")

	result := calc.Calculate(context.Background(), FeeInput{Price: 1000, To: addressIn("WA"), From: addressIn("OR")})
	if result.Err != nil || result.Tax != 0 {
		t.Fatalf("expected no tax outside nexus, got %+v", result)
	}
	if taxGateway.calls() != 0 {
		t.Fatalf("expected tax service untouched, got %d calls", taxGateway.calls())
	}
}

func TestFeeCalculatorQuotesTaxInsideNexus(t *testing.T) {
	taxGateway := &fakeTax{amount: decimal.RequireFromString("0.825")}
	calc := newTestFeeCalculator(t, taxGateway, " tx ")

	// Only the origin is in nexus.
	result := calc.Calculate(context.Background(), FeeInput{
		Price:        1000,
		ShippingCost: 735,
		To:           addressIn("wa"),
		From:         addressIn("tx"),
		CategoryID:   "20010",
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Tax != 83 {
		t.Fatalf("expected tax 83, got %d", result.Tax)
	}
	if len(taxGateway.quotes) != 1 {
		t.Fatalf("expected one quote, got %d", len(taxGateway.quotes))
	}
	quote := taxGateway.quotes[0]
	if quote.Amount != 1000 || quote.Shipping != 735 || quote.CategoryCode != "20010" {
		t.Fatalf("unexpected quote %+v", quote)
	}
}

func TestFeeCalculatorTaxFailureZeroesTax(t *testing.T) {
	taxGateway := &fakeTax{quoteErr: errors.New("boom")}
	calc := newTestFeeCalculator(t, taxGateway, "TX")

	result := calc.Calculate(context.Background(), FeeInput{Price: 1000, To: addressIn("TX"), From: addressIn("OR")})
	if !errors.Is(result.Err, ErrTaxCalculation) {
		t.Fatalf("expected ErrTaxCalculation, got %v", result.Err)
	}
	if result.Tax != 0 {
		t.Fatalf("expected zero tax on failure, got %d", result.Tax)
	}
	if result.SellerFee != 100 {
		t.Fatalf("expected fees still computed, got %+v", result)
	}
}

func TestFeeCalculatorRejectsNegativeTax(t *testing.T) {
	taxGateway := &fakeTax{amount: decimal.RequireFromString("-1.00")}
	calc := newTestFeeCalculator(t, taxGateway, "TX")

	result := calc.Calculate(context.Background(), FeeInput{Price: 1000, To: addressIn("TX"), From: addressIn("TX")})
	if !errors.Is(result.Err, ErrTaxCalculation) {
		t.Fatalf("expected ErrTaxCalculation, got %v", result.Err)
	}
}

func TestFeeCalculatorMissingStateIsOutsideNexus(t *testing.T) {
	calc := newTestFeeCalculator(t, &fakeTax{}, "TX")
	to := addressIn("TX")
	to.State = nil
	from := addressIn("OR")
	if calc.InNexus(to, from) {
		t.Fatalf("expected address without state to be outside nexus")
	}
}

func TestNewFeeCalculatorValidation(t *testing.T) {
	if _, err := NewFeeCalculator(FeeCalculatorDeps{NexusStates: []string{"TX"}}); err == nil {
		t.Fatalf("expected error when nexus is configured without a tax gateway")
	}
	schedule := DefaultFeeSchedule()
	schedule.SellerRate = decimal.RequireFromString("-0.1")
	if _, err := NewFeeCalculator(FeeCalculatorDeps{Schedule: schedule}); err == nil {
		t.Fatalf("expected error for negative rate")
	}
	if _, err := NewFeeCalculator(FeeCalculatorDeps{}); err != nil {
		t.Fatalf("expected default schedule, got %v", err)
	}
}
