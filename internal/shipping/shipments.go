package shipping

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/marketplace/internal/domain"
)

// Purchase is the result of buying a label for a previewed shipment.
type Purchase struct {
	ShipmentID      string
	TrackerID       string
	TrackingCode    string
	TrackingURL     string
	PostageLabelURL string
	ShippingCost    int64
	Carrier         string
	Service         string
	Address         domain.Address
}

type wireAddress struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
	Street1 string `json:"street1"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
	Phone   string `json:"phone,omitempty"`

	Verifications *struct {
		Delivery *struct {
			Success bool `json:"success"`
			Errors  []struct {
				Field   string `json:"field"`
				Message string `json:"message"`
			} `json:"errors"`
		} `json:"delivery"`
	} `json:"verifications,omitempty"`
}

type wireParcel struct {
	Weight float64 `json:"weight"`
}

type wireRate struct {
	ID       string `json:"id"`
	Service  string `json:"service"`
	Carrier  string `json:"carrier"`
	Rate     string `json:"rate"`
	Currency string `json:"currency"`
}

type wireShipment struct {
	ID           string       `json:"id"`
	ToAddress    *wireAddress `json:"to_address,omitempty"`
	FromAddress  *wireAddress `json:"from_address,omitempty"`
	Parcel       *wireParcel  `json:"parcel,omitempty"`
	Rates        []wireRate   `json:"rates,omitempty"`
	SelectedRate *wireRate    `json:"selected_rate,omitempty"`
	TrackingCode string       `json:"tracking_code,omitempty"`
	RefundStatus string       `json:"refund_status,omitempty"`
	Tracker      *struct {
		ID        string `json:"id"`
		PublicURL string `json:"public_url"`
	} `json:"tracker,omitempty"`
	PostageLabel *struct {
		LabelURL string `json:"label_url"`
	} `json:"postage_label,omitempty"`
}

// PreviewShipment creates a shipment for a parcel of weightOz ounces and quotes the cheapest
// rate in the configured service tier.
func (c *Client) PreviewShipment(ctx context.Context, to, from domain.Address, weightOz float64) (domain.ShipmentPreview, error) {
	if weightOz <= 0 {
		return domain.ShipmentPreview{}, fmt.Errorf("shipping: parcel weight must be positive, got %v", weightOz)
	}

	var shipment wireShipment
	err := c.do(ctx, http.MethodPost, "/v2/shipments", map[string]any{
		"shipment": wireShipment{
			ToAddress:   toWireAddress(to),
			FromAddress: toWireAddress(from),
			Parcel:      &wireParcel{Weight: weightOz},
		},
	}, &shipment)
	if err != nil {
		return domain.ShipmentPreview{}, err
	}

	rate, ok := selectRate(shipment.Rates, c.tier, "")
	if !ok {
		return domain.ShipmentPreview{}, fmt.Errorf("%w %q for shipment %s", ErrNoMatchingRate, c.tier, shipment.ID)
	}
	amount, err := minorUnits(rate.Rate)
	if err != nil {
		return domain.ShipmentPreview{}, err
	}

	return domain.ShipmentPreview{
		ShipmentID: shipment.ID,
		RateID:     rate.ID,
		Rate:       amount,
		Carrier:    rate.Carrier,
		Service:    rate.Service,
	}, nil
}

// PurchaseShipment buys the label for a previewed shipment. Rate IDs are not stable across
// reloads, so the shipment is fetched again and the rate is re-resolved by carrier and tier.
func (c *Client) PurchaseShipment(ctx context.Context, shipmentID, rateID string) (Purchase, error) {
	shipmentID = strings.TrimSpace(shipmentID)
	if shipmentID == "" {
		return Purchase{}, errors.New("shipping: shipment id is required")
	}

	var shipment wireShipment
	if err := c.do(ctx, http.MethodGet, "/v2/shipments/"+url.PathEscape(shipmentID), nil, &shipment); err != nil {
		return Purchase{}, notFoundAsShipment(err)
	}

	carrier := ""
	for _, r := range shipment.Rates {
		if r.ID == rateID {
			carrier = r.Carrier
			break
		}
	}
	rate, ok := selectRate(shipment.Rates, c.tier, carrier)
	if !ok {
		return Purchase{}, fmt.Errorf("%w %q for shipment %s", ErrNoMatchingRate, c.tier, shipmentID)
	}

	var bought wireShipment
	err := c.do(ctx, http.MethodPost, "/v2/shipments/"+url.PathEscape(shipmentID)+"/buy", map[string]any{
		"rate": map[string]string{"id": rate.ID},
	}, &bought)
	if err != nil {
		return Purchase{}, err
	}

	boughtID := bought.ID
	if boughtID == "" {
		boughtID = shipmentID
	}
	selected := rate
	if bought.SelectedRate != nil {
		selected = *bought.SelectedRate
	}
	cost, err := minorUnits(selected.Rate)
	if err != nil {
		// The label is already paid for; the caller needs its ID to void it.
		return Purchase{ShipmentID: boughtID}, err
	}

	purchase := Purchase{
		ShipmentID:   boughtID,
		TrackingCode: bought.TrackingCode,
		ShippingCost: cost,
		Carrier:      selected.Carrier,
		Service:      selected.Service,
	}
	if bought.Tracker != nil {
		purchase.TrackerID = bought.Tracker.ID
		purchase.TrackingURL = bought.Tracker.PublicURL
	}
	if bought.PostageLabel != nil {
		purchase.PostageLabelURL = bought.PostageLabel.LabelURL
	}
	switch {
	case bought.ToAddress != nil:
		purchase.Address = fromWireAddress(*bought.ToAddress)
	case shipment.ToAddress != nil:
		purchase.Address = fromWireAddress(*shipment.ToAddress)
	}
	if purchase.TrackerID == "" {
		return purchase, fmt.Errorf("shipping: shipment %s bought without tracker", shipmentID)
	}
	return purchase, nil
}

// VoidShipment asks the carrier to refund an unused label.
func (c *Client) VoidShipment(ctx context.Context, shipmentID string) error {
	shipmentID = strings.TrimSpace(shipmentID)
	if shipmentID == "" {
		return errors.New("shipping: shipment id is required")
	}
	var shipment wireShipment
	if err := c.do(ctx, http.MethodPost, "/v2/shipments/"+url.PathEscape(shipmentID)+"/refund", nil, &shipment); err != nil {
		return notFoundAsShipment(err)
	}
	if shipment.RefundStatus == "rejected" {
		return fmt.Errorf("shipping: label refund rejected for shipment %s", shipmentID)
	}
	return nil
}

// selectRate picks the cheapest rate whose service equals tier, restricted to carrier when set.
func selectRate(rates []wireRate, tier, carrier string) (wireRate, bool) {
	var (
		best     wireRate
		bestCost decimal.Decimal
		found    bool
	)
	for _, r := range rates {
		if !strings.EqualFold(r.Service, tier) {
			continue
		}
		if carrier != "" && !strings.EqualFold(r.Carrier, carrier) {
			continue
		}
		cost, err := decimal.NewFromString(r.Rate)
		if err != nil {
			continue
		}
		if !found || cost.LessThan(bestCost) {
			best, bestCost, found = r, cost, true
		}
	}
	return best, found
}

// minorUnits converts a decimal major-unit string such as "7.35" into cents.
func minorUnits(amount string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("shipping: invalid rate %q: %w", amount, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

func notFoundAsShipment(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrShipmentNotFound, apiErr.Message)
	}
	return err
}

func toWireAddress(a domain.Address) *wireAddress {
	return &wireAddress{
		Name:    a.Recipient,
		Company: deref(a.Company),
		Street1: a.Line1,
		Street2: deref(a.Line2),
		City:    a.City,
		State:   deref(a.State),
		Zip:     a.PostalCode,
		Country: a.Country,
		Phone:   deref(a.Phone),
	}
}

func fromWireAddress(w wireAddress) domain.Address {
	return domain.Address{
		Recipient:  w.Name,
		Company:    optional(w.Company),
		Line1:      w.Street1,
		Line2:      optional(w.Street2),
		City:       w.City,
		State:      optional(w.State),
		PostalCode: w.Zip,
		Country:    w.Country,
		Phone:      optional(w.Phone),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
