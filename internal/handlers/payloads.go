package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/hanko-field/marketplace/internal/domain"
)

const defaultMaxBodySize = 64 * 1024

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type addressPayload struct {
	Recipient  string  `json:"recipient"`
	Company    *string `json:"company,omitempty"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postalCode"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

func (p *addressPayload) toDomain() *domain.Address {
	if p == nil {
		return nil
	}
	return &domain.Address{
		Recipient:  strings.TrimSpace(p.Recipient),
		Company:    trimmedPointer(p.Company),
		Line1:      strings.TrimSpace(p.Line1),
		Line2:      trimmedPointer(p.Line2),
		City:       strings.TrimSpace(p.City),
		State:      trimmedPointer(p.State),
		PostalCode: strings.TrimSpace(p.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(p.Country)),
		Phone:      trimmedPointer(p.Phone),
	}
}

func addressPayloadFrom(addr domain.Address) addressPayload {
	return addressPayload{
		Recipient:  addr.Recipient,
		Company:    addr.Company,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func trimmedPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

type orderPayload struct {
	ID               string         `json:"id"`
	OrderNumber      string         `json:"orderNumber"`
	Status           string         `json:"status"`
	ProductID        string         `json:"productId"`
	SellerID         string         `json:"sellerId"`
	BuyerID          string         `json:"buyerId"`
	Currency         string         `json:"currency"`
	Price            int64          `json:"price"`
	ShippingCost     int64          `json:"shippingCost"`
	Tax              int64          `json:"tax"`
	Total            int64          `json:"total"`
	SellerFee        int64          `json:"sellerFee"`
	TransferFee      int64          `json:"transferFee"`
	FreeSaleApplied  bool           `json:"freeSaleApplied"`
	Carrier          string         `json:"carrier,omitempty"`
	Service          string         `json:"service,omitempty"`
	TrackingURL      string         `json:"trackingUrl,omitempty"`
	ShippingLabelURL string         `json:"shippingLabelUrl,omitempty"`
	Address          addressPayload `json:"address"`
	PurchaseDate     string         `json:"purchaseDate"`
	ShipDate         string         `json:"shipDate,omitempty"`
	DeliveryDate     string         `json:"deliveryDate,omitempty"`
	UpdatedAt        string         `json:"updatedAt,omitempty"`
	Product          *productRef    `json:"product,omitempty"`
}

type productRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// buildOrderPayload renders an order. The seller-side fee split is only shown to the seller.
func buildOrderPayload(detail domain.OrderDetail, viewerID string) orderPayload {
	order := detail.Order
	payload := orderPayload{
		ID:               order.ID,
		OrderNumber:      order.OrderNumber,
		Status:           string(order.Status),
		ProductID:        order.ProductID,
		SellerID:         order.SellerID,
		BuyerID:          order.BuyerID,
		Currency:         order.Currency,
		Price:            order.Price,
		ShippingCost:     order.ShippingCost,
		Tax:              order.Tax,
		Total:            order.Total,
		FreeSaleApplied:  order.FreeSaleApplied,
		Carrier:          order.Carrier,
		Service:          order.Service,
		TrackingURL:      order.TrackingURL,
		ShippingLabelURL: order.ShippingLabelURL,
		Address:          addressPayloadFrom(order.Address),
		PurchaseDate:     formatTime(order.PurchaseDate),
		ShipDate:         formatTimePointer(order.ShipDate),
		DeliveryDate:     formatTimePointer(order.DeliveryDate),
		UpdatedAt:        formatTime(order.UpdatedAt),
	}
	if viewerID != "" && viewerID == order.SellerID {
		payload.SellerFee = order.SellerFee
		payload.TransferFee = order.TransferFee
	}
	if detail.Product.ID != "" {
		payload.Product = &productRef{ID: detail.Product.ID, Title: detail.Product.Title}
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePointer(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
