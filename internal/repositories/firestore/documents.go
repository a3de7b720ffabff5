package firestore

import (
	"time"

	domain "github.com/hanko-field/marketplace/internal/domain"
)

const (
	productCollection     = "products"
	userCollection        = "users"
	orderCollection       = "orders"
	orderNumberCollection = "orderNumbers"
)

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Company    *string `firestore:"company,omitempty"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

func (d addressDocument) toDomain() domain.Address {
	return domain.Address{
		Recipient:  d.Recipient,
		Company:    d.Company,
		Line1:      d.Line1,
		Line2:      d.Line2,
		City:       d.City,
		State:      d.State,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      d.Phone,
	}
}

func fromDomainAddress(a domain.Address) addressDocument {
	return addressDocument{
		Recipient:  a.Recipient,
		Company:    a.Company,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

type productDocument struct {
	SellerID   string     `firestore:"sellerId"`
	Title      string     `firestore:"title"`
	Price      int64      `firestore:"price"`
	Currency   string     `firestore:"currency"`
	Weight     float64    `firestore:"weight"`
	Categories []string   `firestore:"categories"`
	Sold       bool       `firestore:"sold"`
	SoldAt     *time.Time `firestore:"soldAt,omitempty"`
	CreatedAt  time.Time  `firestore:"createdAt"`
	UpdatedAt  time.Time  `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:         id,
		SellerID:   d.SellerID,
		Title:      d.Title,
		Price:      d.Price,
		Currency:   d.Currency,
		Weight:     d.Weight,
		Categories: append([]string(nil), d.Categories...),
		Sold:       d.Sold,
		SoldAt:     d.SoldAt,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func fromDomainProduct(p domain.Product) productDocument {
	return productDocument{
		SellerID:   p.SellerID,
		Title:      p.Title,
		Price:      p.Price,
		Currency:   p.Currency,
		Weight:     p.Weight,
		Categories: p.Categories,
		Sold:       p.Sold,
		SoldAt:     p.SoldAt,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

type userDocument struct {
	DisplayName      string                     `firestore:"displayName"`
	Email            string                     `firestore:"email"`
	StripeCustomerID string                     `firestore:"stripeCustomerId,omitempty"`
	PrimaryAddressID string                     `firestore:"primaryAddressId,omitempty"`
	Addresses        map[string]addressDocument `firestore:"addresses,omitempty"`
	StripeSellerID   string                     `firestore:"stripeSellerId,omitempty"`
	ReturnAddress    *addressDocument           `firestore:"returnAddress,omitempty"`
	FreeSales        int                        `firestore:"freeSales"`
	CreatedAt        time.Time                  `firestore:"createdAt"`
	UpdatedAt        time.Time                  `firestore:"updatedAt"`
}

func (d userDocument) toDomain(id string) domain.UserProfile {
	profile := domain.UserProfile{
		ID:               id,
		DisplayName:      d.DisplayName,
		Email:            d.Email,
		StripeCustomerID: d.StripeCustomerID,
		PrimaryAddressID: d.PrimaryAddressID,
		StripeSellerID:   d.StripeSellerID,
		FreeSales:        d.FreeSales,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	if len(d.Addresses) > 0 {
		profile.Addresses = make(map[string]domain.Address, len(d.Addresses))
		for key, addr := range d.Addresses {
			profile.Addresses[key] = addr.toDomain()
		}
	}
	if d.ReturnAddress != nil {
		ret := d.ReturnAddress.toDomain()
		profile.ReturnAddress = &ret
	}
	return profile
}

func fromDomainUser(u domain.UserProfile) userDocument {
	doc := userDocument{
		DisplayName:      u.DisplayName,
		Email:            u.Email,
		StripeCustomerID: u.StripeCustomerID,
		PrimaryAddressID: u.PrimaryAddressID,
		StripeSellerID:   u.StripeSellerID,
		FreeSales:        u.FreeSales,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
	if len(u.Addresses) > 0 {
		doc.Addresses = make(map[string]addressDocument, len(u.Addresses))
		for key, addr := range u.Addresses {
			doc.Addresses[key] = fromDomainAddress(addr)
		}
	}
	if u.ReturnAddress != nil {
		ret := fromDomainAddress(*u.ReturnAddress)
		doc.ReturnAddress = &ret
	}
	return doc
}

type orderDocument struct {
	OrderNumber      string          `firestore:"orderNumber"`
	ProductID        string          `firestore:"productId"`
	SellerID         string          `firestore:"sellerId"`
	BuyerID          string          `firestore:"buyerId"`
	Status           string          `firestore:"status"`
	Currency         string          `firestore:"currency"`
	Price            int64           `firestore:"price"`
	Total            int64           `firestore:"total"`
	ShippingCost     int64           `firestore:"shippingCost"`
	Tax              int64           `firestore:"tax"`
	SellerFee        int64           `firestore:"sellerFee"`
	TransferFee      int64           `firestore:"transferFee"`
	FreeSaleApplied  bool            `firestore:"freeSaleApplied"`
	ShipmentID       string          `firestore:"shipmentId"`
	TrackerID        string          `firestore:"trackerId"`
	TrackingURL      string          `firestore:"trackingUrl,omitempty"`
	ShippingLabelURL string          `firestore:"shippingLabelUrl,omitempty"`
	Carrier          string          `firestore:"carrier,omitempty"`
	Service          string          `firestore:"service,omitempty"`
	StripeChargeID   string          `firestore:"stripeChargeId"`
	Address          addressDocument `firestore:"address"`
	PurchaseDate     time.Time       `firestore:"purchaseDate"`
	ShipDate         *time.Time      `firestore:"shipDate,omitempty"`
	DeliveryDate     *time.Time      `firestore:"deliveryDate,omitempty"`
	CreatedAt        time.Time       `firestore:"createdAt"`
	UpdatedAt        time.Time       `firestore:"updatedAt"`
}

func (d orderDocument) toDomain(id string) domain.Order {
	return domain.Order{
		ID:               id,
		OrderNumber:      d.OrderNumber,
		ProductID:        d.ProductID,
		SellerID:         d.SellerID,
		BuyerID:          d.BuyerID,
		Status:           domain.OrderStatus(d.Status),
		Currency:         d.Currency,
		Price:            d.Price,
		Total:            d.Total,
		ShippingCost:     d.ShippingCost,
		Tax:              d.Tax,
		SellerFee:        d.SellerFee,
		TransferFee:      d.TransferFee,
		FreeSaleApplied:  d.FreeSaleApplied,
		ShipmentID:       d.ShipmentID,
		TrackerID:        d.TrackerID,
		TrackingURL:      d.TrackingURL,
		ShippingLabelURL: d.ShippingLabelURL,
		Carrier:          d.Carrier,
		Service:          d.Service,
		StripeChargeID:   d.StripeChargeID,
		Address:          d.Address.toDomain(),
		PurchaseDate:     d.PurchaseDate,
		ShipDate:         d.ShipDate,
		DeliveryDate:     d.DeliveryDate,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func fromDomainOrder(o domain.Order) orderDocument {
	return orderDocument{
		OrderNumber:      o.OrderNumber,
		ProductID:        o.ProductID,
		SellerID:         o.SellerID,
		BuyerID:          o.BuyerID,
		Status:           string(o.Status),
		Currency:         o.Currency,
		Price:            o.Price,
		Total:            o.Total,
		ShippingCost:     o.ShippingCost,
		Tax:              o.Tax,
		SellerFee:        o.SellerFee,
		TransferFee:      o.TransferFee,
		FreeSaleApplied:  o.FreeSaleApplied,
		ShipmentID:       o.ShipmentID,
		TrackerID:        o.TrackerID,
		TrackingURL:      o.TrackingURL,
		ShippingLabelURL: o.ShippingLabelURL,
		Carrier:          o.Carrier,
		Service:          o.Service,
		StripeChargeID:   o.StripeChargeID,
		Address:          fromDomainAddress(o.Address),
		PurchaseDate:     o.PurchaseDate.UTC(),
		ShipDate:         o.ShipDate,
		DeliveryDate:     o.DeliveryDate,
		CreatedAt:        o.CreatedAt.UTC(),
		UpdatedAt:        o.UpdatedAt.UTC(),
	}
}

type orderNumberDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}
