package domain

// FeeBreakdown captures the monetary components of a single sale in minor units.
type FeeBreakdown struct {
	Price        int64
	ShippingCost int64
	Tax          int64
	SellerFee    int64
	TransferFee  int64
	FreeSale     bool
}

// Total is the amount charged to the buyer. Tax is always included.
func (b FeeBreakdown) Total() int64 {
	return b.Price + b.Tax + b.ShippingCost
}

// ApplicationFee is the amount the platform retains from the destination charge.
func (b FeeBreakdown) ApplicationFee() int64 {
	return b.SellerFee + b.TransferFee + b.Tax + b.ShippingCost
}
