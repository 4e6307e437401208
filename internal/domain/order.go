package domain

import "time"

// Order is an escrow agreement created against a listing.
type Order struct {
	ID              string
	ListingID       string
	Buyer           string
	Seller          string
	TokenAmount     uint64
	Price           uint64
	FeeAmount       uint64
	Expiry          time.Time
	CreatedAt       time.Time
	StatusCode      uint8
	PaymentMade     bool
	PaymentReceived bool
	DisputeID       string // empty when no dispute was raised
	Metadata        Metadata

	Meta ObjectMeta
}

// EscrowedValue is the amount locked at order creation.
func (o Order) EscrowedValue() uint64 {
	return o.TokenAmount + o.FeeAmount
}

// Dispute is an escalation record tied to an order.
type Dispute struct {
	ID             string
	OrderID        string
	Buyer          string
	Seller         string
	TokenAmount    uint64
	Price          uint64
	BuyerReason    string
	SellerResponse string
	HasResponse    bool
	StatusCode     uint8
	CreatedAt      time.Time

	Meta ObjectMeta
}
