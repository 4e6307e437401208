// Package market interprets ledger status codes. It maps raw codes to
// stages, knows which transitions the contract allows and decides which
// actions a caller may be offered for a given record.
package market

import (
	"fmt"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// OrderStage is the semantic stage of an order.
type OrderStage uint8

const (
	PendingPayment OrderStage = iota
	PaymentSent
	PaymentConfirmed
	Completed
	Cancelled
	Disputed
)

var orderStageNames = [...]string{
	PendingPayment:   "pending_payment",
	PaymentSent:      "payment_sent",
	PaymentConfirmed: "payment_confirmed",
	Completed:        "completed",
	Cancelled:        "cancelled",
	Disputed:         "disputed",
}

func (s OrderStage) String() string {
	if int(s) < len(orderStageNames) {
		return orderStageNames[s]
	}
	return fmt.Sprintf("order_stage(%d)", uint8(s))
}

// Terminal reports whether no further transition is modelled. Disputed is
// resolved off-client and is treated as terminal here.
func (s OrderStage) Terminal() bool {
	return s == Completed || s == Cancelled || s == Disputed
}

// orderTransitions is the forward-only transition graph.
var orderTransitions = map[OrderStage][]OrderStage{
	PendingPayment:   {PaymentSent, Cancelled, Disputed},
	PaymentSent:      {PaymentConfirmed, Cancelled, Disputed},
	PaymentConfirmed: {Completed, Disputed},
}

// NextOrderStages lists the stages reachable in one step from s.
func NextOrderStages(s OrderStage) []OrderStage {
	next := orderTransitions[s]
	out := make([]OrderStage, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from → to is a single legal step.
func CanTransition(from, to OrderStage) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OrderStageOf maps the raw status code of an order.
func OrderStageOf(code uint8) (OrderStage, error) {
	if int(code) >= len(orderStageNames) {
		return 0, fmt.Errorf("market: unknown order status %d: %w", code, domain.ErrDecode)
	}
	return OrderStage(code), nil
}

// ListingStage is the semantic stage of a listing.
type ListingStage uint8

const (
	ListingActive ListingStage = iota
	ListingSold
	ListingPartiallySold
	ListingCanceled
	ListingExpired
)

var listingStageNames = [...]string{
	ListingActive:        "active",
	ListingSold:          "sold",
	ListingPartiallySold: "partially_sold",
	ListingCanceled:      "canceled",
	ListingExpired:       "expired",
}

func (s ListingStage) String() string {
	if int(s) < len(listingStageNames) {
		return listingStageNames[s]
	}
	return fmt.Sprintf("listing_stage(%d)", uint8(s))
}

// Open reports whether the listing is still live on the ledger.
func (s ListingStage) Open() bool {
	return s == ListingActive || s == ListingPartiallySold
}

// ListingStageOf maps the raw status code of a listing.
func ListingStageOf(code uint8) (ListingStage, error) {
	if int(code) >= len(listingStageNames) {
		return 0, fmt.Errorf("market: unknown listing status %d: %w", code, domain.ErrDecode)
	}
	return ListingStage(code), nil
}

// DisputeStage is the semantic stage of a dispute.
type DisputeStage uint8

const (
	DisputeOpen DisputeStage = iota
	DisputeResponded
	DisputeResolved
)

var disputeStageNames = [...]string{
	DisputeOpen:      "open",
	DisputeResponded: "responded",
	DisputeResolved:  "resolved",
}

func (s DisputeStage) String() string {
	if int(s) < len(disputeStageNames) {
		return disputeStageNames[s]
	}
	return fmt.Sprintf("dispute_stage(%d)", uint8(s))
}

// DisputeStageOf maps the raw status code of a dispute.
func DisputeStageOf(code uint8) (DisputeStage, error) {
	if int(code) >= len(disputeStageNames) {
		return 0, fmt.Errorf("market: unknown dispute status %d: %w", code, domain.ErrDecode)
	}
	return DisputeStage(code), nil
}

// CheckListing verifies the amount invariant of a decoded listing and that
// its status code is known.
func CheckListing(l domain.Listing) error {
	if l.RemainingAmount > l.TokenAmount {
		return fmt.Errorf("market: listing %s remaining %d exceeds total %d: %w",
			l.ID, l.RemainingAmount, l.TokenAmount, domain.ErrDecode)
	}
	_, err := ListingStageOf(l.StatusCode)
	return err
}

// CheckOrder verifies that a decoded order is internally consistent.
func CheckOrder(o domain.Order) error {
	if _, err := OrderStageOf(o.StatusCode); err != nil {
		return err
	}
	if o.PaymentReceived && !o.PaymentMade {
		return fmt.Errorf("market: order %s payment received before payment made: %w", o.ID, domain.ErrDecode)
	}
	return nil
}
