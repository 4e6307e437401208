package market

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// Action names a mutating marketplace operation.
type Action string

const (
	ActionCreateListing       Action = "create_listing"
	ActionCancelListing       Action = "cancel_listing"
	ActionReclaimListing      Action = "reclaim_expired_listing"
	ActionCreateOrder         Action = "create_order"
	ActionMarkPaymentMade     Action = "mark_payment_made"
	ActionMarkPaymentReceived Action = "mark_payment_received"
	ActionReleaseOrder        Action = "release_order"
	ActionCancelOrder         Action = "cancel_order"
	ActionProcessExpired      Action = "process_expired_order"
	ActionCreateDispute       Action = "create_dispute"
	ActionRespondToDispute    Action = "respond_to_dispute"
)

// orderActions is the order of actions in OrderActions output.
var orderActions = []Action{
	ActionMarkPaymentMade,
	ActionMarkPaymentReceived,
	ActionReleaseOrder,
	ActionCancelOrder,
	ActionProcessExpired,
	ActionCreateDispute,
}

func illegal(format string, args ...any) error {
	return fmt.Errorf("market: "+format+": %w", append(args, domain.ErrIllegalAction)...)
}

// CheckOrderAction returns nil when caller may perform action on o at now,
// and an error wrapping domain.ErrIllegalAction otherwise.
func CheckOrderAction(o domain.Order, caller string, action Action, now time.Time) error {
	stage, err := OrderStageOf(o.StatusCode)
	if err != nil {
		return err
	}
	if !IsParty(caller, o) {
		return illegal("%s: caller is not a party to order %s", action, o.ID)
	}
	role := RoleOf(caller, o)

	switch action {
	case ActionMarkPaymentMade:
		if role != RoleBuyer || stage != PendingPayment {
			return illegal("%s requires buyer in %s, have %s in %s", action, PendingPayment, role, stage)
		}
	case ActionMarkPaymentReceived:
		if role != RoleSeller || stage != PaymentSent {
			return illegal("%s requires seller in %s, have %s in %s", action, PaymentSent, role, stage)
		}
	case ActionReleaseOrder:
		if role != RoleSeller || stage != PaymentConfirmed {
			return illegal("%s requires seller in %s, have %s in %s", action, PaymentConfirmed, role, stage)
		}
	case ActionCancelOrder:
		if role != RoleBuyer {
			return illegal("%s is reserved to the buyer", action)
		}
		if stage != PendingPayment && stage != PaymentSent {
			return illegal("%s not allowed in %s", action, stage)
		}
	case ActionProcessExpired:
		if stage != PendingPayment {
			return illegal("%s not allowed in %s", action, stage)
		}
		if !Expired(o.Expiry, now) {
			return illegal("order %s has not expired", o.ID)
		}
	case ActionCreateDispute:
		if stage.Terminal() {
			return illegal("%s not allowed in terminal stage %s", action, stage)
		}
		if o.DisputeID != "" {
			return illegal("order %s already disputed", o.ID)
		}
	default:
		return illegal("%s is not an order action", action)
	}
	return nil
}

// OrderActions lists the actions caller may be offered for o at now.
func OrderActions(o domain.Order, caller string, now time.Time) []Action {
	var out []Action
	for _, a := range orderActions {
		if CheckOrderAction(o, caller, a, now) == nil {
			out = append(out, a)
		}
	}
	return out
}

// CheckListingAction gates listing-level actions. For ActionCreateOrder the
// amount is the requested token amount; it is ignored otherwise.
func CheckListingAction(l domain.Listing, caller string, action Action, amount uint64, now time.Time) error {
	stage, err := ListingStageOf(l.StatusCode)
	if err != nil {
		return err
	}
	isSeller := sameParty(caller, l.Seller)

	switch action {
	case ActionCreateOrder:
		if isSeller {
			return illegal("seller cannot order from own listing %s", l.ID)
		}
		if !AcceptsOrders(l, now) {
			return illegal("listing %s does not accept orders in %s", l.ID, stage)
		}
		if amount == 0 {
			return fmt.Errorf("market: order amount must be positive: %w", domain.ErrInvalidArgument)
		}
		if amount > l.RemainingAmount {
			return fmt.Errorf("market: order amount %d exceeds remaining %d: %w", amount, l.RemainingAmount, domain.ErrInvalidArgument)
		}
	case ActionCancelListing:
		if !isSeller {
			return illegal("%s is reserved to the seller", action)
		}
		if !stage.Open() {
			return illegal("%s not allowed in %s", action, stage)
		}
	case ActionReclaimListing:
		if !isSeller {
			return illegal("%s is reserved to the seller", action)
		}
		if !stage.Open() {
			return illegal("%s not allowed in %s", action, stage)
		}
		if !Expired(l.Expiry, now) {
			return illegal("listing %s has not expired", l.ID)
		}
	default:
		return illegal("%s is not a listing action", action)
	}
	return nil
}

// ListingActions lists the listing actions caller may be offered at now.
func ListingActions(l domain.Listing, caller string, now time.Time) []Action {
	var out []Action
	for _, a := range []Action{ActionCreateOrder, ActionCancelListing, ActionReclaimListing} {
		if CheckListingAction(l, caller, a, 1, now) == nil {
			out = append(out, a)
		}
	}
	return out
}

// CheckDisputeAction gates dispute-level actions.
func CheckDisputeAction(d domain.Dispute, caller string, action Action) error {
	stage, err := DisputeStageOf(d.StatusCode)
	if err != nil {
		return err
	}
	switch action {
	case ActionRespondToDispute:
		if !sameParty(caller, d.Seller) {
			return illegal("%s is reserved to the seller", action)
		}
		if stage != DisputeOpen {
			return illegal("dispute %s is %s", d.ID, stage)
		}
	default:
		return illegal("%s is not a dispute action", action)
	}
	return nil
}

// AcceptsOrders reports whether new orders may be placed against l.
func AcceptsOrders(l domain.Listing, now time.Time) bool {
	stage, err := ListingStageOf(l.StatusCode)
	if err != nil || !stage.Open() {
		return false
	}
	return l.RemainingAmount > 0 && !Expired(l.Expiry, now)
}

func sameParty(a, b string) bool {
	return a != "" && b != "" && Normalize(a) == Normalize(b)
}
