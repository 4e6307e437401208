package market

import (
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// StatusExpired is the display label for records past their expiry that the
// ledger has not yet moved out of a pre-confirmation stage.
const StatusExpired = "expired"

// Expired reports whether now is past expiry. A zero expiry never expires.
func Expired(expiry, now time.Time) bool {
	return !expiry.IsZero() && now.After(expiry)
}

// OrderDisplayStatus is the label shown for o at now. It is a projection
// only; the ledger status changes solely through processExpiredOrder.
func OrderDisplayStatus(o domain.Order, now time.Time) string {
	stage, err := OrderStageOf(o.StatusCode)
	if err != nil {
		return "unknown"
	}
	if (stage == PendingPayment || stage == PaymentSent) && Expired(o.Expiry, now) {
		return StatusExpired
	}
	return stage.String()
}

// ListingDisplayStatus is the label shown for l at now.
func ListingDisplayStatus(l domain.Listing, now time.Time) string {
	stage, err := ListingStageOf(l.StatusCode)
	if err != nil {
		return "unknown"
	}
	if stage.Open() && Expired(l.Expiry, now) {
		return StatusExpired
	}
	return stage.String()
}
