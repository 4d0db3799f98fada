package rental

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rental-engine/generic"
)

// =============================================================================
// DIFFERENCE RECONCILIATION
// =============================================================================

// Difference returns round2(total - paidTotal). Positive means the customer owes more.
func Difference(total, paidTotal generic.Money) generic.Money {
	return total.Sub(paidTotal).Round2()
}

// DispositionFor maps a rounded difference to its disposition.
func DispositionFor(diff decimal.Decimal) Disposition {
	switch diff.Sign() {
	case 0:
		return DispositionNone
	case 1:
		return DispositionPay
	default:
		return DispositionRefund
	}
}

// Reconcile compares a new breakdown against what the reservation has paid.
// Method is left empty; the settlement flow assigns it.
func Reconcile(b PriceBreakdown, r *Reservation, at time.Time) SettlementRecord {
	diff := Difference(b.Total, r.PaidTotal)
	return SettlementRecord{
		Disposition: DispositionFor(diff.Value),
		Amount:      diff.Abs(),
		Difference:  diff,
		Timestamp:   at,
	}
}
