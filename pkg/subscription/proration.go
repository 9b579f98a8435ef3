package subscription

import (
	"time"

	"github.com/shopspring/decimal"
)

// Proration explains the charge for an immediate plan change.
type Proration struct {
	OldPrice  int64   `json:"old_price"`
	NewPrice  int64   `json:"new_price"`
	Credit    int64   `json:"credit"`
	Charge    int64   `json:"charge"`
	Remaining float64 `json:"remaining_ratio"`
}

// Prorate credits the unused share of the current period against the full
// price of the new plan:
//
//	charge = max(0, newPrice - round(oldPrice * remaining / total))
//
// remaining and total are counted in seconds and the credit is rounded half
// away from zero to a minor unit. Downgrades are never refunded.
func Prorate(oldPrice, newPrice int64, periodStart, periodEnd, now time.Time) Proration {
	p := Proration{OldPrice: oldPrice, NewPrice: newPrice}

	total := periodEnd.Sub(periodStart)
	remaining := periodEnd.Sub(now)
	switch {
	case total <= 0 || remaining <= 0:
		remaining = 0
	case remaining > total:
		remaining = total
	}

	ratio := decimal.Zero
	if totalSec := int64(total / time.Second); totalSec > 0 {
		ratio = decimal.NewFromInt(int64(remaining / time.Second)).Div(decimal.NewFromInt(totalSec))
	}
	p.Remaining = ratio.InexactFloat64()

	credit := decimal.NewFromInt(oldPrice).Mul(ratio).Round(0)
	p.Credit = credit.IntPart()

	charge := decimal.NewFromInt(newPrice).Sub(credit)
	if charge.IsNegative() {
		charge = decimal.Zero
	}
	p.Charge = charge.IntPart()
	return p
}
