package inventory

import "github.com/shopspring/decimal"

// Valuation is the Costing Engine's answer for one movement.
type Valuation struct {
	UnitCost   decimal.Decimal
	TotalCost  decimal.Decimal
	NewAverage decimal.Decimal
}

// Value prices a movement against the position it is about to touch.
//
// Inbound movements use the supplied cost and blend it into the moving average:
//
//	new_avg = (on_hand*avg + qty*cost) / (on_hand + qty)
//
// When the resulting on-hand is zero the average is left as is. A position that is already
// negative contributes no value, so the receipt cost becomes the new average.
// Outbound movements, including negative adjustments, ignore the supplied cost and are valued
// at the current average, which they leave unchanged.
func Value(p Position, t MovementType, qty, suppliedCost decimal.Decimal) Valuation {
	if !t.Inbound() {
		return Valuation{
			UnitCost:   p.AvgCost,
			TotalCost:  qty.Mul(p.AvgCost).Round(CostPrecision),
			NewAverage: p.AvgCost,
		}
	}
	v := Valuation{
		UnitCost:   suppliedCost,
		TotalCost:  qty.Mul(suppliedCost).Round(CostPrecision),
		NewAverage: p.AvgCost,
	}
	base := p.OnHand
	if base.IsNegative() {
		base = decimal.Zero
	}
	total := base.Add(qty)
	if total.IsZero() {
		return v
	}
	v.NewAverage = base.Mul(p.AvgCost).Add(qty.Mul(suppliedCost)).DivRound(total, CostPrecision)
	return v
}
