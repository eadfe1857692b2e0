package inventory

import (
	"github.com/shopspring/decimal"
)

// CostPrecision is the number of decimal places kept on average costs and values.
const CostPrecision = 4

// NewPosition returns the zero position for an (item, location) pair.
func NewPosition(itemID int64, loc Location) Position {
	return Position{
		ItemID:     itemID,
		Location:   loc,
		OnHand:     decimal.Zero,
		Reserved:   decimal.Zero,
		Available:  decimal.Zero,
		AvgCost:    decimal.Zero,
		TotalValue: decimal.Zero,
	}
}

// Refresh recomputes the derived fields. Available never drops below zero.
func (p *Position) Refresh() {
	if p.Reserved.IsNegative() {
		p.Reserved = decimal.Zero
	}
	available := p.OnHand.Sub(p.Reserved)
	if available.IsNegative() {
		available = decimal.Zero
	}
	p.Available = available
	p.TotalValue = p.OnHand.Mul(p.AvgCost).Round(CostPrecision)
}

// Reserve holds qty when enough is available; otherwise it leaves the position untouched.
func (p *Position) Reserve(qty decimal.Decimal) bool {
	if !qty.IsPositive() || p.Available.LessThan(qty) {
		return false
	}
	p.Reserved = p.Reserved.Add(qty)
	p.Refresh()
	return true
}

// Release drops qty from the reserved quantity, floored at zero.
func (p *Position) Release(qty decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	p.Reserved = p.Reserved.Sub(qty)
	if p.Reserved.IsNegative() {
		p.Reserved = decimal.Zero
	}
	p.Refresh()
}

// apply mutates quantity and cost for one valued movement. Only the recorder calls it.
func (p *Position) apply(t MovementType, qty decimal.Decimal, v Valuation) {
	if t.Inbound() {
		p.OnHand = p.OnHand.Add(qty)
	} else {
		p.OnHand = p.OnHand.Sub(qty)
	}
	p.AvgCost = v.NewAverage
	p.Refresh()
}
