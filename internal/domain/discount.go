package domain

import (
	"github.com/shopspring/decimal"
)

// Cart is the part of a checkout the engine needs: amounts only.
type Cart struct {
	Subtotal    int64 `json:"subtotal"`
	ShippingFee int64 `json:"shipping_fee"`
}

// DiscountResult is the monetary effect of one promotion on one cart.
type DiscountResult struct {
	Amount           int64 `json:"amount"`
	ShippingWaived   bool  `json:"shipping_waived"`
	ShippingDiscount int64 `json:"shipping_discount"`
}

// Savings is the comparable total a shopper saves.
func (r DiscountResult) Savings() int64 {
	return r.Amount + r.ShippingDiscount
}

// ComputeDiscount applies p to cart. Percentage amounts round half-up to the
// smallest unit; no discount ever exceeds the subtotal.
func ComputeDiscount(p *Promotion, cart Cart) DiscountResult {
	switch p.Type {
	case PromotionTypePercentage:
		amount := decimal.NewFromInt(cart.Subtotal).
			Mul(p.Value).
			Div(hundred).
			Round(0).
			IntPart()
		return DiscountResult{Amount: min(amount, cart.Subtotal)}

	case PromotionTypeFixedAmount:
		// Compare in decimal so an oversized value cannot wrap on conversion.
		amount := decimal.Min(p.Value, decimal.NewFromInt(cart.Subtotal)).IntPart()
		return DiscountResult{Amount: max(amount, 0)}

	case PromotionTypeFreeShipping:
		return DiscountResult{ShippingWaived: true, ShippingDiscount: cart.ShippingFee}
	}
	return DiscountResult{}
}

// Candidate pairs an eligible promotion with its computed discount.
type Candidate struct {
	Promotion *Promotion
	Discount  DiscountResult
}

// BestCandidate picks the candidate with the highest savings. Ties go to the
// earliest created promotion, then to the lowest id.
func BestCandidate(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best, true
}

func better(a, b Candidate) bool {
	if sa, sb := a.Discount.Savings(), b.Discount.Savings(); sa != sb {
		return sa > sb
	}
	if !a.Promotion.CreatedAt.Equal(b.Promotion.CreatedAt) {
		return a.Promotion.CreatedAt.Before(b.Promotion.CreatedAt)
	}
	return a.Promotion.ID < b.Promotion.ID
}
