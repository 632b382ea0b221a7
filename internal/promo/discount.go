package promo

import (
	"fmt"

	"github.com/shopspring/decimal"

	"ms-ticket-inventory/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Pricing is the price breakdown of one order.
type Pricing struct {
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Quantity       int             `json:"quantity"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Total          decimal.Decimal `json:"total"`
}

// Price computes the order total for qty tickets at unitPrice with an
// optional promo. The discount never exceeds the subtotal.
func Price(p *models.PromoCode, unitPrice decimal.Decimal, qty int) (Pricing, error) {
	subtotal := unitPrice.Mul(decimal.NewFromInt(int64(qty))).Round(2)
	pricing := Pricing{
		UnitPrice:      unitPrice,
		Quantity:       qty,
		Subtotal:       subtotal,
		DiscountAmount: decimal.Zero,
		Total:          subtotal,
	}
	if p == nil {
		return pricing, nil
	}

	var amount decimal.Decimal
	switch p.DiscountType {
	case models.DiscountFlatOff:
		amount = p.DiscountValue

	case models.DiscountPercentage:
		amount = subtotal.Mul(p.DiscountValue).Div(hundred)
		if p.MaxDiscount.IsPositive() && amount.GreaterThan(p.MaxDiscount) {
			amount = p.MaxDiscount
		}

	default:
		return Pricing{}, fmt.Errorf("unsupported discount type: %s", p.DiscountType)
	}

	if amount.GreaterThan(subtotal) {
		amount = subtotal
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}

	pricing.DiscountAmount = amount.Round(2)
	pricing.Total = subtotal.Sub(pricing.DiscountAmount)
	return pricing, nil
}
