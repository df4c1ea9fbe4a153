// Package pricing derives cart totals from the prices captured on the
// line items at reservation time, never from live product prices.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/lazuardy/storefront/internal/repository"
)

var oneHundred = decimal.NewFromInt(100)

// Totals sums price x quantity over the lines and, when a coupon percent
// is present and the cart is non-empty, derives the discounted total.
// It is a pure function of its inputs: calling it twice with the same
// lines yields identical results.
func Totals(
	items []repository.CartItem,
	percentOff *decimal.Decimal,
) (totalPrice decimal.Decimal, totalAfterDiscount *decimal.Decimal) {
	totalPrice = decimal.Zero
	for _, item := range items {
		price := repository.DecimalFromNumeric(item.Price)
		totalPrice = totalPrice.Add(price.Mul(decimal.NewFromInt32(item.Quantity)))
	}

	if percentOff != nil && len(items) > 0 {
		discounted := totalPrice.Mul(oneHundred.Sub(*percentOff)).Div(oneHundred)
		totalAfterDiscount = &discounted
	}
	return totalPrice, totalAfterDiscount
}
