package repository

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/lazuardy/storefront/pkg/response"
)

func NumericFromDecimal(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{
		Int:              d.Coefficient(),
		Exp:              d.Exponent(),
		InfinityModifier: pgtype.Finite,
		Valid:            true,
	}
}

func DecimalFromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func NullableDecimalFromNumeric(n pgtype.Numeric) *decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return nil
	}
	d := decimal.NewFromBigInt(n.Int, n.Exp)
	return &d
}

func TimestamptzFromTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func TextFromString(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

func (item CartItem) Response() response.CartItem {
	return response.CartItem{
		ID:        item.ID,
		ProductID: item.ProductID,
		Size:      item.Size.String,
		Quantity:  item.Quantity,
		Color:     item.Color,
		Price:     DecimalFromNumeric(item.Price),
	}
}

func (cart Cart) Response(items []CartItem) response.Cart {
	itemResponses := make([]response.CartItem, 0, len(items))
	for _, item := range items {
		itemResponses = append(itemResponses, item.Response())
	}

	var coupon *response.Coupon
	if cart.CouponID.Valid {
		coupon = &response.Coupon{
			CouponID:       cart.CouponID.String,
			CouponCode:     cart.CouponCode.String,
			CouponDiscount: DecimalFromNumeric(cart.CouponPercent),
		}
	}

	return response.Cart{
		ID:                 cart.ID,
		UserID:             cart.UserID,
		CartItems:          itemResponses,
		Coupon:             coupon,
		TotalPrice:         DecimalFromNumeric(cart.TotalPrice),
		TotalAfterDiscount: NullableDecimalFromNumeric(cart.TotalAfterDiscount),
		CreatedAt:          cart.CreatedAt.Time,
		UpdatedAt:          cart.UpdatedAt.Time,
	}
}
