package response

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CartItem struct {
	ID        uuid.UUID       `json:"id"`
	ProductID uuid.UUID       `json:"productId"`
	Size      string          `json:"size,omitempty"`
	Quantity  int32           `json:"quantity"`
	Color     string          `json:"color"`
	Price     decimal.Decimal `json:"price"`
}

type Coupon struct {
	CouponID       string          `json:"couponId"`
	CouponCode     string          `json:"couponCode"`
	CouponDiscount decimal.Decimal `json:"couponDiscount"`
}

type Cart struct {
	ID                 uuid.UUID        `json:"id"`
	UserID             uuid.UUID        `json:"userId"`
	CartItems          []CartItem       `json:"cartItems"`
	Coupon             *Coupon          `json:"coupon,omitempty"`
	TotalPrice         decimal.Decimal  `json:"totalPrice"`
	TotalAfterDiscount *decimal.Decimal `json:"totalAfterDiscount,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}
