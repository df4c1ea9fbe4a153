package request

import (
	"github.com/google/uuid"
)

type AddCartItem struct {
	ProductId uuid.UUID `json:"productId" validate:"required"`
	Quantity  int32     `json:"quantity"  validate:"required,gt=0"`
	Size      string    `json:"size"`
}

type UpdateCartItem struct {
	ProductId uuid.UUID `json:"productId" validate:"required"`
	Quantity  int32     `json:"quantity"  validate:"required,gt=0"`
	Size      string    `json:"size"`
}

type RemoveCartItem struct {
	ProductId uuid.UUID `json:"productId" validate:"required"`
	Size      string    `json:"size"`
}

type ApplyCoupon struct {
	CouponCode string `json:"couponCode" validate:"required"`
}
