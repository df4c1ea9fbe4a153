package repository

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type Product struct {
	ID                  uuid.UUID
	Name                string
	Color               string
	Price               pgtype.Numeric
	PriceBeforeDiscount pgtype.Numeric
	DiscountPercent     pgtype.Numeric
	Size                pgtype.Text
	Quantity            int32
	CreatedAt           pgtype.Timestamptz
	UpdatedAt           pgtype.Timestamptz
}

type ProductSize struct {
	ID                  uuid.UUID
	ProductID           uuid.UUID
	Size                string
	Quantity            int32
	Price               pgtype.Numeric
	PriceBeforeDiscount pgtype.Numeric
	DiscountPercent     pgtype.Numeric
	Position            int32
}

type Cart struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	CouponID           pgtype.Text
	CouponCode         pgtype.Text
	CouponPercent      pgtype.Numeric
	ExpiryJobID        pgtype.Text
	CheckoutSessionID  pgtype.Text
	TotalPrice         pgtype.Numeric
	TotalAfterDiscount pgtype.Numeric
	CreatedAt          pgtype.Timestamptz
	UpdatedAt          pgtype.Timestamptz
}

type CartItem struct {
	ID        uuid.UUID
	CartID    uuid.UUID
	ProductID uuid.UUID
	Size      pgtype.Text
	Quantity  int32
	Color     string
	Price     pgtype.Numeric
	Position  int32
}
