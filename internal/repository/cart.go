package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const cartColumns = `id, user_id, coupon_id, coupon_code, coupon_percent, expiry_job_id, checkout_session_id, total_price, total_after_discount, created_at, updated_at`

const findCartByUserId = `SELECT ` + cartColumns + ` FROM carts WHERE user_id = $1`

func (q *Queries) FindCartByUserId(c context.Context, userID uuid.UUID) (Cart, error) {
	return q.scanCart(q.db.QueryRow(c, findCartByUserId, userID))
}

const findCartByUserIdForUpdate = findCartByUserId + ` FOR UPDATE`

// FindCartByUserIdForUpdate locks the cart row, serializing concurrent
// mutations of one user's cart.
func (q *Queries) FindCartByUserIdForUpdate(c context.Context, userID uuid.UUID) (Cart, error) {
	return q.scanCart(q.db.QueryRow(c, findCartByUserIdForUpdate, userID))
}

const findCartById = `SELECT ` + cartColumns + ` FROM carts WHERE id = $1`

func (q *Queries) FindCartById(c context.Context, id uuid.UUID) (Cart, error) {
	return q.scanCart(q.db.QueryRow(c, findCartById, id))
}

const findCartByIdForUpdate = findCartById + ` FOR UPDATE`

func (q *Queries) FindCartByIdForUpdate(c context.Context, id uuid.UUID) (Cart, error) {
	return q.scanCart(q.db.QueryRow(c, findCartByIdForUpdate, id))
}

const insertCart = `INSERT INTO carts (id, user_id) VALUES ($1, $2) RETURNING ` + cartColumns

func (q *Queries) InsertCart(c context.Context, id uuid.UUID, userID uuid.UUID) (Cart, error) {
	return q.scanCart(q.db.QueryRow(c, insertCart, id, userID))
}

func (q *Queries) scanCart(row pgx.Row) (Cart, error) {
	var cart Cart
	err := row.Scan(
		&cart.ID,
		&cart.UserID,
		&cart.CouponID,
		&cart.CouponCode,
		&cart.CouponPercent,
		&cart.ExpiryJobID,
		&cart.CheckoutSessionID,
		&cart.TotalPrice,
		&cart.TotalAfterDiscount,
		&cart.CreatedAt,
		&cart.UpdatedAt,
	)
	return cart, err
}

const updateCartTotals = `UPDATE carts
SET total_price = $2, total_after_discount = $3, updated_at = now()
WHERE id = $1`

func (q *Queries) UpdateCartTotals(
	c context.Context,
	id uuid.UUID,
	totalPrice pgtype.Numeric,
	totalAfterDiscount pgtype.Numeric,
) error {
	_, err := q.db.Exec(c, updateCartTotals, id, totalPrice, totalAfterDiscount)
	return err
}

const updateCartCoupon = `UPDATE carts
SET coupon_id = $2, coupon_code = $3, coupon_percent = $4, updated_at = now()
WHERE id = $1`

type UpdateCartCouponParams struct {
	ID            uuid.UUID
	CouponID      pgtype.Text
	CouponCode    pgtype.Text
	CouponPercent pgtype.Numeric
}

func (q *Queries) UpdateCartCoupon(c context.Context, arg UpdateCartCouponParams) error {
	_, err := q.db.Exec(c, updateCartCoupon, arg.ID, arg.CouponID, arg.CouponCode, arg.CouponPercent)
	return err
}

const updateCartExpiryJob = `UPDATE carts SET expiry_job_id = $2 WHERE id = $1`

func (q *Queries) UpdateCartExpiryJob(c context.Context, id uuid.UUID, jobID pgtype.Text) error {
	_, err := q.db.Exec(c, updateCartExpiryJob, id, jobID)
	return err
}

const updateCartCheckoutSession = `UPDATE carts SET checkout_session_id = $2 WHERE id = $1`

func (q *Queries) UpdateCartCheckoutSession(
	c context.Context,
	id uuid.UUID,
	sessionID pgtype.Text,
) error {
	_, err := q.db.Exec(c, updateCartCheckoutSession, id, sessionID)
	return err
}

const cartItemColumns = `id, cart_id, product_id, size, quantity, color, price, position`

const findCartItems = `SELECT ` + cartItemColumns + ` FROM cart_items WHERE cart_id = $1 ORDER BY position`

func (q *Queries) FindCartItems(c context.Context, cartID uuid.UUID) ([]CartItem, error) {
	rows, err := q.db.Query(c, findCartItems, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []CartItem{}
	for rows.Next() {
		var item CartItem
		err := rows.Scan(
			&item.ID,
			&item.CartID,
			&item.ProductID,
			&item.Size,
			&item.Quantity,
			&item.Color,
			&item.Price,
			&item.Position,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// New lines take the lowest position so the freshest item lists first.
const insertCartItem = `INSERT INTO cart_items (id, cart_id, product_id, size, quantity, color, price, position)
VALUES ($1, $2, $3, $4, $5, $6, $7,
	(SELECT COALESCE(MIN(position), 1) - 1 FROM cart_items WHERE cart_id = $2))
RETURNING ` + cartItemColumns

type InsertCartItemParams struct {
	ID        uuid.UUID
	CartID    uuid.UUID
	ProductID uuid.UUID
	Size      pgtype.Text
	Quantity  int32
	Color     string
	Price     pgtype.Numeric
}

func (q *Queries) InsertCartItem(c context.Context, arg InsertCartItemParams) (CartItem, error) {
	row := q.db.QueryRow(
		c,
		insertCartItem,
		arg.ID,
		arg.CartID,
		arg.ProductID,
		arg.Size,
		arg.Quantity,
		arg.Color,
		arg.Price,
	)
	var item CartItem
	err := row.Scan(
		&item.ID,
		&item.CartID,
		&item.ProductID,
		&item.Size,
		&item.Quantity,
		&item.Color,
		&item.Price,
		&item.Position,
	)
	return item, err
}

const updateCartItem = `UPDATE cart_items SET quantity = $2, color = $3, price = $4 WHERE id = $1`

type UpdateCartItemParams struct {
	ID       uuid.UUID
	Quantity int32
	Color    string
	Price    pgtype.Numeric
}

func (q *Queries) UpdateCartItem(c context.Context, arg UpdateCartItemParams) error {
	_, err := q.db.Exec(c, updateCartItem, arg.ID, arg.Quantity, arg.Color, arg.Price)
	return err
}

const setCartItemQuantity = `UPDATE cart_items SET quantity = $2 WHERE id = $1`

func (q *Queries) SetCartItemQuantity(c context.Context, id uuid.UUID, quantity int32) error {
	_, err := q.db.Exec(c, setCartItemQuantity, id, quantity)
	return err
}

const deleteCartItem = `DELETE FROM cart_items WHERE id = $1`

func (q *Queries) DeleteCartItem(c context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(c, deleteCartItem, id)
	return err
}

const deleteCartItems = `DELETE FROM cart_items WHERE cart_id = $1`

func (q *Queries) DeleteCartItems(c context.Context, cartID uuid.UUID) error {
	_, err := q.db.Exec(c, deleteCartItems, cartID)
	return err
}

// FindAbandonedCarts lists carts that still hold items but have sat
// untouched past the cutoff. The sweep uses it to catch carts whose
// scheduled cleanup was lost.
const findAbandonedCarts = `SELECT ` + cartColumns + ` FROM carts c
WHERE c.updated_at < $1
  AND EXISTS (SELECT 1 FROM cart_items i WHERE i.cart_id = c.id)
ORDER BY c.updated_at
LIMIT $2`

func (q *Queries) FindAbandonedCarts(
	c context.Context,
	cutoff pgtype.Timestamptz,
	limit int32,
) ([]Cart, error) {
	rows, err := q.db.Query(c, findAbandonedCarts, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	carts := []Cart{}
	for rows.Next() {
		var cart Cart
		err := rows.Scan(
			&cart.ID,
			&cart.UserID,
			&cart.CouponID,
			&cart.CouponCode,
			&cart.CouponPercent,
			&cart.ExpiryJobID,
			&cart.CheckoutSessionID,
			&cart.TotalPrice,
			&cart.TotalAfterDiscount,
			&cart.CreatedAt,
			&cart.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		carts = append(carts, cart)
	}
	return carts, rows.Err()
}
