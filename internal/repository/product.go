package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const productColumns = `id, name, color, price, price_before_discount, discount_percent, size, quantity, created_at, updated_at`

const findProductById = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

func (q *Queries) FindProductById(c context.Context, id uuid.UUID) (Product, error) {
	return q.scanProduct(q.db.QueryRow(c, findProductById, id))
}

const findProductByIdForUpdate = findProductById + ` FOR UPDATE`

// FindProductByIdForUpdate locks the product row so a concurrent
// check-then-decrement cannot oversell.
func (q *Queries) FindProductByIdForUpdate(c context.Context, id uuid.UUID) (Product, error) {
	return q.scanProduct(q.db.QueryRow(c, findProductByIdForUpdate, id))
}

func (q *Queries) scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Color,
		&p.Price,
		&p.PriceBeforeDiscount,
		&p.DiscountPercent,
		&p.Size,
		&p.Quantity,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

const productSizeColumns = `id, product_id, size, quantity, price, price_before_discount, discount_percent, position`

const findProductSizes = `SELECT ` + productSizeColumns + ` FROM product_sizes WHERE product_id = $1 ORDER BY position`

func (q *Queries) FindProductSizes(c context.Context, productID uuid.UUID) ([]ProductSize, error) {
	return q.queryProductSizes(c, findProductSizes, productID)
}

const findProductSizesForUpdate = findProductSizes + ` FOR UPDATE`

func (q *Queries) FindProductSizesForUpdate(
	c context.Context,
	productID uuid.UUID,
) ([]ProductSize, error) {
	return q.queryProductSizes(c, findProductSizesForUpdate, productID)
}

func (q *Queries) queryProductSizes(
	c context.Context,
	sql string,
	productID uuid.UUID,
) ([]ProductSize, error) {
	rows, err := q.db.Query(c, sql, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sizes := []ProductSize{}
	for rows.Next() {
		var s ProductSize
		err := rows.Scan(
			&s.ID,
			&s.ProductID,
			&s.Size,
			&s.Quantity,
			&s.Price,
			&s.PriceBeforeDiscount,
			&s.DiscountPercent,
			&s.Position,
		)
		if err != nil {
			return nil, err
		}
		sizes = append(sizes, s)
	}
	return sizes, rows.Err()
}

// Stock moves never touch updated_at, matching how reservation traffic is
// kept out of catalog-change auditing.
const adjustProductQuantity = `UPDATE products SET quantity = quantity + $2 WHERE id = $1`

func (q *Queries) AdjustProductQuantity(c context.Context, id uuid.UUID, delta int32) error {
	_, err := q.db.Exec(c, adjustProductQuantity, id, delta)
	return err
}

const setProductQuantity = `UPDATE products SET quantity = $2 WHERE id = $1`

func (q *Queries) SetProductQuantity(c context.Context, id uuid.UUID, quantity int32) error {
	_, err := q.db.Exec(c, setProductQuantity, id, quantity)
	return err
}

const adjustProductSizeQuantity = `UPDATE product_sizes SET quantity = quantity + $2 WHERE id = $1`

func (q *Queries) AdjustProductSizeQuantity(c context.Context, id uuid.UUID, delta int32) error {
	_, err := q.db.Exec(c, adjustProductSizeQuantity, id, delta)
	return err
}

const setProductSizeQuantity = `UPDATE product_sizes SET quantity = $2 WHERE id = $1`

func (q *Queries) SetProductSizeQuantity(c context.Context, id uuid.UUID, quantity int32) error {
	_, err := q.db.Exec(c, setProductSizeQuantity, id, quantity)
	return err
}

const updateProductRootFields = `UPDATE products
SET price = $2,
    price_before_discount = $3,
    discount_percent = $4,
    size = $5,
    quantity = $6
WHERE id = $1`

type UpdateProductRootFieldsParams struct {
	ID                  uuid.UUID
	Price               pgtype.Numeric
	PriceBeforeDiscount pgtype.Numeric
	DiscountPercent     pgtype.Numeric
	Size                pgtype.Text
	Quantity            int32
}

// UpdateProductRootFields rewrites the representative mirror fields of a
// size-based product after its size quantities changed.
func (q *Queries) UpdateProductRootFields(
	c context.Context,
	arg UpdateProductRootFieldsParams,
) error {
	_, err := q.db.Exec(
		c,
		updateProductRootFields,
		arg.ID,
		arg.Price,
		arg.PriceBeforeDiscount,
		arg.DiscountPercent,
		arg.Size,
		arg.Quantity,
	)
	return err
}
