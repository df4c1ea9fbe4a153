// Package inventory moves stock between "available" and "reserved in a
// cart" for a (product, size) key. Every method runs against the caller's
// open transaction; product and size rows are read FOR UPDATE there, so a
// concurrent check-then-decrement cannot oversell.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	inErrors "github.com/lazuardy/storefront/internal/errors"
	"github.com/lazuardy/storefront/internal/repository"
)

type Ledger struct {
	queries *repository.Queries
}

// New binds a ledger to transaction-scoped queries. A ledger must not
// outlive the transaction it was created for.
func New(queries *repository.Queries) Ledger {
	return Ledger{queries: queries}
}

func sameSize(a, b string) bool {
	return strings.EqualFold(a, b)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// findSize returns the matching size entry, or nil.
func findSize(sizes []repository.ProductSize, size string) *repository.ProductSize {
	for i := range sizes {
		if sameSize(sizes[i].Size, size) {
			return &sizes[i]
		}
	}
	return nil
}

// ValidateAvailability applies the availability ladder to a product
// snapshot: out of stock, insufficient stock, missing or unknown size.
// A nil error means qty items can be reserved; for size-based products
// the matched size entry is returned.
func ValidateAvailability(
	product repository.Product,
	sizes []repository.ProductSize,
	size string,
	qty int32,
) (*repository.ProductSize, error) {
	if len(sizes) == 0 {
		if product.Quantity <= 0 {
			return nil, inErrors.OutOfStock()
		}
		if product.Quantity < qty {
			return nil, inErrors.InsufficientStock(product.Quantity)
		}
		return nil, nil
	}

	if size == "" {
		return nil, inErrors.SizeRequired()
	}
	sizeItem := findSize(sizes, size)
	if sizeItem == nil {
		return nil, inErrors.InvalidSize()
	}
	if sizeItem.Quantity <= 0 {
		return nil, inErrors.OutOfStock()
	}
	if sizeItem.Quantity < qty {
		return nil, inErrors.InsufficientStockForSize(sizeItem.Quantity, sizeItem.Size)
	}
	return sizeItem, nil
}

// Reserve decrements the matching stock counter by qty after validating
// availability. For size-based products the matched size entry (with its
// pre-reservation price) is returned so the caller can snapshot it onto
// the cart line.
func (l Ledger) Reserve(
	c context.Context,
	product repository.Product,
	sizes []repository.ProductSize,
	size string,
	qty int32,
) (*repository.ProductSize, error) {
	sizeItem, err := ValidateAvailability(product, sizes, size, qty)
	if err != nil {
		return nil, err
	}

	if sizeItem == nil {
		if err := l.queries.AdjustProductQuantity(c, product.ID, -qty); err != nil {
			return nil, fmt.Errorf("failed decrementing product quantity with error=%w", err)
		}
		return nil, nil
	}

	if err := l.queries.AdjustProductSizeQuantity(c, sizeItem.ID, -qty); err != nil {
		return nil, fmt.Errorf("failed decrementing size quantity with error=%w", err)
	}
	sizeItem.Quantity -= qty
	if err := l.projectRootFields(c, product.ID, sizes); err != nil {
		return nil, err
	}
	return sizeItem, nil
}

// Release returns qty items to the matching counter. The caller clears
// the cart line in the same transaction, so a release can never be
// applied twice for one logical return.
func (l Ledger) Release(
	c context.Context,
	product repository.Product,
	sizes []repository.ProductSize,
	size string,
	qty int32,
) error {
	if len(sizes) == 0 {
		if err := l.queries.AdjustProductQuantity(c, product.ID, qty); err != nil {
			return fmt.Errorf("failed incrementing product quantity with error=%w", err)
		}
		return nil
	}

	sizeItem := findSize(sizes, size)
	if sizeItem == nil {
		// Size no longer offered; nowhere to return the stock to.
		return nil
	}
	if err := l.queries.AdjustProductSizeQuantity(c, sizeItem.ID, qty); err != nil {
		return fmt.Errorf("failed incrementing size quantity with error=%w", err)
	}
	sizeItem.Quantity += qty
	return l.projectRootFields(c, product.ID, sizes)
}

// SetReservation moves a line's hold to the absolute newQty. Total
// availability is the free stock plus what this line already holds; the
// insufficiency message carries that combined figure.
func (l Ledger) SetReservation(
	c context.Context,
	product repository.Product,
	sizes []repository.ProductSize,
	size string,
	lineQty int32,
	newQty int32,
) error {
	if len(sizes) == 0 {
		totalAvailable := product.Quantity + lineQty
		if totalAvailable < newQty {
			return inErrors.InsufficientStock(totalAvailable)
		}
		if err := l.queries.SetProductQuantity(c, product.ID, totalAvailable-newQty); err != nil {
			return fmt.Errorf("failed setting product quantity with error=%w", err)
		}
		return nil
	}

	sizeItem := findSize(sizes, size)
	if sizeItem == nil {
		return inErrors.InvalidSize()
	}
	totalAvailable := sizeItem.Quantity + lineQty
	if totalAvailable < newQty {
		return inErrors.InsufficientStockForSize(totalAvailable, sizeItem.Size)
	}
	if err := l.queries.SetProductSizeQuantity(c, sizeItem.ID, totalAvailable-newQty); err != nil {
		return fmt.Errorf("failed setting size quantity with error=%w", err)
	}
	sizeItem.Quantity = totalAvailable - newQty
	return l.projectRootFields(c, product.ID, sizes)
}

// ReleaseAll returns the stock of every line. Lines for the same product
// under different sizes are folded into one in-memory size list before
// anything is written, so each size counter is adjusted exactly once and
// the root mirror is projected once from the post-release list. Writing
// line-by-line instead would lose earlier increments on the mirror.
func (l Ledger) ReleaseAll(c context.Context, items []repository.CartItem) error {
	byProduct := map[uuid.UUID][]repository.CartItem{}
	order := []uuid.UUID{}
	for _, item := range items {
		if _, ok := byProduct[item.ProductID]; !ok {
			order = append(order, item.ProductID)
		}
		byProduct[item.ProductID] = append(byProduct[item.ProductID], item)
	}

	for _, productID := range order {
		lines := byProduct[productID]

		product, err := l.queries.FindProductByIdForUpdate(c, productID)
		if err != nil {
			// Product deleted since reservation; nothing to return.
			if isNoRows(err) {
				continue
			}
			return fmt.Errorf("failed locking product with error=%w", err)
		}
		sizes, err := l.queries.FindProductSizesForUpdate(c, productID)
		if err != nil {
			return fmt.Errorf("failed locking product sizes with error=%w", err)
		}

		if len(sizes) == 0 {
			var total int32
			for _, line := range lines {
				total += line.Quantity
			}
			if err := l.queries.AdjustProductQuantity(c, product.ID, total); err != nil {
				return fmt.Errorf("failed incrementing product quantity with error=%w", err)
			}
			continue
		}

		touched := false
		for _, line := range lines {
			sizeItem := findSize(sizes, line.Size.String)
			if sizeItem == nil {
				continue
			}
			sizeItem.Quantity += line.Quantity
			touched = true
		}
		if !touched {
			continue
		}
		for i := range sizes {
			if err := l.queries.SetProductSizeQuantity(c, sizes[i].ID, sizes[i].Quantity); err != nil {
				return fmt.Errorf("failed setting size quantity with error=%w", err)
			}
		}
		if err := l.projectRootFields(c, product.ID, sizes); err != nil {
			return err
		}
	}
	return nil
}

// projectRootFields mirrors the lowest-priced in-stock size onto the
// product root; ties keep the earliest size in display order. With no
// size in stock the mirrors fall back to empty values.
func (l Ledger) projectRootFields(
	c context.Context,
	productID uuid.UUID,
	sizes []repository.ProductSize,
) error {
	var cheapest *repository.ProductSize
	for i := range sizes {
		if sizes[i].Quantity <= 0 {
			continue
		}
		if cheapest == nil {
			cheapest = &sizes[i]
			continue
		}
		price := repository.DecimalFromNumeric(sizes[i].Price)
		if price.LessThan(repository.DecimalFromNumeric(cheapest.Price)) {
			cheapest = &sizes[i]
		}
	}

	arg := repository.UpdateProductRootFieldsParams{
		ID:                  productID,
		Price:               repository.NumericFromDecimal(decimal.Zero),
		PriceBeforeDiscount: repository.NumericFromDecimal(decimal.Zero),
		DiscountPercent:     repository.NumericFromDecimal(decimal.Zero),
		Size:                pgtype.Text{},
		Quantity:            0,
	}
	if cheapest != nil {
		arg.Price = cheapest.Price
		arg.PriceBeforeDiscount = cheapest.PriceBeforeDiscount
		arg.DiscountPercent = cheapest.DiscountPercent
		arg.Size = pgtype.Text{String: cheapest.Size, Valid: true}
		arg.Quantity = cheapest.Quantity
	}
	if err := l.queries.UpdateProductRootFields(c, arg); err != nil {
		return fmt.Errorf("failed projecting product root fields with error=%w", err)
	}
	return nil
}
