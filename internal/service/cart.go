package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/lazuardy/storefront/internal/cache"
	"github.com/lazuardy/storefront/internal/config"
	"github.com/lazuardy/storefront/internal/coupon"
	inErrors "github.com/lazuardy/storefront/internal/errors"
	"github.com/lazuardy/storefront/internal/inventory"
	"github.com/lazuardy/storefront/internal/log"
	"github.com/lazuardy/storefront/internal/otel"
	"github.com/lazuardy/storefront/internal/payment"
	"github.com/lazuardy/storefront/internal/pricing"
	"github.com/lazuardy/storefront/internal/repository"
	"github.com/lazuardy/storefront/internal/scheduler"
	"github.com/lazuardy/storefront/pkg/request"
	"github.com/lazuardy/storefront/pkg/response"
)

type CartService struct {
	pool    *pgxpool.Pool
	queries *repository.Queries
	cache   *redis.Client
	queue   scheduler.Queue
	coupons coupon.Client
	guard   payment.SessionGuard
	cfg     config.Worker
}

func NewCartService(
	pool *pgxpool.Pool,
	queries *repository.Queries,
	cacheClient *redis.Client,
	queue scheduler.Queue,
	coupons coupon.Client,
	guard payment.SessionGuard,
	cfg config.Worker,
) CartService {
	return CartService{
		pool:    pool,
		queries: queries,
		cache:   cacheClient,
		queue:   queue,
		coupons: coupons,
		guard:   guard,
		cfg:     cfg,
	}
}

// FindCartByUserId returns the user's cart, creating an empty one on
// first access. Lines whose product or size disappeared from the catalog
// since the last read are dropped before the cart is returned, and a
// checkout session minted against the stale contents is invalidated.
func (svc CartService) FindCartByUserId(
	c context.Context,
	userID uuid.UUID,
) (response.Cart, error) {
	c, span := otel.Tracer.Start(c, "CartService FindCartByUserId")
	defer span.End()

	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyTag, "CartService FindCartByUserId").
		Str(log.KeyUserID, userID.String()).
		Logger()
	c = logger.WithContext(c)

	cacheKey := fmt.Sprintf(cache.KeyCartByUser, userID)
	logger = logger.With().Str(log.KeyProcess, "finding cart in cache").Logger()
	logger.Info().Str(log.KeyCacheKey, cacheKey).Msg("finding cart in cache")
	cached, err := svc.cache.Get(c, cacheKey).Result()
	if err == nil {
		cart := response.Cart{}
		if err := json.Unmarshal([]byte(cached), &cart); err == nil {
			stale, err := svc.cachedCartStale(c, cart)
			if err == nil && !stale {
				logger.Info().Msg("found cart in cache")
				return cart, nil
			}
			if stale {
				logger.Info().Msg("cached cart holds stale lines, rebuilding")
			}
		} else {
			logger.Error().Err(err).Msg("failed unmarshaling cached cart")
		}
	} else if !errors.Is(err, redis.Nil) {
		logger.Error().Err(err).Msg("failed finding cart in cache")
	}

	logger = logger.With().Str(log.KeyProcess, "initializing transaction").Logger()
	logger.Info().Msg("initializing transaction")
	tx, err := svc.pool.BeginTx(c, pgx.TxOptions{})
	if err != nil {
		err = fmt.Errorf("failed initializing transaction with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	defer svc.rollback(c, tx, span)
	qtx := svc.queries.WithTx(tx)

	logger = logger.With().Str(log.KeyProcess, "finding cart by userId").Logger()
	logger.Info().Msg("finding cart by userId")
	cart, err := qtx.FindCartByUserIdForUpdate(c, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		logger.Info().Msg("cart not found, creating empty cart")
		cart, err = qtx.InsertCart(c, uuid.New(), userID)
	}
	if err != nil {
		err = fmt.Errorf("failed finding cart by userId=%s with error=%w", userID, err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	logger = logger.With().Str(log.KeyCartID, cart.ID.String()).Logger()

	items, err := qtx.FindCartItems(c, cart.ID)
	if err != nil {
		err = fmt.Errorf("failed finding cart items with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	items, changed, err := svc.dropStaleLines(c, qtx, items)
	if err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	session := cart.CheckoutSessionID
	if changed {
		if err := svc.storeTotals(c, qtx, &cart, items); err != nil {
			inErrors.HandleError(err, span)
			logger.Error().Err(err).Msg(err.Error())
			return response.Cart{}, inErrors.ErrTryAgain
		}
		if err := svc.dropSession(c, qtx, &cart); err != nil {
			inErrors.HandleError(err, span)
			logger.Error().Err(err).Msg(err.Error())
			return response.Cart{}, inErrors.ErrTryAgain
		}
	}

	logger = logger.With().Str(log.KeyProcess, "committing transaction").Logger()
	logger.Info().Msg("committing transaction")
	if err := tx.Commit(c); err != nil {
		err = fmt.Errorf("failed committing transaction with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	resp := cart.Response(items)
	if changed {
		svc.invalidateCache(c, userID)
		svc.expireSession(c, session)
		if len(items) == 0 {
			svc.cancelExpiry(c, cart.ID)
		}
	} else {
		logger = logger.With().Str(log.KeyProcess, "caching cart").Logger()
		body, err := json.Marshal(resp)
		if err == nil {
			err = svc.cache.Set(c, cacheKey, body, time.Hour).Err()
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed caching cart")
		}
	}
	logger.Info().Msg("found cart")
	return resp, nil
}

// AddCartItem reserves stock for the requested quantity and puts it in
// the cart, merging into an existing line for the same product and size
// or prepending a new one. The first item in an empty cart schedules the
// cart's expiry job.
func (svc CartService) AddCartItem(
	c context.Context,
	userID uuid.UUID,
	param request.AddCartItem,
) (response.Cart, error) {
	c, span := otel.Tracer.Start(c, "CartService AddCartItem")
	defer span.End()

	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyTag, "CartService AddCartItem").
		Str(log.KeyUserID, userID.String()).
		Str(log.KeyProductID, param.ProductId.String()).
		Str(log.KeyProductSize, param.Size).
		Int32(log.KeyQuantity, param.Quantity).
		Logger()
	c = logger.WithContext(c)

	logger = logger.With().Str(log.KeyProcess, "initializing transaction").Logger()
	logger.Info().Msg("initializing transaction")
	tx, err := svc.pool.BeginTx(c, pgx.TxOptions{})
	if err != nil {
		err = fmt.Errorf("failed initializing transaction with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	defer svc.rollback(c, tx, span)
	qtx := svc.queries.WithTx(tx)

	cart, items, err := svc.lockCart(c, qtx, userID)
	if err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	logger = logger.With().Str(log.KeyCartID, cart.ID.String()).Logger()

	items, _, err = svc.dropStaleLines(c, qtx, items)
	if err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	wasEmpty := len(items) == 0

	logger = logger.With().Str(log.KeyProcess, "locking product").Logger()
	logger.Info().Msg("locking product")
	product, sizes, err := svc.lockProduct(c, qtx, param.ProductId)
	if err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, err
	}

	logger = logger.With().Str(log.KeyProcess, "reserving stock").Logger()
	logger.Info().Msg("reserving stock")
	ledger := inventory.New(qtx)
	sizeItem, err := ledger.Reserve(c, product, sizes, param.Size, param.Quantity)
	if err != nil {
		if inErrors.IsBusiness(err) {
			logger.Info().Msg(err.Error())
			return response.Cart{}, err
		}
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	logger.Info().Msg("reserved stock")

	lineSize := pgtype.Text{}
	price := product.Price
	if sizeItem != nil {
		lineSize = repository.TextFromString(sizeItem.Size)
		price = sizeItem.Price
	}

	logger = logger.With().Str(log.KeyProcess, "upserting cart item").Logger()
	existing := findLine(items, param.ProductId, lineSize.String)
	if existing != nil {
		logger.Info().Msg("merging into existing cart item")
		err = qtx.UpdateCartItem(c, repository.UpdateCartItemParams{
			ID:       existing.ID,
			Quantity: existing.Quantity + param.Quantity,
			Color:    product.Color,
			Price:    price,
		})
	} else {
		logger.Info().Msg("prepending new cart item")
		_, err = qtx.InsertCartItem(c, repository.InsertCartItemParams{
			ID:        uuid.New(),
			CartID:    cart.ID,
			ProductID: product.ID,
			Size:      lineSize,
			Quantity:  param.Quantity,
			Color:     product.Color,
			Price:     price,
		})
	}
	if err != nil {
		err = fmt.Errorf("failed upserting cart item with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	items, err = qtx.FindCartItems(c, cart.ID)
	if err != nil {
		err = fmt.Errorf("failed finding cart items with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	if err := svc.storeTotals(c, qtx, &cart, items); err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	session := cart.CheckoutSessionID
	if err := svc.dropSession(c, qtx, &cart); err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	logger = logger.With().Str(log.KeyProcess, "committing transaction").Logger()
	logger.Info().Msg("committing transaction")
	if err := tx.Commit(c); err != nil {
		err = fmt.Errorf("failed committing transaction with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	if wasEmpty {
		svc.scheduleExpiry(c, cart.ID)
	}
	svc.invalidateCache(c, userID)
	svc.expireSession(c, session)

	logger.Info().Msg("added cart item")
	return cart.Response(items), nil
}

// UpdateCartItem moves a line's reservation to the requested absolute
// quantity. The line may grow by at most the free stock remaining; the
// availability check counts the line's current hold as available. A line
// that does not exist is left alone.
func (svc CartService) UpdateCartItem(
	c context.Context,
	userID uuid.UUID,
	param request.UpdateCartItem,
) (response.Cart, error) {
	c, span := otel.Tracer.Start(c, "CartService UpdateCartItem")
	defer span.End()

	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyTag, "CartService UpdateCartItem").
		Str(log.KeyUserID, userID.String()).
		Str(log.KeyProductID, param.ProductId.String()).
		Str(log.KeyProductSize, param.Size).
		Int32(log.KeyQuantity, param.Quantity).
		Logger()
	c = logger.WithContext(c)

	logger = logger.With().Str(log.KeyProcess, "initializing transaction").Logger()
	logger.Info().Msg("initializing transaction")
	tx, err := svc.pool.BeginTx(c, pgx.TxOptions{})
	if err != nil {
		err = fmt.Errorf("failed initializing transaction with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	defer svc.rollback(c, tx, span)
	qtx := svc.queries.WithTx(tx)

	cart, items, err := svc.lockCart(c, qtx, userID)
	if err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	logger = logger.With().Str(log.KeyCartID, cart.ID.String()).Logger()

	items, pruned, err := svc.dropStaleLines(c, qtx, items)
	if err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	line := findLine(items, param.ProductId, param.Size)
	if line == nil {
		logger.Info().Msg("cart item not found, nothing to update")
		return svc.finishNoOp(c, span, tx, qtx, &cart, items, userID, pruned)
	}

	logger = logger.With().Str(log.KeyProcess, "locking product").Logger()
	logger.Info().Msg("locking product")
	product, sizes, err := svc.lockProduct(c, qtx, param.ProductId)
	if err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, err
	}

	logger = logger.With().Str(log.KeyProcess, "moving reservation").Logger()
	logger.Info().Msg("moving reservation")
	ledger := inventory.New(qtx)
	err = ledger.SetReservation(c, product, sizes, param.Size, line.Quantity, param.Quantity)
	if err != nil {
		if inErrors.IsBusiness(err) {
			logger.Info().Msg(err.Error())
			return response.Cart{}, err
		}
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	if err := qtx.SetCartItemQuantity(c, line.ID, param.Quantity); err != nil {
		err = fmt.Errorf("failed setting cart item quantity with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	line.Quantity = param.Quantity

	if err := svc.storeTotals(c, qtx, &cart, items); err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	session := cart.CheckoutSessionID
	if err := svc.dropSession(c, qtx, &cart); err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	logger = logger.With().Str(log.KeyProcess, "committing transaction").Logger()
	logger.Info().Msg("committing transaction")
	if err := tx.Commit(c); err != nil {
		err = fmt.Errorf("failed committing transaction with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	svc.invalidateCache(c, userID)
	svc.expireSession(c, session)

	logger.Info().Msg("updated cart item")
	return cart.Response(items), nil
}

// RemoveCartItem deletes a line and returns its reservation to stock.
// Removing a line that is not in the cart is a no-op. Removing the last
// line cancels the cart's expiry job.
func (svc CartService) RemoveCartItem(
	c context.Context,
	userID uuid.UUID,
	param request.RemoveCartItem,
) (response.Cart, error) {
	c, span := otel.Tracer.Start(c, "CartService RemoveCartItem")
	defer span.End()

	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyTag, "CartService RemoveCartItem").
		Str(log.KeyUserID, userID.String()).
		Str(log.KeyProductID, param.ProductId.String()).
		Str(log.KeyProductSize, param.Size).
		Logger()
	c = logger.WithContext(c)

	logger = logger.With().Str(log.KeyProcess, "initializing transaction").Logger()
	logger.Info().Msg("initializing transaction")
	tx, err := svc.pool.BeginTx(c, pgx.TxOptions{})
	if err != nil {
		err = fmt.Errorf("failed initializing transaction with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	defer svc.rollback(c, tx, span)
	qtx := svc.queries.WithTx(tx)

	cart, items, err := svc.lockCart(c, qtx, userID)
	if err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	logger = logger.With().Str(log.KeyCartID, cart.ID.String()).Logger()

	items, pruned, err := svc.dropStaleLines(c, qtx, items)
	if err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	line := findLine(items, param.ProductId, param.Size)
	if line == nil {
		logger.Info().Msg("cart item not found, nothing to remove")
		return svc.finishNoOp(c, span, tx, qtx, &cart, items, userID, pruned)
	}

	logger = logger.With().Str(log.KeyProcess, "releasing stock").Logger()
	logger.Info().Int32(log.KeyQuantity, line.Quantity).Msg("releasing stock")
	product, sizes, err := svc.lockProduct(c, qtx, param.ProductId)
	if err != nil && !errors.Is(err, inErrors.ErrProductNotFound) {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, err
	}
	if err == nil {
		ledger := inventory.New(qtx)
		if err := ledger.Release(c, product, sizes, line.Size.String, line.Quantity); err != nil {
			err = fmt.Errorf("failed releasing stock with error=%w", err)
			inErrors.HandleError(err, span)
			logger.Error().Err(err).Msg(err.Error())
			return response.Cart{}, inErrors.ErrTryAgain
		}
	} else {
		// Product left the catalog while reserved; the stock has no home.
		logger.Info().Msg("product no longer exists, skipping release")
	}

	if err := qtx.DeleteCartItem(c, line.ID); err != nil {
		err = fmt.Errorf("failed deleting cart item with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	items = dropLine(items, line.ID)

	if err := svc.storeTotals(c, qtx, &cart, items); err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	if len(items) == 0 {
		if err := qtx.UpdateCartExpiryJob(c, cart.ID, pgtype.Text{}); err != nil {
			err = fmt.Errorf("failed clearing expiry job handle with error=%w", err)
			inErrors.HandleError(err, span)
			logger.Error().Err(err).Msg(err.Error())
			return response.Cart{}, inErrors.ErrTryAgain
		}
		cart.ExpiryJobID = pgtype.Text{}
	}
	session := cart.CheckoutSessionID
	if err := svc.dropSession(c, qtx, &cart); err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	logger = logger.With().Str(log.KeyProcess, "committing transaction").Logger()
	logger.Info().Msg("committing transaction")
	if err := tx.Commit(c); err != nil {
		err = fmt.Errorf("failed committing transaction with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	if len(items) == 0 {
		svc.cancelExpiry(c, cart.ID)
	}
	svc.invalidateCache(c, userID)
	svc.expireSession(c, session)

	logger.Info().Msg("removed cart item")
	return cart.Response(items), nil
}

// ClearCart empties the cart, returning every reservation to stock in
// one pass, and cancels the expiry job and checkout session.
func (svc CartService) ClearCart(
	c context.Context,
	userID uuid.UUID,
) (response.Cart, error) {
	c, span := otel.Tracer.Start(c, "CartService ClearCart")
	defer span.End()

	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyTag, "CartService ClearCart").
		Str(log.KeyUserID, userID.String()).
		Logger()
	c = logger.WithContext(c)

	logger = logger.With().Str(log.KeyProcess, "initializing transaction").Logger()
	logger.Info().Msg("initializing transaction")
	tx, err := svc.pool.BeginTx(c, pgx.TxOptions{})
	if err != nil {
		err = fmt.Errorf("failed initializing transaction with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	defer svc.rollback(c, tx, span)
	qtx := svc.queries.WithTx(tx)

	cart, items, err := svc.lockCart(c, qtx, userID)
	if err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	logger = logger.With().Str(log.KeyCartID, cart.ID.String()).Logger()

	if len(items) > 0 {
		logger = logger.With().Str(log.KeyProcess, "releasing reservations").Logger()
		logger.Info().Int(log.KeyCartItems, len(items)).Msg("releasing reservations")
		ledger := inventory.New(qtx)
		if err := ledger.ReleaseAll(c, items); err != nil {
			err = fmt.Errorf("failed releasing reservations with error=%w", err)
			inErrors.HandleError(err, span)
			logger.Error().Err(err).Msg(err.Error())
			return response.Cart{}, inErrors.ErrTryAgain
		}
		if err := qtx.DeleteCartItems(c, cart.ID); err != nil {
			err = fmt.Errorf("failed deleting cart items with error=%w", err)
			inErrors.HandleError(err, span)
			logger.Error().Err(err).Msg(err.Error())
			return response.Cart{}, inErrors.ErrTryAgain
		}
	}
	items = nil
	if err := svc.storeTotals(c, qtx, &cart, items); err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	if err := qtx.UpdateCartExpiryJob(c, cart.ID, pgtype.Text{}); err != nil {
		err = fmt.Errorf("failed clearing expiry job handle with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	cart.ExpiryJobID = pgtype.Text{}
	session := cart.CheckoutSessionID
	if err := svc.dropSession(c, qtx, &cart); err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	logger = logger.With().Str(log.KeyProcess, "committing transaction").Logger()
	logger.Info().Msg("committing transaction")
	if err := tx.Commit(c); err != nil {
		err = fmt.Errorf("failed committing transaction with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	svc.cancelExpiry(c, cart.ID)
	svc.invalidateCache(c, userID)
	svc.expireSession(c, session)

	logger.Info().Msg("cleared cart")
	return cart.Response(items), nil
}

// ApplyCoupon attaches a discount to the cart. An unknown or inactive
// code, an empty cart and an unreachable promotion source all leave the
// cart untouched rather than fail the request.
func (svc CartService) ApplyCoupon(
	c context.Context,
	userID uuid.UUID,
	param request.ApplyCoupon,
) (response.Cart, error) {
	c, span := otel.Tracer.Start(c, "CartService ApplyCoupon")
	defer span.End()

	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyTag, "CartService ApplyCoupon").
		Str(log.KeyUserID, userID.String()).
		Str(log.KeyCouponCode, param.CouponCode).
		Logger()
	c = logger.WithContext(c)

	logger = logger.With().Str(log.KeyProcess, "finding coupon").Logger()
	logger.Info().Msg("finding coupon")
	found, err := svc.coupons.FindActiveByCode(c, param.CouponCode)
	if err != nil {
		logger.Error().Err(err).Msg("failed finding coupon, leaving cart untouched")
		found = nil
	}

	logger = logger.With().Str(log.KeyProcess, "initializing transaction").Logger()
	logger.Info().Msg("initializing transaction")
	tx, err := svc.pool.BeginTx(c, pgx.TxOptions{})
	if err != nil {
		err = fmt.Errorf("failed initializing transaction with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	defer svc.rollback(c, tx, span)
	qtx := svc.queries.WithTx(tx)

	cart, items, err := svc.lockCart(c, qtx, userID)
	if err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	logger = logger.With().Str(log.KeyCartID, cart.ID.String()).Logger()

	items, pruned, err := svc.dropStaleLines(c, qtx, items)
	if err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	if found == nil || len(items) == 0 {
		logger.Info().Msg("coupon not applicable, leaving cart untouched")
		return svc.finishNoOp(c, span, tx, qtx, &cart, items, userID, pruned)
	}

	logger = logger.With().Str(log.KeyProcess, "applying coupon").Logger()
	logger.Info().Msg("applying coupon")
	err = qtx.UpdateCartCoupon(c, repository.UpdateCartCouponParams{
		ID:            cart.ID,
		CouponID:      repository.TextFromString(found.ID),
		CouponCode:    repository.TextFromString(found.Code),
		CouponPercent: repository.NumericFromDecimal(found.PercentOff),
	})
	if err != nil {
		err = fmt.Errorf("failed applying coupon with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	cart.CouponID = repository.TextFromString(found.ID)
	cart.CouponCode = repository.TextFromString(found.Code)
	cart.CouponPercent = repository.NumericFromDecimal(found.PercentOff)

	if err := svc.storeTotals(c, qtx, &cart, items); err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	session := cart.CheckoutSessionID
	if err := svc.dropSession(c, qtx, &cart); err != nil {
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	logger = logger.With().Str(log.KeyProcess, "committing transaction").Logger()
	logger.Info().Msg("committing transaction")
	if err := tx.Commit(c); err != nil {
		err = fmt.Errorf("failed committing transaction with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}

	svc.invalidateCache(c, userID)
	svc.expireSession(c, session)

	logger.Info().Msg("applied coupon")
	return cart.Response(items), nil
}

func (svc CartService) rollback(c context.Context, tx pgx.Tx, span trace.Span) {
	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyProcess, "rolling back transaction").
		Logger()
	logger.Trace().Msg("rolling back transaction")
	if err := tx.Rollback(c); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return
		}
		err = fmt.Errorf("failed rolling back transaction with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
	}
}

// lockCart loads and row-locks the user's cart along with its lines,
// serializing every mutation of one cart behind the row lock. A user
// without a cart gets an empty one, so mutations never fail on a cart
// that was simply never read.
func (svc CartService) lockCart(
	c context.Context,
	qtx *repository.Queries,
	userID uuid.UUID,
) (repository.Cart, []repository.CartItem, error) {
	cart, err := qtx.FindCartByUserIdForUpdate(c, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		zerolog.Ctx(c).Info().Msg("cart not found, creating empty cart")
		cart, err = qtx.InsertCart(c, uuid.New(), userID)
	}
	if err != nil {
		return repository.Cart{}, nil, fmt.Errorf(
			"failed finding cart by userId=%s with error=%w", userID, err,
		)
	}
	items, err := qtx.FindCartItems(c, cart.ID)
	if err != nil {
		return repository.Cart{}, nil, fmt.Errorf(
			"failed finding cart items with error=%w", err,
		)
	}
	return cart, items, nil
}

// lockProduct loads and row-locks the product and its size rows so two
// reservations against the same stock cannot interleave.
func (svc CartService) lockProduct(
	c context.Context,
	qtx *repository.Queries,
	productID uuid.UUID,
) (repository.Product, []repository.ProductSize, error) {
	product, err := qtx.FindProductByIdForUpdate(c, productID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Product{}, nil, inErrors.ErrProductNotFound
		}
		return repository.Product{}, nil, fmt.Errorf(
			"failed finding product by id=%s with error=%w", productID, err,
		)
	}
	sizes, err := qtx.FindProductSizesForUpdate(c, productID)
	if err != nil {
		return repository.Product{}, nil, fmt.Errorf(
			"failed finding product sizes with error=%w", err,
		)
	}
	return product, sizes, nil
}

// storeTotals recomputes the cart totals from its lines and persists
// them, mirroring the new values onto cart for the response.
func (svc CartService) storeTotals(
	c context.Context,
	qtx *repository.Queries,
	cart *repository.Cart,
	items []repository.CartItem,
) error {
	totalPrice, totalAfterDiscount := pricing.Totals(
		items,
		repository.NullableDecimalFromNumeric(cart.CouponPercent),
	)
	cart.TotalPrice = repository.NumericFromDecimal(totalPrice)
	cart.TotalAfterDiscount = pgtype.Numeric{}
	if totalAfterDiscount != nil {
		cart.TotalAfterDiscount = repository.NumericFromDecimal(*totalAfterDiscount)
	}
	err := qtx.UpdateCartTotals(c, cart.ID, cart.TotalPrice, cart.TotalAfterDiscount)
	if err != nil {
		return fmt.Errorf("failed updating cart totals with error=%w", err)
	}
	return nil
}

// dropSession clears a pending checkout session handle inside the
// transaction. The gateway-side expiry happens after commit.
func (svc CartService) dropSession(
	c context.Context,
	qtx *repository.Queries,
	cart *repository.Cart,
) error {
	if !cart.CheckoutSessionID.Valid {
		return nil
	}
	if err := qtx.UpdateCartCheckoutSession(c, cart.ID, pgtype.Text{}); err != nil {
		return fmt.Errorf("failed clearing checkout session with error=%w", err)
	}
	cart.CheckoutSessionID = pgtype.Text{}
	return nil
}

// scheduleExpiry enqueues the cart's clearCart job after commit. A lost
// handle is recovered by the reconciliation sweep, so failures here are
// logged and swallowed.
func (svc CartService) scheduleExpiry(c context.Context, cartID uuid.UUID) {
	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyProcess, "scheduling expiry job").
		Str(log.KeyCartID, cartID.String()).
		Logger()
	logger.Info().Msg("scheduling expiry job")
	jobID, err := svc.queue.Enqueue(c, cartID, svc.cfg.ExpiryDelay)
	if err != nil {
		logger.Error().Err(err).Msg("failed scheduling expiry job")
		return
	}
	err = svc.queries.UpdateCartExpiryJob(c, cartID, repository.TextFromString(jobID))
	if err != nil {
		logger.Error().Err(err).Msg("failed recording expiry job handle")
		return
	}
	logger.Info().Str(log.KeyJobID, jobID).Msg("scheduled expiry job")
}

func (svc CartService) cancelExpiry(c context.Context, cartID uuid.UUID) {
	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyProcess, "cancelling expiry job").
		Str(log.KeyCartID, cartID.String()).
		Logger()
	if err := svc.queue.Remove(c, cartID); err != nil {
		logger.Error().Err(err).Msg("failed cancelling expiry job")
		return
	}
	logger.Info().Msg("cancelled expiry job")
}

func (svc CartService) invalidateCache(c context.Context, userID uuid.UUID) {
	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyProcess, "invalidating cart cache").
		Logger()
	cacheKey := fmt.Sprintf(cache.KeyCartByUser, userID)
	if err := svc.cache.Del(c, cacheKey).Err(); err != nil {
		logger.Error().Err(err).Str(log.KeyCacheKey, cacheKey).Msg("failed invalidating cart cache")
	}
}

func (svc CartService) expireSession(c context.Context, session pgtype.Text) {
	if !session.Valid {
		return
	}
	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyProcess, "expiring checkout session").
		Str(log.KeySessionID, session.String).
		Logger()
	if err := svc.guard.Invalidate(c, session.String); err != nil {
		logger.Error().Err(err).Msg("failed expiring checkout session")
		return
	}
	logger.Info().Msg("expired checkout session")
}

// dropStaleLines deletes lines whose product or size has left the
// catalog, returning the surviving lines and whether anything was
// dropped. Every mutation runs it right after locking the cart, in the
// same transaction, so a dead line is never priced or mutated.
func (svc CartService) dropStaleLines(
	c context.Context,
	qtx *repository.Queries,
	items []repository.CartItem,
) ([]repository.CartItem, bool, error) {
	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyProcess, "dropping stale cart items").
		Logger()
	kept := make([]repository.CartItem, 0, len(items))
	for _, item := range items {
		stale, err := svc.isStaleLine(c, qtx, item)
		if err != nil {
			return nil, false, err
		}
		if !stale {
			kept = append(kept, item)
			continue
		}
		logger.Info().
			Str(log.KeyProductID, item.ProductID.String()).
			Str(log.KeyProductSize, item.Size.String).
			Msg("dropping stale cart item")
		if err := qtx.DeleteCartItem(c, item.ID); err != nil {
			return nil, false, fmt.Errorf("failed deleting stale cart item with error=%w", err)
		}
	}
	return kept, len(kept) != len(items), nil
}

// finishNoOp commits a mutation that left the requested line alone.
// Lazily created carts and dropped stale lines still have to persist,
// so the totals and checkout session are refreshed first when pruning
// happened.
func (svc CartService) finishNoOp(
	c context.Context,
	span trace.Span,
	tx pgx.Tx,
	qtx *repository.Queries,
	cart *repository.Cart,
	items []repository.CartItem,
	userID uuid.UUID,
	pruned bool,
) (response.Cart, error) {
	logger := zerolog.Ctx(c)
	session := cart.CheckoutSessionID
	if pruned {
		if err := svc.storeTotals(c, qtx, cart, items); err != nil {
			inErrors.HandleError(err, span)
			logger.Error().Err(err).Msg(err.Error())
			return response.Cart{}, inErrors.ErrTryAgain
		}
		if len(items) == 0 {
			if err := qtx.UpdateCartExpiryJob(c, cart.ID, pgtype.Text{}); err != nil {
				err = fmt.Errorf("failed clearing expiry job handle with error=%w", err)
				inErrors.HandleError(err, span)
				logger.Error().Err(err).Msg(err.Error())
				return response.Cart{}, inErrors.ErrTryAgain
			}
			cart.ExpiryJobID = pgtype.Text{}
		}
		if err := svc.dropSession(c, qtx, cart); err != nil {
			inErrors.HandleError(err, span)
			logger.Error().Err(err).Msg(err.Error())
			return response.Cart{}, inErrors.ErrTryAgain
		}
	}
	if err := tx.Commit(c); err != nil {
		err = fmt.Errorf("failed committing transaction with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return response.Cart{}, inErrors.ErrTryAgain
	}
	if pruned {
		if len(items) == 0 {
			svc.cancelExpiry(c, cart.ID)
		}
		svc.invalidateCache(c, userID)
		svc.expireSession(c, session)
	}
	return cart.Response(items), nil
}

// cachedCartStale checks a cached render against the live catalog so a
// product deletion shows up on the next read instead of after the TTL.
func (svc CartService) cachedCartStale(c context.Context, cart response.Cart) (bool, error) {
	for _, item := range cart.CartItems {
		stale, err := svc.isStaleLine(c, svc.queries, repository.CartItem{
			ProductID: item.ProductID,
			Size:      repository.TextFromString(item.Size),
		})
		if err != nil || stale {
			return stale, err
		}
	}
	return false, nil
}

// isStaleLine reports whether the line's product or size has left the
// catalog since it was added.
func (svc CartService) isStaleLine(
	c context.Context,
	qtx *repository.Queries,
	item repository.CartItem,
) (bool, error) {
	_, err := qtx.FindProductById(c, item.ProductID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("failed finding product with error=%w", err)
	}
	if !item.Size.Valid {
		return false, nil
	}
	sizes, err := qtx.FindProductSizes(c, item.ProductID)
	if err != nil {
		return false, fmt.Errorf("failed finding product sizes with error=%w", err)
	}
	for _, size := range sizes {
		if strings.EqualFold(size.Size, item.Size.String) {
			return false, nil
		}
	}
	return true, nil
}

// findLine matches a cart line by product and size, sizes compared
// case-insensitively the way reservations are.
func findLine(
	items []repository.CartItem,
	productID uuid.UUID,
	size string,
) *repository.CartItem {
	for i := range items {
		if items[i].ProductID != productID {
			continue
		}
		if strings.EqualFold(items[i].Size.String, size) {
			return &items[i]
		}
	}
	return nil
}

func dropLine(items []repository.CartItem, id uuid.UUID) []repository.CartItem {
	kept := make([]repository.CartItem, 0, len(items))
	for _, item := range items {
		if item.ID == id {
			continue
		}
		kept = append(kept, item)
	}
	return kept
}
