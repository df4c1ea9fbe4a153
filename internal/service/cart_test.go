package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inErrors "github.com/lazuardy/storefront/internal/errors"
	"github.com/lazuardy/storefront/internal/repository"
	"github.com/lazuardy/storefront/pkg/request"
	"github.com/lazuardy/storefront/pkg/response"
)

var (
	toteID   = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	hoodieID = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	capID    = uuid.MustParse("55555555-5555-5555-5555-555555555555")

	productSeed = filepath.Join("seed", "products.seed.sql")

	noCouponURL = "http://promotions.invalid"
)

func productQuantity(t *testing.T, c context.Context, deps testDeps, id uuid.UUID) int32 {
	product, err := deps.queries.FindProductById(c, id)
	require.NoError(t, err)
	return product.Quantity
}

func sizeQuantities(t *testing.T, c context.Context, deps testDeps, id uuid.UUID) map[string]int32 {
	sizes, err := deps.queries.FindProductSizes(c, id)
	require.NoError(t, err)
	quantities := map[string]int32{}
	for _, size := range sizes {
		quantities[size.Size] = size.Quantity
	}
	return quantities
}

type addCartItemTest struct {
	name        string
	act         func(c context.Context, deps testDeps, userID uuid.UUID) (response.Cart, error)
	expectedErr string
	expected    func(t *testing.T, c context.Context, deps testDeps, cart response.Cart)
}

func TestAddCartItem(t *testing.T) {
	tests := []addCartItemTest{
		{
			name: "given sizeless product with enough stock should reserve and add line",
			act: func(c context.Context, deps testDeps, userID uuid.UUID) (response.Cart, error) {
				return deps.service.AddCartItem(c, userID, request.AddCartItem{
					ProductId: toteID,
					Quantity:  3,
				})
			},
			expected: func(t *testing.T, c context.Context, deps testDeps, cart response.Cart) {
				assert.Len(t, cart.CartItems, 1)
				assert.EqualValues(t, 3, cart.CartItems[0].Quantity)
				assert.True(t, cart.TotalPrice.Equal(decimal.NewFromInt(75)))
				assert.EqualValues(t, 7, productQuantity(t, c, deps, toteID))

				scheduled, err := deps.queue.Scheduled(c, cart.ID)
				require.NoError(t, err)
				assert.True(t, scheduled)
			},
		},
		{
			name: "given same product and size twice should merge into one line",
			act: func(c context.Context, deps testDeps, userID uuid.UUID) (response.Cart, error) {
				_, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
					ProductId: toteID,
					Quantity:  2,
				})
				if err != nil {
					return response.Cart{}, err
				}
				return deps.service.AddCartItem(c, userID, request.AddCartItem{
					ProductId: toteID,
					Quantity:  1,
				})
			},
			expected: func(t *testing.T, c context.Context, deps testDeps, cart response.Cart) {
				assert.Len(t, cart.CartItems, 1)
				assert.EqualValues(t, 3, cart.CartItems[0].Quantity)
				assert.True(t, cart.TotalPrice.Equal(decimal.NewFromInt(75)))
				assert.EqualValues(t, 7, productQuantity(t, c, deps, toteID))
			},
		},
		{
			name: "given a second product should list the newest line first",
			act: func(c context.Context, deps testDeps, userID uuid.UUID) (response.Cart, error) {
				_, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
					ProductId: toteID,
					Quantity:  1,
				})
				if err != nil {
					return response.Cart{}, err
				}
				return deps.service.AddCartItem(c, userID, request.AddCartItem{
					ProductId: hoodieID,
					Quantity:  1,
					Size:      "S",
				})
			},
			expected: func(t *testing.T, c context.Context, deps testDeps, cart response.Cart) {
				require.Len(t, cart.CartItems, 2)
				assert.Equal(t, hoodieID, cart.CartItems[0].ProductID)
				assert.Equal(t, toteID, cart.CartItems[1].ProductID)
			},
		},
		{
			name: "given sized product with lowercase size should reserve case-insensitively",
			act: func(c context.Context, deps testDeps, userID uuid.UUID) (response.Cart, error) {
				return deps.service.AddCartItem(c, userID, request.AddCartItem{
					ProductId: hoodieID,
					Quantity:  1,
					Size:      "s",
				})
			},
			expected: func(t *testing.T, c context.Context, deps testDeps, cart response.Cart) {
				require.Len(t, cart.CartItems, 1)
				assert.Equal(t, "S", cart.CartItems[0].Size)
				assert.True(t, cart.CartItems[0].Price.Equal(decimal.NewFromInt(40)))

				quantities := sizeQuantities(t, c, deps, hoodieID)
				assert.EqualValues(t, 1, quantities["S"])
				assert.EqualValues(t, 3, quantities["M"])

				product, err := deps.queries.FindProductById(c, hoodieID)
				require.NoError(t, err)
				assert.Equal(t, "S", product.Size.String)
				assert.EqualValues(t, 1, product.Quantity)
			},
		},
		{
			name: "given sized product without size should require size",
			act: func(c context.Context, deps testDeps, userID uuid.UUID) (response.Cart, error) {
				return deps.service.AddCartItem(c, userID, request.AddCartItem{
					ProductId: hoodieID,
					Quantity:  1,
				})
			},
			expectedErr: "Please select a product size.",
			expected: func(t *testing.T, c context.Context, deps testDeps, cart response.Cart) {
				quantities := sizeQuantities(t, c, deps, hoodieID)
				assert.EqualValues(t, 2, quantities["S"])
				assert.EqualValues(t, 3, quantities["M"])
			},
		},
		{
			name: "given sized product with unknown size should reject",
			act: func(c context.Context, deps testDeps, userID uuid.UUID) (response.Cart, error) {
				return deps.service.AddCartItem(c, userID, request.AddCartItem{
					ProductId: hoodieID,
					Quantity:  1,
					Size:      "XL",
				})
			},
			expectedErr: "The size you selected is not available.",
		},
		{
			name: "given quantity above size stock should reject with availability",
			act: func(c context.Context, deps testDeps, userID uuid.UUID) (response.Cart, error) {
				return deps.service.AddCartItem(c, userID, request.AddCartItem{
					ProductId: hoodieID,
					Quantity:  3,
					Size:      "s",
				})
			},
			expectedErr: "Only 2 item(s) are available for size S.",
		},
		{
			name: "given product with zero stock should reject as out of stock",
			act: func(c context.Context, deps testDeps, userID uuid.UUID) (response.Cart, error) {
				return deps.service.AddCartItem(c, userID, request.AddCartItem{
					ProductId: capID,
					Quantity:  1,
				})
			},
			expectedErr: "Unfortunately, this product is currently out of stock.",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := context.Background()
			deps := setup(t)(c, noCouponURL, productSeed)
			defer teardown(t)(deps)

			cart, err := test.act(c, deps, uuid.New())
			if test.expectedErr != "" {
				require.Error(t, err)
				assert.Equal(t, test.expectedErr, err.Error())
			} else {
				require.NoError(t, err)
			}
			if test.expected != nil {
				test.expected(t, c, deps, cart)
			}
		})
	}
}

func TestUpdateCartItem(t *testing.T) {
	t.Run("given absolute quantity within availability should move reservation", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		_, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  2,
		})
		require.NoError(t, err)

		cart, err := deps.service.UpdateCartItem(c, userID, request.UpdateCartItem{
			ProductId: toteID,
			Quantity:  5,
		})
		require.NoError(t, err)
		require.Len(t, cart.CartItems, 1)
		assert.EqualValues(t, 5, cart.CartItems[0].Quantity)
		assert.True(t, cart.TotalPrice.Equal(decimal.NewFromInt(125)))
		assert.EqualValues(t, 5, productQuantity(t, c, deps, toteID))
	})

	t.Run("given quantity above free stock plus line hold should reject", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		_, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  2,
		})
		require.NoError(t, err)

		_, err = deps.service.UpdateCartItem(c, userID, request.UpdateCartItem{
			ProductId: toteID,
			Quantity:  11,
		})
		require.Error(t, err)
		assert.Equal(t, "Only 10 item(s) are available in stock.", err.Error())
		assert.EqualValues(t, 8, productQuantity(t, c, deps, toteID))
	})

	t.Run("given line not in cart should leave cart untouched", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		_, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  2,
		})
		require.NoError(t, err)

		cart, err := deps.service.UpdateCartItem(c, userID, request.UpdateCartItem{
			ProductId: hoodieID,
			Quantity:  2,
			Size:      "S",
		})
		require.NoError(t, err)
		require.Len(t, cart.CartItems, 1)
		assert.EqualValues(t, 2, cart.CartItems[0].Quantity)
		quantities := sizeQuantities(t, c, deps, hoodieID)
		assert.EqualValues(t, 2, quantities["S"])
	})
}

func TestRemoveCartItem(t *testing.T) {
	t.Run("given last line should restore stock and cancel expiry job", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		added, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  3,
		})
		require.NoError(t, err)

		cart, err := deps.service.RemoveCartItem(c, userID, request.RemoveCartItem{
			ProductId: toteID,
		})
		require.NoError(t, err)
		assert.Empty(t, cart.CartItems)
		assert.True(t, cart.TotalPrice.Equal(decimal.Zero))
		assert.EqualValues(t, 10, productQuantity(t, c, deps, toteID))

		scheduled, err := deps.queue.Scheduled(c, added.ID)
		require.NoError(t, err)
		assert.False(t, scheduled)
	})

	t.Run("given line not in cart should leave cart untouched", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		_, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  3,
		})
		require.NoError(t, err)

		cart, err := deps.service.RemoveCartItem(c, userID, request.RemoveCartItem{
			ProductId: hoodieID,
			Size:      "S",
		})
		require.NoError(t, err)
		assert.Len(t, cart.CartItems, 1)
		assert.EqualValues(t, 7, productQuantity(t, c, deps, toteID))
	})
}

func TestClearCart(t *testing.T) {
	t.Run("given lines across sizes should release all and reproject root", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		_, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: hoodieID,
			Quantity:  2,
			Size:      "S",
		})
		require.NoError(t, err)
		_, err = deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: hoodieID,
			Quantity:  3,
			Size:      "M",
		})
		require.NoError(t, err)

		quantities := sizeQuantities(t, c, deps, hoodieID)
		assert.EqualValues(t, 0, quantities["S"])
		assert.EqualValues(t, 0, quantities["M"])

		cart, err := deps.service.ClearCart(c, userID)
		require.NoError(t, err)
		assert.Empty(t, cart.CartItems)
		assert.True(t, cart.TotalPrice.Equal(decimal.Zero))

		quantities = sizeQuantities(t, c, deps, hoodieID)
		assert.EqualValues(t, 2, quantities["S"])
		assert.EqualValues(t, 3, quantities["M"])

		product, err := deps.queries.FindProductById(c, hoodieID)
		require.NoError(t, err)
		assert.Equal(t, "S", product.Size.String)
		assert.EqualValues(t, 2, product.Quantity)
		assert.True(t, repository.DecimalFromNumeric(product.Price).Equal(decimal.NewFromInt(40)))

		scheduled, err := deps.queue.Scheduled(c, cart.ID)
		require.NoError(t, err)
		assert.False(t, scheduled)
	})
}

func TestProcessExpiryJob(t *testing.T) {
	t.Run("given cart with reservations should release them and empty the cart", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		added, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  4,
		})
		require.NoError(t, err)
		assert.EqualValues(t, 6, productQuantity(t, c, deps, toteID))

		require.NoError(t, deps.worker.ProcessJob(c, added.ID))

		assert.EqualValues(t, 10, productQuantity(t, c, deps, toteID))
		cart, err := deps.queries.FindCartById(c, added.ID)
		require.NoError(t, err)
		assert.False(t, cart.ExpiryJobID.Valid)
		items, err := deps.queries.FindCartItems(c, added.ID)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("given cart that no longer exists should complete as a no-op", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		require.NoError(t, deps.worker.ProcessJob(c, uuid.New()))
	})
}

func couponServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("code") != "SAVE10" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(
			`{"data":[{"id":"promo_1","code":"SAVE10","percentOff":10,"active":true}]}`,
		))
		if err != nil {
			t.Errorf("failed writing coupon response: %s", err)
		}
	}))
}

func TestApplyCoupon(t *testing.T) {
	t.Run("given active coupon and non-empty cart should discount totals", func(t *testing.T) {
		server := couponServer(t)
		defer server.Close()

		c := context.Background()
		deps := setup(t)(c, server.URL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		_, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  2,
		})
		require.NoError(t, err)

		cart, err := deps.service.ApplyCoupon(c, userID, request.ApplyCoupon{CouponCode: "SAVE10"})
		require.NoError(t, err)
		require.NotNil(t, cart.Coupon)
		assert.Equal(t, "SAVE10", cart.Coupon.CouponCode)
		assert.True(t, cart.TotalPrice.Equal(decimal.NewFromInt(50)))
		require.NotNil(t, cart.TotalAfterDiscount)
		assert.True(t, cart.TotalAfterDiscount.Equal(decimal.NewFromInt(45)))
	})

	t.Run("given unknown coupon should leave cart untouched", func(t *testing.T) {
		server := couponServer(t)
		defer server.Close()

		c := context.Background()
		deps := setup(t)(c, server.URL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		_, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  2,
		})
		require.NoError(t, err)

		cart, err := deps.service.ApplyCoupon(c, userID, request.ApplyCoupon{CouponCode: "NOPE"})
		require.NoError(t, err)
		assert.Nil(t, cart.Coupon)
		assert.Nil(t, cart.TotalAfterDiscount)
	})

	t.Run("given empty cart should leave cart untouched", func(t *testing.T) {
		server := couponServer(t)
		defer server.Close()

		c := context.Background()
		deps := setup(t)(c, server.URL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		_, err := deps.service.FindCartByUserId(c, userID)
		require.NoError(t, err)

		cart, err := deps.service.ApplyCoupon(c, userID, request.ApplyCoupon{CouponCode: "SAVE10"})
		require.NoError(t, err)
		assert.Nil(t, cart.Coupon)
	})
}

func TestFindCartByUserId(t *testing.T) {
	t.Run("given first access should create an empty cart", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		cart, err := deps.service.FindCartByUserId(c, uuid.New())
		require.NoError(t, err)
		assert.Empty(t, cart.CartItems)
		assert.True(t, cart.TotalPrice.Equal(decimal.Zero))
	})

	t.Run("given product removed from catalog should drop its line", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		_, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  2,
		})
		require.NoError(t, err)

		_, err = deps.pool.Exec(c, "DELETE FROM products WHERE id = $1", toteID)
		require.NoError(t, err)

		cart, err := deps.service.FindCartByUserId(c, userID)
		require.NoError(t, err)
		assert.Empty(t, cart.CartItems)
		assert.True(t, cart.TotalPrice.Equal(decimal.Zero))
	})

	t.Run("given cached cart and product removed should drop its line on next read", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		_, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  2,
		})
		require.NoError(t, err)

		cached, err := deps.service.FindCartByUserId(c, userID)
		require.NoError(t, err)
		require.Len(t, cached.CartItems, 1)

		_, err = deps.pool.Exec(c, "DELETE FROM products WHERE id = $1", toteID)
		require.NoError(t, err)

		cart, err := deps.service.FindCartByUserId(c, userID)
		require.NoError(t, err)
		assert.Empty(t, cart.CartItems)
		assert.True(t, cart.TotalPrice.Equal(decimal.Zero))
	})
}

func TestClearCartTieBreak(t *testing.T) {
	t.Run("given two lines for one product under different sizes should not lose an update", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		_, err := deps.pool.Exec(
			c,
			"UPDATE product_sizes SET quantity = 5 WHERE product_id = $1",
			hoodieID,
		)
		require.NoError(t, err)

		userID := uuid.New()
		_, err = deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: hoodieID,
			Quantity:  2,
			Size:      "S",
		})
		require.NoError(t, err)
		_, err = deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: hoodieID,
			Quantity:  3,
			Size:      "M",
		})
		require.NoError(t, err)

		// 5 stock each, minus the reservations.
		quantities := sizeQuantities(t, c, deps, hoodieID)
		require.EqualValues(t, 3, quantities["S"])
		require.EqualValues(t, 2, quantities["M"])

		_, err = deps.service.ClearCart(c, userID)
		require.NoError(t, err)

		quantities = sizeQuantities(t, c, deps, hoodieID)
		assert.EqualValues(t, 5, quantities["S"])
		assert.EqualValues(t, 5, quantities["M"])
	})
}

func TestConcurrentAddItemNoOversell(t *testing.T) {
	t.Run("given more concurrent adds than stock should reserve exactly the stock", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		stock := 3
		requesters := 6
		_, err := deps.pool.Exec(
			c,
			"UPDATE products SET quantity = $1 WHERE id = $2",
			stock,
			toteID,
		)
		require.NoError(t, err)

		results := make(chan error, requesters)
		var wg sync.WaitGroup
		for i := 0; i < requesters; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := deps.service.AddCartItem(c, uuid.New(), request.AddCartItem{
					ProductId: toteID,
					Quantity:  1,
				})
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		succeeded, rejected := 0, 0
		for err := range results {
			if err == nil {
				succeeded++
				continue
			}
			assert.True(t, inErrors.IsBusiness(err), "expected availability error, got: %s", err)
			rejected++
		}
		assert.Equal(t, stock, succeeded)
		assert.Equal(t, requesters-stock, rejected)
		assert.EqualValues(t, 0, productQuantity(t, c, deps, toteID))
	})
}

func TestExpiryAfterClearIsNoOp(t *testing.T) {
	t.Run("given job firing after explicit clear should leave cart and stock alone", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		added, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  2,
		})
		require.NoError(t, err)
		_, err = deps.service.ClearCart(c, userID)
		require.NoError(t, err)
		require.EqualValues(t, 10, productQuantity(t, c, deps, toteID))

		require.NoError(t, deps.worker.ProcessJob(c, added.ID))
		assert.EqualValues(t, 10, productQuantity(t, c, deps, toteID))
	})
}

func TestMutationsDropStaleLines(t *testing.T) {
	t.Run("given product removed from catalog should drop its line before adding", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		_, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  2,
		})
		require.NoError(t, err)

		_, err = deps.pool.Exec(c, "DELETE FROM products WHERE id = $1", toteID)
		require.NoError(t, err)

		cart, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: hoodieID,
			Quantity:  1,
			Size:      "S",
		})
		require.NoError(t, err)
		require.Len(t, cart.CartItems, 1)
		assert.Equal(t, hoodieID, cart.CartItems[0].ProductID)
		assert.True(t, cart.TotalPrice.Equal(decimal.NewFromInt(40)))
	})

	t.Run("given product removed from catalog should drop its line before updating", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		_, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  2,
		})
		require.NoError(t, err)
		_, err = deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: hoodieID,
			Quantity:  1,
			Size:      "S",
		})
		require.NoError(t, err)

		_, err = deps.pool.Exec(c, "DELETE FROM products WHERE id = $1", toteID)
		require.NoError(t, err)

		cart, err := deps.service.UpdateCartItem(c, userID, request.UpdateCartItem{
			ProductId: hoodieID,
			Quantity:  2,
			Size:      "S",
		})
		require.NoError(t, err)
		require.Len(t, cart.CartItems, 1)
		assert.Equal(t, hoodieID, cart.CartItems[0].ProductID)
		assert.True(t, cart.TotalPrice.Equal(decimal.NewFromInt(80)))
	})

	t.Run("given stale line and no applicable coupon should still drop the line", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		added, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  2,
		})
		require.NoError(t, err)

		_, err = deps.pool.Exec(c, "DELETE FROM products WHERE id = $1", toteID)
		require.NoError(t, err)

		cart, err := deps.service.ApplyCoupon(c, userID, request.ApplyCoupon{
			CouponCode: "SAVE10",
		})
		require.NoError(t, err)
		assert.Empty(t, cart.CartItems)
		assert.True(t, cart.TotalPrice.Equal(decimal.Zero))

		stored, err := deps.queries.FindCartById(c, added.ID)
		require.NoError(t, err)
		assert.True(t, repository.DecimalFromNumeric(stored.TotalPrice).Equal(decimal.Zero))

		scheduled, err := deps.queue.Scheduled(c, added.ID)
		require.NoError(t, err)
		assert.False(t, scheduled)
	})
}

func TestMutationsCreateCartLazily(t *testing.T) {
	t.Run("given user without cart should clear an empty cart", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		cart, err := deps.service.ClearCart(c, userID)
		require.NoError(t, err)
		assert.Empty(t, cart.CartItems)

		stored, err := deps.queries.FindCartByUserId(c, userID)
		require.NoError(t, err)
		assert.Equal(t, cart.ID, stored.ID)
	})

	t.Run("given user without cart should treat update as a no-op", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		cart, err := deps.service.UpdateCartItem(c, userID, request.UpdateCartItem{
			ProductId: toteID,
			Quantity:  2,
		})
		require.NoError(t, err)
		assert.Empty(t, cart.CartItems)

		stored, err := deps.queries.FindCartByUserId(c, userID)
		require.NoError(t, err)
		assert.Equal(t, cart.ID, stored.ID)
	})

	t.Run("given user without cart should apply coupon as a no-op", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		cart, err := deps.service.ApplyCoupon(c, uuid.New(), request.ApplyCoupon{
			CouponCode: "SAVE10",
		})
		require.NoError(t, err)
		assert.Empty(t, cart.CartItems)
		assert.Nil(t, cart.Coupon)
	})
}

func TestSweepAbandonedRequeuesLostJob(t *testing.T) {
	t.Run("given abandoned cart without scheduled job should re-enqueue it", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		added, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  2,
		})
		require.NoError(t, err)

		// Simulate the enqueue lost after commit.
		require.NoError(t, deps.queue.Remove(c, added.ID))
		_, err = deps.pool.Exec(
			c,
			"UPDATE carts SET updated_at = now() - interval '2 hours' WHERE id = $1",
			added.ID,
		)
		require.NoError(t, err)

		require.NoError(t, deps.worker.SweepAbandoned(c))

		scheduled, err := deps.queue.Scheduled(c, added.ID)
		require.NoError(t, err)
		assert.True(t, scheduled)

		stored, err := deps.queries.FindCartById(c, added.ID)
		require.NoError(t, err)
		assert.Equal(t, added.ID.String(), stored.ExpiryJobID.String)

		claimed, err := deps.queue.ClaimDue(c, time.Now(), 8)
		require.NoError(t, err)
		assert.Contains(t, claimed, added.ID)
	})
}

func TestAddCartItemKeepsExpirySchedule(t *testing.T) {
	t.Run("given second item in non-empty cart should not reschedule the job", func(t *testing.T) {
		c := context.Background()
		deps := setup(t)(c, noCouponURL, productSeed)
		defer teardown(t)(deps)

		userID := uuid.New()
		added, err := deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: toteID,
			Quantity:  1,
		})
		require.NoError(t, err)
		first, err := deps.redis.ZScore(c, "cart:expiry:scheduled", added.ID.String()).Result()
		require.NoError(t, err)

		_, err = deps.service.AddCartItem(c, userID, request.AddCartItem{
			ProductId: hoodieID,
			Quantity:  1,
			Size:      "S",
		})
		require.NoError(t, err)

		second, err := deps.redis.ZScore(c, "cart:expiry:scheduled", added.ID.String()).Result()
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}
