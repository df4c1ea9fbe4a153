package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/lazuardy/storefront/internal/cache"
	"github.com/lazuardy/storefront/internal/config"
	inErrors "github.com/lazuardy/storefront/internal/errors"
	"github.com/lazuardy/storefront/internal/inventory"
	"github.com/lazuardy/storefront/internal/log"
	"github.com/lazuardy/storefront/internal/otel"
	"github.com/lazuardy/storefront/internal/payment"
	"github.com/lazuardy/storefront/internal/repository"
)

var (
	jobsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_expiry_jobs_processed_total",
		Help: "Number of clearCart jobs completed.",
	})
	jobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_expiry_jobs_failed_total",
		Help: "Number of clearCart job attempts that failed.",
	})
	jobsBuried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_expiry_jobs_buried_total",
		Help: "Number of clearCart jobs moved to the dead set.",
	})
	sweepRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_expiry_sweep_requeued_total",
		Help: "Number of abandoned carts the reconciliation sweep re-enqueued.",
	})
)

// Worker drains due clearCart jobs against the database and periodically
// sweeps for abandoned carts that lost their scheduled job.
type Worker struct {
	pool    *pgxpool.Pool
	queries *repository.Queries
	queue   Queue
	guard   payment.SessionGuard
	cache   *redis.Client
	cfg     config.Worker
}

func NewWorker(
	pool *pgxpool.Pool,
	queries *repository.Queries,
	queue Queue,
	guard payment.SessionGuard,
	cacheClient *redis.Client,
	cfg config.Worker,
) Worker {
	return Worker{
		pool:    pool,
		queries: queries,
		queue:   queue,
		guard:   guard,
		cache:   cacheClient,
		cfg:     cfg,
	}
}

// Run blocks until the context is cancelled.
func (w Worker) Run(c context.Context) error {
	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyTag, "Worker Run").
		Logger()
	c = logger.WithContext(c)

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(w.cfg.SweepInterval)
	defer sweep.Stop()

	sem := make(chan struct{}, w.cfg.Concurrency)
	wg := sync.WaitGroup{}
	defer wg.Wait()

	logger.Info().
		Dur("pollInterval", w.cfg.PollInterval).
		Dur("sweepInterval", w.cfg.SweepInterval).
		Msg("starting expiry worker")
	for {
		select {
		case <-c.Done():
			logger.Info().Msg("stopping expiry worker")
			return c.Err()
		case <-poll.C:
			cartIDs, err := w.queue.ClaimDue(c, time.Now(), w.cfg.ClaimBatchSize)
			if err != nil {
				logger.Error().Err(err).Msg("failed claiming due jobs")
				continue
			}
			for _, cartID := range cartIDs {
				wg.Add(1)
				sem <- struct{}{}
				go func(cartID uuid.UUID) {
					defer wg.Done()
					defer func() { <-sem }()
					w.handle(c, cartID)
				}(cartID)
			}
		case <-sweep.C:
			if err := w.SweepAbandoned(c); err != nil {
				logger.Error().Err(err).Msg("failed sweeping abandoned carts")
			}
		}
	}
}

func (w Worker) handle(c context.Context, cartID uuid.UUID) {
	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyTag, "Worker handle").
		Str(log.KeyJobID, cartID.String()).
		Str(log.KeyCartID, cartID.String()).
		Logger()
	c = logger.WithContext(c)

	if err := w.ProcessJob(c, cartID); err != nil {
		jobsFailed.Inc()
		logger.Error().Err(err).Msg("failed processing clearCart job")
		w.retryOrBury(c, cartID)
		return
	}
	jobsProcessed.Inc()
	if err := w.queue.Ack(c, cartID); err != nil {
		logger.Error().Err(err).Msg("failed acking clearCart job")
	}
}

// ProcessJob releases every reservation the cart holds back into stock,
// empties the cart and drops its checkout session. A cart that is already
// gone or already empty completes the job as a no-op.
func (w Worker) ProcessJob(c context.Context, cartID uuid.UUID) error {
	c, span := otel.Tracer.Start(c, "Worker ProcessJob")
	defer span.End()
	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyTag, "Worker ProcessJob").
		Str(log.KeyCartID, cartID.String()).
		Logger()
	c = logger.WithContext(c)

	logger.Trace().Msg("starting transaction")
	tx, err := w.pool.BeginTx(c, pgx.TxOptions{})
	if err != nil {
		err = fmt.Errorf("failed starting transaction with error=%w", err)
		inErrors.HandleError(err, span)
		return err
	}
	defer func() {
		logger.Trace().Msg("rolling back transaction")
		if err := tx.Rollback(c); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			logger.Error().Err(err).Msg("failed rolling back transaction")
		}
	}()
	qtx := w.queries.WithTx(tx)

	logger.Trace().Msg("locking cart")
	cart, err := qtx.FindCartByIdForUpdate(c, cartID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			logger.Info().Msg("cart no longer exists, completing job")
			return nil
		}
		err = fmt.Errorf("failed finding cart with error=%w", err)
		inErrors.HandleError(err, span)
		return err
	}

	items, err := qtx.FindCartItems(c, cart.ID)
	if err != nil {
		err = fmt.Errorf("failed finding cart items with error=%w", err)
		inErrors.HandleError(err, span)
		return err
	}

	sessionID := cart.CheckoutSessionID
	if len(items) > 0 {
		logger.Info().Int("itemCount", len(items)).Msg("releasing cart reservations")
		ledger := inventory.New(qtx)
		if err := ledger.ReleaseAll(c, items); err != nil {
			err = fmt.Errorf("failed releasing reservations with error=%w", err)
			inErrors.HandleError(err, span)
			return err
		}
		if err := qtx.DeleteCartItems(c, cart.ID); err != nil {
			err = fmt.Errorf("failed deleting cart items with error=%w", err)
			inErrors.HandleError(err, span)
			return err
		}
		if err := qtx.UpdateCartTotals(c, cart.ID, repository.NumericFromDecimal(decimal.Zero), pgtype.Numeric{}); err != nil {
			err = fmt.Errorf("failed resetting cart totals with error=%w", err)
			inErrors.HandleError(err, span)
			return err
		}
	}
	if err := qtx.UpdateCartCheckoutSession(c, cart.ID, pgtype.Text{}); err != nil {
		err = fmt.Errorf("failed clearing checkout session with error=%w", err)
		inErrors.HandleError(err, span)
		return err
	}
	if err := qtx.UpdateCartExpiryJob(c, cart.ID, pgtype.Text{}); err != nil {
		err = fmt.Errorf("failed clearing expiry job handle with error=%w", err)
		inErrors.HandleError(err, span)
		return err
	}

	logger.Trace().Msg("committing transaction")
	if err := tx.Commit(c); err != nil {
		err = fmt.Errorf("failed committing transaction with error=%w", err)
		inErrors.HandleError(err, span)
		return err
	}

	if err := w.cache.Del(c, fmt.Sprintf(cache.KeyCartByUser, cart.UserID)).Err(); err != nil {
		logger.Error().Err(err).Msg("failed invalidating cart cache")
	}
	if sessionID.Valid {
		if err := w.guard.Invalidate(c, sessionID.String); err != nil {
			logger.Error().
				Err(err).
				Str(log.KeySessionID, sessionID.String).
				Msg("failed expiring checkout session")
		}
	}
	logger.Info().Msg("cart cleared")
	return nil
}

func (w Worker) retryOrBury(c context.Context, cartID uuid.UUID) {
	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyTag, "Worker retryOrBury").
		Logger()

	attempts, err := w.queue.Attempts(c, cartID)
	if err != nil {
		logger.Error().Err(err).Msg("failed reading job attempts")
	}
	if attempts+1 >= int64(w.cfg.MaxAttempts) {
		jobsBuried.Inc()
		logger.Error().
			Int64(log.KeyAttempt, attempts+1).
			Msg("unrecoverable clearCart job, moving to dead set")
		if err := w.queue.Bury(c, cartID); err != nil {
			logger.Error().Err(err).Msg("failed burying job")
		}
		return
	}
	backoff := w.backoff(attempts)
	attempt, err := w.queue.Retry(c, cartID, backoff)
	if err != nil {
		logger.Error().Err(err).Msg("failed rescheduling job")
		return
	}
	logger.Warn().
		Int64(log.KeyAttempt, attempt).
		Dur("backoff", backoff).
		Msg("rescheduled clearCart job")
}

const maxBackoff = 15 * time.Minute

func (w Worker) backoff(attempts int64) time.Duration {
	backoff := w.cfg.BackoffBase
	for i := int64(0); i < attempts; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}
	return backoff
}

// SweepAbandoned re-enqueues carts that still hold items past the expiry
// delay but have no scheduled job, covering jobs lost between commit and
// enqueue or dropped by the broker.
func (w Worker) SweepAbandoned(c context.Context) error {
	c, span := otel.Tracer.Start(c, "Worker SweepAbandoned")
	defer span.End()
	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyTag, "Worker SweepAbandoned").
		Logger()
	c = logger.WithContext(c)

	cutoff := time.Now().Add(-w.cfg.ExpiryDelay)
	carts, err := w.queries.FindAbandonedCarts(
		c,
		repository.TimestamptzFromTime(cutoff),
		int32(w.cfg.ClaimBatchSize),
	)
	if err != nil {
		err = fmt.Errorf("failed finding abandoned carts with error=%w", err)
		inErrors.HandleError(err, span)
		return err
	}
	for _, cart := range carts {
		scheduled, err := w.queue.Scheduled(c, cart.ID)
		if err != nil {
			inErrors.HandleError(err, span)
			return err
		}
		if scheduled {
			continue
		}
		jobID, err := w.queue.Enqueue(c, cart.ID, 0)
		if err != nil {
			inErrors.HandleError(err, span)
			return err
		}
		if err := w.queries.UpdateCartExpiryJob(c, cart.ID, repository.TextFromString(jobID)); err != nil {
			logger.Error().
				Err(err).
				Str(log.KeyCartID, cart.ID.String()).
				Msg("failed recording requeued job handle")
		}
		sweepRequeued.Inc()
		logger.Warn().
			Str(log.KeyCartID, cart.ID.String()).
			Msg("re-enqueued abandoned cart")
	}
	return nil
}
