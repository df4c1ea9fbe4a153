package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	testRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/lazuardy/storefront/internal/config"
	"github.com/lazuardy/storefront/internal/coupon"
	"github.com/lazuardy/storefront/internal/payment"
	"github.com/lazuardy/storefront/internal/repository"
	"github.com/lazuardy/storefront/internal/scheduler"
)

type testDeps struct {
	redis          *redis.Client
	pool           *pgxpool.Pool
	pgContainer    *postgres.PostgresContainer
	redisContainer *testRedis.RedisContainer
	queries        *repository.Queries
	queue          scheduler.Queue
	service        *CartService
	worker         scheduler.Worker
}

type (
	setupFunc    func(c context.Context, couponURL string, seedPaths ...string) testDeps
	teardownFunc func(deps testDeps)
)

func workerConfig() config.Worker {
	return config.Worker{
		ExpiryDelay:    30 * time.Minute,
		PollInterval:   100 * time.Millisecond,
		SweepInterval:  time.Minute,
		BackoffBase:    time.Second,
		MaxAttempts:    3,
		Concurrency:    2,
		ClaimBatchSize: 8,
	}
}

func setup(t *testing.T) setupFunc {
	return func(c context.Context, couponURL string, seedPaths ...string) testDeps {
		pgContainer, err := postgres.Run(
			c,
			"postgres:16.6-alpine3.21",
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_DB":       "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_PORT":     "5432",
				"POSTGRES_USER":     "postgres",
			}),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			postgres.WithDatabase("postgres"),
			postgres.BasicWaitStrategies(),
			postgres.WithInitScripts(
				append(
					[]string{
						filepath.Join("..", "..", "db", "migrations", "000001_create_product_tables.up.sql"),
						filepath.Join("..", "..", "db", "migrations", "000002_create_cart_tables.up.sql"),
					},
					seedPaths...)...,
			),
		)
		if err != nil {
			t.Fatalf("failed running postgres container with error: %s", err)
		}

		pgConnStr, err := pgContainer.ConnectionString(c)
		if err != nil {
			t.Fatalf("failed getting postgres connection string with error: %s", err)
		}

		pgConfig, err := pgxpool.ParseConfig(pgConnStr)
		if err != nil {
			t.Fatalf("failed parsing pgxpool config with error: %s", err)
		}

		pool, err := pgxpool.NewWithConfig(c, pgConfig)
		if err != nil {
			t.Fatalf("failed creating postgres pool with error: %s", err)
		}

		if err = pool.Ping(c); err != nil {
			t.Fatalf("failed ping postgres pool with error: %s", err)
		}

		redisContainer, err := testRedis.Run(
			c,
			"redis:7.4.2-alpine3.21",
			testRedis.WithLogLevel(testRedis.LogLevelVerbose),
		)
		if err != nil {
			t.Fatalf("failed running redis container with error: %s", err)
		}

		redisConnStr, err := redisContainer.ConnectionString(c)
		if err != nil {
			t.Fatalf("failed getting redis connection string with error: %s", err)
		}

		redisOpt, err := redis.ParseURL(redisConnStr)
		if err != nil {
			t.Fatalf("failed parsing redis connection string with error: %s", err)
		}

		redisClient := redis.NewClient(redisOpt)
		if err = redisClient.Ping(c).Err(); err != nil {
			t.Fatalf("failed ping redis client with error: %s", err)
		}

		queries := repository.New(pool)
		queue := scheduler.NewQueue(redisClient)
		guard := payment.NewSessionGuard("http://payment-gateway.invalid")
		cartService := NewCartService(
			pool,
			queries,
			redisClient,
			queue,
			coupon.NewClient(couponURL),
			guard,
			workerConfig(),
		)
		worker := scheduler.NewWorker(pool, queries, queue, guard, redisClient, workerConfig())
		return testDeps{
			redis:          redisClient,
			pool:           pool,
			pgContainer:    pgContainer,
			redisContainer: redisContainer,
			queries:        queries,
			queue:          queue,
			service:        &cartService,
			worker:         worker,
		}
	}
}

func teardown(t *testing.T) teardownFunc {
	return func(deps testDeps) {
		deps.redis.Close()
		deps.pool.Close()
		if err := deps.pgContainer.Terminate(context.Background()); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
		if err := deps.redisContainer.Terminate(context.Background()); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}
}
