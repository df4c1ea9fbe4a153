package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lazuardy/storefront/internal/config"
	"github.com/lazuardy/storefront/internal/constants"
	inErrors "github.com/lazuardy/storefront/internal/errors"
	"github.com/lazuardy/storefront/internal/infra"
	"github.com/lazuardy/storefront/internal/log"
	"github.com/lazuardy/storefront/internal/otel"
	"github.com/lazuardy/storefront/internal/payment"
	"github.com/lazuardy/storefront/internal/repository"
	"github.com/lazuardy/storefront/internal/scheduler"
)

func RunExpiryWorker(c context.Context) {
	c, span := otel.Tracer.Start(c, "RunExpiryWorker")
	defer span.End()

	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyAppName, constants.AppExpiryWorker).
		Str(log.KeyTag, "main RunExpiryWorker").
		Logger()

	logger = logger.With().Str(log.KeyProcess, "init config").Logger()
	logger.Info().Msg("initializing config")
	c = logger.WithContext(c)
	cfg := config.InitConfig(c, constants.AppCartService)
	logger = logger.With().Any(log.KeyConfig, cfg).Logger()
	logger.Info().Msg("initialized config")

	logger = logger.With().Str(log.KeyProcess, "initializing otel sdk").Logger()
	logger.Info().Msg("initializing otel sdk")
	c = logger.WithContext(c)
	otelShutdowns, err := otel.InitOtelSdk(c, constants.AppExpiryWorker, cfg.Otel)
	if err != nil {
		err = fmt.Errorf("failed initializing otel sdk with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return
	}
	defer func() {
		logger.Info().Msg("shutting down otel")
		c = logger.WithContext(c)
		if err := otel.ShutdownOtel(c, otelShutdowns); err != nil {
			err = fmt.Errorf("failed shutting down otel with error=%w", err)
			inErrors.HandleError(err, span)
			logger.Error().Err(err).Msg(err.Error())
			return
		}
		logger.Info().Msg("shutdown otel")
	}()
	logger.Info().Msg("initialized otel sdk")

	logger = logger.With().Str(log.KeyProcess, "initializing database").Logger()
	logger.Info().Msg("initializing database")
	c = logger.WithContext(c)
	pool := infra.NewDatabaseClient(c, cfg.Database)
	defer func() {
		logger.Info().Msg("shutting down database")
		pool.Close()
		logger.Info().Msg("shutdown database")
	}()
	logger.Info().Msg("initialized database")

	logger = logger.With().Str(log.KeyProcess, "initializing cache").Logger()
	logger.Info().Msg("initializing cache")
	c = logger.WithContext(c)
	cache := infra.NewCacheClient(c, cfg.Cache)
	defer func() {
		logger.Info().Msg("shutting down cache")
		if err := cache.Close(); err != nil {
			err = fmt.Errorf("failed shutting down cache with error=%w", err)
			inErrors.HandleError(err, span)
			logger.Error().Err(err).Msg(err.Error())
			return
		}
		logger.Info().Msg("shutdown cache")
	}()
	logger.Info().Msg("initialized cache")

	logger = logger.With().Str(log.KeyProcess, "initializing metrics server").Logger()
	logger.Info().Msg("initializing metrics server")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Application.Host, cfg.Application.Port),
		Handler:      metricsMux,
		ReadTimeout:  45 * time.Second,
		WriteTimeout: 45 * time.Second,
	}
	go func() {
		logger := logger.With().Str(log.KeyProcess, "start metrics server").Logger()
		logger.Info().Msgf("start listening request at %s", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			err = fmt.Errorf("error=%w occured while metrics server is running", err)
			inErrors.HandleError(err, span)
			logger.Error().Err(err).Msg(err.Error())
		}
	}()
	logger.Info().Msg("initialized metrics server")

	logger = logger.With().Str(log.KeyProcess, "starting worker").Logger()
	logger.Info().Msg("starting worker")
	queries := repository.New(pool)
	queue := scheduler.NewQueue(cache)
	guard := payment.NewSessionGuard(cfg.Payment.GatewayURL)
	worker := scheduler.NewWorker(pool, queries, queue, guard, cache, cfg.Worker)
	c = logger.WithContext(c)
	if err := worker.Run(c); err != nil && !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("error=%w occured while worker is running", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
	}

	logger = logger.With().Str(log.KeyProcess, "shutting down metrics server").Logger()
	logger.Info().Msg("shutting down metrics server")
	if err := metricsServer.Shutdown(context.Background()); err != nil {
		err = fmt.Errorf("failed shutting down metrics server with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return
	}
	logger.Info().Msg("shutdown metrics server")
}
