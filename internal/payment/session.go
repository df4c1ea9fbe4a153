// Package payment guards externally issued checkout sessions: once the
// priced contents a session referenced change, the session must not be
// honored, so it is expired at the gateway best-effort.
package payment

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	inErrors "github.com/lazuardy/storefront/internal/errors"
	inHttp "github.com/lazuardy/storefront/internal/http"
	"github.com/lazuardy/storefront/internal/log"
	"github.com/lazuardy/storefront/internal/otel"
)

type SessionGuard struct {
	gatewayURL string
}

func NewSessionGuard(gatewayURL string) SessionGuard {
	return SessionGuard{gatewayURL: gatewayURL}
}

// Invalidate asks the gateway to expire the session. Callers treat a
// failure as non-fatal: the session id has already been cleared from the
// cart, so a stale session can no longer be re-issued from our side.
func (g SessionGuard) Invalidate(c context.Context, sessionID string) error {
	c, span := otel.Tracer.Start(c, "SessionGuard Invalidate")
	defer span.End()

	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyTag, "SessionGuard Invalidate").
		Str(log.KeySessionID, sessionID).
		Logger()

	reqURL := fmt.Sprintf("%s/checkout-sessions/%s/expire", g.gatewayURL, sessionID)
	req, err := http.NewRequestWithContext(c, http.MethodPost, reqURL, nil)
	if err != nil {
		err = fmt.Errorf("failed creating session expire request with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return err
	}
	req.Header.Add(inHttp.KeyHeaderRequestID, log.RequestIDFromContext(c))

	resp, err := otelhttp.DefaultClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed expiring checkout session with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		err = fmt.Errorf("payment gateway returned status code=%d", resp.StatusCode)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return err
	}
	logger.Info().Msg("expired checkout session")
	return nil
}
