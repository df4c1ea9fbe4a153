// Package coupon resolves discount codes against the external promotion
// source. An unknown or inactive code is not an error.
package coupon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	inErrors "github.com/lazuardy/storefront/internal/errors"
	inHttp "github.com/lazuardy/storefront/internal/http"
	"github.com/lazuardy/storefront/internal/log"
	"github.com/lazuardy/storefront/internal/otel"
)

type Coupon struct {
	ID         string          `json:"id"`
	Code       string          `json:"code"`
	PercentOff decimal.Decimal `json:"percentOff"`
	Active     bool            `json:"active"`
}

type Client struct {
	baseURL string
}

func NewClient(baseURL string) Client {
	return Client{baseURL: baseURL}
}

// FindActiveByCode returns the active coupon for code, or nil when the
// code is unknown or inactive.
func (cl Client) FindActiveByCode(c context.Context, code string) (*Coupon, error) {
	c, span := otel.Tracer.Start(c, "CouponClient FindActiveByCode")
	defer span.End()

	logger := zerolog.Ctx(c).
		With().
		Str(log.KeyTag, "CouponClient FindActiveByCode").
		Str(log.KeyCouponCode, code).
		Logger()

	reqURL := fmt.Sprintf("%s/promotion-codes?code=%s", cl.baseURL, url.QueryEscape(code))
	req, err := http.NewRequestWithContext(c, http.MethodGet, reqURL, nil)
	if err != nil {
		err = fmt.Errorf("failed creating coupon lookup request with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return nil, err
	}
	req.Header.Add(inHttp.KeyHeaderRequestID, log.RequestIDFromContext(c))

	resp, err := otelhttp.DefaultClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed looking up couponCode=%s with error=%w", code, err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		logger.Info().Msgf("couponCode=%s not found", code)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("coupon source returned status code=%d", resp.StatusCode)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return nil, err
	}

	body := struct {
		Data []Coupon `json:"data"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		err = fmt.Errorf("failed decoding coupon response with error=%w", err)
		inErrors.HandleError(err, span)
		logger.Error().Err(err).Msg(err.Error())
		return nil, err
	}

	for _, coupon := range body.Data {
		if coupon.Code == code && coupon.Active {
			logger.Info().Msgf("found active couponCode=%s", code)
			return &coupon, nil
		}
	}
	logger.Info().Msgf("couponCode=%s is unknown or inactive", code)
	return nil, nil
}
