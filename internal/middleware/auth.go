package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lazuardy/storefront/internal/config"
	"github.com/lazuardy/storefront/internal/constants"
	inErrors "github.com/lazuardy/storefront/internal/errors"
	inHttp "github.com/lazuardy/storefront/internal/http"
	"github.com/lazuardy/storefront/internal/log"
)

type userIdKey struct{}

func UserIDFromContext(c context.Context) (uuid.UUID, error) {
	id, ok := c.Value(userIdKey{}).(uuid.UUID)
	if !ok {
		return uuid.Nil, inErrors.ErrEmptySubject
	}
	return id, nil
}

func Auth(cfg config.Application) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := zerolog.Ctx(r.Context()).
				With().
				Str(log.KeyTag, "middleware Auth").
				Logger()
			c := logger.WithContext(r.Context())

			authorization := r.Header.Get("Authorization")
			if authorization == "" {
				logger.Error().Err(inErrors.ErrEmptyAuth).Msg(inErrors.ErrEmptyAuth.Error())
				inHttp.WriteJsonResponse(c, w, map[string]string{}, map[string]interface{}{
					"status":     "failed",
					"statusCode": http.StatusUnauthorized,
					"message":    inErrors.ErrEmptyAuth.Error(),
				})
				return
			}

			token := strings.TrimPrefix(authorization, "Bearer ")
			claims := jwt.RegisteredClaims{}
			jwtToken, err := jwt.ParseWithClaims(
				token,
				&claims,
				func(t *jwt.Token) (interface{}, error) {
					return []byte(cfg.SecretKey), nil
				},
				jwt.WithAudience(constants.AudienceCustomer),
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
				jwt.WithExpirationRequired(),
				jwt.WithIssuedAt(),
			)
			if err != nil || !jwtToken.Valid {
				err = fmt.Errorf("failed parsing token with error=%w", err)
				logger.Error().Err(err).Msg(inErrors.ErrTokenInvalid.Error())
				inHttp.WriteJsonResponse(c, w, map[string]string{}, map[string]interface{}{
					"status":     "failed",
					"statusCode": http.StatusUnauthorized,
					"message":    inErrors.ErrTokenInvalid.Error(),
				})
				return
			}

			userId, err := uuid.Parse(claims.Subject)
			if err != nil {
				logger.Error().Err(err).Msg(inErrors.ErrEmptySubject.Error())
				inHttp.WriteJsonResponse(c, w, map[string]string{}, map[string]interface{}{
					"status":     "failed",
					"statusCode": http.StatusUnauthorized,
					"message":    inErrors.ErrEmptySubject.Error(),
				})
				return
			}

			c = context.WithValue(c, userIdKey{}, userId)
			next.ServeHTTP(w, r.WithContext(c))
		})
	}
}
