package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"strconv"

	"auction-monitor/internal/domain"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

var ErrInvalidToken = errors.New("invalid token")

// StaticTokenVerifier accepts a fixed set of configured tokens.
type StaticTokenVerifier struct {
	tokens [][]byte
}

func NewStaticTokenVerifier(tokens []string) *StaticTokenVerifier {
	v := &StaticTokenVerifier{}
	for _, t := range tokens {
		if t != "" {
			v.tokens = append(v.tokens, []byte(t))
		}
	}
	return v
}

// Verify implements domain.TokenVerifier. With no tokens configured every
// client is accepted as "anonymous".
func (v *StaticTokenVerifier) Verify(_ context.Context, token string) (string, error) {
	if len(v.tokens) == 0 {
		return "anonymous", nil
	}
	for i, t := range v.tokens {
		if subtle.ConstantTimeCompare(t, []byte(token)) == 1 {
			return "token-" + strconv.Itoa(i+1), nil
		}
	}
	return "", domain.NewAuthenticationError(ErrInvalidToken)
}

// KeyAuth guards the REST surface with the same tokens as the client channel.
func KeyAuth(verifier domain.TokenVerifier) echo.MiddlewareFunc {
	return echomw.KeyAuthWithConfig(echomw.KeyAuthConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health"
		},
		Validator: func(key string, c echo.Context) (bool, error) {
			subject, err := verifier.Verify(c.Request().Context(), key)
			if err != nil {
				return false, nil
			}
			c.Set("subject", subject)
			return true, nil
		},
	})
}
