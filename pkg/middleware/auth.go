package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"lastpush.com/pkg/common"
	"lastpush.com/pkg/xerr"
)

const HeaderWatcherToken = "X-Watcher-Token"

// AuthConfig verifies the bearer credential issued by the session service.
type AuthConfig struct {
	Secret []byte
	Issuer string
	Leeway time.Duration
}

// Auth requires an HS256 bearer token whose subject is the numeric account id.
func Auth(cfg AuthConfig) gin.HandlerFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		raw, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			unauthorized(c, "missing bearer token")
			return
		}
		var claims jwt.RegisteredClaims
		_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return cfg.Secret, nil
		})
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			unauthorized(c, msg)
			return
		}
		accountID, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil || accountID <= 0 {
			unauthorized(c, "invalid subject")
			return
		}
		c.Set(common.CtxKeyAccountID, accountID)
		c.Next()
	}
}

// WatcherToken guards the chain-watcher callbacks with a shared secret.
func WatcherToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderWatcherToken)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			unauthorized(c, "invalid watcher token")
			return
		}
		c.Next()
	}
}

func bearer(h string) (string, bool) {
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func unauthorized(c *gin.Context, msg string) {
	common.Fail(c, http.StatusUnauthorized, xerr.Unauthorized, msg, nil)
	c.Abort()
}
