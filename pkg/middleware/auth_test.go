package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lastpush.com/pkg/common"
)

var secret = []byte("test-secret")

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ReqId(), Recover(), Auth(AuthConfig{Secret: secret}))
	r.GET("/me", func(c *gin.Context) {
		id, _ := common.AccountIDFromGin(c)
		common.Success(c, id)
	})
	return r
}

func TestAuth(t *testing.T) {
	r := newAuthRouter()
	valid := jwt.RegisteredClaims{Subject: "42", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	cases := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"ok", "Bearer " + sign(t, jwt.SigningMethodHS256, secret, valid), http.StatusOK, `"data":42`},
		{"missing", "", http.StatusUnauthorized, "missing bearer token"},
		{"wrong secret", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), valid), http.StatusUnauthorized, "invalid token"},
		{"expired", "Bearer " + sign(t, jwt.SigningMethodHS256, secret, jwt.RegisteredClaims{
			Subject: "42", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}), http.StatusUnauthorized, "token expired"},
		{"no exp", "Bearer " + sign(t, jwt.SigningMethodHS256, secret, jwt.RegisteredClaims{Subject: "42"}), http.StatusUnauthorized, "invalid token"},
		{"bad subject", "Bearer " + sign(t, jwt.SigningMethodHS256, secret, jwt.RegisteredClaims{
			Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}), http.StatusUnauthorized, "invalid subject"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Body.String(), tc.body)
			assert.NotEmpty(t, w.Header().Get(common.HeaderRequestID))
		})
	}
}

func TestWatcherToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(WatcherToken("s3cr3t"))
	r.POST("/cb", func(c *gin.Context) { common.Success(c, nil) })

	for _, tc := range []struct {
		token  string
		status int
	}{
		{"s3cr3t", http.StatusOK},
		{"nope", http.StatusUnauthorized},
		{"", http.StatusUnauthorized},
	} {
		req := httptest.NewRequest(http.MethodPost, "/cb", nil)
		req.Header.Set(HeaderWatcherToken, tc.token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, tc.status, w.Code, tc.token)
	}
}

func TestRecover(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recover())
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
