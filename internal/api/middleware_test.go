package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{name: "no header returns empty", header: "", expected: ""},
		{name: "well-formed bearer token", header: "Bearer abc.def.ghi", expected: "abc.def.ghi"},
		{name: "case-insensitive scheme", header: "bearer abc.def.ghi", expected: "abc.def.ghi"},
		{name: "missing scheme returns empty", header: "abc.def.ghi", expected: ""},
		{name: "wrong scheme returns empty", header: "Basic abc.def.ghi", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = req

			assert.Equal(t, tt.expected, extractBearerToken(c))
		})
	}
}

func TestRequireBearerAuth(t *testing.T) {
	secret := []byte("test-secret")
	validToken := signHS256(t, secret, time.Now().Add(time.Hour))
	expiredToken := signHS256(t, secret, time.Now().Add(-time.Hour))

	tests := []struct {
		name       string
		authHeader string
		expectCode int
	}{
		{name: "missing token rejected", authHeader: "", expectCode: http.StatusUnauthorized},
		{name: "malformed token rejected", authHeader: "Bearer not-a-jwt", expectCode: http.StatusUnauthorized},
		{name: "expired token rejected", authHeader: "Bearer " + expiredToken, expectCode: http.StatusUnauthorized},
		{name: "valid token accepted", authHeader: "Bearer " + validToken, expectCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			engine := gin.New()
			engine.Use(RequireBearerAuth(secret))
			engine.GET("/protected", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, req)

			assert.Equal(t, tt.expectCode, w.Code)
		})
	}
}

func signHS256(t *testing.T, secret []byte, expiry time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "test-user",
		"exp": expiry.Unix(),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}
