package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jwtContext(token string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/email-connections", nil)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func Test_JWTMiddleware_Roundtrip(t *testing.T) {
	token, err := CreateToken("user-123")
	require.NoError(t, err)

	c, _ := jwtContext(token)
	var seen string
	handler := JWTMiddleware(func(c echo.Context) error {
		seen, _ = UserIDFromContext(c)
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))
	assert.Equal(t, "user-123", seen)
}

func Test_JWTMiddleware_MissingToken(t *testing.T) {
	c, _ := jwtContext("")
	handler := JWTMiddleware(func(c echo.Context) error {
		t.Fatal("handler must not run without a token")
		return nil
	})
	err := handler(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}

func Test_JWTMiddleware_GarbageToken(t *testing.T) {
	c, _ := jwtContext("not-a-jwt")
	handler := JWTMiddleware(func(c echo.Context) error { return nil })
	err := handler(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}
