package middleware

import (
	"net/http"
	"time"

	"github.com/inboxlane/mailsync/db"
	"github.com/inboxlane/mailsync/pkg/logger"
	"github.com/inboxlane/mailsync/pkg/utils"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
)

const (
	DbContextKey   = "__db"
	UserContextKey = "__user_id"
)

var (
	JwtSecretKey    = "your-secret-key"
	TokenExpiration = 24 * time.Hour
)

// InitializeAllMiddleware sets up the middleware chain for the Echo server.
func InitializeAllMiddleware(e *echo.Echo, store *db.PostgresDb) {
	if utils.GetEnvWithKey("HTTP_LOGGING") == "true" {
		e.Use(echomiddleware.Logger())
	}
	e.Use(echomiddleware.Recover())
	e.Use(TraceIDMiddleware())
	e.Use(MonkitMiddleware())
	e.Use(DBMiddleware(store))
	e.Use(echomiddleware.CORS())
}

func DBMiddleware(store *db.PostgresDb) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(DbContextKey, store)
			return next(c)
		}
	}
}

// StoreFromContext returns the store injected by DBMiddleware.
func StoreFromContext(c echo.Context) *db.PostgresDb {
	return c.Get(DbContextKey).(*db.PostgresDb)
}

// JWTMiddleware authenticates the request and stashes the token's user id
// for the handlers. Every user-scoped route sits behind it.
func JWTMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.Request().Header.Get("Authorization")
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing JWT token")
		}

		jwtToken, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			return []byte(JwtSecretKey), nil
		})
		if err != nil || !jwtToken.Valid {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}

		claims, ok := jwtToken.Claims.(jwt.MapClaims)
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
		}
		userID, _ := claims["sub"].(string)
		if userID == "" {
			userID, _ = claims["user_id"].(string)
		}
		if userID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "token carries no user id")
		}

		c.Set(UserContextKey, userID)
		return next(c)
	}
}

// UserIDFromContext returns the authenticated user id set by JWTMiddleware.
func UserIDFromContext(c echo.Context) (string, bool) {
	userID, ok := c.Get(UserContextKey).(string)
	return userID, ok && userID != ""
}

// CreateToken issues a signed JWT for the given user id; test helpers and
// the local development login use it.
func CreateToken(userID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(TokenExpiration).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(JwtSecretKey))
}

func TraceIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			traceID := uuid.New().String()
			c.Set("trace_id", traceID)

			ctx := logger.WithTraceID(c.Request().Context(), traceID)
			c.SetRequest(c.Request().WithContext(ctx))

			start := time.Now()
			err = next(c)

			logger.Debug(ctx, "request completed",
				logger.String("method", c.Request().Method),
				logger.String("path", c.Request().URL.Path),
				logger.Int("status", c.Response().Status),
				logger.Duration("duration", time.Since(start)),
			)
			return err
		}
	}
}
