package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	monkit "github.com/spacemonkeygo/monkit/v3"
)

var monkitRegistry = monkit.Default

// MonkitMiddleware records per-request metrics: duration, counts, response
// size, and error counts, tagged with method, normalized path, and status.
func MonkitMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			method := c.Request().Method
			path := sanitizePath(c.Request().URL.Path)

			err := next(c)

			duration := time.Since(start)
			statusCode := c.Response().Status
			responseSize := c.Response().Size

			pkg := monkitRegistry.Package()
			baseTags := []monkit.SeriesTag{
				monkit.NewSeriesTag("method", method),
				monkit.NewSeriesTag("path", path),
				monkit.NewSeriesTag("status_code", strconv.Itoa(statusCode)),
				monkit.NewSeriesTag("status_class", statusClass(statusCode)),
			}

			pkg.FloatVal("http_request_duration_seconds", baseTags...).Observe(duration.Seconds())
			pkg.Counter("http_requests_total", baseTags...).Inc(1)
			pkg.FloatVal("http_response_size_bytes", baseTags...).Observe(float64(responseSize))

			if err != nil {
				errorTags := append(baseTags, monkit.NewSeriesTag("error_type", errorType(err)))
				pkg.Counter("http_request_errors_total", errorTags...).Inc(1)
			}

			return err
		}
	}
}

func statusClass(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func errorType(err error) string {
	if httpErr, ok := err.(*echo.HTTPError); ok {
		switch httpErr.Code {
		case 400:
			return "bad_request"
		case 401:
			return "unauthorized"
		case 403:
			return "forbidden"
		case 404:
			return "not_found"
		case 409:
			return "conflict"
		case 500:
			return "internal_server_error"
		default:
			return "http_error"
		}
	}
	return "unknown_error"
}

// sanitizePath collapses dynamic segments so each route maps to one metric
// series. Job and connection ids would otherwise explode the cardinality.
func sanitizePath(path string) string {
	if idx := strings.Index(path, "?"); idx != -1 {
		path = path[:idx]
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}

	parts := strings.Split(path, "/")
	for i, part := range parts {
		if isUUID(part) || isNumeric(part) {
			parts[i] = "{id}"
			continue
		}
		if part != "" && !isStaticRoutePart(part) {
			parts[i] = "{name}"
		}
	}
	return strings.Join(parts, "/")
}

func isUUID(s string) bool {
	return len(s) == 36 && strings.Count(s, "-") == 4
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func isStaticRoutePart(part string) bool {
	staticParts := map[string]bool{
		"email-connections": true, "sync": true, "sync-settings": true,
		"full": true, "incremental": true, "on-demand": true, "status": true,
		"cancel": true, "history": true, "workers": true, "webhooks": true,
		"gmail": true, "health": true, "metrics": true,
	}
	return staticParts[part]
}
