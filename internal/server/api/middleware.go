package api

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"satchel/internal/server/ratelimit"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// RateLimit returns an echo middleware that counts every request against
// limiter, keyed by client IP. Limiter failures let the request through.
func RateLimit(limiter ratelimit.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			d, err := limiter.Check(c.Request().Context(), ip)
			if err != nil {
				slog.Error("rate limit check failed", "policy", limiter.Policy().Name, "error", err)
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining()))

			if !d.Allowed {
				slog.Warn("rate limit exceeded", "policy", limiter.Policy().Name, "ip", ip, "count", d.Count)
				h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"error": "rate limit exceeded, try again later",
				})
			}
			return next(c)
		}
	}
}

// AdminAuth requires "Authorization: Bearer <token>". With an empty token
// every request is refused.
func AdminAuth(token string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			if token == "" {
				return false, nil
			}
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			slog.Warn("admin request rejected", "ip", c.RealIP(), "path", c.Request().URL.Path)
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
		},
	})
}

// RequestLogger returns an echo middleware that logs requests using slog.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			status := res.Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}

			slog.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
				"request_id", res.Header().Get(echo.HeaderXRequestID),
			)

			return err
		}
	}
}
