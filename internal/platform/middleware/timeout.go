package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on each request context and runs the handler
// on the calling goroutine. Store operations observe the deadline and report
// Indeterminate when it fires mid-write; that error, or any response the
// handler already wrote, reaches the client unchanged. A generic 504 is
// produced only when the handler gave up on the deadline without answering.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if c.Response().Committed || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return err
			}
			return echo.NewHTTPError(http.StatusGatewayTimeout, map[string]any{
				"error":     "Timeout",
				"message":   "request processing exceeded the allowed time limit",
				"retryable": true,
			})
		}
	}
}
