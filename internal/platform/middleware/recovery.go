package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const panicStackSize = 4096

// Recovery turns a handler panic into a 500 carrying the standard error body.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				stack := make([]byte, panicStackSize)
				stack = stack[:runtime.Stack(stack, false)]

				clinicID, _ := c.Get("clinic_id").(string)
				requestID, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", requestID).
					Str("clinic_id", clinicID).
					Str("method", c.Request().Method).
					Str("path", c.Path()).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", stack).
					Msg("handler panicked")

				err = echo.NewHTTPError(http.StatusInternalServerError, map[string]any{
					"error":     "Internal",
					"message":   "internal server error",
					"retryable": false,
				})
			}()
			return next(c)
		}
	}
}
