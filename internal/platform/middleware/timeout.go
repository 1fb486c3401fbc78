package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestTimeout sets a deadline on each request context. Handlers run on
// the request goroutine; schedule, lock and store calls inherit the deadline
// and fail once it passes, so nothing commits after the caller was told to
// retry. A handler error caused by the deadline becomes a 504.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return echomw.ContextTimeoutWithConfig(echomw.ContextTimeoutConfig{
		Timeout:      timeout,
		ErrorHandler: gatewayTimeoutError,
	})
}

func gatewayTimeoutError(err error, c echo.Context) error {
	if !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if c.Response().Committed {
		return nil
	}
	return c.JSON(http.StatusGatewayTimeout, map[string]string{
		"error":  "request processing exceeded the allowed time limit",
		"remedy": "try_again_later",
	})
}
