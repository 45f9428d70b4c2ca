package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// errorBody matches the visit API envelope so clients can parse middleware
// failures the same way as handler failures.
func errorBody(c echo.Context, status int, title, message string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, map[string]interface{}{
		"title":   title,
		"message": message,
		"payload": nil,
	})
}

// ErrorHandler renders every handler error in the envelope. Internal errors
// are logged and their detail withheld.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		status := http.StatusInternalServerError
		message := http.StatusText(status)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			message = http.StatusText(status)
			if m, ok := he.Message.(string); ok && status != http.StatusInternalServerError {
				message = m
			}
		}
		if status == http.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unhandled error")
		}

		if c.Request().Method == http.MethodHead {
			if !c.Response().Committed {
				_ = c.NoContent(status)
			}
			return
		}
		_ = errorBody(c, status, http.StatusText(status), message)
	}
}
