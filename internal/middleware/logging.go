// Package middleware provides Echo middleware for logging, security and metrics.
package middleware

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// For proxy requests the target host is logged as its own attribute; the raw
// url parameter is caller-controlled and stays out of the log line.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if raw := c.QueryParam("url"); raw != "" {
				if u, uerr := url.Parse(raw); uerr == nil && u.Host != "" {
					attrs = append(attrs, "target_host", u.Host)
				}
			}

			logger.Info("request", attrs...)

			return err
		}
	}
}
