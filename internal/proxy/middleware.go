package proxy

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/inkdust2021/passage/internal/metrics"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Dashboard polling is logged at debug so it does not crowd the log ring.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()
			mode := modeOf(c)

			level := slog.LevelInfo
			if mode == ModeLocal {
				level = slog.LevelDebug
			}
			target := req.URL.Path
			if mode == ModeTunnel || mode == ModeDirect || mode == ModeUpgrade {
				target = req.URL.Host
			}
			logger.Log(req.Context(), level, "request",
				"mode", mode.String(),
				"method", req.Method,
				"target", target,
				"status", statusOf(c, err),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request, labelled by dispatch mode.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			status := strconv.Itoa(statusOf(c, err))
			method := metrics.NormalizeMethod(c.Request().Method)
			mode := modeOf(c).String()
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, mode).Inc()
			m.RequestDuration.WithLabelValues(method, status, mode).Observe(duration)

			return err
		}
	}
}

// statusOf resolves the status code. When a handler returns an *echo.HTTPError the
// response has not been written yet; Echo's error handler does that later.
func statusOf(c echo.Context, err error) int {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
	}
	return c.Response().Status
}
