package proxy

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/inkdust2021/passage/internal/config"
	"github.com/inkdust2021/passage/internal/tunnel"
)

const (
	kindConnect = "connect"
	kindUpgrade = "upgrade"
)

// hijack takes over the client connection. head holds whatever the server had already
// read past the request headers.
func hijack(c echo.Context) (conn net.Conn, head []byte, err error) {
	conn, brw, err := c.Response().Hijack()
	if err != nil {
		return nil, nil, err
	}
	return conn, buffered(brw), nil
}

func buffered(brw *bufio.ReadWriter) []byte {
	if brw == nil {
		return nil
	}
	n := brw.Reader.Buffered()
	if n == 0 {
		return nil
	}
	b, _ := brw.Reader.Peek(n)
	return append([]byte(nil), b...)
}

// handleConnect opens a raw TCP tunnel for CONNECT host:port. A failed dial closes
// the client without a status line.
func (s *Server) handleConnect(c echo.Context, _ config.Config) error {
	r := c.Request()
	authority := r.URL.Host
	if authority == "" {
		authority = r.Host
	}
	target := tunnel.Target(authority)
	logger := s.logger.With("component", "tunnel", "target", target)

	client, head, err := hijack(c)
	if err != nil {
		logger.Error("hijack failed", "err", err)
		return c.String(http.StatusInternalServerError, "hijacking not supported")
	}

	upstream, err := tunnel.DialContext(r.Context(), "tcp", target)
	if err != nil {
		logger.Warn("connect failed", "err", err)
		s.metrics.TunnelsTotal.WithLabelValues(kindConnect, "dial_error").Inc()
		c.Response().Status = http.StatusBadGateway
		_ = client.Close()
		return nil
	}

	if _, err := client.Write([]byte(tunnel.Established)); err != nil {
		logger.Debug("client gone before tunnel start", "err", err)
		s.metrics.TunnelsTotal.WithLabelValues(kindConnect, "client_error").Inc()
		_ = client.Close()
		_ = upstream.Close()
		return nil
	}

	s.runTunnel(c, kindConnect, logger, &tunnel.Tunnel{Client: client, Upstream: upstream, Head: head})
	return nil
}

// runTunnel relays t until either side closes and records the outcome.
func (s *Server) runTunnel(c echo.Context, kind string, logger *slog.Logger, t *tunnel.Tunnel) {
	s.metrics.TunnelsActive.WithLabelValues(kind).Inc()
	defer s.metrics.TunnelsActive.WithLabelValues(kind).Dec()

	logger.Debug("tunnel established")
	stats, err := t.Run(c.Request().Context())

	result := "ok"
	if err != nil {
		result = "relay_error"
	}
	s.metrics.TunnelsTotal.WithLabelValues(kind, result).Inc()
	s.metrics.TunnelBytes.WithLabelValues(kind, "up").Add(float64(stats.Up))
	s.metrics.TunnelBytes.WithLabelValues(kind, "down").Add(float64(stats.Down))

	c.Response().Status = http.StatusOK
	c.Response().Size = stats.Down
	logger.Info("tunnel closed", "bytes_up", stats.Up, "bytes_down", stats.Down, "err", err)
}
