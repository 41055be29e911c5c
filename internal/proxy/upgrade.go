package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/inkdust2021/passage/internal/config"
	"github.com/inkdust2021/passage/internal/headers"
	"github.com/inkdust2021/passage/internal/tunnel"
)

// handleUpgrade relays a protocol-upgrade handshake (WebSocket and friends) whose
// request line names an absolute http(s) target. After the handshake is written
// upstream both sockets are spliced; the upstream's 101 reaches the client through
// the relay. Any failure closes the client with no response.
func (s *Server) handleUpgrade(c echo.Context, _ config.Config) error {
	r := c.Request()
	target := *r.URL
	logger := s.logger.With("component", "upgrade", "target", target.Host, "upgrade", r.Header.Get("Upgrade"))

	client, head, err := hijack(c)
	if err != nil {
		logger.Error("hijack failed", "err", err)
		return c.String(http.StatusInternalServerError, "hijacking not supported")
	}

	upstream, err := dialTarget(r.Context(), target.Scheme, target.Host)
	if err != nil {
		logger.Warn("upgrade dial failed", "err", err)
		s.metrics.TunnelsTotal.WithLabelValues(kindUpgrade, "dial_error").Inc()
		c.Response().Status = http.StatusBadGateway
		_ = client.Close()
		return nil
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Host = target.Host
	out.URL.Scheme = ""
	out.URL.Host = ""
	out.Body = http.NoBody
	out.ContentLength = 0
	headers.ForUpgrade(out.Header)
	if _, ok := out.Header["User-Agent"]; !ok {
		// keep net/http from adding its own
		out.Header["User-Agent"] = []string{""}
	}

	if err := out.Write(upstream); err != nil {
		logger.Warn("upgrade handshake write failed", "err", err)
		s.metrics.TunnelsTotal.WithLabelValues(kindUpgrade, "handshake_error").Inc()
		c.Response().Status = http.StatusBadGateway
		_ = client.Close()
		_ = upstream.Close()
		return nil
	}

	s.runTunnel(c, kindUpgrade, logger, &tunnel.Tunnel{Client: client, Upstream: upstream, Head: head})
	return nil
}

// rejectUpgrade drops an upgrade attempt that has no absolute target. No response
// is written.
func (s *Server) rejectUpgrade(c echo.Context) error {
	r := c.Request()
	s.logger.Warn("upgrade rejected", "component", "upgrade", "path", r.URL.Path, "upgrade", r.Header.Get("Upgrade"))
	s.metrics.TunnelsTotal.WithLabelValues(kindUpgrade, "rejected").Inc()

	conn, _, err := c.Response().Hijack()
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	c.Response().Status = http.StatusBadRequest
	_ = conn.Close()
	return nil
}

// dialTarget connects to host for scheme, wrapping https in TLS without verifying
// the upstream certificate.
func dialTarget(ctx context.Context, scheme, host string) (net.Conn, error) {
	secure := strings.EqualFold(scheme, "https")
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := "80"
		if secure {
			port = "443"
		}
		addr = net.JoinHostPort(strings.Trim(host, "[]"), port)
	}

	conn, err := tunnel.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !secure {
		return conn, nil
	}

	serverName, _, _ := net.SplitHostPort(addr)
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true, //nolint:gosec // relay trusts any upstream certificate
		NextProtos:         []string{"http/1.1"},
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}
	return tlsConn, nil
}
