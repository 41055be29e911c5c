package proxy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/net/http/httpguts"

	"github.com/inkdust2021/passage/internal/admin"
	"github.com/inkdust2021/passage/internal/config"
	"github.com/inkdust2021/passage/internal/tunnel"
)

// Mode is how one inbound request is served.
type Mode int

const (
	ModeInvalid Mode = iota
	ModeTunnel
	ModeUpgrade
	ModeRejectUpgrade
	ModeDirect
	ModeFetch
	ModeLocal
)

func (m Mode) String() string {
	switch m {
	case ModeTunnel:
		return "tunnel"
	case ModeUpgrade:
		return "upgrade"
	case ModeRejectUpgrade:
		return "reject_upgrade"
	case ModeDirect:
		return "direct"
	case ModeFetch:
		return "fetch"
	case ModeLocal:
		return "local"
	default:
		return "invalid"
	}
}

// badRequestFormat is the body of the 400 sent for requests no mode accepts.
const badRequestFormat = "Bad request: this server only accepts proxy requests (absolute-URI, CONNECT, or %s?url=...)"

const (
	ctxKeyMode   = "passage.mode"
	ctxKeyConfig = admin.ContextKeyConfig
)

// Classify picks the mode for r. It does not look at anything but the request line
// and headers.
func Classify(r *http.Request, entryPath, metricsPath string) Mode {
	if r.Method == http.MethodConnect {
		return ModeTunnel
	}
	if isUpgrade(r) {
		if isAbsoluteHTTP(r) {
			return ModeUpgrade
		}
		return ModeRejectUpgrade
	}
	if isAbsoluteHTTP(r) {
		return ModeDirect
	}
	if r.URL.Path == entryPath {
		return ModeFetch
	}
	if admin.IsLocalPath(r.URL.Path, entryPath, metricsPath) {
		return ModeLocal
	}
	return ModeInvalid
}

func isUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != "" && httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade")
}

// isAbsoluteHTTP reports whether the request line carried an absolute http(s) URI.
func isAbsoluteHTTP(r *http.Request) bool {
	if r.URL == nil || r.URL.Host == "" {
		return false
	}
	switch strings.ToLower(r.URL.Scheme) {
	case "http", "https":
		return true
	}
	return false
}

// Dispatch is the Pre middleware that takes the configuration snapshot for the request
// and hands it to the selected mode. Local paths continue to the router.
func (s *Server) Dispatch() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cfg := s.config.Get()
			r := c.Request()
			mode := Classify(r, cfg.Rewrite.EntryPath, admin.MetricsPath(cfg))

			c.Set(ctxKeyMode, mode)
			c.Set(ctxKeyConfig, cfg)
			c.SetRequest(r.WithContext(tunnel.WithDialer(r.Context(), dialerFor(cfg))))

			switch mode {
			case ModeTunnel:
				return s.handleConnect(c, cfg)
			case ModeUpgrade:
				return s.handleUpgrade(c, cfg)
			case ModeRejectUpgrade:
				return s.rejectUpgrade(c)
			case ModeDirect:
				return s.handleDirect(c)
			case ModeFetch:
				return s.fetch.Handle(c, cfg)
			case ModeLocal:
				return next(c)
			default:
				return c.String(http.StatusBadRequest, badRequestBody(cfg.Rewrite.EntryPath))
			}
		}
	}
}

func badRequestBody(entryPath string) string {
	return fmt.Sprintf(badRequestFormat, entryPath)
}

func dialerFor(cfg config.Config) tunnel.Dialer {
	return tunnel.Dialer{Timeout: cfg.Upstream.Timeout(), SOCKS5: cfg.Upstream.SOCKS5}
}

// modeOf returns the mode Dispatch stored on c.
func modeOf(c echo.Context) Mode {
	m, _ := c.Get(ctxKeyMode).(Mode)
	return m
}
