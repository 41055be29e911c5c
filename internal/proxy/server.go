// Package proxy serves both proxy modes on one listener: the forward proxy
// (absolute-URI relay, CONNECT tunnels, upgrade relay) and the fetch-rewrite proxy.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/inkdust2021/passage/internal/admin"
	"github.com/inkdust2021/passage/internal/cert"
	"github.com/inkdust2021/passage/internal/config"
	"github.com/inkdust2021/passage/internal/metrics"
)

// Server represents the proxy server
type Server struct {
	e       *echo.Echo
	config  *config.Manager
	admin   *admin.Admin
	fetch   *Fetcher
	direct  *goproxy.ProxyHttpServer
	metrics *metrics.Metrics
	logger  *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	ln   net.Listener
	done chan struct{}
}

// NewServer creates a new proxy server. With a nil adm the dashboard and API paths
// answer 404.
func NewServer(cfg *config.Manager, adm *admin.Admin, fetch *Fetcher, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if fetch == nil {
		fetch = NewFetcher(m, logger)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		admin:   adm,
		fetch:   fetch,
		metrics: m,
		logger:  logger,
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	s.direct = newDirectRelay(fetch.Transport(), logger.With("component", "direct"))
	s.e = s.newEcho()
	return s
}

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// No read/write timeouts: tunnels and relays live as long as the client keeps them.
	e.Server.ReadHeaderTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.BaseContext = func(net.Listener) context.Context { return s.baseCtx }
	e.Server.ErrorLog = slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug)

	// Pre middleware runs before routing, so every mode passes through it.
	e.Pre(echomw.Recover())
	e.Pre(RequestLogger(s.logger))
	e.Pre(MetricsMiddleware(s.metrics))
	e.Pre(s.Dispatch())

	e.Use(echomw.RequestID())

	if s.admin != nil {
		s.admin.Register(e)
	}
	return e
}

// Handler returns the HTTP handler serving every mode.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start binds the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.config.Get()
	addr := cfg.ListenAddr()

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	scheme := "http"
	if cfg.Proxy.HTTPS {
		pair, err := cert.Load(cfg.Proxy.CertFile, cfg.Proxy.KeyFile, config.GetConfigDir(), cfg.Proxy.Host)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{pair},
			// HTTP/2 cannot be hijacked for CONNECT and upgrades.
			NextProtos: []string{"http/1.1"},
			MinVersion: tls.VersionTLS12,
		})
		scheme = "https"
	}

	return s.Serve(ln, scheme)
}

// Serve serves on ln in the background. It is split from Start for tests.
func (s *Server) Serve(ln net.Listener, scheme string) error {
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.ln = ln
	s.done = make(chan struct{})
	s.mu.Unlock()

	if s.admin != nil {
		s.admin.SetStartTime(time.Now())
	}
	s.logger.Info(fmt.Sprintf("Proxy listening on port %d", s.config.Get().Proxy.Port),
		"addr", ln.Addr().String(), "dashboard", scheme+"://"+ln.Addr().String()+"/dashboard")

	go func() {
		defer close(s.done)
		if err := s.e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop shuts the server down. Hijacked tunnels are not tracked by net/http, so they
// are torn down by cancelling the base context they run under.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down server")
	err := s.e.Shutdown(ctx)
	s.cancel()

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return err
}
