package proxy

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/elazarl/goproxy"
	"github.com/labstack/echo/v4"

	"github.com/inkdust2021/passage/internal/headers"
	"github.com/inkdust2021/passage/internal/tunnel"
)

// slogPrintf adapts slog to goproxy's Printf logger.
type slogPrintf struct{ logger *slog.Logger }

func (l slogPrintf) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

// newUpstreamTransport is shared by the direct relay and the fetch engine. It dials
// with the Dialer attached to each request's context and trusts any upstream
// certificate.
func newUpstreamTransport() *http.Transport {
	return &http.Transport{
		Proxy:              nil,
		DialContext:        tunnel.DialContext,
		DisableCompression: true,
		ForceAttemptHTTP2:  false,
		TLSNextProto:       make(map[string]func(string, *tls.Conn) http.RoundTripper),
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // documented trust-all upstream policy
		},
		MaxIdleConnsPerHost: 16,
	}
}

// newDirectRelay builds the goproxy engine that forwards absolute-URI requests.
func newDirectRelay(tr *http.Transport, logger *slog.Logger) *goproxy.ProxyHttpServer {
	p := goproxy.NewProxyHttpServer()
	p.Tr = tr
	p.Verbose = false
	p.KeepHeader = true
	p.Logger = slogPrintf{logger: logger}

	p.OnRequest().DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		// origin-changing semantics: upstream sees its own host
		req.Host = req.URL.Host
		req.RequestURI = ""
		headers.ForRelay(req.Header)
		return req, nil
	})

	p.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		if resp != nil || ctx.Error == nil {
			return resp
		}
		logger.Warn("direct relay failed", "target", ctx.Req.URL.Host, "err", ctx.Error)
		return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, http.StatusInternalServerError,
			"Proxy error: "+ctx.Error.Error())
	})

	return p
}

// handleDirect forwards an absolute-URI request through the goproxy engine.
func (s *Server) handleDirect(c echo.Context) error {
	r := c.Request()
	s.logger.Debug("direct relay", "component", "direct", "method", r.Method, "target", r.URL.Host)
	s.direct.ServeHTTP(c.Response(), r)
	return nil
}
