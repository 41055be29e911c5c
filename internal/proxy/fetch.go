package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/inkdust2021/passage/internal/canon"
	"github.com/inkdust2021/passage/internal/config"
	"github.com/inkdust2021/passage/internal/decompress"
	"github.com/inkdust2021/passage/internal/headers"
	"github.com/inkdust2021/passage/internal/metrics"
	"github.com/inkdust2021/passage/internal/rewrite"
)

const (
	payloadHTML  = "html"
	payloadFont  = "font"
	payloadOther = "other"

	outcomeRewritten = "rewritten"
	outcomeStreamed  = "streamed"
	outcomeError     = "error"
)

// Fetcher is the fetch-rewrite engine behind <entry>?url=. It fetches the target on
// the server side and rewrites HTML so navigation keeps going through the proxy.
type Fetcher struct {
	transport *http.Transport
	client    *http.Client
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// NewRewriter builds the HTML rewriter for one response.
	NewRewriter func(p canon.Proxifier) rewrite.Rewriter
}

// NewFetcher creates a Fetcher. Redirects are handed back to the client and bodies
// are never decompressed by the transport.
func NewFetcher(m *metrics.Metrics, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	tr := newUpstreamTransport()
	return &Fetcher{
		transport: tr,
		client: &http.Client{
			Transport: tr,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		metrics: m,
		logger:  logger.With("component", "fetch"),
		NewRewriter: func(p canon.Proxifier) rewrite.Rewriter {
			return rewrite.NewRegex(p)
		},
	}
}

// Transport returns the upstream transport, shared with the direct relay.
func (f *Fetcher) Transport() *http.Transport {
	return f.transport
}

// Handle serves one fetch-rewrite request with the configuration snapshot cfg.
func (f *Fetcher) Handle(c echo.Context, cfg config.Config) error {
	r := c.Request()

	raw := r.URL.Query().Get("url")
	if strings.TrimSpace(raw) == "" {
		f.count(payloadOther, outcomeError)
		return f.writeError(c, &ClientError{Msg: "missing url parameter"})
	}
	target, err := canon.Target(canon.Normalize(raw))
	if err != nil {
		f.count(payloadOther, outcomeError)
		return f.writeError(c, &ClientError{Msg: "invalid url parameter", Err: err})
	}

	var body io.Reader = http.NoBody
	if r.Body != nil && r.ContentLength != 0 {
		body = r.Body
	}
	up, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		f.count(payloadOther, outcomeError)
		return f.writeError(c, &ClientError{Msg: "cannot build upstream request", Err: err})
	}
	up.ContentLength = r.ContentLength
	if body == http.NoBody {
		up.ContentLength = 0
	}
	up.Header = headers.ForFetch(r.Header)

	start := time.Now()
	resp, err := f.client.Do(up)
	f.metrics.UpstreamDuration.WithLabelValues(ModeFetch.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		f.count(payloadOther, outcomeError)
		return f.writeError(c, &UpstreamError{Target: target.Host, Err: err})
	}
	defer resp.Body.Close()
	f.metrics.UpstreamResponses.WithLabelValues(ModeFetch.String(), strconv.Itoa(resp.StatusCode)).Inc()

	p := canon.Proxifier{EntryPath: cfg.Rewrite.EntryPath, Tracking: cfg.Rewrite.TrackingParams}
	headers.RewriteResponse(resp.Header, target, p, cfg.Rewrite.OverrideRefererOrigin)

	contentType := resp.Header.Get("Content-Type")
	encoding := resp.Header.Get("Content-Encoding")
	kind := payloadKind(contentType, target.Path)
	logger := f.logger.With("method", r.Method, "target", target.Host, "status", resp.StatusCode)

	if kind != payloadHTML || !hasBody(r.Method, resp) || !decompress.Supported(encoding) {
		if kind == payloadHTML && !decompress.Supported(encoding) {
			logger.Debug("html with unknown encoding streamed as-is", "encoding", encoding)
		}
		n, err := stream(c.Response(), resp)
		if err != nil {
			f.count(kind, outcomeError)
			logger.Warn("stream aborted", "bytes", n, "err", err)
			return nil
		}
		f.count(kind, outcomeStreamed)
		logger.Debug("streamed", "kind", kind, "bytes", n)
		return nil
	}

	limit := cfg.Rewrite.MaxHTMLBytes
	if limit <= 0 {
		limit = rewrite.DefaultMaxHTMLBytes
	}
	buf, err := rewrite.ReadBody(resp.Body, limit)
	if err != nil {
		f.count(kind, outcomeError)
		if errors.Is(err, rewrite.ErrBodyTooLarge) {
			return f.writeError(c, err)
		}
		return f.writeError(c, &UpstreamError{Target: target.Host, Err: fmt.Errorf("read body: %w", err)})
	}
	doc, err := decompress.Bytes(buf, encoding, int(limit))
	if err != nil {
		f.count(kind, outcomeError)
		return f.writeError(c, &DecodeError{Encoding: encoding, Err: err})
	}

	out := f.NewRewriter(p).Rewrite(doc, &rewrite.Context{
		Target:          target,
		Header:          resp.Header,
		ContentEncoding: encoding,
		ContentType:     contentType,
	})
	headers.MarkRewritten(resp.Header, len(out))

	w := c.Response()
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(out); err != nil {
		f.count(kind, outcomeError)
		logger.Warn("write rewritten document", "err", err)
		return nil
	}
	f.count(kind, outcomeRewritten)
	logger.Debug("rewritten", "bytes_in", len(buf), "bytes_out", len(out))
	return nil
}

// Probe issues a GET to target with the fetch client and returns the status code.
func (f *Fetcher) Probe(ctx context.Context, target string) (int, error) {
	u, err := canon.Target(strings.TrimSpace(target))
	if err != nil {
		return 0, &ClientError{Msg: "invalid target", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return 0, &ClientError{Msg: "invalid target", Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, &UpstreamError{Target: u.Host, Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func (f *Fetcher) count(kind, outcome string) {
	f.metrics.FetchTotal.WithLabelValues(kind, outcome).Inc()
}

func payloadKind(contentType, urlPath string) string {
	switch {
	case rewrite.IsFont(contentType, urlPath):
		return payloadFont
	case rewrite.IsHTML(contentType):
		return payloadHTML
	}
	return payloadOther
}

// hasBody reports whether resp can carry a body worth rewriting.
func hasBody(method string, resp *http.Response) bool {
	if method == http.MethodHead || resp.ContentLength == 0 {
		return false
	}
	switch {
	case resp.StatusCode >= 100 && resp.StatusCode < 200,
		resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotModified:
		return false
	}
	return true
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
}

// stream writes resp to w unchanged, flushing after every chunk so event streams and
// long downloads are not held back.
func stream(w *echo.Response, resp *http.Response) (int64, error) {
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
