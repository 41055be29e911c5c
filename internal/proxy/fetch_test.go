package proxy

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/inkdust2021/passage/internal/config"
	"github.com/inkdust2021/passage/internal/metrics"
)

func fetchURL(p *testProxy, target string) string {
	return p.url + "/api/proxy?url=" + url.QueryEscape(target)
}

func noRedirect() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func get(t *testing.T, rawURL string) (*http.Response, string) {
	t.Helper()
	resp, err := noRedirect().Get(rawURL)
	if err != nil {
		t.Fatalf("GET %s: %v", rawURL, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(b)
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestFetch_RewritesHTML(t *testing.T) {
	p := newTestProxy(t, nil)
	const page = `<html><head><title>t</title></head><body><a href="http://x.test/a">a</a><img src="/img/logo.png"></body></html>`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}))
	defer upstream.Close()

	resp, body := get(t, fetchURL(p, upstream.URL+"/dir/page.html"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %q", resp.StatusCode, body)
	}
	if !strings.Contains(body, `<a href="/api/proxy?url=http%3A%2F%2Fx.test%2Fa">`) {
		t.Errorf("anchor not proxified: %s", body)
	}
	wantImg := `src="/api/proxy?url=` + url.QueryEscape(upstream.URL+"/img/logo.png") + `"`
	if !strings.Contains(body, wantImg) {
		t.Errorf("root-relative src not proxified, want %s in %s", wantImg, body)
	}
	head := strings.Index(body, "</head>")
	script := strings.Index(body, `data-passage="intercept"`)
	if script < 0 || head < 0 || script > head {
		t.Errorf("interception script not injected before </head>")
	}
	if got := resp.Header.Get("Content-Length"); got != strconv.Itoa(len(body)) {
		t.Errorf("Content-Length = %q, body is %d bytes", got, len(body))
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing Access-Control-Allow-Origin: *")
	}
	if got := resp.Header.Get("Origin"); got != upstream.URL {
		t.Errorf("Origin = %q, want %q", got, upstream.URL)
	}
}

func TestFetch_DecompressesBeforeRewrite(t *testing.T) {
	p := newTestProxy(t, nil)
	const page = `<html><head></head><body><a href="https://x.test/b">b</a></body></html>`

	encodings := map[string]func() []byte{
		"gzip": func() []byte { return gzipBytes(t, page) },
		"br": func() []byte {
			var buf bytes.Buffer
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write([]byte(page))
			_ = bw.Close()
			return buf.Bytes()
		},
	}
	for enc, encode := range encodings {
		t.Run(enc, func(t *testing.T) {
			payload := encode()
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.Header().Set("Content-Encoding", enc)
				_, _ = w.Write(payload)
			}))
			defer upstream.Close()

			resp, body := get(t, fetchURL(p, upstream.URL+"/"))
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if ce := resp.Header.Get("Content-Encoding"); ce != "" {
				t.Errorf("Content-Encoding = %q, want none", ce)
			}
			if !strings.Contains(body, `href="/api/proxy?url=https%3A%2F%2Fx.test%2Fb"`) {
				t.Errorf("body not rewritten: %s", body)
			}
		})
	}
}

func TestFetch_CorruptEncodingIs502(t *testing.T) {
	p := newTestProxy(t, nil)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("<html>definitely not gzip</html>"))
	}))
	defer upstream.Close()

	resp, body := get(t, fetchURL(p, upstream.URL+"/"))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if strings.Contains(body, "definitely not gzip") {
		t.Fatal("raw upstream bytes were forwarded")
	}
}

func TestFetch_OversizedHTMLIs502(t *testing.T) {
	p := newTestProxy(t, func(c *config.Config) { c.Rewrite.MaxHTMLBytes = 64 })
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>" + strings.Repeat("x", 1024) + "</html>"))
	}))
	defer upstream.Close()

	resp, body := get(t, fetchURL(p, upstream.URL+"/"))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if !strings.Contains(body, "too large") {
		t.Errorf("body = %q", body)
	}
}

func TestFetch_LocationRewritten(t *testing.T) {
	p := newTestProxy(t, nil)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/y?utm_source=z&keep=1", http.StatusFound)
	}))
	defer upstream.Close()

	resp, _ := get(t, fetchURL(p, upstream.URL+"/p"))
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302 handed back to the client", resp.StatusCode)
	}
	want := "/api/proxy?url=" + url.QueryEscape(upstream.URL+"/y?keep=1")
	if got := resp.Header.Get("Location"); got != want {
		t.Fatalf("Location = %q, want %q", got, want)
	}
}

func TestFetch_BinaryPassthrough(t *testing.T) {
	p := newTestProxy(t, nil)
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R', 0xff, 0x00}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write(png)
	}))
	defer upstream.Close()

	resp, body := get(t, fetchURL(p, upstream.URL+"/logo.png"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !bytes.Equal([]byte(body), png) {
		t.Fatalf("body changed: %v", []byte(body))
	}
	if resp.Header.Get("Cache-Control") != "max-age=60" || resp.Header.Get("Content-Type") != "image/png" {
		t.Errorf("unrelated headers altered: %v", resp.Header)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing Access-Control-Allow-Origin")
	}
}

func TestFetch_FontByExtensionStreamed(t *testing.T) {
	p := newTestProxy(t, nil)
	const data = `<html>not really a font</html>`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(data))
	}))
	defer upstream.Close()

	_, body := get(t, fetchURL(p, upstream.URL+"/fonts/a.woff2"))
	if body != data {
		t.Fatalf("font body altered: %q", body)
	}
}

func TestFetch_ForwardsMethodBodyAndHeaders(t *testing.T) {
	p := newTestProxy(t, nil)

	var gotMethod, gotBody, gotCookie, gotReferer, gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotCookie = r.Header.Get("Cookie")
		gotReferer = r.Header.Get("Referer")
		gotHost = r.Host
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	req, _ := http.NewRequest(http.MethodPut, fetchURL(p, upstream.URL+"/api"), strings.NewReader(`{"a":1}`))
	req.Header.Set("Cookie", "sid=1")
	req.Header.Set("Referer", "http://browser.test/page")
	resp, err := noRedirect().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if string(b) != `{"ok":true}` {
		t.Errorf("body = %q", b)
	}
	if gotMethod != http.MethodPut || gotBody != `{"a":1}` {
		t.Errorf("upstream saw %s %q", gotMethod, gotBody)
	}
	if gotCookie != "sid=1" || gotReferer != "http://browser.test/page" {
		t.Errorf("headers not forwarded: cookie=%q referer=%q", gotCookie, gotReferer)
	}
	if gotHost != strings.TrimPrefix(upstream.URL, "http://") {
		t.Errorf("upstream Host = %q", gotHost)
	}
}

func TestFetch_DoubleEncodedTarget(t *testing.T) {
	p := newTestProxy(t, nil)
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	twice := url.QueryEscape(url.QueryEscape(upstream.URL + "/deep/path"))
	resp, _ := get(t, p.url+"/api/proxy?url="+twice)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gotPath != "/deep/path" {
		t.Fatalf("upstream path = %q", gotPath)
	}
}

func TestFetch_ClientErrors(t *testing.T) {
	p := newTestProxy(t, nil)
	tests := []struct {
		name string
		url  string
	}{
		{"missing url", p.url + "/api/proxy"},
		{"empty url", p.url + "/api/proxy?url="},
		{"ftp scheme", fetchURL(p, "ftp://x.test/file")},
		{"relative", fetchURL(p, "/just/a/path")},
		{"javascript", fetchURL(p, "javascript:alert(1)")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := get(t, tt.url)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %q)", resp.StatusCode, body)
			}
			if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Errorf("content-type = %q", ct)
			}
		})
	}
}

func TestFetch_UpstreamDownIs502(t *testing.T) {
	p := newTestProxy(t, nil)

	resp, body := get(t, fetchURL(p, "http://"+closedAddr(t)+"/"))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if !strings.Contains(body, "refused") {
		t.Errorf("body = %q", body)
	}
	waitFor(t, func() bool { return p.m.Sum(metrics.NameFetchTotal) == 1 })
}

func TestFetch_HeadNotRewritten(t *testing.T) {
	p := newTestProxy(t, nil)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Length", "1234")
	}))
	defer upstream.Close()

	resp, err := noRedirect().Head(fetchURL(p, upstream.URL+"/"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Length") != "1234" {
		t.Errorf("Content-Length = %q, want upstream value", resp.Header.Get("Content-Length"))
	}
}

func TestProbe(t *testing.T) {
	p := newTestProxy(t, nil)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer upstream.Close()

	status, err := p.srv.fetch.Probe(t.Context(), upstream.URL)
	if err != nil || status != http.StatusAccepted {
		t.Fatalf("Probe = %d, %v", status, err)
	}
	if _, err := p.srv.fetch.Probe(t.Context(), "not a url"); err == nil {
		t.Fatal("expected error for invalid target")
	}
}
