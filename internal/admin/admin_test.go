package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/inkdust2021/passage/internal/config"
	plog "github.com/inkdust2021/passage/internal/log"
	"github.com/inkdust2021/passage/internal/metrics"
)

type stubProber struct {
	status int
	err    error
	got    string
}

func (p *stubProber) Probe(_ context.Context, target string) (int, error) {
	p.got = target
	return p.status, p.err
}

type fixture struct {
	e      *echo.Echo
	admin  *Admin
	cfg    *config.Manager
	ring   *plog.Ring
	m      *metrics.Metrics
	prober *stubProber
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	f := &fixture{
		e:      echo.New(),
		cfg:    cfg,
		ring:   plog.NewRing(10),
		m:      metrics.New(),
		prober: &stubProber{status: http.StatusOK},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.admin = New(cfg, f.ring, f.m, f.prober, logger)
	f.admin.Register(f.e)
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader = http.NoBody
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/", "/dashboard"} {
		rec := f.do(http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
		if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s: content-type = %q", path, ct)
		}
		if !strings.Contains(rec.Body.String(), "/public/app.js") {
			t.Errorf("%s: dashboard does not load app.js", path)
		}
	}
}

func TestPublicAssets(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/public/app.js", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.Contains(ct, "javascript") {
		t.Errorf("content-type = %q", ct)
	}

	if rec := f.do(http.MethodGet, "/public/missing.js", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing asset status = %d, want 404", rec.Code)
	}
}

func TestGetConfig(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body ConfigResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Target != config.DefaultTarget || body.Port != config.DefaultPort || body.HTTPS {
		t.Errorf("body = %+v", body)
	}
	if body.EntryPath != config.DefaultEntryPath {
		t.Errorf("entry_path = %q", body.EntryPath)
	}
}

func TestPostConfig(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantCode   int
		wantTarget string
		wantPort   int
		wantHTTPS  bool
	}{
		{"target only", `{"target":"http://new.test"}`, http.StatusOK, "http://new.test", config.DefaultPort, false},
		{"port as string", `{"target":"http://a.test","port":"9090","https":true}`, http.StatusOK, "http://a.test", 9090, true},
		{"port as number", `{"port":7070}`, http.StatusOK, config.DefaultTarget, 7070, false},
		{"empty fields ignored", `{"target":"","port":""}`, http.StatusOK, config.DefaultTarget, config.DefaultPort, false},
		{"malformed json", `{"target":`, http.StatusBadRequest, config.DefaultTarget, config.DefaultPort, false},
		{"non-http target", `{"target":"ftp://x.test"}`, http.StatusBadRequest, config.DefaultTarget, config.DefaultPort, false},
		{"port out of range", `{"port":70000}`, http.StatusBadRequest, config.DefaultTarget, config.DefaultPort, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(http.MethodPost, "/api/config", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode == http.StatusOK && rec.Body.String() != MsgConfigUpdated {
				t.Errorf("body = %q", rec.Body.String())
			}
			if tt.name == "malformed json" && rec.Body.String() != "invalid JSON" {
				t.Errorf("body = %q, want %q", rec.Body.String(), "invalid JSON")
			}

			c := f.cfg.Get()
			if c.Proxy.Target != tt.wantTarget || c.Proxy.Port != tt.wantPort || c.Proxy.HTTPS != tt.wantHTTPS {
				t.Errorf("config = %+v", c.Proxy)
			}
		})
	}
}

func TestPostConfig_TooLarge(t *testing.T) {
	f := newFixture(t)
	body := `{"target":"http://x.test","pad":"` + strings.Repeat("a", maxConfigBody) + `"}`
	rec := f.do(http.MethodPost, "/api/config", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if f.cfg.Get().Proxy.Target != config.DefaultTarget {
		t.Fatal("oversized body must not change config")
	}
}

func TestLogs(t *testing.T) {
	f := newFixture(t)
	f.ring.Add("first")
	f.ring.Add("second")

	rec := f.do(http.MethodGet, "/api/logs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content-type = %q", ct)
	}
	lines := strings.Split(rec.Body.String(), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "] first") || !strings.HasSuffix(lines[1], "] second") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestLogsStream(t *testing.T) {
	f := newFixture(t)
	f.ring.Add("before")

	srv := httptest.NewServer(f.e)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/logs/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	buf := make([]byte, 4096)
	var got strings.Builder
	readUntil := func(substr string) {
		for !strings.Contains(got.String(), substr) {
			n, err := resp.Body.Read(buf)
			got.Write(buf[:n])
			if err != nil {
				t.Fatalf("read: %v (so far %q)", err, got.String())
			}
		}
	}

	readUntil("event: logs_init")
	readUntil("before")
	f.ring.Add("after")
	readUntil("event: logs_append")
	readUntil("after")
}

func TestTest(t *testing.T) {
	f := newFixture(t)
	f.prober.status = http.StatusTeapot

	rec := f.do(http.MethodGet, "/api/test", "")
	var body TestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !body.OK || body.Status != http.StatusTeapot {
		t.Errorf("body = %+v", body)
	}
	if f.prober.got != config.DefaultTarget {
		t.Errorf("probed %q, want configured target", f.prober.got)
	}

	f.prober.err = errors.New("connection refused")
	rec = f.do(http.MethodGet, "/api/test", "")
	body = TestResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.OK || body.Status != 0 {
		t.Errorf("failed probe body = %+v", body)
	}
	if !strings.Contains(rec.Body.String(), `"ok":false`) {
		t.Errorf("raw body = %q", rec.Body.String())
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.m.RequestsTotal.WithLabelValues("GET", "200", "fetch").Add(3)
	f.m.TunnelsTotal.WithLabelValues("connect", "ok").Inc()
	f.m.FetchTotal.WithLabelValues("html", "rewritten").Add(2)

	rec := f.do(http.MethodGet, "/api/stats", "")
	var body StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Proxy.Status != "running" || body.Proxy.ListenAddress != "0.0.0.0:8080" {
		t.Errorf("proxy = %+v", body.Proxy)
	}
	if body.Counters.Requests != 3 || body.Counters.Tunnels != 1 || body.Counters.Fetches != 2 {
		t.Errorf("counters = %+v", body.Counters)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.m.RequestsTotal.WithLabelValues("GET", "200", "direct").Inc()

	rec := f.do(http.MethodGet, config.DefaultMetricsPath, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), metrics.NameRequestsTotal) {
		t.Errorf("exposition missing %s", metrics.NameRequestsTotal)
	}
}

func TestMetricsEndpoint_FollowsConfigPath(t *testing.T) {
	f := newFixture(t)
	if err := f.cfg.Update(func(c *config.Config) { c.Metrics.Path = "/stats" }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if rec := f.do(http.MethodGet, "/stats", ""); rec.Code != http.StatusOK {
		t.Fatalf("/stats status = %d, want 200", rec.Code)
	}
	if rec := f.do(http.MethodGet, config.DefaultMetricsPath, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("old path status = %d, want 404", rec.Code)
	}

	if err := f.cfg.Update(func(c *config.Config) { c.Metrics.Enabled = false }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec := f.do(http.MethodGet, "/stats", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled status = %d, want 404", rec.Code)
	}
}

func TestMetricsPath(t *testing.T) {
	cfg := config.Default()
	if got := MetricsPath(cfg); got != config.DefaultMetricsPath {
		t.Errorf("MetricsPath = %q", got)
	}
	cfg.Metrics.Enabled = false
	if got := MetricsPath(cfg); got != "" {
		t.Errorf("disabled MetricsPath = %q, want empty", got)
	}
}

func TestIsLocalPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/", true},
		{"/dashboard", true},
		{"/public/app.js", true},
		{"/api/config", true},
		{"/api/proxy", false},
		{"/healthz", true},
		{"/metrics", true},
		{"/other", false},
		{"/dashboard/x", false},
	}
	for _, tt := range tests {
		if got := IsLocalPath(tt.path, "/api/proxy", "/metrics"); got != tt.want {
			t.Errorf("IsLocalPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
