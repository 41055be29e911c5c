package proxy

import (
	"bufio"
	"net/http"
	"strings"
	"testing"
)

func parseRequest(t *testing.T, raw string) *http.Request {
	t.Helper()
	r, err := http.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest(%q): %v", raw, err)
	}
	return r
}

func TestClassify(t *testing.T) {
	const ws = "Upgrade: websocket\r\nConnection: keep-alive, Upgrade\r\n"
	tests := []struct {
		name string
		raw  string
		want Mode
	}{
		{"connect", "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n", ModeTunnel},
		{"connect without port", "CONNECT example.com HTTP/1.1\r\nHost: example.com\r\n\r\n", ModeTunnel},
		{"absolute upgrade", "GET http://x.test/ws HTTP/1.1\r\nHost: x.test\r\n" + ws + "\r\n", ModeUpgrade},
		{"absolute https upgrade", "GET https://x.test/ws HTTP/1.1\r\nHost: x.test\r\n" + ws + "\r\n", ModeUpgrade},
		{"relative upgrade", "GET /ws HTTP/1.1\r\nHost: proxy\r\n" + ws + "\r\n", ModeRejectUpgrade},
		{"upgrade to entry path", "GET /api/proxy?url=http://x.test/ HTTP/1.1\r\nHost: proxy\r\n" + ws + "\r\n", ModeRejectUpgrade},
		{"upgrade header without connection token", "GET /dashboard HTTP/1.1\r\nHost: proxy\r\nUpgrade: websocket\r\n\r\n", ModeLocal},
		{"absolute get", "GET http://x.test/a?b=1 HTTP/1.1\r\nHost: x.test\r\n\r\n", ModeDirect},
		{"absolute post", "POST https://x.test/form HTTP/1.1\r\nHost: x.test\r\nContent-Length: 0\r\n\r\n", ModeDirect},
		{"absolute root collides with dashboard", "GET http://x.test/ HTTP/1.1\r\nHost: x.test\r\n\r\n", ModeDirect},
		{"fetch", "GET /api/proxy?url=http%3A%2F%2Fx.test%2F HTTP/1.1\r\nHost: proxy\r\n\r\n", ModeFetch},
		{"fetch without url", "POST /api/proxy HTTP/1.1\r\nHost: proxy\r\nContent-Length: 0\r\n\r\n", ModeFetch},
		{"dashboard", "GET /dashboard HTTP/1.1\r\nHost: proxy\r\n\r\n", ModeLocal},
		{"root", "GET / HTTP/1.1\r\nHost: proxy\r\n\r\n", ModeLocal},
		{"api", "GET /api/config HTTP/1.1\r\nHost: proxy\r\n\r\n", ModeLocal},
		{"public asset", "GET /public/app.js HTTP/1.1\r\nHost: proxy\r\n\r\n", ModeLocal},
		{"metrics", "GET /metrics HTTP/1.1\r\nHost: proxy\r\n\r\n", ModeLocal},
		{"unknown path", "GET /favicon.ico HTTP/1.1\r\nHost: proxy\r\n\r\n", ModeInvalid},
		{"non-http absolute", "GET ftp://x.test/file HTTP/1.1\r\nHost: x.test\r\n\r\n", ModeInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := parseRequest(t, tt.raw)
			if got := Classify(r, "/api/proxy", "/metrics"); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify_CustomEntryAndNoMetrics(t *testing.T) {
	r := parseRequest(t, "GET /go?url=x HTTP/1.1\r\nHost: proxy\r\n\r\n")
	if got := Classify(r, "/go", ""); got != ModeFetch {
		t.Errorf("custom entry: got %v", got)
	}

	r = parseRequest(t, "GET /metrics HTTP/1.1\r\nHost: proxy\r\n\r\n")
	if got := Classify(r, "/api/proxy", ""); got != ModeInvalid {
		t.Errorf("metrics disabled: got %v, want invalid", got)
	}
}

func TestModeString(t *testing.T) {
	for m, want := range map[Mode]string{
		ModeTunnel:        "tunnel",
		ModeUpgrade:       "upgrade",
		ModeRejectUpgrade: "reject_upgrade",
		ModeDirect:        "direct",
		ModeFetch:         "fetch",
		ModeLocal:         "local",
		ModeInvalid:       "invalid",
	} {
		if got := m.String(); got != want {
			t.Errorf("Mode(%d).String() = %q, want %q", m, got, want)
		}
	}
}
