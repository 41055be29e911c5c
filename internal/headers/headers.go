// Package headers filters and rewrites HTTP headers on their way through the proxy.
package headers

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/inkdust2021/passage/internal/canon"
)

// HopByHop are the RFC 7230 connection-scoped headers that are never forwarded.
var HopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// connectionTokens returns the extra header names listed in Connection. Tokens that
// are not valid field names cannot name a header and are skipped.
func connectionTokens(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); httpguts.ValidHeaderFieldName(tok) {
				out = append(out, tok)
			}
		}
	}
	return out
}

// removeHopByHop deletes hop-by-hop headers from h in place, except the names in keep.
func removeHopByHop(h http.Header, keep ...string) {
	skip := make(map[string]bool, len(keep))
	for _, k := range keep {
		skip[http.CanonicalHeaderKey(k)] = true
	}
	for _, tok := range connectionTokens(h) {
		if k := http.CanonicalHeaderKey(tok); !skip[k] {
			h.Del(k)
		}
	}
	for _, k := range HopByHop {
		if !skip[http.CanonicalHeaderKey(k)] {
			h.Del(k)
		}
	}
}

// ForFetch returns the headers sent upstream by the fetch-rewrite engine. Host and
// hop-by-hop headers are dropped; Referer and Origin pass through as the browser sent
// them.
func ForFetch(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = make(http.Header)
	}
	out.Del("Host")
	removeHopByHop(out)
	return out
}

// ForRelay strips hop-by-hop headers in place for plain forwarding.
func ForRelay(h http.Header) {
	removeHopByHop(h)
}

// ForUpgrade strips hop-by-hop headers in place but keeps Connection and Upgrade, which
// carry the handshake. The Connection value is reduced to "Upgrade".
func ForUpgrade(h http.Header) {
	removeHopByHop(h, "Connection", "Upgrade")
	h.Set("Connection", "Upgrade")
}

// Origin returns scheme://host for u.
func Origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// RewriteResponse adjusts upstream response headers for a proxied fetch of target.
// Location is resolved against target and proxified, CORS is opened up, and Referer and
// Origin are pinned to the upstream origin when overrideRefOrigin is set.
func RewriteResponse(h http.Header, target *url.URL, p canon.Proxifier, overrideRefOrigin bool) {
	removeHopByHop(h)

	if loc := h.Get("Location"); loc != "" {
		h.Set("Location", p.Proxify(loc, target))
	}
	h.Set("Access-Control-Allow-Origin", "*")
	if overrideRefOrigin {
		origin := Origin(target)
		h.Set("Referer", origin)
		h.Set("Origin", origin)
	}
}

// MarkRewritten fixes up framing headers after the body was replaced with n decoded,
// rewritten bytes.
func MarkRewritten(h http.Header, n int) {
	h.Del("Content-Encoding")
	h.Del("Transfer-Encoding")
	h.Set("Content-Length", strconv.Itoa(n))
}
