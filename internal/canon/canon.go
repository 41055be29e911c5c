// Package canon normalizes and rewrites URLs for the content-rewriting proxy.
package canon

import (
	"errors"
	"net/url"
	"strings"
)

// maxDecodePasses bounds Normalize; real-world inputs settle after two or three passes.
const maxDecodePasses = 10

// DefaultTrackingParams are the campaign-attribution query parameters stripped from
// every proxied URL.
var DefaultTrackingParams = []string{
	"utm_source",
	"utm_medium",
	"utm_campaign",
	"utm_term",
	"utm_content",
}

// ErrNotHTTP is returned by Target for anything that is not an absolute http(s) URL.
var ErrNotHTTP = errors.New("target must be an absolute http:// or https:// URL")

// Normalize percent-decodes s repeatedly until it stops changing.
// Malformed escapes end the loop and the last successfully decoded value is returned,
// so Normalize never fails.
func Normalize(s string) string {
	cur := s
	for i := 0; i < maxDecodePasses; i++ {
		// PathUnescape 不会把 '+' 解成空格，适合整段 URL。
		next, err := url.PathUnescape(cur)
		if err != nil || next == cur {
			return cur
		}
		cur = next
	}
	return cur
}

// HasHTTPScheme reports whether s starts with http:// or https:// (case-insensitive).
func HasHTTPScheme(s string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Target parses raw as an upstream target. Only absolute http(s) URLs with a host
// are accepted.
func Target(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if !HasHTTPScheme(raw) {
		return nil, ErrNotHTTP
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, ErrNotHTTP
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

// StripTracking removes the named query parameters from raw. Names match exactly, so
// "UTM_SOURCE" survives a "utm_source" entry. Every other parameter is
// kept byte-for-byte and in its original order. Input that does not parse, has no
// query, or contains none of the names is returned unchanged.
func StripTracking(raw string, params []string) string {
	if len(params) == 0 {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}

	drop := make(map[string]bool, len(params))
	for _, p := range params {
		drop[p] = true
	}

	pairs := strings.Split(u.RawQuery, "&")
	kept := pairs[:0:0]
	removed := false
	for _, pair := range pairs {
		if drop[queryKey(pair)] {
			removed = true
			continue
		}
		kept = append(kept, pair)
	}
	if !removed {
		return raw
	}

	u.RawQuery = strings.Join(kept, "&")
	u.ForceQuery = false
	return u.String()
}

func queryKey(pair string) string {
	key, _, _ := strings.Cut(pair, "=")
	if k, err := url.QueryUnescape(key); err == nil {
		return k
	}
	return key
}
