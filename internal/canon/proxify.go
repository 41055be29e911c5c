package canon

import (
	"net/url"
	"strings"
)

// DefaultEntryPath is where the fetch-rewrite engine is mounted.
const DefaultEntryPath = "/api/proxy"

// excludedPrefixes are left alone by Proxify.
var excludedPrefixes = []string{
	"#",
	"data:",
	"javascript:",
	"blob:",
	"mailto:",
	"tel:",
	"about:",
}

// Proxifier wraps URLs so that following them goes back through the proxy.
type Proxifier struct {
	EntryPath string
	Tracking  []string
}

// NewProxifier returns a Proxifier for entryPath using the default tracking list.
func NewProxifier(entryPath string) Proxifier {
	if entryPath == "" {
		entryPath = DefaultEntryPath
	}
	return Proxifier{EntryPath: entryPath, Tracking: DefaultTrackingParams}
}

func (p Proxifier) prefix() string {
	entry := p.EntryPath
	if entry == "" {
		entry = DefaultEntryPath
	}
	return entry + "?url="
}

// IsProxied reports whether raw already points at the proxy entry point.
func (p Proxifier) IsProxied(raw string) bool {
	return strings.Contains(raw, p.prefix())
}

// Wrap returns the proxied form of an absolute URL.
func (p Proxifier) Wrap(abs string) string {
	return p.prefix() + url.QueryEscape(StripTracking(abs, p.Tracking))
}

// Proxify rewrites raw so that it is fetched through the proxy. Relative references are
// resolved against base; protocol-relative ones are pinned to https. Inputs that are
// empty, already proxied, or use a non-http scheme are returned unchanged, which makes
// Proxify idempotent.
func (p Proxifier) Proxify(raw string, base *url.URL) string {
	s := strings.TrimSpace(raw)
	if s == "" || p.IsProxied(s) {
		return raw
	}
	lower := strings.ToLower(s)
	for _, prefix := range excludedPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return raw
		}
	}

	if strings.HasPrefix(s, "//") {
		s = "https:" + s
		lower = "https:" + lower
	}
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return p.Wrap(s)
	}

	if base == nil {
		return raw
	}
	ref, err := url.Parse(s)
	if err != nil {
		return raw
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return raw
	}
	return p.Wrap(abs.String())
}

// Resolve makes raw absolute against base without wrapping it. Unparseable input is
// returned unchanged.
func Resolve(raw string, base *url.URL) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "//") {
		return "https:" + s
	}
	ref, err := url.Parse(s)
	if err != nil || base == nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}
