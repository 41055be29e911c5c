// Package rewrite turns an upstream HTML document into one whose links, assets and
// script-initiated requests all lead back through the proxy.
package rewrite

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// DefaultMaxHTMLBytes bounds a buffered HTML body when no limit is configured.
const DefaultMaxHTMLBytes = 10 * 1024 * 1024 // 10MB

// ErrBodyTooLarge is returned by ReadBody when the document exceeds its limit.
var ErrBodyTooLarge = errors.New("html body exceeds buffer limit")

// Context describes the document being rewritten.
type Context struct {
	// Target is the URL the document was fetched from.
	Target *url.URL
	// Base overrides the URL relative references resolve against. When nil the
	// document's <base href> is used, falling back to Target.
	Base *url.URL

	Header          http.Header
	ContentEncoding string
	ContentType     string
}

// Rewriter rewrites a complete, decoded HTML document.
type Rewriter interface {
	Rewrite(html []byte, ctx *Context) []byte
}

// IsHTML reports whether contentType names an HTML document.
func IsHTML(contentType string) bool {
	mt := mediaType(contentType)
	return mt == "text/html" || mt == "application/xhtml+xml"
}

var fontExtensions = map[string]bool{
	".woff":  true,
	".woff2": true,
	".ttf":   true,
	".otf":   true,
	".eot":   true,
}

// IsFont reports whether a response is a web font, judged by its content type or,
// failing that, by the extension of the request path.
func IsFont(contentType, urlPath string) bool {
	mt := mediaType(contentType)
	switch {
	case strings.HasPrefix(mt, "font/"),
		strings.HasPrefix(mt, "application/font-"),
		strings.HasPrefix(mt, "application/x-font"),
		mt == "application/vnd.ms-fontobject":
		return true
	}
	return fontExtensions[strings.ToLower(path.Ext(urlPath))]
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// ReadBody buffers r completely, failing with ErrBodyTooLarge past limit bytes.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxHTMLBytes
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}
