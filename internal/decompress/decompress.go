// Package decompress undoes HTTP Content-Encoding for bodies that have to be rewritten.
package decompress

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrTooLarge is returned by Bytes when the decoded body exceeds the limit.
	ErrTooLarge = errors.New("decompressed body too large")
	// ErrUnsupported is returned for a content-coding this package cannot undo.
	ErrUnsupported = errors.New("unsupported content-encoding")
)

// Codings splits a Content-Encoding header value into lower-cased codings in the order
// they were applied. "identity" and empty members are dropped.
func Codings(encoding string) []string {
	var out []string
	for _, part := range strings.Split(encoding, ",") {
		c := strings.ToLower(strings.TrimSpace(part))
		if c == "" || c == "identity" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Supported reports whether every coding in encoding can be undone.
func Supported(encoding string) bool {
	for _, c := range Codings(encoding) {
		switch c {
		case "gzip", "x-gzip", "br", "brotli", "deflate", "zstd":
		default:
			return false
		}
	}
	return true
}

// NewReader wraps body with decoders for encoding. Stacked codings are undone in
// reverse order. Closing the result closes every decoder and then body.
func NewReader(body io.ReadCloser, encoding string) (io.ReadCloser, error) {
	codings := Codings(encoding)
	if len(codings) == 0 {
		return body, nil
	}

	var (
		r       io.Reader = body
		closers           = multiCloser{body}
	)
	for i := len(codings) - 1; i >= 0; i-- {
		next, c, err := decoder(r, codings[i])
		if err != nil {
			_ = closers.Close()
			return nil, fmt.Errorf("%s: %w", codings[i], err)
		}
		r = next
		if c != nil {
			// decoders close before the body they read from
			closers = append(multiCloser{c}, closers...)
		}
	}
	return &readerWithClose{r: r, c: closers}, nil
}

// Bytes decodes raw fully. The output is bounded by limit bytes.
func Bytes(raw []byte, encoding string, limit int) ([]byte, error) {
	if len(Codings(encoding)) == 0 {
		return raw, nil
	}
	rc, err := NewReader(io.NopCloser(bytes.NewReader(raw)), encoding)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	out, err := io.ReadAll(io.LimitReader(rc, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

func decoder(r io.Reader, coding string) (io.Reader, io.Closer, error) {
	switch coding {
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return gr, gr, nil
	case "br", "brotli":
		return brotli.NewReader(r), nil, nil
	case "deflate":
		return deflateReader(r)
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		rc := zr.IOReadCloser()
		return rc, rc, nil
	default:
		return nil, nil, ErrUnsupported
	}
}

// deflateReader handles both readings of "deflate": RFC 1950 zlib framing, which the
// standard requires, and the raw RFC 1951 stream some servers send instead.
func deflateReader(r io.Reader) (io.Reader, io.Closer, error) {
	br := bufio.NewReader(r)
	hdr, err := br.Peek(2)
	if err == nil && isZlibHeader(hdr) {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr, nil
	}
	fr := flate.NewReader(br)
	return fr, fr, nil
}

func isZlibHeader(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	cmf, flg := b[0], b[1]
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

type readerWithClose struct {
	r io.Reader
	c io.Closer
}

func (rc *readerWithClose) Read(p []byte) (int, error) { return rc.r.Read(p) }
func (rc *readerWithClose) Close() error {
	if rc.c == nil {
		return nil
	}
	return rc.c.Close()
}

type multiCloser []io.Closer

func (mc multiCloser) Close() error {
	var firstErr error
	for _, c := range mc {
		if c == nil {
			continue
		}
		if err := c.Close(); firstErr == nil && err != nil {
			firstErr = err
		}
	}
	return firstErr
}
