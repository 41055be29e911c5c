package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/labstack/echo/v4"

	"github.com/inkdust2021/passage/internal/rewrite"
)

// ClientError is a request the proxy refuses to act on (400).
type ClientError struct {
	Msg string
	Err error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ClientError) Unwrap() error { return e.Err }

// UpstreamError is a failure to reach or talk to the upstream server.
type UpstreamError struct {
	Target string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Target, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// DecodeError means an upstream body could not be decompressed. The raw bytes are
// never forwarded.
type DecodeError struct {
	Encoding string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q body: %v", e.Encoding, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// statusFor maps an error from the fetch engine to the status sent to the client.
func statusFor(err error) int {
	var (
		ce *ClientError
		ue *UpstreamError
		de *DecodeError
	)
	switch {
	case errors.As(err, &ce):
		return http.StatusBadRequest
	case errors.As(err, &ue), errors.As(err, &de), errors.Is(err, rewrite.ErrBodyTooLarge):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// explain turns err into the plain-text body sent with the status.
func explain(err error) string {
	var (
		ce     *ClientError
		ue     *UpstreamError
		de     *DecodeError
		dnsErr *net.DNSError
		recErr tls.RecordHeaderError
		certEr x509.UnknownAuthorityError
		alert  tls.AlertError
	)
	switch {
	case errors.As(err, &ce):
		return "Bad request: " + ce.Error()
	case errors.As(err, &de):
		return "Bad gateway: could not decode upstream response: " + de.Error()
	case errors.Is(err, rewrite.ErrBodyTooLarge):
		return "Bad gateway: upstream document is too large to rewrite"
	case !errors.As(err, &ue):
		return "Internal error: " + err.Error()
	}

	switch {
	case errors.As(err, &dnsErr):
		return fmt.Sprintf("Bad gateway: could not resolve host %q", dnsErr.Name)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Sprintf("Bad gateway: connection to %s refused", ue.Target)
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return fmt.Sprintf("Bad gateway: timed out waiting for %s", ue.Target)
	case errors.Is(err, context.Canceled):
		return "Bad gateway: request cancelled"
	case errors.As(err, &recErr), errors.As(err, &certEr), errors.As(err, &alert):
		return fmt.Sprintf("Bad gateway: TLS handshake with %s failed: %v", ue.Target, ue.Err)
	}
	return "Bad gateway: " + ue.Error()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// writeError reports err to the client unless the response was already started, in
// which case the stream is only cut short.
func (f *Fetcher) writeError(c echo.Context, err error) error {
	status := statusFor(err)
	if c.Response().Committed {
		f.logger.Warn("fetch aborted after response start", "err", err)
		return nil
	}
	if status >= http.StatusInternalServerError {
		f.logger.Warn("fetch failed", "status", status, "err", err)
	} else {
		f.logger.Info("fetch rejected", "status", status, "err", err)
	}
	return c.String(status, explain(err))
}
