package tunnel

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// Dialer opens upstream connections, directly or through a SOCKS5 proxy.
// The zero value dials directly with no timeout.
type Dialer struct {
	Timeout time.Duration
	// SOCKS5 is an optional socks5://[user:pass@]host:port upstream.
	SOCKS5 string
}

// DialContext connects to addr.
func (d Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	direct := &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: 30 * time.Second,
	}
	if strings.TrimSpace(d.SOCKS5) == "" {
		return direct.DialContext(ctx, network, addr)
	}

	u, err := url.Parse(strings.TrimSpace(d.SOCKS5))
	if err != nil {
		return nil, fmt.Errorf("parse socks5 upstream: %w", err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("unsupported upstream proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("socks5 upstream has no host")
	}

	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	sd, err := proxy.SOCKS5("tcp", u.Host, auth, direct)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}
	cd, ok := sd.(proxy.ContextDialer)
	if !ok {
		return sd.Dial(network, addr)
	}
	return cd.DialContext(ctx, network, addr)
}

type dialerKey struct{}

// WithDialer attaches d to ctx so that transports shared across requests can dial with
// the settings captured for one request.
func WithDialer(ctx context.Context, d Dialer) context.Context {
	return context.WithValue(ctx, dialerKey{}, d)
}

// DialerFrom returns the Dialer attached by WithDialer, or the zero Dialer.
func DialerFrom(ctx context.Context) Dialer {
	d, _ := ctx.Value(dialerKey{}).(Dialer)
	return d
}

// DialContext dials with the Dialer attached to ctx. It fits http.Transport.DialContext.
func DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return DialerFrom(ctx).DialContext(ctx, network, addr)
}
