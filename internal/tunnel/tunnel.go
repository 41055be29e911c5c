// Package tunnel relays raw bytes between a hijacked client connection and an upstream
// connection for CONNECT and protocol upgrades.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Established is written to the client once the upstream connection is open.
const Established = "HTTP/1.1 200 Connection Established\r\n\r\n"

// DefaultPort is used when a CONNECT authority has no usable port.
const DefaultPort = "443"

// ErrAlreadyRunning is returned when Run is called on a tunnel that has already started.
var ErrAlreadyRunning = errors.New("tunnel already running")

// Target turns a CONNECT authority into host:port. A missing or non-numeric port
// becomes 443.
func Target(authority string) string {
	authority = strings.TrimSpace(authority)
	if authority == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]")
		port = DefaultPort
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		port = DefaultPort
	}
	if host == "" {
		return ""
	}
	return net.JoinHostPort(host, port)
}

// Stats counts the bytes moved in each direction. Up is client to upstream, Down is
// upstream to client.
type Stats struct {
	Up   int64
	Down int64
}

// Tunnel pairs a client and an upstream connection.
type Tunnel struct {
	Client   net.Conn
	Upstream net.Conn
	// Head holds client bytes that were read before the connection was hijacked.
	// They are sent upstream before relaying starts.
	Head []byte

	started atomic.Bool
}

// Run relays bytes in both directions until either side finishes, fails, or ctx is
// cancelled. Both connections are closed when Run returns. Run may only be called once.
func (t *Tunnel) Run(ctx context.Context) (Stats, error) {
	if !t.started.CompareAndSwap(false, true) {
		return Stats{}, ErrAlreadyRunning
	}

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = t.Client.Close()
			_ = t.Upstream.Close()
		})
	}
	defer closeBoth()

	var stats Stats
	if len(t.Head) > 0 {
		n, err := t.Upstream.Write(t.Head)
		stats.Up += int64(n)
		if err != nil {
			return stats, fmt.Errorf("write buffered client bytes: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	// gctx is cancelled when a copy fails, when ctx is cancelled, or when Wait returns.
	go func() {
		<-gctx.Done()
		closeBoth()
	}()

	var up, down int64
	g.Go(func() error {
		n, err := io.Copy(t.Upstream, t.Client)
		up = n
		closeBoth()
		return relayErr("client to upstream", err)
	})
	g.Go(func() error {
		n, err := io.Copy(t.Client, t.Upstream)
		down = n
		closeBoth()
		return relayErr("upstream to client", err)
	})

	err := g.Wait()
	stats.Up += up
	stats.Down += down
	if err != nil {
		return stats, err
	}
	return stats, ctx.Err()
}

// relayErr drops the errors that only mean the other direction already tore the
// tunnel down.
func relayErr(dir string, err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%s: %w", dir, err)
}
