package safety

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrHostNotPinned is returned when a connection is attempted to a host other
// than the one that was validated. This is how cross-host redirects are
// stopped from escaping the pinned address set.
var ErrHostNotPinned = errors.New("connection target does not match validated host")

// DialContext dials one of the pinned addresses. The requested address must
// match the validated host:port; the hostname itself is never re-resolved,
// which closes the validate-then-fetch race (DNS rebinding).
func (v *ValidatedURL) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("split dial address %q: %w", addr, err)
	}
	if !strings.EqualFold(host, v.Host) || port != v.Port {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrHostNotPinned)
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	var lastErr error
	for _, ip := range v.IPs {
		conn, dialErr := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), v.Port))
		if dialErr == nil {
			return conn, nil
		}
		lastErr = dialErr
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no pinned addresses available")
	}
	return nil, fmt.Errorf("dial pinned addresses for %s: %w", v.Host, lastErr)
}

// Transport returns an http.Transport that only connects to the pinned
// addresses. The request URL keeps the original hostname, so the Host header
// and TLS SNI are still sent for v.Host.
func (v *ValidatedURL) Transport() *http.Transport {
	return &http.Transport{
		DialContext:           v.DialContext,
		MaxIdleConns:          4,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// HostResolverRules renders the Chromium --host-resolver-rules flag value
// that pins the validated hostname to its first resolved address for a
// headless render session.
func (v *ValidatedURL) HostResolverRules() string {
	if len(v.IPs) == 0 {
		return ""
	}
	return fmt.Sprintf("MAP %s %s", v.Host, v.IPs[0])
}
