// Package safety validates URLs against SSRF policy before any network call.
package safety

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ebenwert/ingestd/internal/ingest"
)

// blockedPrefixes are the private, loopback, link-local, multicast and
// reserved ranges a fetch must never reach.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// blockedHostnames are rejected before resolution. Cloud metadata endpoints
// are listed by name and by literal address.
var blockedHostnames = map[string]struct{}{
	"localhost":                {},
	"0.0.0.0":                  {},
	"127.0.0.1":                {},
	"::":                       {},
	"::1":                      {},
	"metadata.google.internal": {},
	"169.254.169.254":          {},
}

// ValidatedURL is the immutable product of a successful validation. The IP
// set resolved here is the only set of addresses that may ever be dialed for
// this request; connecting code must not re-resolve the hostname.
type ValidatedURL struct {
	Original    string
	Scheme      string
	Host        string
	Port        string
	IPs         []netip.Addr
	ValidatedAt time.Time
}

// HostPort returns the normalized host:port for dialing.
func (v *ValidatedURL) HostPort() string {
	return net.JoinHostPort(v.Host, v.Port)
}

// LookupFunc resolves a hostname to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Config controls Guard behavior.
type Config struct {
	// AllowPrivate disables the blocklist entirely. Test-only escape hatch;
	// must default false.
	AllowPrivate bool
	// Lookup overrides DNS resolution (tests). Defaults to the system resolver.
	Lookup LookupFunc
}

// Guard validates candidate URLs and pins their resolved addresses.
type Guard struct {
	allowPrivate bool
	lookup       LookupFunc
	logger       *zap.Logger
}

// NewGuard constructs a Guard.
func NewGuard(cfg Config, logger *zap.Logger) *Guard {
	lookup := cfg.Lookup
	if lookup == nil {
		lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		allowPrivate: cfg.AllowPrivate,
		lookup:       lookup,
		logger:       logger,
	}
}

// Validate checks raw against the SSRF policy and resolves its host,
// returning the pinned address set. No request body is ever fetched here;
// DNS lookups are the only network activity.
func (g *Guard) Validate(ctx context.Context, raw string) (*ValidatedURL, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, &ingest.URLRejectedError{URL: raw, Reason: ingest.RejectScheme, Detail: "unparseable URL"}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, &ingest.URLRejectedError{URL: raw, Reason: ingest.RejectScheme, Detail: fmt.Sprintf("scheme %q not allowed", parsed.Scheme)}
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil, &ingest.URLRejectedError{URL: raw, Reason: ingest.RejectBlockedHost, Detail: "empty host"}
	}

	port := parsed.Port()
	if port == "" {
		if scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	if !g.allowPrivate {
		if _, blocked := blockedHostnames[host]; blocked {
			g.logger.Warn("url rejected", zap.String("url", raw), zap.String("reason", string(ingest.RejectBlockedHost)))
			return nil, &ingest.URLRejectedError{URL: raw, Reason: ingest.RejectBlockedHost, Detail: "hostname is blocklisted"}
		}
	}

	ips, rejectErr := g.resolve(ctx, raw, host)
	if rejectErr != nil {
		g.logger.Warn("url rejected",
			zap.String("url", raw),
			zap.String("reason", string(rejectErr.Reason)),
			zap.String("detail", rejectErr.Detail),
		)
		return nil, rejectErr
	}

	return &ValidatedURL{
		Original:    raw,
		Scheme:      scheme,
		Host:        host,
		Port:        port,
		IPs:         ips,
		ValidatedAt: time.Now().UTC(),
	}, nil
}

func (g *Guard) resolve(ctx context.Context, raw, host string) ([]netip.Addr, *ingest.URLRejectedError) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if !g.allowPrivate && isBlockedAddr(addr) {
			return nil, &ingest.URLRejectedError{URL: raw, Reason: ingest.RejectPrivateIP, Detail: fmt.Sprintf("address %s is in a blocked range", addr)}
		}
		return []netip.Addr{addr}, nil
	}

	resolved, err := g.lookup(ctx, host)
	if err != nil || len(resolved) == 0 {
		return nil, &ingest.URLRejectedError{URL: raw, Reason: ingest.RejectResolutionFailed, Detail: fmt.Sprintf("unable to resolve %s", host)}
	}

	seen := make(map[netip.Addr]struct{}, len(resolved))
	ips := make([]netip.Addr, 0, len(resolved))
	for _, addr := range resolved {
		addr = addr.Unmap()
		if !g.allowPrivate && isBlockedAddr(addr) {
			return nil, &ingest.URLRejectedError{
				URL:    raw,
				Reason: ingest.RejectPrivateIP,
				Detail: fmt.Sprintf("%s resolves to blocked address %s", host, addr),
			}
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		ips = append(ips, addr)
	}
	return ips, nil
}

func isBlockedAddr(addr netip.Addr) bool {
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// NormalizeURL percent-decodes then re-encodes the path so URLs containing
// non-ASCII characters round-trip consistently.
func NormalizeURL(raw string) string {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	parsed, err := url.Parse(decoded)
	if err != nil {
		return raw
	}
	return parsed.String()
}
