// Package httpclient is the outbound HTTP client used by http jobs. Unless
// told otherwise it refuses loopback, private and other non-public
// destinations, checked both on the URL and on the address actually dialed
// so that DNS answers cannot redirect a request inward.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/teranos/pulse/errors"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRedirects = 10
)

// ErrBlocked marks requests refused because of their destination.
var ErrBlocked = errors.New("destination blocked")

// Options configures a Client.
type Options struct {
	Timeout      time.Duration // 0 = DefaultTimeout
	MaxRedirects int           // 0 = DefaultMaxRedirects, negative = none followed
	AllowPrivate bool          // allow loopback, private and link-local targets
}

// Client wraps http.Client with destination checks.
type Client struct {
	http         *http.Client
	allowPrivate bool
	maxRedirects int
}

// New creates a client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRedirects == 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}
	c := &Client{allowPrivate: opts.AllowPrivate, maxRedirects: opts.MaxRedirects}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if !opts.AllowPrivate {
		dialer.Control = func(network, address string, _ syscall.RawConn) error {
			return checkDialAddress(address)
		}
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	c.http = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if c.maxRedirects < 0 || len(via) > c.maxRedirects {
				return http.ErrUseLastResponse
			}
			return c.check(req.URL)
		},
	}
	return c
}

// CheckURL parses raw and applies the destination checks.
func (c *Client) CheckURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid URL %q: %v", raw, err)
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Do sends req after checking its URL.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

// Get is a convenience wrapper for a GET with ctx.
func (c *Client) Get(ctx context.Context, raw string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid URL %q: %v", raw, err)
	}
	return c.Do(req)
}

func (c *Client) check(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.NewInvalidRequestError("scheme %q not allowed, use http or https", u.Scheme)
	}
	if u.User != nil {
		return errors.NewInvalidRequestError("credentials in URL are not allowed")
	}
	host := u.Hostname()
	if host == "" {
		return errors.NewInvalidRequestError("URL %q has no host", u.Redacted())
	}
	if c.allowPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.Mark(errors.Newf("%s: localhost", host), ErrBlocked)
	}
	if addr, err := netip.ParseAddr(host); err == nil && Blocked(addr) {
		return errors.Mark(errors.Newf("%s: non-public address", host), ErrBlocked)
	}
	return nil
}

func checkDialAddress(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return errors.Wrap(err, "invalid dial address")
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return errors.Wrapf(err, "dial address %s", host)
	}
	if Blocked(addr) {
		return errors.Mark(errors.Newf("%s: non-public address", addr), ErrBlocked)
	}
	return nil
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// Blocked reports whether addr is outside the public unicast space.
func Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() || addr.IsUnspecified() || addr.IsInterfaceLocalMulticast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isLocalhost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}
