// Package security guards outbound traffic. Webhook tools call
// operator-configured URLs, so every egress connection is checked against
// private networks, loopback and cloud metadata endpoints to prevent SSRF,
// including at DNS resolution time, which static URL checks cannot cover.
package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Egress validates outbound request targets.
//
// Blocked targets:
//   - Private ranges (RFC 1918): 10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16
//   - Loopback: 127.0.0.0/8, ::1
//   - Link-local: 169.254.0.0/16, fe80::/10 (includes cloud metadata)
//   - Unspecified: 0.0.0.0, ::
//   - Known dangerous hostnames: localhost, metadata.google.internal
type Egress struct {
	allowedSchemes map[string]struct{}
	blockedHosts   map[string]struct{}
}

// NewEgress creates an egress validator with default settings.
func NewEgress() *Egress {
	return &Egress{
		allowedSchemes: map[string]struct{}{
			"http":  {},
			"https": {},
		},
		blockedHosts: map[string]struct{}{
			"localhost":                {},
			"metadata.google.internal": {},
			"metadata.gce.internal":    {},
			"metadata.internal":        {},
		},
	}
}

// Validate checks whether a URL is safe as an outbound target. This is a
// static check; SafeTransport additionally validates resolved IPs.
func (e *Egress) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if _, ok := e.allowedSchemes[strings.ToLower(u.Scheme)]; !ok {
		return fmt.Errorf("unsupported scheme: %s (allowed: http, https)", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty hostname")
	}

	if _, blocked := e.blockedHosts[strings.ToLower(host)]; blocked {
		return fmt.Errorf("blocked host: %s", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return e.checkIP(ip)
	}

	// Hostname, not an IP: the resolution check happens in SafeTransport.
	return nil
}

func (e *Egress) checkIP(ip net.IP) error {
	// Normalize IPv6-mapped IPv4 (::ffff:127.0.0.1 -> 127.0.0.1).
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback address not allowed: %s", ip)
	case ip.IsPrivate():
		return fmt.Errorf("private IP not allowed: %s", ip)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address not allowed: %s", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified address not allowed: %s", ip)
	}
	return nil
}

// SafeTransport returns a transport that validates IP addresses during DNS
// resolution, closing the DNS-rebinding hole Validate alone leaves open.
func (e *Egress) SafeTransport() *http.Transport {
	return &http.Transport{
		DialContext:         e.safeDialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

func (e *Egress) safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		port = ""
	}

	if _, blocked := e.blockedHosts[strings.ToLower(host)]; blocked {
		return nil, fmt.Errorf("egress blocked: host %s", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := e.checkIP(ip); err != nil {
			return nil, fmt.Errorf("egress blocked: %w", err)
		}
		return (&net.Dialer{}).DialContext(ctx, network, addr)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed: %w", err)
	}
	for _, ip := range ips {
		if err := e.checkIP(ip); err != nil {
			return nil, fmt.Errorf("egress blocked (resolved %s -> %s): %w", host, ip, err)
		}
	}

	// Dial the first validated IP to avoid a resolve-then-dial race.
	if len(ips) > 0 {
		target := ips[0].String()
		if port != "" {
			target = net.JoinHostPort(target, port)
		}
		return (&net.Dialer{}).DialContext(ctx, network, target)
	}
	return nil, fmt.Errorf("no IP addresses resolved for %s", host)
}

// CheckRedirect bounds redirect chains and re-validates each hop, preventing
// SSRF via a webhook that redirects to an internal address.
func (e *Egress) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	return e.Validate(req.URL.String())
}
