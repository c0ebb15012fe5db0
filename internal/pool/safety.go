package pool

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"
)

// IsRelayURLSafe validates that a relay URL is safe to connect to.
// Allows loopback for development but blocks other private IP ranges.
func IsRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return isRelayIPSafe(ip)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		// Unresolvable names fail at dial time anyway; only reject obvious internal ones
		return !strings.HasSuffix(host, ".") &&
			!strings.Contains(host, ".local") &&
			!strings.Contains(host, ".internal")
	}
	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}
	return true
}

// isRelayIPSafe allows loopback but blocks private, link-local, unspecified and multicast ranges
func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	return !ip.IsPrivate() &&
		!ip.IsLinkLocalUnicast() &&
		!ip.IsLinkLocalMulticast() &&
		!ip.IsUnspecified() &&
		!ip.IsMulticast()
}

var rateLimitPatterns = []string{
	"rate-limited",
	"rate limited",
	"rate limit",
	"too many",
	"slow down",
	"too fast",
}

// IsRateLimitNotice matches NOTICE/CLOSED texts relays use when throttling
func IsRateLimitNotice(text string) bool {
	text = strings.ToLower(text)
	for _, p := range rateLimitPatterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
