package nostr

import (
	"net/url"
	"strings"

	"nostr-relaycore/internal/util"
)

// NormalizeRelayURL validates and normalizes a relay URL from NIP-65 events or config.
// Returns empty string if URL is invalid/malformed
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" || !strings.Contains(relayURL, "://") {
		return ""
	}

	// Reject URL-encoded spaces and double protocols (wss://https://...)
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, "+") {
		return ""
	}
	if strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	if len(host) < 3 || strings.Contains(host, " ") {
		return ""
	}
	if !strings.Contains(host, ".") && host != "localhost" && !strings.Contains(host, ":") {
		return ""
	}
	if util.IsInternalHost(host) {
		return ""
	}

	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	result := scheme + "://" + host
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if path := strings.TrimRight(parsed.Path, "/"); path != "" {
		result += path
	}
	return result
}

// NormalizeRelayURLs normalizes and dedupes a list, dropping invalid entries.
func NormalizeRelayURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if n := NormalizeRelayURL(u); n != "" {
			out = append(out, n)
		}
	}
	return util.Dedupe(out)
}
