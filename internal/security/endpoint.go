// endpoint.go — CDP endpoint validation.
// Only local endpoints are accepted unless allow-non-local-cdp is set.
// Hostnames are matched exactly against the local allow-list so substring
// tricks like 127.0.0.1.evil.com are rejected.
package security

import (
	"net/url"
	"strings"

	"github.com/freshtechbro/opendevbrowser/internal/errkind"
)

// allowedProtocols is the CDP endpoint protocol allow-list.
var allowedProtocols = map[string]bool{
	"ws":    true,
	"wss":   true,
	"http":  true,
	"https": true,
}

// localHosts are the only hostnames accepted without allowNonLocalCdp.
// Matching is exact and case-insensitive.
var localHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"[::1]":     true,
}

// ValidateCDPEndpoint checks a CDP-like URL before any connection attempt.
// Driver-returned websocket URLs must be re-validated through here too.
func ValidateCDPEndpoint(raw string, allowNonLocal bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return errkind.Wrap(errkind.InvalidInput, err, "endpoint is not a valid URL: %s", raw)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errkind.New(errkind.InvalidInput, "endpoint is not a valid URL: %s", raw)
	}
	if !allowedProtocols[strings.ToLower(parsed.Scheme)] {
		return errkind.New(errkind.DisallowedProtocol,
			"protocol %q is not allowed for CDP endpoints (use ws, wss, http, or https)", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if localHosts[host] {
		return nil
	}
	if allowNonLocal {
		return nil
	}
	return errkind.New(errkind.NonLocalEndpoint,
		"endpoint host %q is not local; pass --allow-non-local-cdp to connect to remote browsers", parsed.Hostname())
}
