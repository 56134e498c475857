package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshtechbro/opendevbrowser/internal/errkind"
)

func TestValidateCDPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		allow    bool
		wantKind errkind.Kind
	}{
		{"localhost ws", "ws://localhost:9222/devtools/browser/abc", false, ""},
		{"loopback ipv4", "ws://127.0.0.1:9222", false, ""},
		{"loopback ipv6", "ws://[::1]:9222", false, ""},
		{"http local", "http://127.0.0.1:9222/json/version", false, ""},
		{"wss local", "wss://localhost:9222", false, ""},
		{"case insensitive host", "ws://LOCALHOST:9222", false, ""},

		// Exact matching defeats suffix and lookalike tricks.
		{"suffixed ip", "ws://127.0.0.1.evil.com:9222", false, errkind.NonLocalEndpoint},
		{"suffixed localhost", "ws://localhost.evil.com:9222", false, errkind.NonLocalEndpoint},
		{"host in query", "ws://evil.com/cdp?host=127.0.0.1", false, errkind.NonLocalEndpoint},
		{"plain remote", "ws://browserfarm.internal:9222", false, errkind.NonLocalEndpoint},

		{"remote allowed by flag", "ws://browserfarm.internal:9222", true, ""},
		{"ftp rejected even with flag", "ftp://127.0.0.1/cdp", true, errkind.DisallowedProtocol},
		{"file rejected", "file:///etc/passwd", false, errkind.DisallowedProtocol},
		{"not a url", "not a url at all", false, errkind.InvalidInput},
		{"missing host", "ws://", false, errkind.InvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCDPEndpoint(tt.raw, tt.allow)
			if tt.wantKind == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errkind.HasKind(err, tt.wantKind),
				"want kind %s, got %v", tt.wantKind, err)
		})
	}
}
