package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.Headless)
	assert.False(t, cfg.PersistProfile)
	assert.Equal(t, 60000, cfg.Snapshot.MaxChars)
	assert.True(t, cfg.Security.PromptInjectionGuard.Enabled)
	assert.False(t, cfg.Security.AllowRawCDP)
	assert.True(t, cfg.Fingerprint.Tier1.Enabled)
	assert.True(t, cfg.Fingerprint.Tier1.WarnOnly)
	assert.False(t, cfg.Fingerprint.Tier2.Enabled)
	assert.Equal(t, 9223, cfg.RelayPort)
	assert.Equal(t, int64(120000), cfg.BlockerResolutionTimeoutMs)
	assert.Equal(t, 1, cfg.Parallelism.Floor)
	assert.Equal(t, 4, cfg.Parallelism.ModeCaps.ManagedHeaded)
	assert.Equal(t, 1, cfg.Parallelism.ModeCaps.ExtensionLegacyCdpHeaded)
}

func TestLoadJSONCWithCommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
  // run without a window
  "headless": true,
  "snapshot": {
    "maxChars": 1234, // tightened for tests
  },
  "relayToken": "abc123",
  "daemonToken": "def456",
  "parallelism": {
    "modeCaps": { "managedHeaded": 2, },
  },
}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Headless)
	assert.Equal(t, 1234, cfg.Snapshot.MaxChars)
	assert.Equal(t, "abc123", cfg.RelayToken.Value)
	assert.Equal(t, 2, cfg.Parallelism.ModeCaps.ManagedHeaded)

	// Unset keys keep their defaults.
	assert.Equal(t, 4000, cfg.Snapshot.MaxNodes)
	assert.Equal(t, 6, cfg.Parallelism.ModeCaps.ManagedHeadless)
}

func TestLoadMissingFileMintsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.jsonc")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.RelayToken.Value, 64, "32 random bytes hex-encoded")
	assert.Len(t, cfg.DaemonToken, 64)

	// The minted tokens were written back and survive a reload.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.RelayToken.Value, again.RelayToken.Value)
	assert.Equal(t, cfg.DaemonToken, again.DaemonToken)
}

func TestRelayTokenFalseDisables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"relayToken": false, "daemonToken": "x"}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.RelayToken.Disabled)
	assert.Empty(t, cfg.RelayToken.Value, "disabled token is never minted")

	// A disabled token round-trips as the literal false.
	data, err := json.Marshal(cfg.RelayToken)
	require.NoError(t, err)
	assert.Equal(t, "false", string(data))
}

func TestTokenRejectsTrue(t *testing.T) {
	var tok Token
	require.Error(t, json.Unmarshal([]byte(`true`), &tok))
	require.Error(t, json.Unmarshal([]byte(`42`), &tok))
	require.NoError(t, json.Unmarshal([]byte(`"secret"`), &tok))
	assert.Equal(t, "secret", tok.Value)
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"headless": `), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}
