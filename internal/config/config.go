// config.go — Broker configuration: JSONC file, defaults, CLI overrides.
// The on-disk format is JSON with comments and trailing commas permitted
// (standardized through hujson before decoding). Missing keys take defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// ============================================
// Config tree
// ============================================

// Config is the root configuration document.
type Config struct {
	Profile        string   `json:"profile,omitempty"`
	Headless       bool     `json:"headless"`
	PersistProfile bool     `json:"persistProfile"`
	ChromePath     string   `json:"chromePath,omitempty"`
	Flags          []string `json:"flags,omitempty"`

	Snapshot SnapshotConfig `json:"snapshot"`
	Security SecurityConfig `json:"security"`
	Devtools DevtoolsConfig `json:"devtools"`
	Export   ExportConfig   `json:"export"`

	Fingerprint FingerprintConfig `json:"fingerprint"`
	Canary      CanaryRootConfig  `json:"canary"`

	RelayPort   int    `json:"relayPort"`
	RelayToken  Token  `json:"relayToken"`
	DaemonPort  int    `json:"daemonPort"`
	DaemonToken string `json:"daemonToken,omitempty"`

	BlockerDetectionThreshold  int                 `json:"blockerDetectionThreshold"`
	BlockerResolutionTimeoutMs int64               `json:"blockerResolutionTimeoutMs"`
	BlockerArtifactCaps        BlockerArtifactCaps `json:"blockerArtifactCaps"`

	Parallelism ParallelismConfig `json:"parallelism"`
}

// Token is a string token that may be explicitly disabled with `false`.
type Token struct {
	Value    string
	Disabled bool
}

// UnmarshalJSON accepts either a string or the literal false.
func (t *Token) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			return fmt.Errorf("token must be a string or false")
		}
		*t = Token{Disabled: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("token must be a string or false")
	}
	*t = Token{Value: s}
	return nil
}

// MarshalJSON renders a disabled token as false.
func (t Token) MarshalJSON() ([]byte, error) {
	if t.Disabled {
		return []byte("false"), nil
	}
	return json.Marshal(t.Value)
}

// SnapshotConfig bounds snapshot output.
type SnapshotConfig struct {
	MaxChars int `json:"maxChars"`
	MaxNodes int `json:"maxNodes"`
}

// SecurityConfig gates the dangerous switches.
type SecurityConfig struct {
	AllowRawCDP          bool              `json:"allowRawCDP"`
	AllowNonLocalCdp     bool              `json:"allowNonLocalCdp"`
	AllowUnsafeExport    bool              `json:"allowUnsafeExport"`
	PromptInjectionGuard PromptGuardConfig `json:"promptInjectionGuard"`
}

// PromptGuardConfig controls prompt-injection screening of page text.
type PromptGuardConfig struct {
	Enabled bool `json:"enabled"`
}

// DevtoolsConfig controls redaction escape hatches.
type DevtoolsConfig struct {
	ShowFullConsole bool `json:"showFullConsole"`
	ShowFullUrls    bool `json:"showFullUrls"`
}

// ExportConfig bounds the clone/export surface.
type ExportConfig struct {
	MaxNodes     int  `json:"maxNodes"`
	InlineStyles bool `json:"inlineStyles"`
}

// CanaryRootConfig holds canary toggles outside the fingerprint tree.
type CanaryRootConfig struct {
	Targets CanaryTargetsConfig `json:"targets"`
}

// CanaryTargetsConfig toggles per-target canary accounting.
type CanaryTargetsConfig struct {
	Enabled bool `json:"enabled"`
}

// FingerprintConfig holds the three fingerprint tiers.
type FingerprintConfig struct {
	Tier1 Tier1Config `json:"tier1"`
	Tier2 Tier2Config `json:"tier2"`
	Tier3 Tier3Config `json:"tier3"`
}

// Tier1Config is the static coherence check.
type Tier1Config struct {
	Enabled             bool      `json:"enabled"`
	WarnOnly            bool      `json:"warnOnly"`
	Locale              string    `json:"locale,omitempty"`
	Timezone            string    `json:"timezone,omitempty"`
	Languages           []string  `json:"languages,omitempty"`
	RequireProxy        bool      `json:"requireProxy"`
	GeolocationRequired bool      `json:"geolocationRequired"`
	Geolocation         *GeoPoint `json:"geolocation,omitempty"`
}

// GeoPoint is an expected geolocation.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Tier2Config is the adaptive runtime profile.
type Tier2Config struct {
	Enabled                 bool     `json:"enabled"`
	Mode                    string   `json:"mode"` // "deterministic" | "adaptive"
	ContinuousSignals       bool     `json:"continuousSignals"`
	RotationIntervalMs      int64    `json:"rotationIntervalMs"`
	ChallengePatterns       []string `json:"challengePatterns,omitempty"`
	MaxChallengeEvents      int      `json:"maxChallengeEvents"`
	ScorePenalty            int      `json:"scorePenalty"`
	ScoreRecovery           int      `json:"scoreRecovery"`
	RotationHealthThreshold int      `json:"rotationHealthThreshold"`
}

// Tier3Config is the canary-promoted adaptive profile.
type Tier3Config struct {
	Enabled           bool         `json:"enabled"`
	ContinuousSignals bool         `json:"continuousSignals"`
	FallbackTier      string       `json:"fallbackTier"` // "tier1" | "tier2"
	Canary            CanaryConfig `json:"canary"`
}

// CanaryConfig bounds the tier3 decision window.
type CanaryConfig struct {
	WindowSize        int     `json:"windowSize"`
	MinSamples        int     `json:"minSamples"`
	PromoteThreshold  float64 `json:"promoteThreshold"`
	RollbackThreshold float64 `json:"rollbackThreshold"`
}

// BlockerArtifactCaps bounds debug-trace artifact attachment.
type BlockerArtifactCaps struct {
	MaxNetworkEvents int `json:"maxNetworkEvents"`
	MaxHosts         int `json:"maxHosts"`
}

// ParallelismConfig drives the per-session governor.
type ParallelismConfig struct {
	Floor                 int   `json:"floor"`
	BackpressureTimeoutMs int64 `json:"backpressureTimeoutMs"`
	SampleIntervalMs      int64 `json:"sampleIntervalMs"`
	RecoveryStableWindows int   `json:"recoveryStableWindows"`

	HostFreeMemMediumPct   float64 `json:"hostFreeMemMediumPct"`
	HostFreeMemHighPct     float64 `json:"hostFreeMemHighPct"`
	HostFreeMemCriticalPct float64 `json:"hostFreeMemCriticalPct"`

	RssBudgetMb    int     `json:"rssBudgetMb"`
	RssSoftPct     float64 `json:"rssSoftPct"`
	RssHighPct     float64 `json:"rssHighPct"`
	RssCriticalPct float64 `json:"rssCriticalPct"`

	QueueAgeHighMs     int64 `json:"queueAgeHighMs"`
	QueueAgeCriticalMs int64 `json:"queueAgeCriticalMs"`

	ModeCaps ModeCaps `json:"modeCaps"`
}

// ModeCaps holds the static concurrency cap per governor mode variant.
type ModeCaps struct {
	ManagedHeaded            int `json:"managedHeaded"`
	ManagedHeadless          int `json:"managedHeadless"`
	CdpConnectHeaded         int `json:"cdpConnectHeaded"`
	CdpConnectHeadless       int `json:"cdpConnectHeadless"`
	ExtensionOpsHeaded       int `json:"extensionOpsHeaded"`
	ExtensionLegacyCdpHeaded int `json:"extensionLegacyCdpHeaded"`
}

// ============================================
// Defaults
// ============================================

// Default returns a config with every key at its documented default.
func Default() *Config {
	return &Config{
		Headless:       false,
		PersistProfile: false,
		Snapshot:       SnapshotConfig{MaxChars: 60000, MaxNodes: 4000},
		Security: SecurityConfig{
			PromptInjectionGuard: PromptGuardConfig{Enabled: true},
		},
		Export: ExportConfig{MaxNodes: 2000, InlineStyles: true},
		Fingerprint: FingerprintConfig{
			Tier1: Tier1Config{Enabled: true, WarnOnly: true},
			Tier2: Tier2Config{
				Enabled:                 false,
				Mode:                    "deterministic",
				RotationIntervalMs:      30 * 60 * 1000,
				MaxChallengeEvents:      50,
				ScorePenalty:            10,
				ScoreRecovery:           1,
				RotationHealthThreshold: 40,
			},
			Tier3: Tier3Config{
				Enabled:      false,
				FallbackTier: "tier2",
				Canary: CanaryConfig{
					WindowSize:        20,
					MinSamples:        5,
					PromoteThreshold:  80,
					RollbackThreshold: 40,
				},
			},
		},
		RelayPort:                  9223,
		DaemonPort:                 9224,
		BlockerDetectionThreshold:  2,
		BlockerResolutionTimeoutMs: 120000,
		BlockerArtifactCaps:        BlockerArtifactCaps{MaxNetworkEvents: 20, MaxHosts: 10},
		Parallelism: ParallelismConfig{
			Floor:                 1,
			BackpressureTimeoutMs: 15000,
			SampleIntervalMs:      2000,
			RecoveryStableWindows: 3,

			HostFreeMemMediumPct:   20,
			HostFreeMemHighPct:     12,
			HostFreeMemCriticalPct: 6,

			RssBudgetMb:    2048,
			RssSoftPct:     70,
			RssHighPct:     85,
			RssCriticalPct: 95,

			QueueAgeHighMs:     5000,
			QueueAgeCriticalMs: 15000,

			ModeCaps: ModeCaps{
				ManagedHeaded:            4,
				ManagedHeadless:          6,
				CdpConnectHeaded:         3,
				CdpConnectHeadless:       4,
				ExtensionOpsHeaded:       2,
				ExtensionLegacyCdpHeaded: 1,
			},
		},
	}
}

// ============================================
// Load / Save
// ============================================

// DefaultPath returns the config file location under the user config dir.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(base, "opendevbrowser", "config.jsonc"), nil
}

// Load reads a JSONC config file, layering it over Default().
// A missing file yields defaults with freshly minted tokens, persisted back
// so subsequent runs reuse the same tokens.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304 -- path is the user's own config location
	if os.IsNotExist(err) {
		if mintErr := cfg.ensureTokens(); mintErr != nil {
			return nil, mintErr
		}
		if saveErr := Save(path, cfg); saveErr != nil {
			return nil, saveErr
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// hujson tolerates comments and trailing commas; Standardize yields
	// plain JSON for encoding/json.
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := json.Unmarshal(std, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	changed, err := cfg.mintMissingTokens()
	if err != nil {
		return nil, err
	}
	if changed {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Save writes the config with restrictive permissions (0700 dir, 0600 file).
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ensureTokens mints both tokens unconditionally (first run).
func (c *Config) ensureTokens() error {
	_, err := c.mintMissingTokens()
	return err
}

// mintMissingTokens fills empty, non-disabled tokens with 32-byte hex values.
// Returns true when anything was minted.
func (c *Config) mintMissingTokens() (bool, error) {
	changed := false
	if !c.RelayToken.Disabled && c.RelayToken.Value == "" {
		tok, err := mintToken()
		if err != nil {
			return false, err
		}
		c.RelayToken.Value = tok
		changed = true
	}
	if c.DaemonToken == "" {
		tok, err := mintToken()
		if err != nil {
			return false, err
		}
		c.DaemonToken = tok
		changed = true
	}
	return changed, nil
}

func mintToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
