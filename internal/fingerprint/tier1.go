// tier1.go — One-shot fingerprint coherence evaluation.
// Runs once at session start: compares the expected persona (locale,
// timezone, languages, proxy, geolocation) against what the launch flags
// actually configure, and reports mismatches as issues plus human warnings.
package fingerprint

import (
	"fmt"
	"strings"

	"github.com/freshtechbro/opendevbrowser/internal/config"
)

// LaunchDerived carries the persona-relevant values derived from launch flags.
type LaunchDerived struct {
	Lang        string // --lang
	Timezone    string // --timezone / --timezone-for-testing
	ProxyServer string // --proxy-server
	Geolocation *config.GeoPoint
}

// Tier1Result is the coherence outcome.
type Tier1Result struct {
	Enabled  bool     `json:"enabled"`
	OK       bool     `json:"ok"`
	Issues   []string `json:"issues,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// EvaluateTier1 runs the coherence check.
func EvaluateTier1(cfg config.Tier1Config, derived LaunchDerived) Tier1Result {
	res := Tier1Result{Enabled: cfg.Enabled, OK: true}
	if !cfg.Enabled {
		return res
	}

	addIssue := func(code, warning string) {
		res.Issues = append(res.Issues, code)
		res.Warnings = append(res.Warnings, warning)
		res.OK = false
	}

	if cfg.Locale != "" && derived.Lang != "" && !localeMatches(cfg.Locale, derived.Lang) {
		addIssue("locale_mismatch",
			fmt.Sprintf("expected locale %q but browser launches with --lang=%s", cfg.Locale, derived.Lang))
	}
	if cfg.Locale != "" && derived.Lang == "" {
		addIssue("locale_unset",
			fmt.Sprintf("expected locale %q but no --lang flag is set", cfg.Locale))
	}

	if cfg.Timezone != "" && derived.Timezone != "" && cfg.Timezone != derived.Timezone {
		addIssue("timezone_mismatch",
			fmt.Sprintf("expected timezone %q but browser launches with %q", cfg.Timezone, derived.Timezone))
	}
	if cfg.Timezone != "" && derived.Timezone == "" {
		addIssue("timezone_unset",
			fmt.Sprintf("expected timezone %q but no timezone flag is set", cfg.Timezone))
	}

	if len(cfg.Languages) > 0 && derived.Lang != "" {
		found := false
		for _, l := range cfg.Languages {
			if localeMatches(l, derived.Lang) {
				found = true
				break
			}
		}
		if !found {
			addIssue("languages_mismatch",
				fmt.Sprintf("--lang=%s is not in the expected language list %v", derived.Lang, cfg.Languages))
		}
	}

	if cfg.RequireProxy && derived.ProxyServer == "" {
		addIssue("proxy_missing", "persona requires a proxy but no --proxy-server flag is set")
	}

	if cfg.GeolocationRequired && derived.Geolocation == nil {
		addIssue("geolocation_missing", "persona requires a geolocation override but none is configured")
	}

	return res
}

// localeMatches compares locales case-insensitively, accepting a bare
// language prefix ("en" matches "en-US").
func localeMatches(expected, actual string) bool {
	e := strings.ToLower(strings.ReplaceAll(expected, "_", "-"))
	a := strings.ToLower(strings.ReplaceAll(actual, "_", "-"))
	if e == a {
		return true
	}
	return strings.HasPrefix(a, e+"-") || strings.HasPrefix(e, a+"-")
}
