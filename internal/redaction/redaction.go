// redaction.go — Sensitive-data scrubbing for console text and URLs.
// Scrubs secrets from tracker payloads before they reach callers or logs.
// Uses RE2 regex (Go's regexp package) for guaranteed linear-time matching.
// Thread-safe: all patterns are compiled at init and reused across requests.
package redaction

import (
	"net/url"
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// ============================================
// Console text redaction
// ============================================

var (
	// Rule (i): sensitive k=v pairs — keep the key, replace the value.
	sensitivePairRe = regexp.MustCompile(`(?i)\b(token|key|secret|password|auth|bearer|credential)s?\b(\s*[:=]\s*)(\S+)`)

	// Rule (ii): JWT-like triple-segment base64url strings.
	jwtRe = regexp.MustCompile(`\b[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`)

	// Rule (iii): prefixed API keys.
	prefixedKeyRe = regexp.MustCompile(`\b(sk_|pk_|api_|key_|token_|secret_|bearer_)[A-Za-z0-9_-]+\b`)

	// Rule (iv) candidates: any 16+ char word; class mix checked separately.
	longWordRe = regexp.MustCompile(`[A-Za-z0-9_-]{16,}`)

	uuidRe    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numericRe = regexp.MustCompile(`^[0-9]+$`)
)

// RedactText applies the console redaction rules in order. Rules are
// idempotent: re-redacting produces the same output.
func RedactText(input string) string {
	if input == "" {
		return ""
	}
	out := sensitivePairRe.ReplaceAllString(input, "${1}${2}"+placeholder)
	out = jwtRe.ReplaceAllString(out, placeholder)
	out = prefixedKeyRe.ReplaceAllString(out, placeholder)
	out = longWordRe.ReplaceAllStringFunc(out, func(word string) string {
		if word == placeholder || !looksLikeSecret(word) {
			return word
		}
		return placeholder
	})
	return out
}

// looksLikeSecret reports whether a 16+ char word mixes at least two of
// {lowercase, uppercase, digit, underscore/hyphen} character classes.
// UUIDs and purely numeric strings are never secrets.
func looksLikeSecret(word string) bool {
	if uuidRe.MatchString(word) || numericRe.MatchString(word) {
		return false
	}
	var lower, upper, digit, punct bool
	for _, r := range word {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		case r == '_' || r == '-':
			punct = true
		}
	}
	classes := 0
	for _, b := range []bool{lower, upper, digit, punct} {
		if b {
			classes++
		}
	}
	return classes >= 2
}

// ============================================
// URL sanitation
// ============================================

// SanitizeURL strips query and fragment, then replaces token-like path
// segments with [REDACTED]. UUID and purely-numeric segments are preserved.
// Unparsable URLs get a plain-text query strip.
func SanitizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return stripQueryText(raw)
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.RawFragment = ""

	if parsed.Path != "" && parsed.Path != "/" {
		segments := strings.Split(parsed.Path, "/")
		for i, seg := range segments {
			if seg == "" {
				continue
			}
			if uuidRe.MatchString(seg) || numericRe.MatchString(seg) {
				continue
			}
			if len(seg) >= 16 && looksLikeSecret(seg) {
				segments[i] = placeholder
			}
		}
		parsed.Path = strings.Join(segments, "/")
		parsed.RawPath = ""
	}
	return parsed.String()
}

// stripQueryText removes everything after the first '?' or '#'.
func stripQueryText(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}
