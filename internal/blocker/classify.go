// classify.go — Evidence classifier for navigation obstacles.
// Inspects navigation/network/console evidence and decides whether the page
// is behind an authentication wall, an anti-bot challenge, or an upstream
// block. Returns nil when nothing blocking is recognized.
package blocker

import (
	"regexp"
	"strings"
)

// Type identifies a blocker class.
type Type string

const (
	AuthRequired  Type = "auth_required"
	Challenge     Type = "challenge"
	UpstreamBlock Type = "upstream_block"
)

// Blocker is a classified obstacle.
type Blocker struct {
	Type    Type   `json:"type"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Evidence is the reconciliation input the classifier inspects.
type Evidence struct {
	Source            string
	URL               string
	FinalURL          string
	Title             string
	Status            int
	ProviderErrorCode string
	Message           string
	NetworkHosts      []string
	MatchedPatterns   []string
	PromptGuard       bool
}

// EffectiveURL returns the final URL when present, the requested one otherwise.
func (e Evidence) EffectiveURL() string {
	if e.FinalURL != "" {
		return e.FinalURL
	}
	return e.URL
}

var (
	authPathRe  = regexp.MustCompile(`(?i)/(login|signin|sign-in|sign_in|auth|sso|oauth|i/flow/login|accounts/login)(/|$|\?)`)
	authTitleRe = regexp.MustCompile(`(?i)\b(log in|login|sign in|signin|authenticate|verify your identity)\b`)

	challengeURLRe   = regexp.MustCompile(`(?i)(captcha|challenge|cf-chl|cf_chl|turnstile|px-captcha|arkose|geo\.captcha)`)
	challengeTitleRe = regexp.MustCompile(`(?i)(just a moment|attention required|are you a robot|verify you are human|security check)`)

	blockTitleRe = regexp.MustCompile(`(?i)(access denied|forbidden|blocked|rate limit|too many requests|service unavailable)`)

	challengeHosts = []string{
		"challenges.cloudflare.com",
		"hcaptcha.com",
		"recaptcha.net",
		"www.google.com/recaptcha",
		"arkoselabs.com",
		"perimeterx.net",
	}
)

// Classify returns a Blocker describing the obstacle in the evidence,
// or nil when the evidence looks clear.
func Classify(ev Evidence) *Blocker {
	url := strings.ToLower(ev.EffectiveURL())
	title := ev.Title

	// Explicit provider signals win over heuristics.
	if ev.ProviderErrorCode != "" {
		return &Blocker{Type: UpstreamBlock, Reason: "provider_error", Message: ev.ProviderErrorCode}
	}

	// Anti-bot challenges: URL markers, well-known challenge hosts, titles,
	// or caller-supplied matched patterns.
	if challengeURLRe.MatchString(url) || challengeTitleRe.MatchString(title) {
		return &Blocker{Type: Challenge, Reason: "challenge_surface"}
	}
	for _, host := range ev.NetworkHosts {
		h := strings.ToLower(host)
		for _, known := range challengeHosts {
			if strings.Contains(h, known) {
				return &Blocker{Type: Challenge, Reason: "challenge_host", Message: host}
			}
		}
	}
	for _, p := range ev.MatchedPatterns {
		if strings.Contains(url, strings.ToLower(p)) {
			return &Blocker{Type: Challenge, Reason: "matched_pattern", Message: p}
		}
	}

	// Authentication walls: login-ish path or title.
	if authPathRe.MatchString(url) || authTitleRe.MatchString(title) {
		return &Blocker{Type: AuthRequired, Reason: "auth_surface"}
	}

	// Upstream blocks: blocking status codes or block-page titles.
	switch ev.Status {
	case 401, 403, 407, 429, 503:
		return &Blocker{Type: UpstreamBlock, Reason: "status", Message: ev.Message}
	}
	if blockTitleRe.MatchString(title) {
		return &Blocker{Type: UpstreamBlock, Reason: "block_surface"}
	}

	return nil
}
