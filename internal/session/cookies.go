// cookies.go — Cookie import/list with strict validation.
// Validation runs over the whole batch before anything reaches the driver:
// in strict mode a single invalid record fails the import with zero side
// effects; otherwise valid records import and invalid ones are reported.
package session

import (
	"context"
	"math"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/freshtechbro/opendevbrowser/internal/driver"
	"github.com/freshtechbro/opendevbrowser/internal/errkind"
)

// cookieNameRe: no whitespace, semicolons, or equals signs in names.
var cookieNameRe = regexp.MustCompile(`^[^\s;=]+$`)

// CookieInput is one caller-supplied cookie record.
type CookieInput struct {
	Name     string   `json:"name"`
	Value    string   `json:"value"`
	URL      string   `json:"url,omitempty"`
	Domain   string   `json:"domain,omitempty"`
	Path     string   `json:"path,omitempty"`
	Secure   bool     `json:"secure,omitempty"`
	HTTPOnly bool     `json:"httpOnly,omitempty"`
	Expires  *float64 `json:"expires,omitempty"`
	SameSite string   `json:"sameSite,omitempty"`
}

// CookieRejection reports one invalid record by its input index.
type CookieRejection struct {
	Index  int    `json:"index"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
}

// CookieImportResult summarizes an import.
type CookieImportResult struct {
	Imported int               `json:"imported"`
	Rejected []CookieRejection `json:"rejected,omitempty"`
}

// CookieImport validates and imports a cookie batch. strict makes the import
// all-or-nothing: any invalid record fails the whole call before the driver
// sees anything.
func (m *Manager) CookieImport(ctx context.Context, sessionID string, cookies []CookieInput, strict bool) (*CookieImportResult, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	if len(cookies) == 0 {
		return nil, errkind.New(errkind.InvalidInput, "cookie list is empty")
	}

	valid := make([]driver.Cookie, 0, len(cookies))
	rejected := make([]CookieRejection, 0)
	for i, c := range cookies {
		normalized, reason := normalizeCookie(c)
		if reason != "" {
			rejected = append(rejected, CookieRejection{Index: i, Name: c.Name, Reason: reason})
			continue
		}
		valid = append(valid, normalized)
	}

	if strict && len(rejected) > 0 {
		return nil, errkind.New(errkind.InvalidInput,
			"strict import rejected %d of %d cookies (first: index %d: %s)",
			len(rejected), len(cookies), rejected[0].Index, rejected[0].Reason)
	}

	if len(valid) > 0 {
		if err := sess.browser.SetCookies(ctx, valid); err != nil {
			return nil, errkind.ClassifyDriverError(err)
		}
	}

	sess.log.Info("cookies.import",
		zap.Int("imported", len(valid)),
		zap.Int("rejected", len(rejected)),
		zap.Bool("strict", strict))
	return &CookieImportResult{Imported: len(valid), Rejected: rejected}, nil
}

// CookieListEntry is one cookie in a listing, values redacted by length.
type CookieListEntry struct {
	Name     string  `json:"name"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"httpOnly"`
	Expires  float64 `json:"expires,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
	ValueLen int     `json:"valueLen"`
}

// CookieList lists the browser's cookies. Values are never returned, only
// their lengths.
func (m *Manager) CookieList(ctx context.Context, sessionID string) ([]CookieListEntry, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	raw, err := sess.browser.Cookies(ctx)
	if err != nil {
		return nil, errkind.ClassifyDriverError(err)
	}
	out := make([]CookieListEntry, 0, len(raw))
	for _, c := range raw {
		out = append(out, CookieListEntry{
			Name:     c.Name,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			Expires:  c.Expires,
			SameSite: c.SameSite,
			ValueLen: len(c.Value),
		})
	}
	return out, nil
}

// normalizeCookie validates one record and produces the driver cookie.
// Returns a non-empty reason when the record is invalid. A record carrying
// both url and domain normalizes to (domain, path); the url is dropped.
func normalizeCookie(c CookieInput) (driver.Cookie, string) {
	var zero driver.Cookie

	if c.Name == "" {
		return zero, "name is required"
	}
	if !cookieNameRe.MatchString(c.Name) {
		return zero, "name contains whitespace, ';', or '='"
	}
	if strings.ContainsAny(c.Value, ";\r\n") {
		return zero, "value contains ';' or a line break"
	}

	if c.URL == "" && c.Domain == "" {
		return zero, "either url or domain is required"
	}

	if c.URL != "" {
		parsed, err := url.Parse(c.URL)
		if err != nil || parsed.Host == "" {
			return zero, "url is not a valid URL"
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return zero, "url must use http or https"
		}
	}

	domain := strings.ToLower(c.Domain)
	if domain != "" {
		if strings.Contains(domain, "..") {
			return zero, "domain contains '..'"
		}
		if strings.ContainsAny(domain, " ;\r\n") {
			return zero, "domain contains invalid characters"
		}
	}

	path := c.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		return zero, "path must start with '/'"
	}

	var expires float64
	if c.Expires != nil {
		if math.IsNaN(*c.Expires) || math.IsInf(*c.Expires, 0) {
			return zero, "expires must be a finite number"
		}
		if *c.Expires < -1 {
			return zero, "expires must be >= -1"
		}
		expires = *c.Expires
	}

	sameSite := normalizeSameSite(c.SameSite)
	if sameSite == "invalid" {
		return zero, "sameSite must be Strict, Lax, or None"
	}
	if sameSite == "None" && !c.Secure {
		return zero, "sameSite=None requires secure=true"
	}

	out := driver.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		Expires:  expires,
		SameSite: sameSite,
	}
	// A cookie addresses its scope by url or by (domain, path), never both.
	if domain != "" {
		out.Domain = domain
		out.Path = path
		if out.Path == "" {
			out.Path = "/"
		}
	} else {
		out.URL = c.URL
	}
	return out, ""
}

func normalizeSameSite(s string) string {
	switch strings.ToLower(s) {
	case "":
		return ""
	case "strict":
		return "Strict"
	case "lax":
		return "Lax"
	case "none":
		return "None"
	default:
		return "invalid"
	}
}
