// classify.go — Driver error message classification.
// The driver surfaces failures as opaque error strings. A handful of known
// patterns get translated to kinded errors with actionable guidance; anything
// else propagates unchanged. Typed checks first, substring fallback second.
package errkind

import (
	"strings"
)

// Known driver failure substrings. These are matched case-insensitively
// against the raw driver error text.
var (
	profileLockPatterns = []string{
		"profile is already in use",
		"singletonlock",
		"processsingleton",
		"user data directory is already in use",
	}
	detachedFramePatterns = []string{
		"frame was detached",
		"detached frame",
		"frame got detached",
		"execution context was destroyed",
	}
	staleTabPatterns = []string{
		"no tab with given id",
		"tab was closed",
		"target closed",
	}
	targetNotAllowedPatterns = []string{
		"cannot create new tab",
		"tabs.create is not allowed",
		"target creation not permitted",
	}
	extensionNotReadyPatterns = []string{
		"extension not connected",
		"no extension client",
		"relay has no connected extension",
	}
)

// ClassifyDriverError maps a raw driver error to a kinded error where the
// message matches a known pattern. Returns err unchanged otherwise.
func ClassifyDriverError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	if matchesAny(msg, profileLockPatterns) {
		return Wrap(ProfileLocked, err,
			"browser profile is locked by another process; use `--profile <name>` or `--persist-profile false`")
	}
	if matchesAny(msg, detachedFramePatterns) {
		return Wrap(DetachedFrame, err, "frame detached during operation")
	}
	if matchesAny(msg, staleTabPatterns) {
		return Wrap(InvalidSession, err, "browser tab is gone; re-select a target with listTargets/useTarget")
	}
	if matchesAny(msg, targetNotAllowedPatterns) {
		return Wrap(ExtensionTargetNotAllowed, err, "extension cannot create tabs; reusing the active tab instead")
	}
	if matchesAny(msg, extensionNotReadyPatterns) {
		return Wrap(ExtensionTargetReadyTimeout, err, "extension is not attached yet; open the extension popup and retry")
	}
	return err
}

// IsRetryableDetachedFrame reports whether err should get the single internal
// retry the session manager applies in extension mode.
func IsRetryableDetachedFrame(err error) bool {
	if err == nil {
		return false
	}
	if HasKind(err, DetachedFrame) {
		return true
	}
	return matchesAny(strings.ToLower(err.Error()), detachedFramePatterns)
}

func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
