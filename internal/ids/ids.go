// Package ids mints the opaque identifiers used across the broker.
// Session and target ids are plain UUIDs; request ids carry a short prefix
// so they are recognizable in logs.
package ids

import "github.com/google/uuid"

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NewTargetID returns a fresh opaque target identifier.
// Independent of any driver-level target id.
func NewTargetID() string {
	return uuid.NewString()
}

// NewRequestID returns a correlation id for one public operation.
func NewRequestID() string {
	return "req-" + uuid.NewString()
}

// NewProfileID returns a fingerprint profile id.
func NewProfileID() string {
	return "fp-" + uuid.NewString()[:8]
}
