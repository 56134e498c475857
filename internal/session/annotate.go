// annotate.go — Annotation commands over the relay's /annotation surface.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/freshtechbro/opendevbrowser/internal/errkind"
)

// annotateTimeout bounds one annotation round trip.
const annotateTimeout = 10 * time.Second

// Annotate forwards an annotation command to the extension. Only available
// when the relay serves the /annotation surface.
func (m *Manager) Annotate(ctx context.Context, sessionID, command string, data json.RawMessage) (json.RawMessage, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	if command == "" {
		return nil, errkind.New(errkind.InvalidInput, "annotation command is required")
	}

	sess.mu.Lock()
	ann := sess.ann
	sess.mu.Unlock()
	if ann == nil {
		return nil, errkind.New(errkind.DirectUnavailable,
			"this session has no annotation channel; connect through the extension relay")
	}
	return ann.Request(ctx, command, data, annotateTimeout)
}
