// annotation.go — Annotation relay client and envelope shapes.
// The annotation surface rides the same relay as /ops but with a versioned
// payload envelope on its own /annotation path. The extension side renders
// the annotations; this side only frames commands and maps outcomes.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/freshtechbro/opendevbrowser/internal/errkind"
	"github.com/freshtechbro/opendevbrowser/internal/util"
)

// Annotation message types.
const (
	AnnotationCommand  = "annotationCommand"
	AnnotationResponse = "annotationResponse"
	AnnotationEvent    = "annotationEvent"
)

// AnnotationPayloadVersion is the only supported payload version.
const AnnotationPayloadVersion = 1

// AnnotationEnvelope is the outer annotation message.
type AnnotationEnvelope struct {
	Type    string            `json:"type"`
	Payload AnnotationPayload `json:"payload"`
}

// AnnotationPayload is the versioned inner payload.
type AnnotationPayload struct {
	Version   int             `json:"version"`
	RequestID string          `json:"requestId"`
	Command   string          `json:"command,omitempty"`
	Status    string          `json:"status,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Annotation request outcomes.
const (
	AnnotationDirectUnavailable = "direct_unavailable"
	AnnotationDirectFailed      = "direct_failed"
	AnnotationTimeout           = "timeout"
	AnnotationCancelled         = "cancelled"
)

// AnnotationClient is a connected /annotation client.
type AnnotationClient struct {
	log *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan AnnotationPayload
	closed  bool
}

// DialAnnotation connects the annotation client to a resolved endpoint URL.
func DialAnnotation(ctx context.Context, endpointURL string, log *zap.Logger) (*AnnotationClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, endpointURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == 401 {
			return nil, errkind.New(errkind.RelayUnauthorized, "relay rejected the connection (401); re-pair and retry")
		}
		return nil, errkind.Wrap(errkind.DirectUnavailable, err, "cannot connect to relay annotation endpoint")
	}

	c := &AnnotationClient{
		log:     log,
		conn:    conn,
		pending: make(map[string]chan AnnotationPayload),
	}
	util.SafeGo(c.readLoop)
	return c, nil
}

// readLoop dispatches annotationResponse payloads to their pending requests.
// annotationEvent messages are extension-originated and only logged here.
func (c *AnnotationClient) readLoop() {
	for {
		var env AnnotationEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.failAll()
			return
		}
		switch env.Type {
		case AnnotationResponse:
			c.mu.Lock()
			ch, ok := c.pending[env.Payload.RequestID]
			if ok {
				delete(c.pending, env.Payload.RequestID)
			}
			c.mu.Unlock()
			if ok {
				ch <- env.Payload
			}
		case AnnotationEvent:
			c.log.Debug("relay.annotation_event", zap.String("command", env.Payload.Command))
		default:
			c.log.Debug("relay.annotation_unknown", zap.String("type", env.Type))
		}
	}
}

// Request sends one annotation command and waits for its correlated response.
func (c *AnnotationClient) Request(ctx context.Context, command string, data json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	requestID := uuid.NewString()
	env := AnnotationEnvelope{
		Type: AnnotationCommand,
		Payload: AnnotationPayload{
			Version:   AnnotationPayloadVersion,
			RequestID: requestID,
			Command:   command,
			Data:      data,
		},
	}

	ch := make(chan AnnotationPayload, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errkind.New(errkind.DirectUnavailable, "annotation channel is closed")
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(&env)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, errkind.Wrap(errkind.DirectFailed, err, "annotation write failed")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Status == AnnotationDirectUnavailable {
			return nil, errkind.New(errkind.DirectUnavailable, "extension cannot serve annotation command %q: %s", command, resp.Error)
		}
		if resp.Error != "" || resp.Status == AnnotationDirectFailed {
			return nil, errkind.New(errkind.DirectFailed, "annotation command %q failed: %s", command, resp.Error)
		}
		return resp.Data, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, errkind.New(errkind.Timeout, "annotation command %q timed out after %s", command, timeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, errkind.Wrap(errkind.Cancelled, ctx.Err(), "annotation command %q cancelled", command)
	}
}

// failAll rejects every pending request after the connection drops.
func (c *AnnotationClient) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- AnnotationPayload{RequestID: id, Status: AnnotationDirectUnavailable, Error: "relay connection lost"}
	}
}

// Close shuts the connection down.
func (c *AnnotationClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
