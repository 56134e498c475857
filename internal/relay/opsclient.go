// opsclient.go — Request/response RPC over the relay's /ops WebSocket.
// Frames JSON envelopes with request ids, resolves responses by id, and
// forwards session-lifecycle events to the session manager. Lease ownership
// is asserted per request; the relay answers not_owner when the lease does
// not match its held one.
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

// Envelope is the ops relay wire message.
type Envelope struct {
	Type         string          `json:"type"`
	RequestID    string          `json:"requestId,omitempty"`
	ClientID     string          `json:"clientId,omitempty"`
	OpsSessionID string          `json:"opsSessionId,omitempty"`
	LeaseID      string          `json:"leaseId,omitempty"`
	Command      string          `json:"command,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Event        string          `json:"event,omitempty"`
	Error        *EnvelopeError  `json:"error,omitempty"`
}

// EnvelopeError is the relay's error payload.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Relay event names delivered asynchronously.
const (
	EventSessionClosed  = "ops_session_closed"
	EventSessionExpired = "ops_session_expired"
	EventTabClosed      = "ops_tab_closed"
)

// EventHandler receives async relay events for session bookkeeping.
type EventHandler func(event string, opsSessionID string, payload json.RawMessage)

// OpsClient is a connected /ops RPC client.
type OpsClient struct {
	log      *zap.Logger
	clientID string
	onEvent  EventHandler

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan *Envelope
	closed  bool
}

// DialOps connects the ops client to a resolved endpoint URL.
func DialOps(ctx context.Context, endpointURL string, log *zap.Logger, onEvent EventHandler) (*OpsClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, endpointURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == 401 {
			return nil, errkind.New(errkind.RelayUnauthorized, "relay rejected the connection (401); re-pair and retry")
		}
		return nil, errkind.Wrap(errkind.RelayUnavailable, err, "cannot connect to relay ops endpoint")
	}

	c := &OpsClient{
		log:      log,
		clientID: uuid.NewString(),
		onEvent:  onEvent,
		conn:     conn,
		pending:  make(map[string]chan *Envelope),
	}
	util.SafeGo(c.readLoop)
	return c, nil
}

// readLoop dispatches inbound envelopes to pending requests or the event
// handler until the connection drops.
func (c *OpsClient) readLoop() {
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.failAll(errkind.Wrap(errkind.RelayUnavailable, err, "relay connection lost"))
			return
		}
		switch env.Type {
		case "ops_response", "ops_error":
			c.mu.Lock()
			ch, ok := c.pending[env.RequestID]
			if ok {
				delete(c.pending, env.RequestID)
			}
			c.mu.Unlock()
			if ok {
				envCopy := env
				ch <- &envCopy
			}
		case "ops_event":
			if c.onEvent != nil {
				c.onEvent(env.Event, env.OpsSessionID, env.Payload)
			}
		default:
			c.log.Debug("relay.unknown_envelope", zap.String("type", env.Type))
		}
	}
}

// Request sends one command and waits for its correlated response.
// leaseID asserts ownership of the ops session; payload may be nil.
func (c *OpsClient) Request(ctx context.Context, command string, payload any, opsSessionID, leaseID string, timeout time.Duration) (json.RawMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errkind.Wrap(errkind.InvalidInput, err, "cannot encode relay payload")
		}
		raw = data
	}

	requestID := uuid.NewString()
	env := Envelope{
		Type:         "ops_command",
		RequestID:    requestID,
		ClientID:     c.clientID,
		OpsSessionID: opsSessionID,
		LeaseID:      leaseID,
		Command:      command,
		Payload:      raw,
	}

	ch := make(chan *Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errkind.New(errkind.RelayUnavailable, "relay client is closed")
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	if err := c.write(&env); err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, errkind.Wrap(errkind.RelayUnavailable, err, "relay write failed")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Type == "ops_error" {
			return nil, c.translateError(resp.Error)
		}
		return resp.Payload, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, errkind.New(errkind.Timeout, "relay command %q timed out after %s", command, timeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, errkind.Wrap(errkind.Cancelled, ctx.Err(), "relay command %q cancelled", command)
	}
}

// translateError maps relay error codes to kinded errors.
func (c *OpsClient) translateError(e *EnvelopeError) error {
	if e == nil {
		return errkind.New(errkind.DirectFailed, "relay returned an error with no detail")
	}
	switch e.Code {
	case "invalid_session":
		return errkind.New(errkind.InvalidSession, "relay does not know this ops session: %s", e.Message)
	case "not_owner":
		return errkind.New(errkind.RelayUnauthorized, "another client holds the lease for this ops session")
	case "timeout":
		return errkind.New(errkind.Timeout, "relay-side timeout: %s", e.Message)
	case "relay_unavailable":
		return errkind.New(errkind.RelayUnavailable, "relay unavailable: %s", e.Message)
	default:
		return errkind.New(errkind.DirectFailed, "relay error %s: %s", e.Code, e.Message)
	}
}

func (c *OpsClient) write(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// failAll rejects every pending request after the connection drops.
func (c *OpsClient) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- &Envelope{Type: "ops_error", RequestID: id, Error: &EnvelopeError{Code: "relay_unavailable", Message: err.Error()}}
	}
}

// Close shuts the connection down.
func (c *OpsClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
