package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshtechbro/opendevbrowser/internal/errkind"
)

type fakeAnnotationRelay struct {
	respond func(conn *websocket.Conn, env AnnotationEnvelope)

	mu       sync.Mutex
	received []AnnotationEnvelope
}

func (f *fakeAnnotationRelay) start(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env AnnotationEnvelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, env)
			f.mu.Unlock()
			if f.respond != nil {
				f.respond(conn, env)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *fakeAnnotationRelay) last() AnnotationEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received[len(f.received)-1]
}

func TestAnnotationRoundTrip(t *testing.T) {
	relay := &fakeAnnotationRelay{respond: func(conn *websocket.Conn, env AnnotationEnvelope) {
		_ = conn.WriteJSON(AnnotationEnvelope{
			Type: AnnotationResponse,
			Payload: AnnotationPayload{
				Version:   AnnotationPayloadVersion,
				RequestID: env.Payload.RequestID,
				Data:      json.RawMessage(`{"shown":true}`),
			},
		})
	}}
	c, err := DialAnnotation(context.Background(), relay.start(t), nil)
	require.NoError(t, err)
	defer c.Close()

	data, err := c.Request(context.Background(), "highlight", json.RawMessage(`{"ref":"e1"}`), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"shown":true}`, string(data))

	sent := relay.last()
	assert.Equal(t, AnnotationCommand, sent.Type)
	assert.Equal(t, AnnotationPayloadVersion, sent.Payload.Version)
	assert.Equal(t, "highlight", sent.Payload.Command)
	assert.NotEmpty(t, sent.Payload.RequestID)
}

func TestAnnotationOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		payload AnnotationPayload
		kind    errkind.Kind
	}{
		{"direct_unavailable", AnnotationPayload{Status: AnnotationDirectUnavailable, Error: "no tab"}, errkind.DirectUnavailable},
		{"direct_failed", AnnotationPayload{Status: AnnotationDirectFailed, Error: "render failed"}, errkind.DirectFailed},
		{"bare_error", AnnotationPayload{Error: "render failed"}, errkind.DirectFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			relay := &fakeAnnotationRelay{respond: func(conn *websocket.Conn, env AnnotationEnvelope) {
				p := tc.payload
				p.Version = AnnotationPayloadVersion
				p.RequestID = env.Payload.RequestID
				_ = conn.WriteJSON(AnnotationEnvelope{Type: AnnotationResponse, Payload: p})
			}}
			c, err := DialAnnotation(context.Background(), relay.start(t), nil)
			require.NoError(t, err)
			defer c.Close()

			_, err = c.Request(context.Background(), "highlight", nil, time.Second)
			require.Error(t, err)
			assert.True(t, errkind.HasKind(err, tc.kind), "got %v", err)
		})
	}
}

func TestAnnotationTimeout(t *testing.T) {
	relay := &fakeAnnotationRelay{} // never answers
	c, err := DialAnnotation(context.Background(), relay.start(t), nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Request(context.Background(), "highlight", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.Timeout))
}

func TestAnnotationConnectionLossFailsPending(t *testing.T) {
	relay := &fakeAnnotationRelay{respond: func(conn *websocket.Conn, env AnnotationEnvelope) {
		conn.Close()
	}}
	c, err := DialAnnotation(context.Background(), relay.start(t), nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Request(context.Background(), "highlight", nil, 5*time.Second)
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.DirectUnavailable))
}
