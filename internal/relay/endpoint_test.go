package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshtechbro/opendevbrowser/internal/errkind"
)

// fakeRelay serves /config and /pair the way the extension relay does.
type fakeRelay struct {
	pairingRequired  bool
	instanceID       string
	pairInstanceID   string
	pairToken        string
	configStatus     int
	pairStatus       int
	lastConfigTokenQ string
}

func (f *fakeRelay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		f.lastConfigTokenQ = r.URL.Query().Get("token")
		if f.configStatus != 0 {
			w.WriteHeader(f.configStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"relayPort":       0,
			"pairingRequired": f.pairingRequired,
			"instanceId":      f.instanceID,
		})
	})
	mux.HandleFunc("/pair", func(w http.ResponseWriter, r *http.Request) {
		if f.pairStatus != 0 {
			w.WriteHeader(f.pairStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      f.pairToken,
			"instanceId": f.pairInstanceID,
		})
	})
	return mux
}

func TestResolveNoPairing(t *testing.T) {
	relay := &fakeRelay{instanceID: "inst-1"}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	ep, err := NewResolver().Resolve(context.Background(), srv.URL, PathCDP)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, ep.State)
	assert.False(t, ep.Paired)
	assert.Equal(t, "inst-1", ep.InstanceID)

	u, err := url.Parse(ep.URL)
	require.NoError(t, err)
	assert.Equal(t, "ws", u.Scheme)
	assert.Equal(t, "/cdp", u.Path)
	assert.Empty(t, u.Query().Get("token"))
}

func TestResolvePairingAttachesToken(t *testing.T) {
	relay := &fakeRelay{pairingRequired: true, instanceID: "inst-1", pairInstanceID: "inst-1", pairToken: "tok-xyz"}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	ep, err := NewResolver().Resolve(context.Background(), srv.URL, PathOps)
	require.NoError(t, err)
	assert.Equal(t, StatePaired, ep.State)
	assert.True(t, ep.Paired)

	u, err := url.Parse(ep.URL)
	require.NoError(t, err)
	assert.Equal(t, "/ops", u.Path)
	assert.Equal(t, "tok-xyz", u.Query().Get("token"))
}

func TestResolveStripsCallerToken(t *testing.T) {
	relay := &fakeRelay{instanceID: "inst-1"}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	ep, err := NewResolver().Resolve(context.Background(), srv.URL+"/?token=smuggled", PathCDP)
	require.NoError(t, err)
	assert.Empty(t, relay.lastConfigTokenQ, "caller-supplied token must not reach the relay")

	u, _ := url.Parse(ep.URL)
	assert.Empty(t, u.Query().Get("token"))
}

func TestResolvePairingTokenMissing(t *testing.T) {
	relay := &fakeRelay{pairingRequired: true, instanceID: "inst-1", pairInstanceID: "inst-1"}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	_, err := NewResolver().Resolve(context.Background(), srv.URL, PathCDP)
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.RelayPairingTokenMissing))
}

func TestResolveInstanceMismatch(t *testing.T) {
	relay := &fakeRelay{pairingRequired: true, instanceID: "inst-1", pairInstanceID: "inst-2", pairToken: "tok"}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	_, err := NewResolver().Resolve(context.Background(), srv.URL, PathCDP)
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.RelayPairingMismatch))
}

func TestResolveUnauthorized(t *testing.T) {
	relay := &fakeRelay{configStatus: http.StatusUnauthorized}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	_, err := NewResolver().Resolve(context.Background(), srv.URL, PathCDP)
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.RelayUnauthorized))
}

func TestResolveUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close() // now nothing listens there

	_, err := NewResolver().Resolve(context.Background(), base, PathCDP)
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.RelayUnavailable))
}

func TestResolveRelayPortOverride(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"relayPort": 9555, "pairingRequired": false})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ep, err := NewResolver().Resolve(context.Background(), srv.URL, PathCDP)
	require.NoError(t, err)
	u, _ := url.Parse(ep.URL)
	assert.Equal(t, "9555", u.Port(), "the advertised relay port wins over the base port")
}
