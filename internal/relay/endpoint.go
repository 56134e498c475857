// endpoint.go — Relay endpoint resolution and pairing.
// The relay bootstrap is a small state machine: Resolved → PairingRequired
// → Paired → Connected, with explicit error states for unreachable relays
// and pairing mismatches. Two HTTP fetches (/config, then /pair when
// pairing is on) precede any WebSocket connect.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/freshtechbro/opendevbrowser/internal/errkind"
)

// Path selects which relay surface to connect to.
type Path string

const (
	PathCDP        Path = "cdp"
	PathOps        Path = "ops"
	PathAnnotation Path = "annotation"
)

// BootstrapState tracks resolution progress.
type BootstrapState string

const (
	StateResolved        BootstrapState = "resolved"
	StatePairingRequired BootstrapState = "pairing_required"
	StatePaired          BootstrapState = "paired"
	StateConnected       BootstrapState = "connected"
)

// relayConfig is the /config response.
type relayConfig struct {
	RelayPort       int    `json:"relayPort"`
	PairingRequired bool   `json:"pairingRequired"`
	InstanceID      string `json:"instanceId"`
}

// pairResponse is the /pair response.
type pairResponse struct {
	Token      string `json:"token"`
	InstanceID string `json:"instanceId"`
}

// Endpoint is a resolved, connectable relay endpoint.
type Endpoint struct {
	URL        string
	InstanceID string
	State      BootstrapState
	Paired     bool
}

// Resolver fetches relay metadata and builds connect URLs.
type Resolver struct {
	client *http.Client
}

// NewResolver creates a resolver with a bounded HTTP timeout.
func NewResolver() *Resolver {
	return &Resolver{client: &http.Client{Timeout: 5 * time.Second}}
}

// Resolve resolves the connect URL for one relay path. baseURL is the relay
// http base (e.g. "http://127.0.0.1:9223"). Any token query parameter the
// caller smuggled into baseURL is discarded; only a freshly paired token is
// attached.
func (r *Resolver) Resolve(ctx context.Context, baseURL string, path Path) (*Endpoint, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, err, "invalid relay base URL")
	}
	// Sanitize caller-supplied query params, token in particular.
	base.RawQuery = ""
	base.Fragment = ""

	cfg, err := r.fetchConfig(ctx, base)
	if err != nil {
		return nil, err
	}

	connect := &url.URL{
		Scheme: "ws",
		Host:   hostWithPort(base, cfg.RelayPort),
		Path:   "/" + string(path),
	}
	if base.Scheme == "https" {
		connect.Scheme = "wss"
	}

	ep := &Endpoint{URL: connect.String(), InstanceID: cfg.InstanceID, State: StateResolved}
	if !cfg.PairingRequired {
		return ep, nil
	}

	ep.State = StatePairingRequired
	pair, err := r.fetchPair(ctx, base)
	if err != nil {
		return nil, err
	}
	if pair.Token == "" {
		return nil, errkind.New(errkind.RelayPairingTokenMissing, "relay requires pairing but returned no token")
	}
	if cfg.InstanceID != "" && pair.InstanceID != "" && cfg.InstanceID != pair.InstanceID {
		return nil, errkind.New(errkind.RelayPairingMismatch,
			"relay instance changed during pairing (%s vs %s); retry the connect", cfg.InstanceID, pair.InstanceID)
	}

	q := connect.Query()
	q.Set("token", pair.Token)
	connect.RawQuery = q.Encode()
	ep.URL = connect.String()
	ep.State = StatePaired
	ep.Paired = true
	return ep, nil
}

func (r *Resolver) fetchConfig(ctx context.Context, base *url.URL) (*relayConfig, error) {
	var cfg relayConfig
	if err := r.getJSON(ctx, base.String()+"/config", &cfg); err != nil {
		if errkind.KindOf(err) != "" {
			return nil, err
		}
		return nil, errkind.Wrap(errkind.RelayUnavailable, err,
			"relay is not reachable at %s; is the extension relay running?", base.String())
	}
	return &cfg, nil
}

func (r *Resolver) fetchPair(ctx context.Context, base *url.URL) (*pairResponse, error) {
	var pair pairResponse
	if err := r.getJSON(ctx, base.String()+"/pair", &pair); err != nil {
		if errkind.KindOf(err) != "" {
			return nil, err
		}
		return nil, errkind.Wrap(errkind.RelayUnavailable, err, "relay pairing fetch failed")
	}
	return &pair, nil
}

func (r *Resolver) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil) // #nosec G704 -- relay endpoints are validated local URLs
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusUnauthorized {
		return errkind.New(errkind.RelayUnauthorized, "relay rejected the request (401); re-pair and retry")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// hostWithPort swaps the base host's port for the relay-advertised one.
func hostWithPort(base *url.URL, relayPort int) string {
	host := base.Hostname()
	if relayPort > 0 {
		return fmt.Sprintf("%s:%d", host, relayPort)
	}
	if p := base.Port(); p != "" {
		return fmt.Sprintf("%s:%s", host, p)
	}
	return host
}
