// session.go — Session lifecycle: launch, connect, relay connect, teardown.
// A session binds one browser connection to the broker's per-session state:
// target registry, ref store, trackers, blocker FSM, fingerprint pipeline,
// governor and scheduler entry. Sessions are in-memory only and die with
// the process.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/freshtechbro/opendevbrowser/internal/blocker"
	"github.com/freshtechbro/opendevbrowser/internal/config"
	"github.com/freshtechbro/opendevbrowser/internal/driver"
	"github.com/freshtechbro/opendevbrowser/internal/errkind"
	"github.com/freshtechbro/opendevbrowser/internal/fingerprint"
	"github.com/freshtechbro/opendevbrowser/internal/governor"
	"github.com/freshtechbro/opendevbrowser/internal/ids"
	"github.com/freshtechbro/opendevbrowser/internal/logging"
	"github.com/freshtechbro/opendevbrowser/internal/relay"
	"github.com/freshtechbro/opendevbrowser/internal/scheduler"
	"github.com/freshtechbro/opendevbrowser/internal/security"
	"github.com/freshtechbro/opendevbrowser/internal/target"
	"github.com/freshtechbro/opendevbrowser/internal/trackers"
)

const (
	// extensionPageWait bounds the wait for the extension to hand over a page.
	extensionPageWait = 8 * time.Second
	// browserCloseRace bounds browser close during teardown.
	browserCloseRace = 5 * time.Second
	// profileRemoveAttempts bounds ephemeral profile dir removal retries.
	profileRemoveAttempts = 3
)

// Session is one live automation context.
type Session struct {
	ID   string
	Mode driver.Mode

	cfg      *config.Config
	log      *zap.Logger
	browser  driver.Browser
	launcher driver.Launcher

	profileDir  string
	ownsProfile bool
	headless    bool

	registry *target.Registry
	refs     *target.RefStore
	trackers *trackers.Set
	fsm      *blocker.FSM
	fp       *fingerprint.Pipeline
	gov      *governor.Governor

	ops *relay.OpsClient        // nil outside extension-relay mode
	ann *relay.AnnotationClient // nil unless the relay serves /annotation

	mu           sync.Mutex
	pageCleanups map[string]func() // targetID → listener cleanup
	stopOnPage   func()            // new-page listener cleanup
	fpUnsub      func()            // continuous network-signal subscription
}

// Manager owns all sessions and exposes the public operation surface.
type Manager struct {
	log      *zap.Logger
	cfg      *config.Config
	launcher driver.Launcher
	sched    *scheduler.Scheduler
	resolver *relay.Resolver
	sampler  governor.HostSampler

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager wires the session manager.
func NewManager(log *zap.Logger, cfg *config.Config, launcher driver.Launcher, sampler governor.HostSampler) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:      log,
		cfg:      cfg,
		launcher: launcher,
		sched:    scheduler.New(log),
		resolver: relay.NewResolver(),
		sampler:  sampler,
		sessions: make(map[string]*Session),
	}
}

// get resolves a session id.
func (m *Manager) get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s, nil
	}
	return nil, errkind.New(errkind.InvalidSession, "unknown session %s", sessionID)
}

// Sessions lists live session ids.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// ============================================
// Launch (managed mode)
// ============================================

// LaunchOpts configures a managed browser launch.
type LaunchOpts struct {
	Profile        string // named persistent profile; empty = ephemeral
	PersistProfile bool
	Headless       bool
	ChromePath     string
	Flags          []string
	Lang           string
	Timezone       string
	ProxyServer    string
	URL            string // initial page; empty = about:blank
}

// LaunchResult reports a successful launch.
type LaunchResult struct {
	SessionID  string                  `json:"sessionId"`
	TargetID   string                  `json:"targetId"`
	ProfileDir string                  `json:"profileDir"`
	DurationMs int64                   `json:"durationMs"`
	Tier1      fingerprint.Tier1Result `json:"tier1"`
}

// Launch starts a managed browser session.
func (m *Manager) Launch(ctx context.Context, opts LaunchOpts) (*LaunchResult, error) {
	start := time.Now()
	requestID := ids.NewRequestID()
	log := logging.WithRequest(m.log, requestID)

	profileDir, ownsProfile, err := m.resolveProfileDir(opts)
	if err != nil {
		return nil, err
	}

	spec := driver.LaunchSpec{
		ProfileDir:  profileDir,
		Headless:    opts.Headless,
		BinPath:     firstNonEmpty(opts.ChromePath, m.cfg.ChromePath),
		Flags:       append(append([]string(nil), m.cfg.Flags...), opts.Flags...),
		Lang:        opts.Lang,
		Timezone:    opts.Timezone,
		ProxyServer: opts.ProxyServer,
	}

	browser, err := m.launcher.Launch(ctx, spec)
	if err != nil {
		err = errkind.ClassifyDriverError(err)
		if ownsProfile {
			if rmErr := removeProfileDir(profileDir); rmErr != nil {
				err = errors.Join(err, errkind.Wrap(errkind.CleanupFailed, rmErr, "launch cleanup failed"))
			}
		}
		return nil, err
	}

	sess, err := m.initSession(ctx, browser, driver.ModeManaged, profileDir, ownsProfile, opts.Headless, false, log)
	if err != nil {
		// Launch failed mid-initialization: close the context and remove an
		// ephemeral profile, aggregating cleanup errors with the original.
		cleanupErrs := []error{err}
		if closeErr := browser.Close(ctx); closeErr != nil {
			cleanupErrs = append(cleanupErrs, closeErr)
		}
		if ownsProfile {
			if rmErr := removeProfileDir(profileDir); rmErr != nil {
				cleanupErrs = append(cleanupErrs, rmErr)
			}
		}
		if len(cleanupErrs) > 1 {
			return nil, errkind.Wrap(errkind.CleanupFailed, errors.Join(cleanupErrs...), "launch failed and cleanup reported errors")
		}
		return nil, err
	}

	if opts.URL != "" {
		if entry, aerr := sess.registry.Active(); aerr == nil {
			_ = entry.Page.Navigate(ctx, opts.URL)
		}
	}

	derived := fingerprint.LaunchDerived{
		Lang:        opts.Lang,
		Timezone:    opts.Timezone,
		ProxyServer: opts.ProxyServer,
		Geolocation: m.cfg.Fingerprint.Tier1.Geolocation,
	}
	tier1 := fingerprint.EvaluateTier1(m.cfg.Fingerprint.Tier1, derived)
	sess.fp = fingerprint.NewPipeline(logging.WithSession(m.log, sess.ID), sess.ID, m.cfg.Fingerprint, tier1)
	sess.startContinuousFingerprint()
	for _, warning := range tier1.Warnings {
		log.Warn("fingerprint.tier1.mismatch", zap.String("sessionId", sess.ID), zap.String("warning", warning))
	}

	activeID := sess.registry.ActiveID()
	return &LaunchResult{
		SessionID:  sess.ID,
		TargetID:   activeID,
		ProfileDir: profileDir,
		DurationMs: time.Since(start).Milliseconds(),
		Tier1:      tier1,
	}, nil
}

// resolveProfileDir picks the user-data directory for a launch.
// Persistent profiles live under the config dir; ephemeral ones under temp
// and are owned (deleted) by the session.
func (m *Manager) resolveProfileDir(opts LaunchOpts) (string, bool, error) {
	profile := firstNonEmpty(opts.Profile, m.cfg.Profile)
	persist := opts.PersistProfile || m.cfg.PersistProfile

	if profile != "" || persist {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", false, fmt.Errorf("cannot determine profile directory: %w", err)
		}
		if profile == "" {
			profile = "default"
		}
		dir := filepath.Join(base, "opendevbrowser", "profiles", profile)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", false, fmt.Errorf("create profile dir: %w", err)
		}
		return dir, false, nil
	}

	dir, err := os.MkdirTemp("", "opendevbrowser-profile-*")
	if err != nil {
		return "", false, fmt.Errorf("create ephemeral profile dir: %w", err)
	}
	return dir, true, nil
}

// ============================================
// Connect (cdp-connect and extension-relay modes)
// ============================================

// ConnectOpts configures a CDP connect.
type ConnectOpts struct {
	Endpoint string // ws:// or http:// CDP endpoint
	Headless bool
}

// ConnectResult reports a successful connect.
type ConnectResult struct {
	SessionID  string `json:"sessionId"`
	TargetID   string `json:"targetId,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Connect attaches to a running browser over CDP.
func (m *Manager) Connect(ctx context.Context, opts ConnectOpts) (*ConnectResult, error) {
	start := time.Now()
	log := logging.WithRequest(m.log, ids.NewRequestID())

	if err := security.ValidateCDPEndpoint(opts.Endpoint, m.cfg.Security.AllowNonLocalCdp); err != nil {
		return nil, err
	}

	browser, err := m.launcher.Connect(ctx, opts.Endpoint)
	if err != nil {
		if strings.Contains(err.Error(), "401") {
			return nil, errkind.New(errkind.RelayUnauthorized, "endpoint rejected the connection (401 unauthorized)")
		}
		return nil, errkind.ClassifyDriverError(err)
	}

	sess, err := m.initSession(ctx, browser, driver.ModeCDPConnect, "", false, opts.Headless, false, log)
	if err != nil {
		_ = browser.Close(ctx)
		return nil, err
	}
	sess.fp = fingerprint.NewPipeline(logging.WithSession(m.log, sess.ID), sess.ID, m.cfg.Fingerprint,
		fingerprint.EvaluateTier1(m.cfg.Fingerprint.Tier1, fingerprint.LaunchDerived{}))
	sess.startContinuousFingerprint()

	return &ConnectResult{
		SessionID:  sess.ID,
		TargetID:   sess.registry.ActiveID(),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// ConnectRelayOpts configures an extension-relay connect.
type ConnectRelayOpts struct {
	BaseURL   string // relay http base, e.g. http://127.0.0.1:9223
	LegacyCDP bool   // use the legacy /cdp path instead of /ops
}

// ConnectRelay pairs with the local relay and attaches through it.
func (m *Manager) ConnectRelay(ctx context.Context, opts ConnectRelayOpts) (*ConnectResult, error) {
	start := time.Now()
	log := logging.WithRequest(m.log, ids.NewRequestID())

	endpoint, err := m.resolver.Resolve(ctx, opts.BaseURL, relay.PathCDP)
	if err != nil {
		return nil, err
	}
	if err := security.ValidateCDPEndpoint(endpoint.URL, m.cfg.Security.AllowNonLocalCdp); err != nil {
		return nil, err
	}

	browser, err := m.launcher.Connect(ctx, endpoint.URL)
	if err != nil {
		if strings.Contains(err.Error(), "401") {
			return nil, errkind.New(errkind.RelayUnauthorized, "relay rejected the connection (401 unauthorized); re-pair and retry")
		}
		return nil, errkind.ClassifyDriverError(err)
	}

	sess, err := m.initSession(ctx, browser, driver.ModeExtensionRelay, "", false, false, opts.LegacyCDP, log)
	if err != nil {
		_ = browser.Close(ctx)
		return nil, err
	}

	// The /ops channel carries session lifecycle events. Its absence is not
	// fatal on the legacy path.
	if !opts.LegacyCDP {
		if opsEndpoint, rerr := m.resolver.Resolve(ctx, opts.BaseURL, relay.PathOps); rerr == nil {
			sessID := sess.ID
			ops, derr := relay.DialOps(ctx, opsEndpoint.URL, log, func(event, opsSessionID string, _ json.RawMessage) {
				m.onRelayEvent(sessID, event, opsSessionID)
			})
			if derr == nil {
				sess.mu.Lock()
				sess.ops = ops
				sess.mu.Unlock()
			} else {
				log.Warn("relay.ops_unavailable", zap.Error(derr))
			}
		}
		// Annotation is an optional relay surface; absence is fine.
		if annEndpoint, rerr := m.resolver.Resolve(ctx, opts.BaseURL, relay.PathAnnotation); rerr == nil {
			if ann, derr := relay.DialAnnotation(ctx, annEndpoint.URL, log); derr == nil {
				sess.mu.Lock()
				sess.ann = ann
				sess.mu.Unlock()
			} else {
				log.Debug("relay.annotation_unavailable", zap.Error(derr))
			}
		}
	}

	sess.fp = fingerprint.NewPipeline(logging.WithSession(m.log, sess.ID), sess.ID, m.cfg.Fingerprint,
		fingerprint.EvaluateTier1(m.cfg.Fingerprint.Tier1, fingerprint.LaunchDerived{}))
	sess.startContinuousFingerprint()

	return &ConnectResult{
		SessionID:  sess.ID,
		TargetID:   sess.registry.ActiveID(),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// onRelayEvent keeps the registry in step with relay-side lifecycle events.
func (m *Manager) onRelayEvent(sessionID, event, opsSessionID string) {
	sess, err := m.get(sessionID)
	if err != nil {
		return
	}
	switch event {
	case relay.EventTabClosed:
		if pages, perr := sess.browser.Pages(context.Background()); perr == nil {
			dropped, _ := sess.registry.Sync(pages)
			for _, id := range dropped {
				sess.refs.ClearTarget(id)
				sess.dropPageCleanup(id)
			}
		}
	case relay.EventSessionClosed, relay.EventSessionExpired:
		m.log.Warn("relay.session_event",
			zap.String("sessionId", sessionID),
			zap.String("event", event),
			zap.String("opsSessionId", opsSessionID))
	}
}

// ============================================
// Shared initialization
// ============================================

// initSession builds the per-session state and captures an initial target.
func (m *Manager) initSession(ctx context.Context, browser driver.Browser, mode driver.Mode, profileDir string, ownsProfile, headless, extensionLegacy bool, log *zap.Logger) (*Session, error) {
	sess := &Session{
		ID:          ids.NewSessionID(),
		Mode:        mode,
		cfg:         m.cfg,
		browser:     browser,
		launcher:    m.launcher,
		profileDir:  profileDir,
		ownsProfile: ownsProfile,
		headless:    headless,
		registry:    target.NewRegistry(),
		refs:        target.NewRefStore(),
		trackers: trackers.NewSet(trackers.Options{
			ShowFullConsole: m.cfg.Devtools.ShowFullConsole,
			ShowFullURLs:    m.cfg.Devtools.ShowFullUrls,
		}),
		pageCleanups: make(map[string]func()),
	}
	sess.log = logging.WithSession(log, sess.ID)
	sess.fsm = blocker.NewFSM(sess.log, time.Duration(m.cfg.BlockerResolutionTimeoutMs)*time.Millisecond)

	pages, err := browser.Pages(ctx)
	if err != nil {
		return nil, errkind.ClassifyDriverError(err)
	}

	if len(pages) == 0 {
		switch mode {
		case driver.ModeExtensionRelay:
			page, werr := sess.waitForExtensionPage(ctx)
			if werr != nil {
				return nil, werr
			}
			pages = []driver.Page{page}
		default:
			page, nerr := browser.NewPage(ctx, "about:blank")
			if nerr != nil {
				return nil, errkind.ClassifyDriverError(nerr)
			}
			pages = []driver.Page{page}
		}
	}

	for _, page := range pages {
		targetID, rerr := sess.registry.Register(page, "")
		if rerr != nil {
			return nil, rerr
		}
		sess.wirePage(targetID, page)
	}
	sess.selectStableActive(ctx)

	variant := governor.VariantFor(mode, headless, extensionLegacy)
	sess.gov = governor.New(sess.log, m.cfg.Parallelism, variant)
	m.sched.Register(sess.ID, sess.gov, m.sampler)

	// New pages appearing driver-side get registered as they arrive.
	sess.stopOnPage = browser.OnPage(func(page driver.Page) {
		if targetID, rerr := sess.registry.Register(page, ""); rerr == nil {
			sess.wirePage(targetID, page)
		}
	})

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess, nil
}

// waitForExtensionPage blocks until the extension hands over a page, or the
// 8 s readiness window expires.
func (s *Session) waitForExtensionPage(ctx context.Context) (driver.Page, error) {
	pageCh := make(chan driver.Page, 1)
	stop := s.browser.OnPage(func(p driver.Page) {
		select {
		case pageCh <- p:
		default:
		}
	})
	defer stop()

	timer := time.NewTimer(extensionPageWait)
	defer timer.Stop()
	select {
	case p := <-pageCh:
		return p, nil
	case <-timer.C:
		return nil, errkind.New(errkind.ExtensionTargetReadyTimeout,
			"no page appeared within %s; focus a normal browser tab and click the extension icon, then retry", extensionPageWait)
	case <-ctx.Done():
		return nil, errkind.Wrap(errkind.Cancelled, ctx.Err(), "connect cancelled while waiting for an extension page")
	}
}

// selectStableActive prefers an http(s) tab as the active target.
func (s *Session) selectStableActive(ctx context.Context) {
	for _, id := range s.registry.IDs() {
		page, err := s.registry.Page(id)
		if err != nil {
			continue
		}
		infoCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		info, err := page.Info(infoCtx)
		cancel()
		if err != nil {
			continue
		}
		if strings.HasPrefix(info.URL, "http://") || strings.HasPrefix(info.URL, "https://") {
			_ = s.registry.SetActive(id)
			return
		}
	}
}

// startContinuousFingerprint subscribes the fingerprint pipeline to live
// network responses when any tier wants continuous signals.
func (s *Session) startContinuousFingerprint() {
	if s.fp == nil {
		return
	}
	cfg := s.cfg.Fingerprint
	if !(cfg.Tier2.Enabled && cfg.Tier2.ContinuousSignals) &&
		!(cfg.Tier3.Enabled && cfg.Tier3.ContinuousSignals) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fpUnsub = s.trackers.Network.Subscribe(func(ev trackers.Event[trackers.NetworkEvent]) {
		if ev.Payload.Phase != trackers.NetworkResponse {
			return
		}
		s.fp.Apply([]fingerprint.NetworkSample{{Seq: ev.Seq, URL: ev.Payload.URL, Status: ev.Payload.Status}},
			fingerprint.SourceContinuous)
	})
}

// ============================================
// Disconnect / CloseAll
// ============================================

// DisconnectOpts controls teardown.
type DisconnectOpts struct {
	CloseBrowser bool // close the remote browser in non-managed modes
}

// Disconnect tears a session down. Cleanup order: page listeners, network
// subscription, browser close, tracker detach, profile dir removal. Errors
// are collected and aggregated; session state is always removed.
func (m *Manager) Disconnect(ctx context.Context, sessionID string, opts DisconnectOpts) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}

	// Barrier first: reject waiters, drop chains, stop admissions.
	m.sched.ClearSession(sessionID)

	var cleanupErrs []error

	// (1) per-page listeners
	sess.mu.Lock()
	cleanups := sess.pageCleanups
	sess.pageCleanups = make(map[string]func())
	stopOnPage := sess.stopOnPage
	sess.stopOnPage = nil
	fpUnsub := sess.fpUnsub
	sess.fpUnsub = nil
	ops := sess.ops
	sess.ops = nil
	ann := sess.ann
	sess.ann = nil
	sess.mu.Unlock()

	for _, cleanup := range cleanups {
		cleanup()
	}
	if stopOnPage != nil {
		stopOnPage()
	}

	// (2) network-signal subscription
	if fpUnsub != nil {
		fpUnsub()
	}
	if ops != nil {
		if cerr := ops.Close(); cerr != nil {
			cleanupErrs = append(cleanupErrs, cerr)
		}
	}
	if ann != nil {
		if cerr := ann.Close(); cerr != nil {
			cleanupErrs = append(cleanupErrs, cerr)
		}
	}

	// (3) browser close. Non-managed modes only close the remote browser on
	// request; the close races a 5 s deadline and a loser is detached.
	if sess.Mode == driver.ModeManaged || opts.CloseBrowser {
		closeDone := make(chan error, 1)
		go func() { closeDone <- sess.browser.Close(context.Background()) }()
		select {
		case cerr := <-closeDone:
			if cerr != nil {
				cleanupErrs = append(cleanupErrs, cerr)
			}
		case <-time.After(browserCloseRace):
			sess.log.Warn("disconnect.browser_close_timeout", zap.Duration("deadline", browserCloseRace))
		}
	}

	// (4) tracker detach
	sess.trackers.Detach()

	// (5) ephemeral profile removal
	if sess.ownsProfile && sess.profileDir != "" {
		if rmErr := removeProfileDir(sess.profileDir); rmErr != nil {
			cleanupErrs = append(cleanupErrs, rmErr)
		}
	}

	// State removal happens regardless of cleanup failures.
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	switch len(cleanupErrs) {
	case 0:
		return nil
	case 1:
		return cleanupErrs[0]
	default:
		return errkind.Wrap(errkind.CleanupFailed, errors.Join(cleanupErrs...),
			"%d cleanup steps failed during disconnect", len(cleanupErrs))
	}
}

// CloseAll disconnects every session, swallowing per-session failures.
func (m *Manager) CloseAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range m.Sessions() {
		id := id
		g.Go(func() error {
			if err := m.Disconnect(gctx, id, DisconnectOpts{CloseBrowser: true}); err != nil {
				m.log.Warn("closeall.session_failed", zap.String("sessionId", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// removeProfileDir deletes an ephemeral profile with bounded retries.
// Browsers release file locks slightly after process exit.
func removeProfileDir(dir string) error {
	var err error
	for attempt := 0; attempt < profileRemoveAttempts; attempt++ {
		if err = os.RemoveAll(dir); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
	}
	return fmt.Errorf("remove profile dir %s: %w", dir, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
