package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/freshtechbro/opendevbrowser/internal/config"
	"github.com/freshtechbro/opendevbrowser/internal/driver"
	"github.com/freshtechbro/opendevbrowser/internal/errkind"
	"github.com/freshtechbro/opendevbrowser/internal/governor"
)

// ============================================
// Fake driver
// ============================================

type fakePage struct {
	driver.Page
	mu     sync.Mutex
	id     string
	url    string
	title  string
	nodes  []driver.SnapshotNode
	events driver.PageEvents

	navigations []string
	clicks      []string
	activated   bool
	closed      bool
}

func (p *fakePage) ID() string { return p.id }

func (p *fakePage) Info(ctx context.Context) (driver.PageInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return driver.PageInfo{URL: p.url, Title: p.title, Type: "page"}, nil
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.url = url
	p.navigations = append(p.navigations, url)
	events := p.events
	p.mu.Unlock()
	if events.Navigated != nil {
		events.Navigated(url, true)
	}
	return nil
}

func (p *fakePage) WaitLoad(ctx context.Context) error { return nil }

func (p *fakePage) Activate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activated = true
	return nil
}

func (p *fakePage) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePage) Subscribe(events driver.PageEvents) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = events
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.events = driver.PageEvents{}
	}, nil
}

func (p *fakePage) CaptureSnapshot(ctx context.Context, maxNodes int) ([]driver.SnapshotNode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxNodes > 0 && len(p.nodes) > maxNodes {
		return p.nodes[:maxNodes], nil
	}
	return p.nodes, nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, selector)
	return nil
}

func (p *fakePage) TextContent(ctx context.Context, selector string) (string, error) {
	return "text", nil
}

func (p *fakePage) setTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
}

type fakeBrowser struct {
	mu         sync.Mutex
	pages      []driver.Page
	onPage     []func(driver.Page)
	setBatches [][]driver.Cookie
	cookies    []driver.Cookie
	newPageErr error
	closed     bool
}

func (b *fakeBrowser) Pages(ctx context.Context) ([]driver.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]driver.Page(nil), b.pages...), nil
}

func (b *fakeBrowser) NewPage(ctx context.Context, url string) (driver.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.newPageErr != nil {
		return nil, b.newPageErr
	}
	page := &fakePage{id: "p" + string(rune('0'+len(b.pages)+1)), url: url}
	b.pages = append(b.pages, page)
	return page, nil
}

func (b *fakeBrowser) OnPage(fn func(driver.Page)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPage = append(b.onPage, fn)
	return func() {}
}

func (b *fakeBrowser) SetCookies(ctx context.Context, cookies []driver.Cookie) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setBatches = append(b.setBatches, cookies)
	return nil
}

func (b *fakeBrowser) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]driver.Cookie(nil), b.cookies...), nil
}

func (b *fakeBrowser) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type fakeLauncher struct {
	mu        sync.Mutex
	browser   *fakeBrowser
	launchErr error
	specs     []driver.LaunchSpec
	endpoints []string
}

func (l *fakeLauncher) Launch(ctx context.Context, spec driver.LaunchSpec) (driver.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	return l.browser, nil
}

func (l *fakeLauncher) Connect(ctx context.Context, wsURL string) (driver.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endpoints = append(l.endpoints, wsURL)
	return l.browser, nil
}

// newTestManager wires a manager over the fake driver with one initial page.
func newTestManager(t *testing.T) (*Manager, *fakeLauncher, *fakePage) {
	t.Helper()
	page := &fakePage{
		id:    "p1",
		url:   "https://example.com",
		title: "Example",
		nodes: []driver.SnapshotNode{
			{Selector: "#login", BackendNodeID: 11, Role: "button", Name: "Log in"},
			{Selector: "#search", BackendNodeID: 12, Role: "textbox", Name: "Search"},
		},
	}
	launcher := &fakeLauncher{browser: &fakeBrowser{pages: []driver.Page{page}}}
	m := NewManager(zap.NewNop(), config.Default(), launcher,
		governor.StaticSampler{Value: governor.HostSample{FreeMemPct: 80}})
	t.Cleanup(func() { m.CloseAll(context.Background()) })
	return m, launcher, page
}

func launch(t *testing.T, m *Manager) *LaunchResult {
	t.Helper()
	res, err := m.Launch(context.Background(), LaunchOpts{})
	require.NoError(t, err)
	return res
}

// ============================================
// Lifecycle
// ============================================

func TestLaunchCreatesSessionWithActiveTarget(t *testing.T) {
	m, launcher, _ := newTestManager(t)

	res := launch(t, m)
	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.TargetID)
	assert.DirExists(t, res.ProfileDir, "ephemeral profile dir exists while the session lives")
	assert.Len(t, launcher.specs, 1)
	assert.Equal(t, res.ProfileDir, launcher.specs[0].ProfileDir)
	assert.Contains(t, m.Sessions(), res.SessionID)
}

func TestLaunchNavigatesInitialURL(t *testing.T) {
	m, _, page := newTestManager(t)

	_, err := m.Launch(context.Background(), LaunchOpts{URL: "https://example.com/start"})
	require.NoError(t, err)
	page.mu.Lock()
	defer page.mu.Unlock()
	assert.Contains(t, page.navigations, "https://example.com/start")
}

func TestLaunchFailureRemovesEphemeralProfile(t *testing.T) {
	m, launcher, _ := newTestManager(t)
	launcher.launchErr = errors.New("chrome not found")

	_, err := m.Launch(context.Background(), LaunchOpts{})
	require.Error(t, err)
	assert.Empty(t, m.Sessions())

	// The ephemeral profile dir handed to the launcher was removed again.
	require.Len(t, launcher.specs, 1)
	assert.NoDirExists(t, launcher.specs[0].ProfileDir)
}

func TestConnectRejectsNonLocalEndpoint(t *testing.T) {
	m, launcher, _ := newTestManager(t)

	_, err := m.Connect(context.Background(), ConnectOpts{Endpoint: "ws://browserfarm.evil.com:9222"})
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.NonLocalEndpoint))
	assert.Empty(t, launcher.endpoints, "validation must run before any connection attempt")
}

func TestConnectLocalEndpoint(t *testing.T) {
	m, launcher, _ := newTestManager(t)

	res, err := m.Connect(context.Background(), ConnectOpts{Endpoint: "ws://127.0.0.1:9222/devtools/browser/x"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Len(t, launcher.endpoints, 1)
}

func TestDisconnectRemovesStateAndProfile(t *testing.T) {
	m, launcher, _ := newTestManager(t)
	res := launch(t, m)

	require.NoError(t, m.Disconnect(context.Background(), res.SessionID, DisconnectOpts{}))
	assert.Empty(t, m.Sessions())
	assert.NoDirExists(t, res.ProfileDir)
	assert.True(t, launcher.browser.closed, "managed mode always closes the browser")

	// Operations against the dead session fail with invalid_session.
	_, err := m.Goto(context.Background(), res.SessionID, "", "https://example.com")
	assert.True(t, errkind.HasKind(err, errkind.InvalidSession))
}

func TestDisconnectKeepsRemoteBrowserUnlessAsked(t *testing.T) {
	m, launcher, _ := newTestManager(t)
	res, err := m.Connect(context.Background(), ConnectOpts{Endpoint: "ws://127.0.0.1:9222"})
	require.NoError(t, err)

	require.NoError(t, m.Disconnect(context.Background(), res.SessionID, DisconnectOpts{}))
	assert.False(t, launcher.browser.closed, "cdp-connect leaves the remote browser running by default")
}

// ============================================
// Navigation and blocker reconciliation
// ============================================

func TestGotoDetectsAndResolvesBlocker(t *testing.T) {
	m, _, page := newTestManager(t)
	res := launch(t, m)

	// Navigation lands on a login wall.
	page.setTitle("Log in to X / X")
	out, err := m.Goto(context.Background(), res.SessionID, "", "https://x.com/i/flow/login")
	require.NoError(t, err)
	require.NotNil(t, out.Blocker)
	assert.Equal(t, "active", string(out.Blocker.State))

	// The next navigation is a verifier; a clean page resolves the episode.
	page.setTitle("Home / X")
	out, err = m.Goto(context.Background(), res.SessionID, "", "https://x.com/home")
	require.NoError(t, err)
	require.NotNil(t, out.Blocker)
	assert.Equal(t, "clear", string(out.Blocker.State))
	require.NotNil(t, out.Blocker.Resolution)
	assert.Equal(t, "verifier_passed", string(out.Blocker.Resolution.Reason))
}

func TestGotoCleanPageCarriesNoBlocker(t *testing.T) {
	m, _, _ := newTestManager(t)
	res := launch(t, m)

	out, err := m.Goto(context.Background(), res.SessionID, "", "https://example.com/docs")
	require.NoError(t, err)
	assert.Nil(t, out.Blocker)
}

// ============================================
// Snapshot and refs
// ============================================

func TestSnapshotIssuesRefsAndClickResolvesThem(t *testing.T) {
	m, _, page := newTestManager(t)
	res := launch(t, m)

	out, err := m.Snapshot(context.Background(), res.SessionID, "")
	require.NoError(t, err)
	snap, ok := out.Data.(*SnapshotResult)
	require.True(t, ok)
	require.Len(t, snap.Items, 2)
	assert.Equal(t, "e1", snap.Items[0].Ref)
	assert.Equal(t, "e2", snap.Items[1].Ref)

	_, err = m.Click(context.Background(), res.SessionID, "", "e1")
	require.NoError(t, err)
	page.mu.Lock()
	defer page.mu.Unlock()
	assert.Equal(t, []string{"#login"}, page.clicks)
}

func TestClickUnknownRef(t *testing.T) {
	m, _, _ := newTestManager(t)
	res := launch(t, m)

	_, err := m.Click(context.Background(), res.SessionID, "", "e99")
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.UnknownRef))
}

func TestNavigationInvalidatesRefs(t *testing.T) {
	m, _, page := newTestManager(t)
	res := launch(t, m)

	_, err := m.Snapshot(context.Background(), res.SessionID, "")
	require.NoError(t, err)
	_, err = m.Click(context.Background(), res.SessionID, "", "e1")
	require.NoError(t, err)

	// Top-frame navigation clears the target's refs.
	_, err = m.Goto(context.Background(), res.SessionID, "", "https://example.com/other")
	require.NoError(t, err)
	_, err = m.Click(context.Background(), res.SessionID, "", "e1")
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.UnknownRef))

	// A new snapshot continues the handle sequence past the cleared ones.
	out, err := m.Snapshot(context.Background(), res.SessionID, "")
	require.NoError(t, err)
	snap := out.Data.(*SnapshotResult)
	require.NotEmpty(t, snap.Items)
	assert.Equal(t, "e3", snap.Items[0].Ref)

	page.mu.Lock()
	defer page.mu.Unlock()
	assert.Equal(t, []string{"#login"}, page.clicks, "the stale click never reached the page")
}

// ============================================
// Target operations
// ============================================

func TestNewTargetBecomesActive(t *testing.T) {
	m, _, _ := newTestManager(t)
	res := launch(t, m)

	created, err := m.NewTarget(context.Background(), res.SessionID, "https://example.com/two", "second")
	require.NoError(t, err)
	assert.False(t, created.Reused)
	assert.NotEqual(t, res.TargetID, created.TargetID)

	targets, err := m.ListTargets(context.Background(), res.SessionID, true)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	named, err := m.ListNamedTargets(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Len(t, named, 1)
	assert.Equal(t, "second", named[0].Name)
	assert.Equal(t, created.TargetID, named[0].TargetID)
}

func TestUseTargetByName(t *testing.T) {
	m, _, _ := newTestManager(t)
	res := launch(t, m)

	created, err := m.NewTarget(context.Background(), res.SessionID, "", "checkout")
	require.NoError(t, err)

	// Switch back to the first target, then to the named one.
	id, err := m.UseTarget(context.Background(), res.SessionID, res.TargetID)
	require.NoError(t, err)
	assert.Equal(t, res.TargetID, id)

	id, err = m.UseTarget(context.Background(), res.SessionID, "checkout")
	require.NoError(t, err)
	assert.Equal(t, created.TargetID, id)
}

func TestCloseTargetDropsRefs(t *testing.T) {
	m, _, _ := newTestManager(t)
	res := launch(t, m)

	created, err := m.NewTarget(context.Background(), res.SessionID, "https://example.com/two", "")
	require.NoError(t, err)
	require.NoError(t, m.CloseTarget(context.Background(), res.SessionID, created.TargetID))

	_, err = m.UseTarget(context.Background(), res.SessionID, created.TargetID)
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.InvalidInput))
}

func TestAnnotateWithoutRelayChannel(t *testing.T) {
	m, _, _ := newTestManager(t)
	res := launch(t, m)

	_, err := m.Annotate(context.Background(), res.SessionID, "highlight", nil)
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.DirectUnavailable))

	_, err = m.Annotate(context.Background(), res.SessionID, "", nil)
	require.Error(t, err)
	assert.True(t, errkind.HasKind(err, errkind.InvalidInput))
}
