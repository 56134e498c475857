// Package driver abstracts the browser control surface the broker consumes.
// The broker never talks to a browser directly; it depends on these
// interfaces so the scheduler core can be exercised against fakes while the
// rod adapter (rod.go) supplies the real thing.
package driver

import (
	"context"
	"net/url"
	"strings"
)

// Mode is the session operating mode.
type Mode string

const (
	ModeManaged        Mode = "managed"
	ModeCDPConnect     Mode = "cdp-connect"
	ModeExtensionRelay Mode = "extension-relay"
)

// LaunchSpec describes a managed browser launch.
type LaunchSpec struct {
	ProfileDir  string
	Headless    bool
	BinPath     string // empty = launcher default
	Flags       []string
	Lang        string
	Timezone    string
	ProxyServer string
}

// PageInfo is the driver's view of one page.
type PageInfo struct {
	Title string
	URL   string
	Type  string // "page", "background_page", ...
}

// ConsoleMessage is a console API call observed on a page.
type ConsoleMessage struct {
	Level       string
	Text        string
	ArgsPreview string
	Source      string
	Line        int
	Column      int
}

// NetworkEvent is one half of a network exchange (request or response).
type NetworkEvent struct {
	Method string
	URL    string
	Status int // zero for requests
}

// PageError is an uncaught page exception.
type PageError struct {
	Name    string
	Message string
	Stack   string
}

// PageEvents carries the per-page event callbacks a subscriber installs.
// Nil callbacks are skipped.
type PageEvents struct {
	Console   func(ConsoleMessage)
	Request   func(NetworkEvent)
	Response  func(NetworkEvent)
	Exception func(PageError)
	// Navigated fires per frame navigation; topFrame is true when the
	// navigating frame has no parent.
	Navigated func(url string, topFrame bool)
	Closed    func()
}

// SnapshotNode is one interactable node from a DOM capture.
type SnapshotNode struct {
	Selector      string
	BackendNodeID int64
	Role          string
	Name          string
	Text          string
}

// Page is one browser tab.
type Page interface {
	// ID is the driver-level target id. Never exposed to callers; used only
	// for registry reconciliation.
	ID() string

	Info(ctx context.Context) (PageInfo, error)
	Navigate(ctx context.Context, url string) error
	WaitLoad(ctx context.Context) error
	Activate(ctx context.Context) error
	Close(ctx context.Context) error

	// MainFrameAttached reports whether the top frame is currently attached.
	// Extension-mode readiness gating polls this.
	MainFrameAttached(ctx context.Context) (bool, error)

	// Subscribe installs event callbacks; the returned func removes them.
	Subscribe(events PageEvents) (func(), error)

	// CaptureSnapshot lists interactable nodes, bounded by maxNodes.
	CaptureSnapshot(ctx context.Context, maxNodes int) ([]SnapshotNode, error)
	Screenshot(ctx context.Context) ([]byte, error)

	// Element operations address nodes by selector.
	Click(ctx context.Context, selector string) error
	Hover(ctx context.Context, selector string) error
	Press(ctx context.Context, selector, key string) error
	SetChecked(ctx context.Context, selector string, checked bool) error
	Type(ctx context.Context, selector, text string) error
	SelectOptions(ctx context.Context, selector string, values []string) error
	Scroll(ctx context.Context, dx, dy float64) error
	ScrollIntoView(ctx context.Context, selector string) error
	TextContent(ctx context.Context, selector string) (string, error)
	Attribute(ctx context.Context, selector, name string) (string, bool, error)
	HTML(ctx context.Context, selector string) (string, error)

	// Eval runs a JS expression on the page and returns its JSON result.
	Eval(ctx context.Context, js string) (string, error)
}

// Cookie is the driver-normalized cookie record.
type Cookie struct {
	Name     string
	Value    string
	URL      string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
	Expires  float64
	SameSite string
}

// Browser is one live browser connection.
type Browser interface {
	Pages(ctx context.Context) ([]Page, error)
	NewPage(ctx context.Context, url string) (Page, error)
	// OnPage registers a new-page listener; the returned func removes it.
	OnPage(fn func(Page)) func()
	SetCookies(ctx context.Context, cookies []Cookie) error
	Cookies(ctx context.Context) ([]Cookie, error)
	Close(ctx context.Context) error
}

// Launcher creates browser connections.
type Launcher interface {
	// Launch starts a managed browser on a persistent profile directory.
	Launch(ctx context.Context, spec LaunchSpec) (Browser, error)
	// Connect attaches over CDP to an already-running browser.
	Connect(ctx context.Context, wsURL string) (Browser, error)
}

// HostOf extracts the lowercase hostname of a URL, or "" if unparsable.
func HostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
