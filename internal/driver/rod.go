// rod.go — go-rod backed implementation of the driver interfaces.
// This is the only file that imports rod; everything above the driver
// boundary works against the interfaces in driver.go.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// RodLauncher implements Launcher on top of rod + rod/lib/launcher.
type RodLauncher struct{}

// NewRodLauncher returns the production launcher.
func NewRodLauncher() *RodLauncher { return &RodLauncher{} }

// Launch starts a managed browser over a persistent profile directory.
func (l *RodLauncher) Launch(ctx context.Context, spec LaunchSpec) (Browser, error) {
	la := launcher.New().
		Headless(spec.Headless).
		UserDataDir(spec.ProfileDir).
		Leakless(false)

	if spec.BinPath != "" {
		la = la.Bin(spec.BinPath)
	}
	if spec.ProxyServer != "" {
		la = la.Proxy(spec.ProxyServer)
	}
	if spec.Lang != "" {
		la = la.Set("lang", spec.Lang)
	}
	if spec.Timezone != "" {
		la = la.Env(append(os.Environ(), "TZ="+spec.Timezone)...)
	}
	for _, flag := range spec.Flags {
		name, value := splitFlag(flag)
		if value == "" {
			la = la.Set(flags.Flag(name))
		} else {
			la = la.Set(flags.Flag(name), value)
		}
	}

	wsURL, err := la.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	return l.connect(ctx, wsURL)
}

// Connect attaches to a running browser over CDP.
func (l *RodLauncher) Connect(ctx context.Context, wsURL string) (Browser, error) {
	return l.connect(ctx, wsURL)
}

func (l *RodLauncher) connect(ctx context.Context, wsURL string) (Browser, error) {
	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	return &rodBrowser{browser: b}, nil
}

// splitFlag parses "--name=value" / "name=value" / "--name" forms.
func splitFlag(flag string) (string, string) {
	flag = strings.TrimLeft(flag, "-")
	if i := strings.Index(flag, "="); i >= 0 {
		return flag[:i], flag[i+1:]
	}
	return flag, ""
}

// ============================================
// Browser
// ============================================

type rodBrowser struct {
	browser *rod.Browser
}

func (b *rodBrowser) Pages(ctx context.Context) ([]Page, error) {
	pages, err := b.browser.Context(ctx).Pages()
	if err != nil {
		return nil, err
	}
	out := make([]Page, 0, len(pages))
	for _, p := range pages {
		out = append(out, &rodPage{page: p, browser: b.browser})
	}
	return out, nil
}

func (b *rodBrowser) NewPage(ctx context.Context, url string) (Page, error) {
	p, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, err
	}
	return &rodPage{page: p, browser: b.browser}, nil
}

func (b *rodBrowser) OnPage(fn func(Page)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	browser := b.browser.Context(ctx)
	go browser.EachEvent(func(e *proto.TargetTargetCreated) {
		if e.TargetInfo.Type != "page" {
			return
		}
		p, err := browser.PageFromTarget(e.TargetInfo.TargetID)
		if err != nil {
			return
		}
		fn(&rodPage{page: p, browser: b.browser})
	})()
	return cancel
}

func (b *rodBrowser) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			URL:      c.URL,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires != 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		if c.SameSite != "" {
			param.SameSite = proto.NetworkCookieSameSite(c.SameSite)
		}
		params = append(params, param)
	}
	return b.browser.Context(ctx).SetCookies(params)
}

func (b *rodBrowser) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := b.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, err
	}
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			Expires:  float64(c.Expires),
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

func (b *rodBrowser) Close(ctx context.Context) error {
	return b.browser.Close()
}

// ============================================
// Page
// ============================================

type rodPage struct {
	page    *rod.Page
	browser *rod.Browser
}

func (p *rodPage) ID() string { return string(p.page.TargetID) }

func (p *rodPage) Info(ctx context.Context) (PageInfo, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return PageInfo{}, err
	}
	return PageInfo{Title: info.Title, URL: info.URL, Type: string(info.Type)}, nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	return p.page.Context(ctx).Navigate(url)
}

func (p *rodPage) WaitLoad(ctx context.Context) error {
	return p.page.Context(ctx).WaitLoad()
}

func (p *rodPage) Activate(ctx context.Context) error {
	_, err := p.page.Context(ctx).Activate()
	return err
}

func (p *rodPage) Close(ctx context.Context) error {
	return p.page.Close()
}

func (p *rodPage) MainFrameAttached(ctx context.Context) (bool, error) {
	// A trivial eval fails while the main frame is detached or swapping.
	_, err := p.page.Context(ctx).Eval(`() => true`)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (p *rodPage) Subscribe(events PageEvents) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	page := p.page.Context(ctx)

	go page.EachEvent(
		func(e *proto.RuntimeConsoleAPICalled) {
			if events.Console == nil {
				return
			}
			events.Console(consoleMessageFrom(e))
		},
		func(e *proto.NetworkRequestWillBeSent) {
			if events.Request == nil {
				return
			}
			events.Request(NetworkEvent{Method: e.Request.Method, URL: e.Request.URL})
		},
		func(e *proto.NetworkResponseReceived) {
			if events.Response == nil {
				return
			}
			events.Response(NetworkEvent{URL: e.Response.URL, Status: e.Response.Status})
		},
		func(e *proto.RuntimeExceptionThrown) {
			if events.Exception == nil {
				return
			}
			events.Exception(pageErrorFrom(e))
		},
		func(e *proto.PageFrameNavigated) {
			if events.Navigated == nil {
				return
			}
			events.Navigated(e.Frame.URL, e.Frame.ParentID == "")
		},
	)()

	var stopDestroyed func()
	if events.Closed != nil {
		bctx, bcancel := context.WithCancel(context.Background())
		stopDestroyed = bcancel
		browser := p.browser.Context(bctx)
		targetID := p.page.TargetID
		go browser.EachEvent(func(e *proto.TargetTargetDestroyed) {
			if e.TargetID == targetID {
				events.Closed()
			}
		})()
	}

	return func() {
		cancel()
		if stopDestroyed != nil {
			stopDestroyed()
		}
	}, nil
}

func consoleMessageFrom(e *proto.RuntimeConsoleAPICalled) ConsoleMessage {
	msg := ConsoleMessage{Level: string(e.Type)}
	parts := make([]string, 0, len(e.Args))
	for _, arg := range e.Args {
		if arg == nil {
			continue
		}
		if data, err := json.Marshal(arg.Value); err == nil {
			parts = append(parts, string(data))
		}
	}
	msg.Text = strings.Join(parts, " ")
	msg.ArgsPreview = msg.Text
	if e.StackTrace != nil && len(e.StackTrace.CallFrames) > 0 {
		frame := e.StackTrace.CallFrames[0]
		msg.Source = frame.URL
		msg.Line = frame.LineNumber
		msg.Column = frame.ColumnNumber
	}
	return msg
}

func pageErrorFrom(e *proto.RuntimeExceptionThrown) PageError {
	pe := PageError{Name: "Error", Message: e.ExceptionDetails.Text}
	if ex := e.ExceptionDetails.Exception; ex != nil {
		if ex.ClassName != "" {
			pe.Name = ex.ClassName
		}
		if ex.Description != "" {
			pe.Message = ex.Description
		}
		pe.Stack = ex.Description
	}
	return pe
}

// snapshotSelector matches the interactable surface captured by snapshots.
const snapshotSelector = `a, button, input, select, textarea, [role], [contenteditable], [tabindex]`

func (p *rodPage) CaptureSnapshot(ctx context.Context, maxNodes int) ([]SnapshotNode, error) {
	page := p.page.Context(ctx)
	elements, err := page.Elements(snapshotSelector)
	if err != nil {
		return nil, err
	}
	out := make([]SnapshotNode, 0, len(elements))
	for i, el := range elements {
		if maxNodes > 0 && len(out) >= maxNodes {
			break
		}
		node, err := el.Describe(0, false)
		if err != nil {
			continue
		}
		text, _ := el.Text()
		if len(text) > 120 {
			text = text[:120]
		}
		out = append(out, SnapshotNode{
			Selector:      fmt.Sprintf("%s:nth-of-type-index(%d)", node.LocalName, i),
			BackendNodeID: int64(node.BackendNodeID),
			Role:          node.LocalName,
			Text:          text,
		})
	}
	return out, nil
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, nil)
}

func (p *rodPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	return p.page.Context(ctx).Element(selector)
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Hover(ctx context.Context, selector string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Hover()
}

// keyNames maps the common key names callers use to rod input keys.
var keyNames = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
}

func (p *rodPage) Press(ctx context.Context, selector, key string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Focus(); err != nil {
		return err
	}
	if k, ok := keyNames[key]; ok {
		return p.page.Context(ctx).Keyboard.Press(k)
	}
	if len(key) == 1 {
		return p.page.Context(ctx).Keyboard.Press(input.Key(key[0]))
	}
	return fmt.Errorf("unsupported key %q", key)
}

func (p *rodPage) SetChecked(ctx context.Context, selector string, checked bool) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	cur, err := el.Property("checked")
	if err != nil {
		return err
	}
	if cur.Bool() == checked {
		return nil
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Type(ctx context.Context, selector, text string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(text)
}

func (p *rodPage) SelectOptions(ctx context.Context, selector string, values []string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Select(values, true, rod.SelectorTypeText)
}

func (p *rodPage) Scroll(ctx context.Context, dx, dy float64) error {
	return p.page.Context(ctx).Mouse.Scroll(dx, dy, 1)
}

func (p *rodPage) ScrollIntoView(ctx context.Context, selector string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.ScrollIntoView()
}

func (p *rodPage) TextContent(ctx context.Context, selector string) (string, error) {
	el, err := p.element(ctx, selector)
	if err != nil {
		return "", err
	}
	return el.Text()
}

func (p *rodPage) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	el, err := p.element(ctx, selector)
	if err != nil {
		return "", false, err
	}
	val, err := el.Attribute(name)
	if err != nil {
		return "", false, err
	}
	if val == nil {
		return "", false, nil
	}
	return *val, true, nil
}

func (p *rodPage) HTML(ctx context.Context, selector string) (string, error) {
	el, err := p.element(ctx, selector)
	if err != nil {
		return "", err
	}
	return el.HTML()
}

func (p *rodPage) Eval(ctx context.Context, js string) (string, error) {
	res, err := p.page.Context(ctx).Eval(js)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(res.Value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
