// serve.go — Newline-delimited JSON command loop over stdin/stdout.
// One command per line in, one result per line out. The session stays live
// for the loop's lifetime, so snapshot refs remain valid across commands.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/freshtechbro/opendevbrowser/internal/errkind"
	"github.com/freshtechbro/opendevbrowser/internal/session"
)

// command is one inbound stdin line.
type command struct {
	Op     string `json:"op"`
	URL    string `json:"url,omitempty"`
	Target string `json:"target,omitempty"` // target id or name; empty = active
	Ref    string `json:"ref,omitempty"`
	Name   string `json:"name,omitempty"`
	Text   string `json:"text,omitempty"`
	Key    string `json:"key,omitempty"`
	JS     string `json:"js,omitempty"`

	Values  []string `json:"values,omitempty"`
	DX      float64  `json:"dx,omitempty"`
	DY      float64  `json:"dy,omitempty"`
	Checked bool     `json:"checked,omitempty"`
	URLs    bool     `json:"urls,omitempty"`

	TimeoutMs int64 `json:"timeoutMs,omitempty"`

	Cookies []session.CookieInput `json:"cookies,omitempty"`
	Strict  bool                  `json:"strict,omitempty"`

	Command string          `json:"command,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Cursors          session.TraceCursors `json:"cursors,omitempty"`
	IncludeArtifacts bool                 `json:"includeArtifacts,omitempty"`

	CloseBrowser bool `json:"closeBrowser,omitempty"`
}

// reply is one outbound stdout line.
type reply struct {
	OK    bool   `json:"ok"`
	Op    string `json:"op"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// serveSession runs the command loop until stdin closes, the context is
// cancelled, or a quit command arrives. The session is torn down on exit.
func serveSession(ctx context.Context, mgr *session.Manager, sessionID string, log *zap.Logger) int {
	out := json.NewEncoder(os.Stdout)
	_ = out.Encode(reply{OK: true, Op: "ready", Data: map[string]string{"sessionId": sessionID}})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	code := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, open := <-lines:
			if !open {
				break loop
			}
			if line == "" {
				continue
			}
			var cmd command
			if err := json.Unmarshal([]byte(line), &cmd); err != nil {
				_ = out.Encode(reply{OK: false, Op: "?", Error: fmt.Sprintf("invalid command: %v", err)})
				continue
			}
			if cmd.Op == "quit" || cmd.Op == "disconnect" {
				break loop
			}
			data, err := dispatch(ctx, mgr, sessionID, cmd)
			if err != nil {
				_ = out.Encode(reply{OK: false, Op: cmd.Op, Error: err.Error(), Kind: string(errkind.KindOf(err))})
				continue
			}
			_ = out.Encode(reply{OK: true, Op: cmd.Op, Data: data})
		}
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := mgr.Disconnect(cleanupCtx, sessionID, session.DisconnectOpts{CloseBrowser: true}); err != nil {
		log.Warn("disconnect failed", zap.Error(err))
		code = 1
	}
	return code
}

// dispatch maps one command to a manager call.
func dispatch(ctx context.Context, mgr *session.Manager, sessionID string, cmd command) (any, error) {
	switch cmd.Op {
	case "goto":
		return mgr.Goto(ctx, sessionID, cmd.Target, cmd.URL)
	case "waitForLoad":
		return mgr.WaitForLoad(ctx, sessionID, cmd.Target)
	case "waitForRef":
		return mgr.WaitForRef(ctx, sessionID, cmd.Ref, time.Duration(cmd.TimeoutMs)*time.Millisecond)

	case "targets":
		return mgr.ListTargets(ctx, sessionID, cmd.URLs)
	case "newTarget":
		return mgr.NewTarget(ctx, sessionID, cmd.URL, cmd.Name)
	case "use":
		return mgr.UseTarget(ctx, sessionID, cmd.Target)
	case "closeTarget":
		return nil, mgr.CloseTarget(ctx, sessionID, cmd.Target)
	case "nameTarget":
		return nil, mgr.NameTarget(ctx, sessionID, cmd.Target, cmd.Name)
	case "unnameTarget":
		return nil, mgr.UnnameTarget(ctx, sessionID, cmd.Target)
	case "namedTargets":
		return mgr.ListNamedTargets(ctx, sessionID)

	case "snapshot":
		return mgr.Snapshot(ctx, sessionID, cmd.Target)
	case "click":
		return mgr.Click(ctx, sessionID, cmd.Target, cmd.Ref)
	case "hover":
		return mgr.Hover(ctx, sessionID, cmd.Target, cmd.Ref)
	case "press":
		return mgr.Press(ctx, sessionID, cmd.Target, cmd.Ref, cmd.Key)
	case "check":
		return mgr.SetChecked(ctx, sessionID, cmd.Target, cmd.Ref, true)
	case "uncheck":
		return mgr.SetChecked(ctx, sessionID, cmd.Target, cmd.Ref, false)
	case "setChecked":
		return mgr.SetChecked(ctx, sessionID, cmd.Target, cmd.Ref, cmd.Checked)
	case "type":
		return mgr.TypeText(ctx, sessionID, cmd.Target, cmd.Ref, cmd.Text)
	case "select":
		return mgr.SelectOptions(ctx, sessionID, cmd.Target, cmd.Ref, cmd.Values)
	case "scroll":
		return mgr.Scroll(ctx, sessionID, cmd.Target, cmd.DX, cmd.DY)
	case "scrollIntoView":
		return mgr.ScrollIntoView(ctx, sessionID, cmd.Target, cmd.Ref)
	case "text":
		return mgr.DOMText(ctx, sessionID, cmd.Target, cmd.Ref)
	case "attribute":
		return mgr.DOMAttribute(ctx, sessionID, cmd.Target, cmd.Ref, cmd.Name)
	case "html":
		return mgr.DOMHTML(ctx, sessionID, cmd.Target, cmd.Ref)
	case "screenshot":
		return mgr.Screenshot(ctx, sessionID, cmd.Target)
	case "eval":
		return mgr.Eval(ctx, sessionID, cmd.Target, cmd.JS)

	case "trace":
		return mgr.DebugTrace(ctx, sessionID, cmd.Cursors, cmd.IncludeArtifacts)
	case "blockerStatus":
		return mgr.BlockerStatus(ctx, sessionID)
	case "blockerClear":
		return mgr.BlockerClear(ctx, sessionID)

	case "annotate":
		return mgr.Annotate(ctx, sessionID, cmd.Command, cmd.Payload)

	case "cookiesImport":
		return mgr.CookieImport(ctx, sessionID, cmd.Cookies, cmd.Strict)
	case "cookiesList":
		return mgr.CookieList(ctx, sessionID)

	default:
		return nil, errkind.New(errkind.InvalidInput, "unknown op %q", cmd.Op)
	}
}
