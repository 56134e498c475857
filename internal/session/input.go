// input.go — Snapshot capture and ref-bound element operations.
// A snapshot lists interactable nodes and issues refs for them; every input
// operation addresses its element through a ref from a prior snapshot.
package session

import (
	"context"
	"encoding/base64"

	"github.com/freshtechbro/opendevbrowser/internal/driver"
	"github.com/freshtechbro/opendevbrowser/internal/errkind"
	"github.com/freshtechbro/opendevbrowser/internal/target"
)

// SnapshotItem is one interactable node in a snapshot result.
type SnapshotItem struct {
	Ref  string `json:"ref"`
	Role string `json:"role,omitempty"`
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
}

// SnapshotResult is the snapshot operation payload.
type SnapshotResult struct {
	URL       string         `json:"url,omitempty"`
	Title     string         `json:"title,omitempty"`
	Items     []SnapshotItem `json:"items"`
	Truncated bool           `json:"truncated,omitempty"`
}

// Snapshot captures the target's interactable nodes and issues fresh refs.
// Previously issued refs for the target are dropped; their handles are never
// reused.
func (m *Manager) Snapshot(ctx context.Context, sessionID, targetRef string) (*OpResult, error) {
	return m.run(ctx, sessionID, targetRef, func(ctx context.Context, s *Session, e *target.Entry) (any, error) {
		s.fsm.BeginVerifier()
		if err := s.ensureExtensionReady(ctx, e.Page); err != nil {
			return nil, err
		}

		var captured []driver.SnapshotNode
		err := s.withRetry(ctx, func() error {
			nodes, cerr := e.Page.CaptureSnapshot(ctx, m.cfg.Snapshot.MaxNodes)
			if cerr != nil {
				return cerr
			}
			captured = nodes
			return nil
		})
		if err != nil {
			s.reconcile(ctx, e, "snapshot", true)
			return nil, err
		}

		s.refs.ClearTarget(e.ID)
		result := &SnapshotResult{Items: make([]SnapshotItem, 0, len(captured))}
		budget := m.cfg.Snapshot.MaxChars
		used := 0
		for _, node := range captured {
			ref := s.refs.Put(e.ID, target.RefEntry{Selector: node.Selector, BackendNodeID: node.BackendNodeID})
			item := SnapshotItem{Ref: ref, Role: node.Role, Name: node.Name, Text: node.Text}
			used += len(item.Role) + len(item.Name) + len(item.Text)
			if budget > 0 && used > budget {
				result.Truncated = true
				break
			}
			result.Items = append(result.Items, item)
		}

		s.reconcile(ctx, e, "snapshot", true)
		if info, ierr := e.Page.Info(ctx); ierr == nil {
			result.URL = info.URL
			result.Title = info.Title
		}
		return result, nil
	})
}

// ============================================
// Ref-bound input operations
// ============================================

// Click clicks the element behind a ref.
func (m *Manager) Click(ctx context.Context, sessionID, targetRef, ref string) (*OpResult, error) {
	return m.refOp(ctx, sessionID, targetRef, ref, func(ctx context.Context, s *Session, e *target.Entry, sel string) error {
		return e.Page.Click(ctx, sel)
	})
}

// Hover hovers the element behind a ref.
func (m *Manager) Hover(ctx context.Context, sessionID, targetRef, ref string) (*OpResult, error) {
	return m.refOp(ctx, sessionID, targetRef, ref, func(ctx context.Context, s *Session, e *target.Entry, sel string) error {
		return e.Page.Hover(ctx, sel)
	})
}

// Press sends a key press to the element behind a ref.
func (m *Manager) Press(ctx context.Context, sessionID, targetRef, ref, key string) (*OpResult, error) {
	if key == "" {
		return nil, errkind.New(errkind.InvalidInput, "key is required")
	}
	return m.refOp(ctx, sessionID, targetRef, ref, func(ctx context.Context, s *Session, e *target.Entry, sel string) error {
		return e.Page.Press(ctx, sel, key)
	})
}

// SetChecked checks or unchecks the element behind a ref.
func (m *Manager) SetChecked(ctx context.Context, sessionID, targetRef, ref string, checked bool) (*OpResult, error) {
	return m.refOp(ctx, sessionID, targetRef, ref, func(ctx context.Context, s *Session, e *target.Entry, sel string) error {
		return e.Page.SetChecked(ctx, sel, checked)
	})
}

// TypeText types into the element behind a ref.
func (m *Manager) TypeText(ctx context.Context, sessionID, targetRef, ref, text string) (*OpResult, error) {
	return m.refOp(ctx, sessionID, targetRef, ref, func(ctx context.Context, s *Session, e *target.Entry, sel string) error {
		return e.Page.Type(ctx, sel, text)
	})
}

// SelectOptions selects option values on the element behind a ref.
func (m *Manager) SelectOptions(ctx context.Context, sessionID, targetRef, ref string, values []string) (*OpResult, error) {
	if len(values) == 0 {
		return nil, errkind.New(errkind.InvalidInput, "at least one option value is required")
	}
	return m.refOp(ctx, sessionID, targetRef, ref, func(ctx context.Context, s *Session, e *target.Entry, sel string) error {
		return e.Page.SelectOptions(ctx, sel, values)
	})
}

// ScrollIntoView scrolls the element behind a ref into the viewport.
func (m *Manager) ScrollIntoView(ctx context.Context, sessionID, targetRef, ref string) (*OpResult, error) {
	return m.refOp(ctx, sessionID, targetRef, ref, func(ctx context.Context, s *Session, e *target.Entry, sel string) error {
		return e.Page.ScrollIntoView(ctx, sel)
	})
}

// Scroll scrolls the page by a pixel delta.
func (m *Manager) Scroll(ctx context.Context, sessionID, targetRef string, dx, dy float64) (*OpResult, error) {
	return m.run(ctx, sessionID, targetRef, func(ctx context.Context, s *Session, e *target.Entry) (any, error) {
		if err := s.ensureExtensionReady(ctx, e.Page); err != nil {
			return nil, err
		}
		return nil, s.withRetry(ctx, func() error { return e.Page.Scroll(ctx, dx, dy) })
	})
}

// ============================================
// DOM getters
// ============================================

// DOMText returns the text content of the element behind a ref.
func (m *Manager) DOMText(ctx context.Context, sessionID, targetRef, ref string) (*OpResult, error) {
	return m.run(ctx, sessionID, targetRef, func(ctx context.Context, s *Session, e *target.Entry) (any, error) {
		entry, err := s.refs.Resolve(e.ID, ref)
		if err != nil {
			return nil, err
		}
		var text string
		err = s.withRetry(ctx, func() error {
			var terr error
			text, terr = e.Page.TextContent(ctx, entry.Selector)
			return terr
		})
		return map[string]string{"text": text}, err
	})
}

// DOMAttribute returns one attribute of the element behind a ref.
func (m *Manager) DOMAttribute(ctx context.Context, sessionID, targetRef, ref, name string) (*OpResult, error) {
	if name == "" {
		return nil, errkind.New(errkind.InvalidInput, "attribute name is required")
	}
	return m.run(ctx, sessionID, targetRef, func(ctx context.Context, s *Session, e *target.Entry) (any, error) {
		entry, err := s.refs.Resolve(e.ID, ref)
		if err != nil {
			return nil, err
		}
		var (
			value  string
			exists bool
		)
		err = s.withRetry(ctx, func() error {
			var aerr error
			value, exists, aerr = e.Page.Attribute(ctx, entry.Selector, name)
			return aerr
		})
		return map[string]any{"value": value, "exists": exists}, err
	})
}

// DOMHTML returns the outer HTML of the element behind a ref.
func (m *Manager) DOMHTML(ctx context.Context, sessionID, targetRef, ref string) (*OpResult, error) {
	return m.run(ctx, sessionID, targetRef, func(ctx context.Context, s *Session, e *target.Entry) (any, error) {
		entry, err := s.refs.Resolve(e.ID, ref)
		if err != nil {
			return nil, err
		}
		var html string
		err = s.withRetry(ctx, func() error {
			var herr error
			html, herr = e.Page.HTML(ctx, entry.Selector)
			return herr
		})
		return map[string]string{"html": html}, err
	})
}

// Screenshot captures the target viewport as base64 PNG.
func (m *Manager) Screenshot(ctx context.Context, sessionID, targetRef string) (*OpResult, error) {
	return m.run(ctx, sessionID, targetRef, func(ctx context.Context, s *Session, e *target.Entry) (any, error) {
		if err := s.ensureExtensionReady(ctx, e.Page); err != nil {
			return nil, err
		}
		var data []byte
		err := s.withRetry(ctx, func() error {
			var serr error
			data, serr = e.Page.Screenshot(ctx)
			return serr
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"format": "png", "data": base64.StdEncoding.EncodeToString(data)}, nil
	})
}

// Eval runs a raw JS expression on the target. Gated behind allowRawCDP.
func (m *Manager) Eval(ctx context.Context, sessionID, targetRef, js string) (*OpResult, error) {
	if !m.cfg.Security.AllowRawCDP {
		return nil, errkind.New(errkind.InvalidInput,
			"raw evaluation is disabled; set security.allowRawCDP in the config to enable it")
	}
	return m.run(ctx, sessionID, targetRef, func(ctx context.Context, s *Session, e *target.Entry) (any, error) {
		var out string
		err := s.withRetry(ctx, func() error {
			var eerr error
			out, eerr = e.Page.Eval(ctx, js)
			return eerr
		})
		return map[string]string{"result": out}, err
	})
}

// ============================================
// Helpers
// ============================================

// refOp resolves a ref and runs the element action inside the target's
// critical section, with extension readiness gating and the single retry.
func (m *Manager) refOp(ctx context.Context, sessionID, targetRef, ref string, action func(ctx context.Context, s *Session, e *target.Entry, selector string) error) (*OpResult, error) {
	return m.run(ctx, sessionID, targetRef, func(ctx context.Context, s *Session, e *target.Entry) (any, error) {
		entry, err := s.refs.Resolve(e.ID, ref)
		if err != nil {
			return nil, err
		}
		if err := s.ensureExtensionReady(ctx, e.Page); err != nil {
			return nil, err
		}
		return nil, s.withRetry(ctx, func() error { return action(ctx, s, e, entry.Selector) })
	})
}
