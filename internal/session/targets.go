// targets.go — Target operations and per-page event wiring.
// Every page registered with a session gets console/network/exception
// capture and top-frame navigation invalidation of its element refs.
package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/freshtechbro/opendevbrowser/internal/blocker"
	"github.com/freshtechbro/opendevbrowser/internal/driver"
	"github.com/freshtechbro/opendevbrowser/internal/errkind"
	"github.com/freshtechbro/opendevbrowser/internal/ids"
	"github.com/freshtechbro/opendevbrowser/internal/logging"
	"github.com/freshtechbro/opendevbrowser/internal/target"
)

// extensionRetryDelay is the pause before the single internal retry applied
// to detached-frame failures in extension mode.
const extensionRetryDelay = 200 * time.Millisecond

// ============================================
// Page wiring
// ============================================

// wirePage installs per-page listeners: tracker capture and ref
// invalidation on top-frame navigation.
func (s *Session) wirePage(targetID string, page driver.Page) {
	cleanup, err := page.Subscribe(driver.PageEvents{
		Console: func(msg driver.ConsoleMessage) {
			s.trackers.CaptureConsole(msg)
		},
		Request: func(ev driver.NetworkEvent) {
			s.trackers.CaptureRequest(ev)
		},
		Response: func(ev driver.NetworkEvent) {
			s.trackers.CaptureResponse(ev)
		},
		Exception: func(ev driver.PageError) {
			s.trackers.CaptureException(ev)
		},
		Navigated: func(url string, topFrame bool) {
			// Element refs are only valid within one top-frame document.
			if topFrame {
				s.refs.ClearTarget(targetID)
			}
		},
		Closed: func() {
			s.refs.ClearTarget(targetID)
			if _, cerr := s.registry.Close(targetID); cerr == nil {
				s.dropPageCleanup(targetID)
			}
		},
	})
	if err != nil {
		s.log.Warn("target.subscribe_failed", zap.String("targetId", targetID), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.pageCleanups[targetID] = cleanup
	s.mu.Unlock()
}

// dropPageCleanup removes and runs the listener cleanup for one target.
func (s *Session) dropPageCleanup(targetID string) {
	s.mu.Lock()
	cleanup := s.pageCleanups[targetID]
	delete(s.pageCleanups, targetID)
	s.mu.Unlock()
	if cleanup != nil {
		cleanup()
	}
}

// withRetry runs fn, applying at most one internal retry after a short pause
// when a detached-frame failure occurs in extension mode. All other errors
// propagate immediately.
func (s *Session) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || s.Mode != driver.ModeExtensionRelay || !errkind.IsRetryableDetachedFrame(err) {
		return errkind.ClassifyDriverError(err)
	}
	select {
	case <-time.After(extensionRetryDelay):
	case <-ctx.Done():
		return errkind.Wrap(errkind.Cancelled, ctx.Err(), "retry cancelled")
	}
	return errkind.ClassifyDriverError(fn())
}

// ============================================
// Operation runner
// ============================================

// OpResult is the common envelope every target-scoped operation returns.
type OpResult struct {
	SessionID  string        `json:"sessionId"`
	RequestID  string        `json:"requestId"`
	TargetID   string        `json:"targetId,omitempty"`
	DurationMs int64         `json:"durationMs"`
	Blocker    *blocker.Meta `json:"blocker,omitempty"`
	Data       any           `json:"data,omitempty"`
}

// resolveTarget maps a caller target ref (id, name, or empty for active) to
// a registry entry.
func (s *Session) resolveTarget(ref string) (*target.Entry, error) {
	if ref == "" {
		return s.registry.Active()
	}
	if entry, ok := s.registry.Resolve(ref); ok {
		return entry, nil
	}
	return nil, errkind.New(errkind.InvalidInput, "unknown target %q; run listTargets to see live targets", ref)
}

// run executes fn inside the target's critical section with a governor slot
// held. The empty targetRef addresses the active target. fn's return value
// lands in OpResult.Data.
func (m *Manager) run(ctx context.Context, sessionID, targetRef string, fn func(ctx context.Context, s *Session, e *target.Entry) (any, error)) (*OpResult, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	entry, err := sess.resolveTarget(targetRef)
	if err != nil {
		return nil, err
	}

	requestID := ids.NewRequestID()
	ctx = logging.ContextWithRequestID(ctx, requestID)
	start := time.Now()
	timeout := time.Duration(m.cfg.Parallelism.BackpressureTimeoutMs) * time.Millisecond

	var data any
	err = m.sched.RunTargetScoped(ctx, sessionID, entry.ID, timeout, func(ctx context.Context) (execErr error) {
		data, execErr = fn(ctx, sess, entry)
		return execErr
	})
	if err != nil {
		return nil, err
	}

	return &OpResult{
		SessionID:  sessionID,
		RequestID:  requestID,
		TargetID:   entry.ID,
		DurationMs: time.Since(start).Milliseconds(),
		Blocker:    sess.fsm.Meta(),
		Data:       data,
	}, nil
}

// ============================================
// Target operations
// ============================================

// NewTargetResult reports a created target.
type NewTargetResult struct {
	TargetID string `json:"targetId"`
	Reused   bool   `json:"reused"` // extension fallback reused the active tab
}

// NewTarget opens a new page and makes it active. In extension mode, when
// the extension cannot create tabs, the active tab is reused and navigated
// instead of failing the operation.
func (m *Manager) NewTarget(ctx context.Context, sessionID, url, name string) (*NewTargetResult, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	if url == "" {
		url = "about:blank"
	}

	page, err := sess.browser.NewPage(ctx, url)
	if err != nil {
		classified := errkind.ClassifyDriverError(err)
		if sess.Mode == driver.ModeExtensionRelay && errkind.HasKind(classified, errkind.ExtensionTargetNotAllowed) {
			entry, aerr := sess.registry.Active()
			if aerr != nil {
				return nil, classified
			}
			if nerr := sess.withRetry(ctx, func() error { return entry.Page.Navigate(ctx, url) }); nerr != nil {
				return nil, nerr
			}
			sess.log.Info("target.extension_fallback", zap.String("targetId", entry.ID), zap.String("url", url))
			return &NewTargetResult{TargetID: entry.ID, Reused: true}, nil
		}
		return nil, classified
	}

	targetID, err := sess.registry.Register(page, name)
	if err != nil {
		_ = page.Close(ctx)
		return nil, err
	}
	sess.wirePage(targetID, page)
	_ = sess.registry.SetActive(targetID)
	return &NewTargetResult{TargetID: targetID}, nil
}

// ListTargets reconciles against the driver and snapshots all targets.
func (m *Manager) ListTargets(ctx context.Context, sessionID string, includeURLs bool) ([]target.Summary, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	if pages, perr := sess.browser.Pages(ctx); perr == nil {
		dropped, added := sess.registry.Sync(pages)
		for _, id := range dropped {
			sess.refs.ClearTarget(id)
			sess.dropPageCleanup(id)
		}
		for _, id := range added {
			if page, gerr := sess.registry.Page(id); gerr == nil {
				sess.wirePage(id, page)
			}
		}
	}

	return sess.registry.List(ctx, includeURLs), nil
}

// UseTarget makes a target active and focuses it driver-side.
func (m *Manager) UseTarget(ctx context.Context, sessionID, ref string) (string, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return "", err
	}
	entry, err := sess.resolveTarget(ref)
	if err != nil {
		return "", err
	}
	if err := sess.registry.SetActive(entry.ID); err != nil {
		return "", err
	}
	// Focus is best effort; the registry's active pointer is authoritative.
	if aerr := entry.Page.Activate(ctx); aerr != nil {
		sess.log.Debug("target.activate_failed", zap.String("targetId", entry.ID), zap.Error(aerr))
	}
	return entry.ID, nil
}

// CloseTarget closes a target's page and drops its state.
func (m *Manager) CloseTarget(ctx context.Context, sessionID, ref string) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}
	entry, err := sess.resolveTarget(ref)
	if err != nil {
		return err
	}

	removed, err := sess.registry.Close(entry.ID)
	if err != nil {
		return err
	}
	sess.refs.ClearTarget(entry.ID)
	sess.dropPageCleanup(entry.ID)
	return sess.withRetry(ctx, func() error { return removed.Page.Close(ctx) })
}

// NameTarget assigns a unique human name to a target.
func (m *Manager) NameTarget(ctx context.Context, sessionID, ref, name string) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}
	entry, err := sess.resolveTarget(ref)
	if err != nil {
		return err
	}
	return sess.registry.SetName(entry.ID, name)
}

// UnnameTarget clears a target's human name.
func (m *Manager) UnnameTarget(ctx context.Context, sessionID, ref string) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}
	entry, err := sess.resolveTarget(ref)
	if err != nil {
		return err
	}
	return sess.registry.RemoveName(entry.ID)
}

// ListNamedTargets lists name-to-target bindings.
func (m *Manager) ListNamedTargets(ctx context.Context, sessionID string) ([]target.Summary, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.registry.ListNamed(), nil
}
