// nav.go — Navigation operations and blocker reconciliation.
// goto/waitForLoad/waitForRef are verifier operations: they begin a
// resolving episode when a blocker is active and feed post-operation
// evidence back into the state machine.
package session

import (
	"context"
	"time"

	"github.com/freshtechbro/opendevbrowser/internal/blocker"
	"github.com/freshtechbro/opendevbrowser/internal/driver"
	"github.com/freshtechbro/opendevbrowser/internal/errkind"
	"github.com/freshtechbro/opendevbrowser/internal/target"
	"github.com/freshtechbro/opendevbrowser/internal/trackers"
)

const (
	// extensionReadyTimeout bounds main-frame attachment polling before
	// navigation-dependent operations in extension mode.
	extensionReadyTimeout = 8 * time.Second
	extensionReadyPoll    = 150 * time.Millisecond

	// waitForRefPoll is the element-presence polling interval.
	waitForRefPoll = 150 * time.Millisecond

	// evidenceHostWindow is how many recent network events feed the
	// challenge-host evidence.
	evidenceHostWindow = 50
)

// NavResult is the payload of navigation operations.
type NavResult struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// Goto navigates the target and waits for the load event.
func (m *Manager) Goto(ctx context.Context, sessionID, targetRef, url string) (*OpResult, error) {
	return m.run(ctx, sessionID, targetRef, func(ctx context.Context, s *Session, e *target.Entry) (any, error) {
		s.fsm.BeginVerifier()

		if err := s.ensureExtensionReady(ctx, e.Page); err != nil {
			return nil, err
		}
		if err := s.withRetry(ctx, func() error { return e.Page.Navigate(ctx, url) }); err != nil {
			s.reconcile(ctx, e, "goto", true)
			return nil, err
		}
		// Load completion is best effort; slow pages still navigate.
		_ = e.Page.WaitLoad(ctx)

		s.reconcile(ctx, e, "goto", true)
		info, _ := e.Page.Info(ctx)
		return &NavResult{URL: info.URL, Title: info.Title}, nil
	})
}

// WaitForLoad waits for the target's load event.
func (m *Manager) WaitForLoad(ctx context.Context, sessionID, targetRef string) (*OpResult, error) {
	return m.run(ctx, sessionID, targetRef, func(ctx context.Context, s *Session, e *target.Entry) (any, error) {
		s.fsm.BeginVerifier()
		if err := s.ensureExtensionReady(ctx, e.Page); err != nil {
			return nil, err
		}
		if err := s.withRetry(ctx, func() error { return e.Page.WaitLoad(ctx) }); err != nil {
			s.reconcile(ctx, e, "waitForLoad", true)
			return nil, err
		}
		s.reconcile(ctx, e, "waitForLoad", true)
		info, _ := e.Page.Info(ctx)
		return &NavResult{URL: info.URL, Title: info.Title}, nil
	})
}

// WaitForRef polls until a previously issued element ref becomes present on
// the page, or the timeout expires.
func (m *Manager) WaitForRef(ctx context.Context, sessionID, ref string, timeout time.Duration) (*OpResult, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return m.run(ctx, sessionID, "", func(ctx context.Context, s *Session, e *target.Entry) (any, error) {
		s.fsm.BeginVerifier()
		entry, err := s.refs.Resolve(e.ID, ref)
		if err != nil {
			return nil, err
		}

		deadline := time.Now().Add(timeout)
		for {
			if _, terr := e.Page.TextContent(ctx, entry.Selector); terr == nil {
				s.reconcile(ctx, e, "waitForRef", true)
				return &NavResult{}, nil
			}
			if time.Now().After(deadline) {
				s.fsm.MarkVerificationFailure(false)
				return nil, errkind.New(errkind.Timeout, "element %s did not appear within %s", ref, timeout)
			}
			select {
			case <-time.After(waitForRefPoll):
			case <-ctx.Done():
				return nil, errkind.Wrap(errkind.Cancelled, ctx.Err(), "waitForRef cancelled")
			}
		}
	})
}

// BlockerStatus returns the session's blocker snapshot without touching the
// machine.
func (m *Manager) BlockerStatus(ctx context.Context, sessionID string) (*blocker.Snapshot, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	snap := sess.fsm.Snapshot()
	return &snap, nil
}

// BlockerClear force-clears any blocker episode.
func (m *Manager) BlockerClear(ctx context.Context, sessionID string) (*blocker.Snapshot, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	snap := sess.fsm.Clear()
	return &snap, nil
}

// ============================================
// Helpers
// ============================================

// ensureExtensionReady polls main-frame attachment in extension mode.
// Other modes return immediately.
func (s *Session) ensureExtensionReady(ctx context.Context, page driver.Page) error {
	if s.Mode != driver.ModeExtensionRelay {
		return nil
	}
	deadline := time.Now().Add(extensionReadyTimeout)
	for {
		attached, err := page.MainFrameAttached(ctx)
		if err == nil && attached {
			return nil
		}
		if err != nil && !errkind.IsRetryableDetachedFrame(err) {
			return errkind.Wrap(errkind.ExtensionTargetReadyClosed, err, "extension target is gone; re-select a target")
		}
		if time.Now().After(deadline) {
			return errkind.New(errkind.ExtensionTargetReadyTimeout,
				"extension target did not become ready within %s; focus the tab and retry", extensionReadyTimeout)
		}
		select {
		case <-time.After(extensionReadyPoll):
		case <-ctx.Done():
			return errkind.Wrap(errkind.Cancelled, ctx.Err(), "readiness wait cancelled")
		}
	}
}

// reconcile feeds post-operation evidence into the blocker machine.
// verifier marks the operation as verification-capable.
func (s *Session) reconcile(ctx context.Context, e *target.Entry, source string, verifier bool) blocker.Snapshot {
	ev := s.buildEvidence(ctx, e)
	ev.Source = source
	return s.fsm.Reconcile(ev, blocker.Reconciliation{Source: source, Verifier: verifier}, e.ID)
}

// buildEvidence assembles classifier input from the page and recent
// network traffic.
func (s *Session) buildEvidence(ctx context.Context, e *target.Entry) blocker.Evidence {
	ev := blocker.Evidence{PromptGuard: s.cfg.Security.PromptInjectionGuard.Enabled}

	infoCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if info, err := e.Page.Info(infoCtx); err == nil {
		ev.FinalURL = info.URL
		ev.Title = info.Title
	}
	cancel()

	seenHosts := make(map[string]bool)
	for _, rec := range s.trackers.Network.Snapshot(evidenceHostWindow) {
		if rec.Payload.Host != "" && !seenHosts[rec.Payload.Host] {
			seenHosts[rec.Payload.Host] = true
			ev.NetworkHosts = append(ev.NetworkHosts, rec.Payload.Host)
		}
		if rec.Payload.Phase == trackers.NetworkResponse &&
			rec.Payload.URL != "" && rec.Payload.URL == ev.FinalURL {
			ev.Status = rec.Payload.Status
		}
	}
	return ev
}
