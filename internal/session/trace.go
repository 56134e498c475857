// trace.go — Debug trace snapshots.
// One call drains the three trackers from caller-held cursors, feeds the
// network slice through the fingerprint pipeline (idempotent against the
// continuous subscription), reconciles the blocker machine, and bundles
// everything with governor and fingerprint state.
package session

import (
	"context"
	"time"

	"github.com/freshtechbro/opendevbrowser/internal/blocker"
	"github.com/freshtechbro/opendevbrowser/internal/fingerprint"
	"github.com/freshtechbro/opendevbrowser/internal/governor"
	"github.com/freshtechbro/opendevbrowser/internal/ids"
	"github.com/freshtechbro/opendevbrowser/internal/trackers"
)

// tracePollMax bounds how many events one trace call drains per tracker.
const tracePollMax = 200

// TraceCursors are the caller's per-tracker positions.
type TraceCursors struct {
	Console   uint64 `json:"console"`
	Network   uint64 `json:"network"`
	Exception uint64 `json:"exception"`
}

// TraceArtifacts is the bounded evidence bundle attached while a blocker
// episode is active or resolving.
type TraceArtifacts struct {
	NetworkURLs       []string `json:"networkUrls,omitempty"`
	Hosts             []string `json:"hosts,omitempty"`
	ConsoleExcerpts   []string `json:"consoleExcerpts,omitempty"`
	ExceptionExcerpts []string `json:"exceptionExcerpts,omitempty"`
	PromptGuard       bool     `json:"promptGuardEnabled"`
}

// TraceResult is the debug trace payload.
type TraceResult struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`

	Console   []trackers.Event[trackers.ConsoleEvent]   `json:"console"`
	Network   []trackers.Event[trackers.NetworkEvent]   `json:"network"`
	Exception []trackers.Event[trackers.ExceptionEvent] `json:"exception"`

	NextCursors TraceCursors `json:"nextCursors"`
	Truncated   bool         `json:"truncated,omitempty"`

	Fingerprint fingerprint.Snapshot `json:"fingerprint"`
	Governor    governor.State       `json:"governor"`
	Blocker     *blocker.Snapshot    `json:"blocker,omitempty"`
	Artifacts   *TraceArtifacts      `json:"artifacts,omitempty"`

	CapturedAt time.Time `json:"capturedAt"`
}

// DebugTrace drains tracker events since the caller's cursors and returns
// the full diagnostic bundle. Safe to call repeatedly: the fingerprint
// watermark makes re-applied network events no-ops.
func (m *Manager) DebugTrace(ctx context.Context, sessionID string, cursors TraceCursors, includeArtifacts bool) (*TraceResult, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	consoleRes := sess.trackers.Console.Poll(cursors.Console, tracePollMax)
	networkRes := sess.trackers.Network.Poll(cursors.Network, tracePollMax)
	exceptionRes := sess.trackers.Exception.Poll(cursors.Exception, tracePollMax)

	if sess.fp != nil {
		samples := make([]fingerprint.NetworkSample, 0, len(networkRes.Events))
		for _, ev := range networkRes.Events {
			if ev.Payload.Phase != trackers.NetworkResponse {
				continue
			}
			samples = append(samples, fingerprint.NetworkSample{Seq: ev.Seq, URL: ev.Payload.URL, Status: ev.Payload.Status})
		}
		sess.fp.Apply(samples, fingerprint.SourceDebugTrace)
	}

	// Trace evidence reconciles the blocker machine without counting as
	// verification.
	var snap blocker.Snapshot
	if entry, aerr := sess.registry.Active(); aerr == nil {
		ev := sess.buildEvidence(ctx, entry)
		ev.Source = "debug-trace"
		snap = sess.fsm.Reconcile(ev, blocker.Reconciliation{Source: "debug-trace", IncludeArtifacts: includeArtifacts}, entry.ID)
	} else {
		snap = sess.fsm.Snapshot()
	}

	result := &TraceResult{
		SessionID: sessionID,
		RequestID: ids.NewRequestID(),
		Console:   consoleRes.Events,
		Network:   networkRes.Events,
		Exception: exceptionRes.Events,
		NextCursors: TraceCursors{
			Console:   consoleRes.NextSeq,
			Network:   networkRes.NextSeq,
			Exception: exceptionRes.NextSeq,
		},
		Truncated:  consoleRes.Truncated || networkRes.Truncated || exceptionRes.Truncated,
		Governor:   sess.gov.Snapshot(),
		CapturedAt: time.Now(),
	}
	if sess.fp != nil {
		result.Fingerprint = sess.fp.Snapshot()
	}
	if snap.State != blocker.StateClear || snap.Resolution != nil {
		snapCopy := snap
		result.Blocker = &snapCopy
	}
	if includeArtifacts && snap.State != blocker.StateClear {
		result.Artifacts = sess.buildArtifacts()
	}
	return result, nil
}

// buildArtifacts assembles the bounded blocker evidence bundle from the
// trackers' retained windows.
func (s *Session) buildArtifacts() *TraceArtifacts {
	caps := s.cfg.BlockerArtifactCaps
	art := &TraceArtifacts{PromptGuard: s.cfg.Security.PromptInjectionGuard.Enabled}

	for _, ev := range s.trackers.Network.Snapshot(caps.MaxNetworkEvents) {
		art.NetworkURLs = append(art.NetworkURLs, ev.Payload.URL)
	}

	// Hosts are deduped newest-first across the whole retained window.
	all := s.trackers.Network.Snapshot(0)
	seenHosts := make(map[string]bool)
	for i := len(all) - 1; i >= 0 && len(art.Hosts) < caps.MaxHosts; i-- {
		host := all[i].Payload.Host
		if host != "" && !seenHosts[host] {
			seenHosts[host] = true
			art.Hosts = append(art.Hosts, host)
		}
	}

	for _, ev := range s.trackers.Console.Snapshot(5) {
		art.ConsoleExcerpts = append(art.ConsoleExcerpts, ev.Payload.Text)
	}
	for _, ev := range s.trackers.Exception.Snapshot(5) {
		art.ExceptionExcerpts = append(art.ExceptionExcerpts, ev.Payload.Message)
	}
	return art
}
