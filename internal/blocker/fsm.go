// fsm.go — Per-session blocker state machine.
// States: clear → active (classifier hit), active → resolving (verifier op
// starts), resolving → clear (verifier passes), plus timeout/failure/manual
// resolutions. Transitions take an explicit reconciliation record instead of
// implicit per-operation state.
package blocker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/freshtechbro/opendevbrowser/internal/driver"
)

// State is the FSM state.
type State string

const (
	StateClear     State = "clear"
	StateActive    State = "active"
	StateResolving State = "resolving"
)

// ResolutionStatus is the terminal disposition of a blocker episode.
type ResolutionStatus string

const (
	Resolved   ResolutionStatus = "resolved"
	Unresolved ResolutionStatus = "unresolved"
	Deferred   ResolutionStatus = "deferred"
)

// ResolutionReason explains a resolution.
type ResolutionReason string

const (
	VerifierPassed      ResolutionReason = "verifier_passed"
	VerificationTimeout ResolutionReason = "verification_timeout"
	VerifierFailed      ResolutionReason = "verifier_failed"
	EnvLimited          ResolutionReason = "env_limited"
	ManualClear         ResolutionReason = "manual_clear"
)

// Resolution is the outcome record attached once an episode settles.
type Resolution struct {
	Status    ResolutionStatus `json:"status"`
	Reason    ResolutionReason `json:"reason"`
	UpdatedAt int64            `json:"updatedAt"`
}

// Reconciliation describes the operation feeding the FSM.
type Reconciliation struct {
	Source           string
	Verifier         bool // the operation counts as verification evidence
	IncludeArtifacts bool
}

// Snapshot is the FSM's externally visible state.
type Snapshot struct {
	State            State       `json:"state"`
	Blocker          *Blocker    `json:"blocker,omitempty"`
	TargetKey        string      `json:"targetKey,omitempty"`
	ActivatedAtMs    int64       `json:"activatedAtMs,omitempty"`
	LastDetectedAtMs int64       `json:"lastDetectedAtMs,omitempty"`
	UpdatedAtMs      int64       `json:"updatedAtMs,omitempty"`
	Resolution       *Resolution `json:"resolution,omitempty"`
}

// Meta is the blocker metadata attached to operation results while a
// blocker is active or resolving.
type Meta struct {
	Blocker    *Blocker    `json:"blocker,omitempty"`
	State      State       `json:"state"`
	UpdatedAt  int64       `json:"updatedAt,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// FSM is the per-session blocker machine.
type FSM struct {
	mu  sync.Mutex
	log *zap.Logger

	state            State
	blocker          *Blocker
	targetKey        string
	activatedAtMs    int64
	lastDetectedAtMs int64
	updatedAtMs      int64
	resolution       *Resolution

	resolutionTimeout time.Duration
	now               func() time.Time
}

// NewFSM creates a clear machine with the given verification timeout.
func NewFSM(log *zap.Logger, resolutionTimeout time.Duration) *FSM {
	if log == nil {
		log = zap.NewNop()
	}
	return &FSM{
		log:               log,
		state:             StateClear,
		resolutionTimeout: resolutionTimeout,
		now:               time.Now,
	}
}

// Reconcile applies classified evidence from one operation.
// activeTargetID keys the episode as "targetId:hostname".
func (f *FSM) Reconcile(ev Evidence, rec Reconciliation, activeTargetID string) Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	nowMs := f.now().UnixMilli()
	found := Classify(ev)

	switch {
	case found != nil:
		// clear/resolving → active (or refresh an active episode).
		if f.state == StateClear {
			f.activatedAtMs = nowMs
			f.resolution = nil
			f.log.Info("blocker.detected",
				zap.String("type", string(found.Type)),
				zap.String("reason", found.Reason),
				zap.String("source", rec.Source))
		}
		f.state = StateActive
		f.blocker = found
		f.targetKey = activeTargetID + ":" + driver.HostOf(ev.EffectiveURL())
		f.lastDetectedAtMs = nowMs
		f.updatedAtMs = nowMs

	case f.state == StateClear:
		// Nothing to do.

	case rec.Verifier || f.state == StateResolving:
		// Verifier evidence with no blocker classified: episode resolved.
		f.state = StateClear
		f.blocker = nil
		f.targetKey = ""
		f.resolution = f.monotonicResolution(Resolution{Status: Resolved, Reason: VerifierPassed, UpdatedAt: nowMs})
		f.updatedAtMs = nowMs
		f.log.Info("blocker.resolved", zap.String("source", rec.Source))

	case f.lastDetectedAtMs > 0 && nowMs-f.lastDetectedAtMs >= f.resolutionTimeout.Milliseconds():
		// Quiet for longer than the verification window: mark unresolved,
		// stay active so callers keep seeing the episode.
		f.state = StateActive
		f.resolution = f.monotonicResolution(Resolution{Status: Unresolved, Reason: VerificationTimeout, UpdatedAt: nowMs})
		f.updatedAtMs = nowMs
		f.log.Warn("blocker.verification_timeout", zap.String("targetKey", f.targetKey))
	}

	return f.snapshotLocked()
}

// BeginVerifier marks that a verification-capable operation started.
// active → resolving; clears any prior resolution.
func (f *FSM) BeginVerifier() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateActive {
		f.state = StateResolving
		f.resolution = nil
		f.updatedAtMs = f.now().UnixMilli()
	}
	return f.snapshotLocked()
}

// MarkVerificationFailure records an explicit verifier failure.
// envLimited marks the episode deferred instead of unresolved.
func (f *FSM) MarkVerificationFailure(envLimited bool) Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateClear {
		return f.snapshotLocked()
	}
	nowMs := f.now().UnixMilli()
	res := Resolution{Status: Unresolved, Reason: VerifierFailed, UpdatedAt: nowMs}
	if envLimited {
		res.Status = Deferred
		res.Reason = EnvLimited
	}
	f.state = StateActive
	f.resolution = f.monotonicResolution(res)
	f.updatedAtMs = nowMs
	return f.snapshotLocked()
}

// Clear force-clears any episode (manual_clear).
func (f *FSM) Clear() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	nowMs := f.now().UnixMilli()
	f.state = StateClear
	f.blocker = nil
	f.targetKey = ""
	f.resolution = f.monotonicResolution(Resolution{Status: Resolved, Reason: ManualClear, UpdatedAt: nowMs})
	f.updatedAtMs = nowMs
	return f.snapshotLocked()
}

// Snapshot returns the current state.
func (f *FSM) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

// Meta returns result metadata, or nil while the machine is clear with no
// fresh resolution.
func (f *FSM) Meta() *Meta {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateClear && f.resolution == nil {
		return nil
	}
	return &Meta{
		Blocker:    f.blocker,
		State:      f.state,
		UpdatedAt:  f.updatedAtMs,
		Resolution: f.resolution,
	}
}

// monotonicResolution keeps resolution.UpdatedAt non-decreasing.
func (f *FSM) monotonicResolution(res Resolution) *Resolution {
	if f.resolution != nil && f.resolution.UpdatedAt > res.UpdatedAt {
		res.UpdatedAt = f.resolution.UpdatedAt
	}
	return &res
}

func (f *FSM) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:            f.state,
		TargetKey:        f.targetKey,
		ActivatedAtMs:    f.activatedAtMs,
		LastDetectedAtMs: f.lastDetectedAtMs,
		UpdatedAtMs:      f.updatedAtMs,
	}
	if f.blocker != nil {
		b := *f.blocker
		snap.Blocker = &b
	}
	if f.resolution != nil {
		r := *f.resolution
		snap.Resolution = &r
	}
	return snap
}
