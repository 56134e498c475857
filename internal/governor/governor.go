// governor.go — Per-session adaptive concurrency cap.
// Classifies host pressure from memory/RSS/queue inputs, derives a target
// cap with penalties, and moves the effective cap with hysteresis: drops
// apply immediately, raises need consecutive healthy windows and move by
// exactly one slot.
package governor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/freshtechbro/opendevbrowser/internal/config"
	"github.com/freshtechbro/opendevbrowser/internal/driver"
)

// ModeVariant keys the static cap table.
type ModeVariant string

const (
	ManagedHeaded            ModeVariant = "managedHeaded"
	ManagedHeadless          ModeVariant = "managedHeadless"
	CdpConnectHeaded         ModeVariant = "cdpConnectHeaded"
	CdpConnectHeadless       ModeVariant = "cdpConnectHeadless"
	ExtensionOpsHeaded       ModeVariant = "extensionOpsHeaded"
	ExtensionLegacyCdpHeaded ModeVariant = "extensionLegacyCdpHeaded"
)

// VariantFor derives the mode variant from session characteristics.
func VariantFor(mode driver.Mode, headless, extensionLegacy bool) ModeVariant {
	switch mode {
	case driver.ModeManaged:
		if headless {
			return ManagedHeadless
		}
		return ManagedHeaded
	case driver.ModeCDPConnect:
		if headless {
			return CdpConnectHeadless
		}
		return CdpConnectHeaded
	default:
		if extensionLegacy {
			return ExtensionLegacyCdpHeaded
		}
		return ExtensionOpsHeaded
	}
}

// Pressure is the classified host condition.
type Pressure string

const (
	Healthy  Pressure = "healthy"
	Medium   Pressure = "medium"
	High     Pressure = "high"
	Critical Pressure = "critical"
)

// Sample is one pressure observation.
type Sample struct {
	HostFreeMemPct   float64
	RssUsagePct      float64
	QueueAgeMs       int64
	QueueDepth       int
	DiscardedSignals int
	FrozenSignals    int
}

// State is the externally visible governor state.
type State struct {
	Variant        ModeVariant `json:"modeVariant"`
	StaticCap      int         `json:"staticCap"`
	EffectiveCap   int         `json:"effectiveCap"`
	HealthyWindows int         `json:"healthyWindows"`
	LastSampleAt   time.Time   `json:"lastSampleAt"`
	LastPressure   Pressure    `json:"lastPressure"`
}

// Governor owns the adaptive cap for one session.
type Governor struct {
	mu  sync.Mutex
	log *zap.Logger

	policy  config.ParallelismConfig
	variant ModeVariant

	staticCap      int
	effectiveCap   int
	healthyWindows int
	lastSampleAt   time.Time
	lastPressure   Pressure
	now            func() time.Time
}

// New creates a governor at its static cap.
func New(log *zap.Logger, policy config.ParallelismConfig, variant ModeVariant) *Governor {
	if log == nil {
		log = zap.NewNop()
	}
	static := capForVariant(policy.ModeCaps, variant)
	if static < policy.Floor {
		static = policy.Floor
	}
	if static < 1 {
		static = 1
	}
	return &Governor{
		log:          log,
		policy:       policy,
		variant:      variant,
		staticCap:    static,
		effectiveCap: static,
		lastPressure: Healthy,
		now:          time.Now,
	}
}

func capForVariant(caps config.ModeCaps, v ModeVariant) int {
	switch v {
	case ManagedHeaded:
		return caps.ManagedHeaded
	case ManagedHeadless:
		return caps.ManagedHeadless
	case CdpConnectHeaded:
		return caps.CdpConnectHeaded
	case CdpConnectHeadless:
		return caps.CdpConnectHeadless
	case ExtensionOpsHeaded:
		return caps.ExtensionOpsHeaded
	default:
		return caps.ExtensionLegacyCdpHeaded
	}
}

// Classify maps a sample to a pressure level, first match wins.
func (g *Governor) Classify(s Sample) Pressure {
	p := g.policy
	switch {
	case s.HostFreeMemPct <= p.HostFreeMemCriticalPct ||
		s.RssUsagePct >= p.RssCriticalPct ||
		s.QueueAgeMs >= p.QueueAgeCriticalMs:
		return Critical
	case s.HostFreeMemPct <= p.HostFreeMemHighPct ||
		s.RssUsagePct >= p.RssHighPct ||
		s.QueueAgeMs >= p.QueueAgeHighMs ||
		s.DiscardedSignals > 0:
		return High
	case s.HostFreeMemPct <= p.HostFreeMemMediumPct ||
		s.RssUsagePct >= p.RssSoftPct ||
		s.FrozenSignals > 0:
		return Medium
	default:
		return Healthy
	}
}

// Observe applies one sample: classification, penalties, hysteresis.
// Returns the resulting effective cap.
func (g *Governor) Observe(s Sample) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	pressure := g.Classify(s)
	g.lastPressure = pressure
	g.lastSampleAt = g.now()

	target := g.targetCapLocked(pressure, s)

	switch {
	case target < g.effectiveCap:
		// Drops apply immediately.
		g.log.Debug("governor.cap_drop",
			zap.String("pressure", string(pressure)),
			zap.Int("from", g.effectiveCap),
			zap.Int("to", target))
		g.effectiveCap = target
		g.healthyWindows = 0

	case target > g.effectiveCap:
		g.bumpHealthyWindowsLocked(pressure)
		if g.healthyWindows >= g.policy.RecoveryStableWindows {
			g.effectiveCap++
			g.healthyWindows = 0
		}

	default:
		g.bumpHealthyWindowsLocked(pressure)
	}

	return g.effectiveCap
}

// bumpHealthyWindowsLocked increments on healthy samples only; any
// non-healthy sample resets the streak.
func (g *Governor) bumpHealthyWindowsLocked(pressure Pressure) {
	if pressure == Healthy {
		g.healthyWindows++
	} else {
		g.healthyWindows = 0
	}
}

// targetCapLocked derives the instantaneous target cap for one sample.
func (g *Governor) targetCapLocked(pressure Pressure, s Sample) int {
	if pressure == Critical {
		return g.floorLocked()
	}
	base := 0
	switch pressure {
	case Medium:
		base = 1
	case High:
		base = 2
	}
	lifecycle := s.DiscardedSignals + s.FrozenSignals
	target := g.staticCap - base - lifecycle
	if target < g.floorLocked() {
		target = g.floorLocked()
	}
	if target > g.staticCap {
		target = g.staticCap
	}
	return target
}

func (g *Governor) floorLocked() int {
	if g.policy.Floor < 1 {
		return 1
	}
	return g.policy.Floor
}

// EffectiveCap returns the current admission limit.
func (g *Governor) EffectiveCap() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.effectiveCap
}

// Snapshot returns the governor state.
func (g *Governor) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		Variant:        g.variant,
		StaticCap:      g.staticCap,
		EffectiveCap:   g.effectiveCap,
		HealthyWindows: g.healthyWindows,
		LastSampleAt:   g.lastSampleAt,
		LastPressure:   g.lastPressure,
	}
}
