package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/freshtechbro/opendevbrowser/internal/config"
	"github.com/freshtechbro/opendevbrowser/internal/driver"
)

func policy() config.ParallelismConfig {
	return config.Default().Parallelism
}

func healthySample() Sample {
	return Sample{HostFreeMemPct: 80, RssUsagePct: 10}
}

func TestVariantFor(t *testing.T) {
	tests := []struct {
		mode     driver.Mode
		headless bool
		legacy   bool
		want     ModeVariant
	}{
		{driver.ModeManaged, false, false, ManagedHeaded},
		{driver.ModeManaged, true, false, ManagedHeadless},
		{driver.ModeCDPConnect, false, false, CdpConnectHeaded},
		{driver.ModeCDPConnect, true, false, CdpConnectHeadless},
		{driver.ModeExtensionRelay, false, false, ExtensionOpsHeaded},
		{driver.ModeExtensionRelay, false, true, ExtensionLegacyCdpHeaded},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, VariantFor(tt.mode, tt.headless, tt.legacy))
	}
}

func TestStaticCapsPerVariant(t *testing.T) {
	tests := []struct {
		variant ModeVariant
		want    int
	}{
		{ManagedHeaded, 4},
		{ManagedHeadless, 6},
		{CdpConnectHeaded, 3},
		{CdpConnectHeadless, 4},
		{ExtensionOpsHeaded, 2},
		{ExtensionLegacyCdpHeaded, 1},
	}
	for _, tt := range tests {
		g := New(nil, policy(), tt.variant)
		assert.Equal(t, tt.want, g.EffectiveCap(), string(tt.variant))
	}
}

func TestClassifyFirstMatch(t *testing.T) {
	g := New(nil, policy(), ManagedHeaded)
	tests := []struct {
		name   string
		sample Sample
		want   Pressure
	}{
		{"healthy", healthySample(), Healthy},
		{"low host memory critical", Sample{HostFreeMemPct: 5, RssUsagePct: 10}, Critical},
		{"rss critical", Sample{HostFreeMemPct: 80, RssUsagePct: 96}, Critical},
		{"queue age critical", Sample{HostFreeMemPct: 80, QueueAgeMs: 20000}, Critical},
		{"low host memory high", Sample{HostFreeMemPct: 10, RssUsagePct: 10}, High},
		{"rss high", Sample{HostFreeMemPct: 80, RssUsagePct: 90}, High},
		{"queue age high", Sample{HostFreeMemPct: 80, QueueAgeMs: 6000}, High},
		{"discarded signal high", Sample{HostFreeMemPct: 80, DiscardedSignals: 1}, High},
		{"low host memory medium", Sample{HostFreeMemPct: 18, RssUsagePct: 10}, Medium},
		{"rss soft medium", Sample{HostFreeMemPct: 80, RssUsagePct: 75}, Medium},
		{"frozen signal medium", Sample{HostFreeMemPct: 80, FrozenSignals: 1}, Medium},
		{"critical beats high", Sample{HostFreeMemPct: 5, DiscardedSignals: 3}, Critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Classify(tt.sample))
		})
	}
}

func TestPenaltiesDropImmediately(t *testing.T) {
	g := New(nil, policy(), ManagedHeadless) // static 6

	// Medium: −1.
	assert.Equal(t, 5, g.Observe(Sample{HostFreeMemPct: 18, RssUsagePct: 10}))

	// High: −2 from static.
	assert.Equal(t, 4, g.Observe(Sample{HostFreeMemPct: 10, RssUsagePct: 10}))

	// Critical: straight to floor.
	assert.Equal(t, 1, g.Observe(Sample{HostFreeMemPct: 5, RssUsagePct: 10}))
}

func TestLifecyclePenaltyStacks(t *testing.T) {
	g := New(nil, policy(), ManagedHeadless) // static 6
	// High base −2 plus one discarded and one frozen signal: 6−2−2 = 2.
	assert.Equal(t, 2, g.Observe(Sample{HostFreeMemPct: 10, DiscardedSignals: 1, FrozenSignals: 1}))
}

func TestRecoveryNeedsStableWindowsAndRaisesByOne(t *testing.T) {
	p := policy()
	p.RecoveryStableWindows = 3
	g := New(nil, p, ManagedHeaded) // static 4

	// Drop to floor under critical pressure.
	assert.Equal(t, 1, g.Observe(Sample{HostFreeMemPct: 5}))

	// Two healthy windows: no raise yet.
	assert.Equal(t, 1, g.Observe(healthySample()))
	assert.Equal(t, 1, g.Observe(healthySample()))

	// Third healthy window: +1, never more.
	assert.Equal(t, 2, g.Observe(healthySample()))

	// Streak resets after the raise; three more windows for the next +1.
	assert.Equal(t, 2, g.Observe(healthySample()))
	assert.Equal(t, 2, g.Observe(healthySample()))
	assert.Equal(t, 3, g.Observe(healthySample()))
}

func TestNonHealthySampleResetsStreak(t *testing.T) {
	p := policy()
	p.RecoveryStableWindows = 2
	g := New(nil, p, ManagedHeaded)

	assert.Equal(t, 1, g.Observe(Sample{HostFreeMemPct: 5}))
	assert.Equal(t, 1, g.Observe(healthySample()))
	// Medium sample: streak resets, and target 3 still exceeds effective 1,
	// so no raise happens on a non-healthy window.
	assert.Equal(t, 1, g.Observe(Sample{HostFreeMemPct: 18}))
	assert.Equal(t, 1, g.Observe(healthySample()))
	assert.Equal(t, 2, g.Observe(healthySample()))
}

func TestCapNeverExceedsStaticNorDropsBelowFloor(t *testing.T) {
	g := New(nil, policy(), ExtensionLegacyCdpHeaded) // static 1, floor 1
	assert.Equal(t, 1, g.Observe(Sample{HostFreeMemPct: 5}))
	for i := 0; i < 20; i++ {
		g.Observe(healthySample())
	}
	assert.Equal(t, 1, g.EffectiveCap())
}

func TestSnapshotReportsState(t *testing.T) {
	g := New(nil, policy(), ManagedHeaded)
	g.Observe(Sample{HostFreeMemPct: 18})
	snap := g.Snapshot()
	assert.Equal(t, ManagedHeaded, snap.Variant)
	assert.Equal(t, 4, snap.StaticCap)
	assert.Equal(t, 3, snap.EffectiveCap)
	assert.Equal(t, Medium, snap.LastPressure)
	assert.False(t, snap.LastSampleAt.IsZero())
}
