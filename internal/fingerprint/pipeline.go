// pipeline.go — Fingerprint runtime (tier2) and adaptive canary (tier3).
// Consumes network events ordered by tracker seq. The lastAppliedNetworkSeq
// watermark makes application idempotent: both the continuous subscription
// and the debug-trace path delegate to the single Apply method.
package fingerprint

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/freshtechbro/opendevbrowser/internal/config"
	"github.com/freshtechbro/opendevbrowser/internal/ids"
)

// Source tags where an application pass originated.
type Source string

const (
	SourceContinuous Source = "continuous"
	SourceDebugTrace Source = "debug-trace"
)

// NetworkSample is the slice of a network event the pipeline consumes.
type NetworkSample struct {
	Seq    uint64
	URL    string
	Status int
}

// ChallengeEvent records one detected challenge.
type ChallengeEvent struct {
	Seq    uint64 `json:"seq"`
	URL    string `json:"url"`
	Status int    `json:"status,omitempty"`
	AtMs   int64  `json:"atMs"`
}

// Profile is the tier2 runtime profile.
type Profile struct {
	ID             string `json:"id"`
	HealthScore    int    `json:"healthScore"`
	ChallengeCount int    `json:"challengeCount"`
	RotationCount  int    `json:"rotationCount"`
}

// Tier2State is the runtime tier.
type Tier2State struct {
	Enabled         bool             `json:"enabled"`
	Mode            string           `json:"mode"`
	Profile         Profile          `json:"profile"`
	ChallengeEvents []ChallengeEvent `json:"challengeEvents,omitempty"`
	LastRotationMs  int64            `json:"lastRotationMs,omitempty"`
}

// CanarySample is one tier3 window entry.
type CanarySample struct {
	Score        float64 `json:"score"`
	HasChallenge bool    `json:"hasChallenge"`
	AtMs         int64   `json:"atMs"`
}

// CanaryState is the tier3 sliding decision window.
type CanaryState struct {
	Level        int            `json:"level"`
	AverageScore float64        `json:"averageScore"`
	LastAction   string         `json:"lastAction,omitempty"`
	Samples      []CanarySample `json:"samples,omitempty"`
}

// Tier3Status is the adaptive tier disposition.
type Tier3Status string

const (
	Tier3Active   Tier3Status = "active"
	Tier3Fallback Tier3Status = "fallback"
)

// Tier3State is the adaptive tier.
type Tier3State struct {
	Enabled        bool        `json:"enabled"`
	Status         Tier3Status `json:"status"`
	AdapterName    string      `json:"adapterName,omitempty"`
	FallbackTier   string      `json:"fallbackTier"`
	FallbackReason string      `json:"fallbackReason,omitempty"`
	Canary         CanaryState `json:"canary"`
}

// TargetClass buckets the friction level observed in a window.
type TargetClass string

const (
	ClassDisabled     TargetClass = "disabled"
	ClassErrorSurface TargetClass = "error_surface"
	ClassHighFriction TargetClass = "high_friction"
	ClassStandard     TargetClass = "standard"
)

// Snapshot is the pipeline's externally visible state.
type Snapshot struct {
	Tier1                 Tier1Result `json:"tier1"`
	Tier2                 Tier2State  `json:"tier2"`
	Tier3                 Tier3State  `json:"tier3"`
	LastAppliedNetworkSeq uint64      `json:"lastAppliedNetworkSeq"`
}

// Pipeline owns the three-tier fingerprint state for one session.
// Single-writer: all mutation flows through Apply under one mutex.
type Pipeline struct {
	mu  sync.Mutex
	log *zap.Logger

	sessionID string
	cfg       config.FingerprintConfig

	tier1 Tier1Result
	tier2 Tier2State
	tier3 Tier3State

	lastAppliedNetworkSeq uint64
	now                   func() time.Time
}

// NewPipeline initializes the pipeline from config and the tier1 evaluation.
func NewPipeline(log *zap.Logger, sessionID string, cfg config.FingerprintConfig, tier1 Tier1Result) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{
		log:       log,
		sessionID: sessionID,
		cfg:       cfg,
		tier1:     tier1,
		now:       time.Now,
	}
	p.tier2 = Tier2State{
		Enabled: cfg.Tier2.Enabled,
		Mode:    cfg.Tier2.Mode,
		Profile: Profile{ID: ids.NewProfileID(), HealthScore: 100},
	}
	p.tier3 = Tier3State{
		Enabled:      cfg.Tier3.Enabled,
		Status:       Tier3Active,
		AdapterName:  "canary-window",
		FallbackTier: cfg.Tier3.FallbackTier,
	}
	return p
}

// Apply consumes network samples in seq order. Samples at or below the
// watermark are skipped, so re-applying the same batch is a no-op.
func (p *Pipeline) Apply(samples []NetworkSample, source Source) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range samples {
		if s.Seq <= p.lastAppliedNetworkSeq {
			continue
		}
		p.applyOneLocked(s, source)
		p.lastAppliedNetworkSeq = s.Seq
	}
}

// applyOneLocked runs the tier2 then tier3 step for one sample.
func (p *Pipeline) applyOneLocked(s NetworkSample, source Source) {
	tier2Applied := false
	hasChallenge := false
	scoreForSample := float64(p.tier2.Profile.HealthScore)

	if p.tier2.Enabled && p.signalAllowed(source, p.cfg.Tier2.ContinuousSignals) {
		tier2Applied = true
		hasChallenge = p.isChallenge(s)
		if hasChallenge {
			p.recordChallengeLocked(s)
			p.tier2.Profile.HealthScore -= p.cfg.Tier2.ScorePenalty
			if p.tier2.Profile.HealthScore < 0 {
				p.tier2.Profile.HealthScore = 0
			}
			p.tier2.Profile.ChallengeCount++
		} else {
			p.tier2.Profile.HealthScore += p.cfg.Tier2.ScoreRecovery
			if p.tier2.Profile.HealthScore > 100 {
				p.tier2.Profile.HealthScore = 100
			}
		}

		// The canary judges the profile as it performed, before any rotation
		// resets the score.
		scoreForSample = float64(p.tier2.Profile.HealthScore)

		if p.tier2.Mode == "adaptive" {
			nowMs := p.now().UnixMilli()
			belowHealth := p.tier2.Profile.HealthScore < p.cfg.Tier2.RotationHealthThreshold
			intervalDue := p.cfg.Tier2.RotationIntervalMs > 0 &&
				p.tier2.LastRotationMs > 0 &&
				nowMs-p.tier2.LastRotationMs >= p.cfg.Tier2.RotationIntervalMs
			if belowHealth || intervalDue {
				p.rotateLocked(nowMs, belowHealth)
			} else if p.tier2.LastRotationMs == 0 {
				p.tier2.LastRotationMs = nowMs
			}
		}
	}

	if p.tier3.Enabled && tier2Applied && p.signalAllowed(source, p.cfg.Tier3.ContinuousSignals) {
		p.applyCanaryLocked(s, scoreForSample, hasChallenge, source)
	}
}

// signalAllowed gates continuous-source application on the tier's
// continuousSignals flag; debug-trace passes always apply.
func (p *Pipeline) signalAllowed(source Source, continuous bool) bool {
	return source == SourceDebugTrace || continuous
}

func (p *Pipeline) isChallenge(s NetworkSample) bool {
	url := strings.ToLower(s.URL)
	for _, pattern := range p.cfg.Tier2.ChallengePatterns {
		if pattern != "" && strings.Contains(url, strings.ToLower(pattern)) {
			return true
		}
	}
	switch s.Status {
	case 403, 407, 418, 429:
		return true
	}
	return false
}

func (p *Pipeline) recordChallengeLocked(s NetworkSample) {
	max := p.cfg.Tier2.MaxChallengeEvents
	if max <= 0 {
		max = 50
	}
	p.tier2.ChallengeEvents = append(p.tier2.ChallengeEvents, ChallengeEvent{
		Seq:    s.Seq,
		URL:    s.URL,
		Status: s.Status,
		AtMs:   p.now().UnixMilli(),
	})
	if len(p.tier2.ChallengeEvents) > max {
		p.tier2.ChallengeEvents = p.tier2.ChallengeEvents[len(p.tier2.ChallengeEvents)-max:]
	}
}

func (p *Pipeline) rotateLocked(nowMs int64, belowHealth bool) {
	reason := "interval"
	if belowHealth {
		reason = "health"
	}
	oldID := p.tier2.Profile.ID
	p.tier2.Profile.ID = ids.NewProfileID()
	p.tier2.Profile.HealthScore = 100
	p.tier2.Profile.RotationCount++
	p.tier2.LastRotationMs = nowMs
	p.log.Info("fingerprint.tier2.rotate",
		zap.String("sessionId", p.sessionID),
		zap.String("reason", reason),
		zap.String("fromProfile", oldID),
		zap.String("toProfile", p.tier2.Profile.ID),
		zap.Int("rotationCount", p.tier2.Profile.RotationCount))
}

func (p *Pipeline) applyCanaryLocked(s NetworkSample, score float64, hasChallenge bool, source Source) {
	cc := p.cfg.Tier3.Canary
	windowSize := cc.WindowSize
	if windowSize <= 0 {
		windowSize = 20
	}

	p.tier3.Canary.Samples = append(p.tier3.Canary.Samples, CanarySample{
		Score:        score,
		HasChallenge: hasChallenge,
		AtMs:         p.now().UnixMilli(),
	})
	if len(p.tier3.Canary.Samples) > windowSize {
		p.tier3.Canary.Samples = p.tier3.Canary.Samples[len(p.tier3.Canary.Samples)-windowSize:]
	}

	var sum float64
	for _, sample := range p.tier3.Canary.Samples {
		sum += sample.Score
	}
	avg := sum / float64(len(p.tier3.Canary.Samples))
	p.tier3.Canary.AverageScore = avg

	// Decisions need a minimum sample count, and a fallen-back tier makes
	// no further decisions.
	if len(p.tier3.Canary.Samples) < cc.MinSamples || p.tier3.Status == Tier3Fallback {
		return
	}

	fields := []zap.Field{
		zap.String("sessionId", p.sessionID),
		zap.Float64("score", score),
		zap.Float64("averageScore", avg),
		zap.Int("sampleCount", len(p.tier3.Canary.Samples)),
		zap.Int("canaryLevel", p.tier3.Canary.Level),
		zap.Float64("promoteThreshold", cc.PromoteThreshold),
		zap.Float64("rollbackThreshold", cc.RollbackThreshold),
		zap.Float64("promoteDelta", avg-cc.PromoteThreshold),
		zap.Float64("rollbackDelta", avg-cc.RollbackThreshold),
		zap.String("targetClass", string(p.targetClassLocked(s, hasChallenge, avg))),
		zap.String("source", string(source)),
	}

	switch {
	case avg >= cc.PromoteThreshold:
		p.tier3.Canary.Level++
		p.tier3.Canary.LastAction = "promote"
		p.log.Info("fingerprint.tier3.promote", append(fields, zap.String("action", "promote"))...)

	case avg <= cc.RollbackThreshold:
		p.tier3.Canary.LastAction = "rollback"
		p.tier3.Status = Tier3Fallback
		p.tier3.FallbackReason = "canary_below_rollback_threshold"
		if p.cfg.Tier3.FallbackTier == "tier1" {
			// Falling all the way back to static coherence disables the
			// runtime tier as well.
			p.tier2.Enabled = false
		}
		p.log.Warn("fingerprint.tier3.rollback", append(fields,
			zap.String("action", "rollback"),
			zap.String("fallbackTier", p.cfg.Tier3.FallbackTier),
			zap.String("fallbackReason", p.tier3.FallbackReason))...)
	}
}

// targetClassLocked buckets the friction observed for logging.
func (p *Pipeline) targetClassLocked(s NetworkSample, hasChallenge bool, avg float64) TargetClass {
	switch {
	case !p.tier2.Enabled && !p.tier3.Enabled:
		return ClassDisabled
	case s.Status >= 500:
		return ClassErrorSurface
	case hasChallenge || avg <= p.cfg.Tier3.Canary.RollbackThreshold:
		return ClassHighFriction
	default:
		return ClassStandard
	}
}

// Snapshot returns a copy of the current pipeline state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := Snapshot{
		Tier1:                 p.tier1,
		Tier2:                 p.tier2,
		Tier3:                 p.tier3,
		LastAppliedNetworkSeq: p.lastAppliedNetworkSeq,
	}
	snap.Tier2.ChallengeEvents = append([]ChallengeEvent(nil), p.tier2.ChallengeEvents...)
	snap.Tier3.Canary.Samples = append([]CanarySample(nil), p.tier3.Canary.Samples...)
	return snap
}

// Watermark returns lastAppliedNetworkSeq.
func (p *Pipeline) Watermark() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAppliedNetworkSeq
}
