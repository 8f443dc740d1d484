// Package decay computes how much integrity an artifact loses between views.
//
// The rate grows with exposure:
//
//	rate = base × (1 + witnesses/WitnessDivisor) × (1 + generations/GenerationDivisor)
//
// and integrity falls linearly with the wall-clock seconds elapsed since the
// previous view (or creation), never below zero.
package decay

import (
	"fmt"
	"math"
	"time"

	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
)

// Version identifies the decay formula. Bump it when the formula changes so
// persisted integrities can be traced to the rules that produced them.
const Version = "v1"

// Config parameterizes the engine.
type Config struct {
	BaseRatePerSecond float64 `yaml:"base_rate_per_second"`
	WitnessDivisor    float64 `yaml:"witness_divisor"`
	GenerationDivisor float64 `yaml:"generation_divisor"`
	PurgeThreshold    float64 `yaml:"purge_threshold"`
}

// PerHour converts an hourly integrity loss into a per-second rate.
func PerHour(loss float64) float64 {
	return loss / 3600
}

// DefaultConfig loses 0.05 integrity per hour for an unseen, unshared
// artifact and purges secrets below 80.
func DefaultConfig() Config {
	return Config{
		BaseRatePerSecond: PerHour(0.05),
		WitnessDivisor:    50,
		GenerationDivisor: 20,
		PurgeThreshold:    80,
	}
}

// Validate rejects configurations that would break the integrity bounds.
func (c Config) Validate() error {
	if c.BaseRatePerSecond < 0 || math.IsNaN(c.BaseRatePerSecond) || math.IsInf(c.BaseRatePerSecond, 0) {
		return fmt.Errorf("base rate must be a finite non-negative number, got %v", c.BaseRatePerSecond)
	}
	if c.WitnessDivisor <= 0 || c.GenerationDivisor <= 0 {
		return fmt.Errorf("divisors must be positive (witness=%v generation=%v)", c.WitnessDivisor, c.GenerationDivisor)
	}
	if c.PurgeThreshold <= 0 || c.PurgeThreshold > artifact.MaxIntegrity {
		return fmt.Errorf("purge threshold must be in (0, %v], got %v", artifact.MaxIntegrity, c.PurgeThreshold)
	}
	return nil
}

// Snapshot is the part of an artifact the engine reads.
type Snapshot struct {
	Integrity   float64
	Witnesses   int
	Generations int
	Status      artifact.Status
	Reference   time.Time
}

// SnapshotOf extracts a Snapshot from an artifact.
func SnapshotOf(a *artifact.Artifact) Snapshot {
	return Snapshot{
		Integrity:   a.Integrity,
		Witnesses:   a.Witnesses,
		Generations: a.Generations,
		Status:      a.Status,
		Reference:   a.DecayReference(),
	}
}

// Result describes one decay step.
type Result struct {
	Old     float64
	New     float64
	Rate    float64
	Elapsed time.Duration
	// Applied is false when the artifact is not active and nothing decayed.
	Applied bool
	// Died is set when this step took integrity from above zero to zero.
	Died bool
	// CrossedPurge is set when this step took integrity from at or above the
	// purge threshold to below it.
	CrossedPurge bool
}

// Changed reports whether integrity moved.
func (r Result) Changed() bool {
	return r.New != r.Old
}

// Engine applies the decay formula. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	cfg Config
}

// New validates cfg and returns an engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("decay config: %w", err)
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

// Rate is the per-second integrity loss for the given exposure.
func (e *Engine) Rate(witnesses, generations int) float64 {
	return e.cfg.BaseRatePerSecond *
		(1 + float64(witnesses)/e.cfg.WitnessDivisor) *
		(1 + float64(generations)/e.cfg.GenerationDivisor)
}

// Apply decays s up to now.
func (e *Engine) Apply(s Snapshot, now time.Time) Result {
	res := Result{Old: s.Integrity, New: s.Integrity}
	if s.Status != artifact.StatusActive {
		return res
	}

	elapsed := now.Sub(s.Reference)
	if elapsed < 0 {
		elapsed = 0
	}

	res.Applied = true
	res.Elapsed = elapsed
	res.Rate = e.Rate(s.Witnesses, s.Generations)
	res.New = Clamp(s.Integrity - res.Rate*elapsed.Seconds())
	if res.New > res.Old {
		res.New = res.Old
	}

	res.Died = res.Old > 0 && res.New == 0
	res.CrossedPurge = e.BelowPurge(res.New) && !e.BelowPurge(res.Old)
	return res
}

// BelowPurge reports whether integrity is too low for a secret to survive.
func (e *Engine) BelowPurge(integrity float64) bool {
	return integrity < e.cfg.PurgeThreshold
}

// Clamp bounds integrity to [0, MaxIntegrity].
func Clamp(integrity float64) float64 {
	switch {
	case integrity < 0 || math.IsNaN(integrity):
		return 0
	case integrity > artifact.MaxIntegrity:
		return artifact.MaxIntegrity
	default:
		return integrity
	}
}

// CreditDelta is the whole integrity points lost between old and new, which
// is what a witness earns for the view.
func CreditDelta(old, new float64) int64 {
	return int64(math.Floor(old) - math.Floor(new))
}

// RateLabel is the human-readable decay figure shown on the trending list.
func RateLabel(generations int) string {
	pct := int(float64(generations) * 0.1)
	if pct > 99 {
		pct = 99
	}
	return fmt.Sprintf("%d%%/view", pct)
}
