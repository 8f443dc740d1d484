package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bitloss-labs/bitloss/internal/decay"
)

// Rules are the tunable game parameters.
type Rules struct {
	Decay decay.Config `yaml:"decay"`
	// DecayPerHour, when set, overrides Decay.BaseRatePerSecond with an
	// hourly figure, which is how the rules are usually discussed.
	DecayPerHour float64 `yaml:"decay_per_hour"`

	KillBonus       int64   `yaml:"kill_bonus"`
	OwnerBonus      int64   `yaml:"owner_bonus"`
	InteractionCost int64   `yaml:"interaction_cost"`
	HealStep        float64 `yaml:"heal_step"`
	CorruptStep     float64 `yaml:"corrupt_step"`

	// OwnerEarnsPassiveCredit lets authors earn witness credit by viewing
	// their own artifacts.
	OwnerEarnsPassiveCredit bool `yaml:"owner_earns_passive_credit"`

	GraveyardLimit   int `yaml:"graveyard_limit"`
	TrendingLimit    int `yaml:"trending_limit"`
	LeaderboardLimit int `yaml:"leaderboard_limit"`

	ReaperInterval time.Duration `yaml:"reaper_interval"`
}

// DefaultRules returns the rules the game ships with.
func DefaultRules() Rules {
	return Rules{
		Decay:            decay.DefaultConfig(),
		KillBonus:        100,
		OwnerBonus:       100,
		InteractionCost:  10,
		HealStep:         5,
		CorruptStep:      5,
		GraveyardLimit:   4,
		TrendingLimit:    5,
		LeaderboardLimit: 10,
		ReaperInterval:   60 * time.Second,
	}
}

// Validate checks the rules for values the engine cannot honour.
func (r Rules) Validate() error {
	if err := r.Decay.Validate(); err != nil {
		return err
	}
	if r.KillBonus < 0 || r.OwnerBonus < 0 {
		return fmt.Errorf("bonuses must not be negative (kill=%d owner=%d)", r.KillBonus, r.OwnerBonus)
	}
	if r.InteractionCost < 0 {
		return fmt.Errorf("interaction cost must not be negative, got %d", r.InteractionCost)
	}
	if r.HealStep <= 0 || r.CorruptStep <= 0 {
		return fmt.Errorf("heal and corrupt steps must be positive (heal=%v corrupt=%v)", r.HealStep, r.CorruptStep)
	}
	if r.ReaperInterval <= 0 {
		return fmt.Errorf("reaper interval must be positive, got %s", r.ReaperInterval)
	}
	return nil
}

// LoadRulesFromPath reads a YAML rules file on top of DefaultRules, so a
// file only needs the keys it changes.
func LoadRulesFromPath(path string) (Rules, error) {
	rules := DefaultRules()

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("failed to read rules: %w", err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("failed to parse rules: %w", err)
	}
	if rules.DecayPerHour > 0 {
		rules.Decay.BaseRatePerSecond = decay.PerHour(rules.DecayPerHour)
	}
	if err := rules.Validate(); err != nil {
		return rules, fmt.Errorf("invalid rules in %s: %w", path, err)
	}
	return rules, nil
}

// LoadRulesOrDefault loads path, falling back to the defaults when path is
// empty.
func LoadRulesOrDefault(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	return LoadRulesFromPath(path)
}
