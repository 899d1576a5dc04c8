// Package compression holds the adaptive level-selection machinery: a pure
// optimizer over aggregated level statistics, a cost-benefit calculator, and
// a manager facade tying them to the settings repository.
package compression

import (
	"math/rand"

	"github.com/rowjay/s3-cross-region-compressor/internal/settings"
)

const (
	MinLevel = 1
	MaxLevel = 22
)

// OptimizerConfig carries the tuning knobs for level selection. The
// exploration schedule constants are empirical, so they stay configurable.
type OptimizerConfig struct {
	DefaultLevel     int
	MinTrials        int
	BaseExploreRate  float64
	DecayPerThousand float64
	MaxDecay         float64
}

// Optimizer selects compression levels from aggregated statistics. It is
// side-effect-free apart from the injected random source.
type Optimizer struct {
	cfg       OptimizerConfig
	randFloat func() float64
}

func NewOptimizer(cfg OptimizerConfig) *Optimizer {
	if cfg.DefaultLevel == 0 {
		cfg.DefaultLevel = 12
	}
	if cfg.MinTrials == 0 {
		cfg.MinTrials = 10
	}
	if cfg.BaseExploreRate == 0 {
		cfg.BaseExploreRate = 0.25
	}
	if cfg.DecayPerThousand == 0 {
		cfg.DecayPerThousand = 0.02
	}
	if cfg.MaxDecay == 0 {
		cfg.MaxDecay = 0.5
	}
	return &Optimizer{cfg: cfg, randFloat: rand.Float64}
}

// BestLevel returns the level with the highest average benefit per object
// among levels with enough trials for significance, or the default when no
// level qualifies. Levels whose average is not positive never beat the
// default.
func (o *Optimizer) BestLevel(stats map[int]settings.LevelStats) int {
	best := o.cfg.DefaultLevel
	bestAvg := 0.0

	for level, s := range stats {
		if s.Trials < int64(o.cfg.MinTrials) {
			continue
		}
		objects := s.Objects
		if objects == 0 {
			objects = s.Trials
		}
		avg := s.SumBenefit / float64(objects)
		if avg > bestAvg {
			bestAvg = avg
			best = level
		}
	}
	return best
}

// SelectLevelForCPU nudges the best level by the host's speed relative to the
// fleet. CPU factor is inversely proportional to speed: higher means slower.
func (o *Optimizer) SelectLevelForCPU(best int, myCPUFactor, avgCPUFactor float64) int {
	relative := 1.0
	if avgCPUFactor > 0 {
		relative = myCPUFactor / avgCPUFactor
	}
	switch {
	case relative < 0.9:
		return clampLevel(best + 1)
	case relative > 1.1:
		return clampLevel(best - 1)
	default:
		return best
	}
}

// ExplorationRate computes the epsilon for the given accumulated version
// count. The rate decays from the base as versions accumulate, down to a
// floor of base*(1-maxDecay).
func (o *Optimizer) ExplorationRate(versionCount int64) float64 {
	decay := float64(versionCount) / 1000 * o.cfg.DecayPerThousand
	if decay > o.cfg.MaxDecay {
		decay = o.cfg.MaxDecay
	}
	return o.cfg.BaseExploreRate * (1 - decay)
}

// Explore occasionally perturbs the chosen level to keep sampling
// neighboring levels: 60% of the exploration budget moves ±1, 25% ±2 and
// 15% ±3, each direction equally likely. Outside the budget the chosen level
// is returned unchanged.
func (o *Optimizer) Explore(chosen int, versionCount int64) int {
	rate := o.ExplorationRate(versionCount)
	tier1 := rate * 0.6
	tier2 := tier1 + rate*0.25

	draw := o.randFloat()
	var step int
	switch {
	case draw < tier1:
		step = 1
	case draw < tier2:
		step = 2
	case draw < rate:
		step = 3
	default:
		return chosen
	}
	if o.randFloat() < 0.5 {
		step = -step
	}
	return clampLevel(chosen + step)
}

func clampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}
