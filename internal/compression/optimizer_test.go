package compression

import (
	"testing"

	"github.com/rowjay/s3-cross-region-compressor/internal/settings"
)

func newTestOptimizer() *Optimizer {
	return NewOptimizer(OptimizerConfig{})
}

func TestBestLevelPicksHighestAverageBenefit(t *testing.T) {
	o := newTestOptimizer()
	stats := map[int]settings.LevelStats{
		10: {Trials: 20, Objects: 20, SumBenefit: 5.0},
		12: {Trials: 20, Objects: 20, SumBenefit: 8.0},
	}
	if got := o.BestLevel(stats); got != 12 {
		t.Fatalf("expected level 12, got %d", got)
	}
}

func TestBestLevelIgnoresSparseLevels(t *testing.T) {
	o := newTestOptimizer()
	stats := map[int]settings.LevelStats{
		15: {Trials: 5, Objects: 5, SumBenefit: 100.0},
	}
	if got := o.BestLevel(stats); got != 12 {
		t.Fatalf("expected default level for sparse stats, got %d", got)
	}
}

func TestBestLevelNegativeBenefitKeepsDefault(t *testing.T) {
	o := newTestOptimizer()
	stats := map[int]settings.LevelStats{
		22: {Trials: 50, Objects: 50, SumBenefit: -4.0},
	}
	if got := o.BestLevel(stats); got != 12 {
		t.Fatalf("expected default level for negative benefit, got %d", got)
	}
}

func TestBestLevelFallsBackToTrialsWhenObjectsMissing(t *testing.T) {
	o := newTestOptimizer()
	stats := map[int]settings.LevelStats{
		8: {Trials: 30, Objects: 0, SumBenefit: 9.0},
	}
	if got := o.BestLevel(stats); got != 8 {
		t.Fatalf("expected level 8, got %d", got)
	}
}

func TestSelectLevelForCPU(t *testing.T) {
	o := newTestOptimizer()

	if got := o.SelectLevelForCPU(12, 0.5, 1.0); got != 13 {
		t.Fatalf("fast host should step up: got %d", got)
	}
	if got := o.SelectLevelForCPU(12, 1.5, 1.0); got != 11 {
		t.Fatalf("slow host should step down: got %d", got)
	}
	if got := o.SelectLevelForCPU(12, 1.0, 1.0); got != 12 {
		t.Fatalf("average host should stay put: got %d", got)
	}
	if got := o.SelectLevelForCPU(22, 0.5, 1.0); got != 22 {
		t.Fatalf("step up must clamp at %d, got %d", MaxLevel, got)
	}
	if got := o.SelectLevelForCPU(1, 1.5, 1.0); got != 1 {
		t.Fatalf("step down must clamp at %d, got %d", MinLevel, got)
	}
}

func TestExplorationRateDecaysMonotonically(t *testing.T) {
	o := newTestOptimizer()
	prev := o.ExplorationRate(0)
	for _, v := range []int64{100, 1000, 5000, 25000, 1000000} {
		rate := o.ExplorationRate(v)
		if rate > prev {
			t.Fatalf("rate increased from %f to %f at version %d", prev, rate, v)
		}
		prev = rate
	}
	floor := 0.25 * (1 - 0.5)
	if got := o.ExplorationRate(1 << 40); got != floor {
		t.Fatalf("expected decay floor %f, got %f", floor, got)
	}
}

func TestExploreTierSteps(t *testing.T) {
	// Base rate 0.25: tier boundaries at 0.15 and 0.2125.
	cases := []struct {
		draws []float64
		want  int
	}{
		{[]float64{0.10, 0.9}, 13},  // tier 1, positive
		{[]float64{0.10, 0.1}, 11},  // tier 1, negative
		{[]float64{0.20, 0.9}, 14},  // tier 2, positive
		{[]float64{0.24, 0.1}, 9},   // tier 3, negative
		{[]float64{0.50}, 12},       // outside budget
	}
	for _, tc := range cases {
		o := newTestOptimizer()
		draws := tc.draws
		o.randFloat = func() float64 {
			d := draws[0]
			draws = draws[1:]
			return d
		}
		if got := o.Explore(12, 0); got != tc.want {
			t.Fatalf("draws %v: expected %d, got %d", tc.draws, tc.want, got)
		}
	}
}

func TestExploreStaysWithinBounds(t *testing.T) {
	for _, chosen := range []int{MinLevel, MaxLevel} {
		o := newTestOptimizer()
		seq := []float64{0.24, 0.1, 0.24, 0.9}
		i := 0
		o.randFloat = func() float64 {
			d := seq[i%len(seq)]
			i++
			return d
		}
		for n := 0; n < 100; n++ {
			got := o.Explore(chosen, 0)
			if got < MinLevel || got > MaxLevel {
				t.Fatalf("explore escaped bounds: chosen %d, got %d", chosen, got)
			}
		}
	}
}
