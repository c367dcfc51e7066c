package alerts

import (
	"math"
	"sort"

	"github.com/cuemby/foundry/pkg/types"
)

// ComputeBurnRate is how fast a dimension consumes its error budget:
// the observed bad fraction over the budget (1 − SLO). An SLO of 1
// leaves no budget, so any badness burns infinitely fast.
func ComputeBurnRate(badFraction, slo float64) float64 {
	if slo >= 1 {
		if badFraction > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return badFraction / (1 - slo)
}

// SortWindows orders windows for evaluation: pages strictly before
// tickets, and within a severity the higher burn-rate threshold
// first. Pages must run first so their cooldown markers absorb the
// ticket for the same breach; this ordering is a correctness
// requirement, not a tuning choice.
func SortWindows(windows []types.BurnRateWindow) []types.BurnRateWindow {
	out := make([]types.BurnRateWindow, len(windows))
	copy(out, windows)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity == types.SeverityPage
		}
		return out[i].BurnRate > out[j].BurnRate
	})
	return out
}
