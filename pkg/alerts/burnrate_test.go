package alerts

import (
	"math"
	"testing"

	"github.com/cuemby/foundry/pkg/types"
	"github.com/stretchr/testify/assert"
)

// TestComputeBurnRate covers the burn-rate laws
func TestComputeBurnRate(t *testing.T) {
	// Zero badness burns nothing regardless of the objective
	assert.Equal(t, 0.0, ComputeBurnRate(0, 0.999))
	assert.Equal(t, 0.0, ComputeBurnRate(0, 1))

	// An SLO of 1 leaves no budget
	assert.True(t, math.IsInf(ComputeBurnRate(0.001, 1), 1))
	assert.True(t, math.IsInf(ComputeBurnRate(0.5, 1.5), 1))

	// 2% bad against a 99.9% objective burns 20x
	assert.InDelta(t, 20.0, ComputeBurnRate(0.02, 0.999), 1e-9)

	// Burning exactly the budget is 1x
	assert.InDelta(t, 1.0, ComputeBurnRate(0.001, 0.999), 1e-9)
}

// TestSortWindows verifies evaluation order: pages first, higher
// thresholds first within a severity
func TestSortWindows(t *testing.T) {
	shuffled := []types.BurnRateWindow{
		{Severity: types.SeverityTicket, LongWindowMinutes: 360, ShortWindowMinutes: 30, BurnRate: 1},
		{Severity: types.SeverityPage, LongWindowMinutes: 30, ShortWindowMinutes: 3, BurnRate: 6},
		{Severity: types.SeverityPage, LongWindowMinutes: 5, ShortWindowMinutes: 1, BurnRate: 14.4},
	}

	sorted := SortWindows(shuffled)
	assert.Equal(t, 14.4, sorted[0].BurnRate)
	assert.Equal(t, types.SeverityPage, sorted[0].Severity)
	assert.Equal(t, 6.0, sorted[1].BurnRate)
	assert.Equal(t, types.SeverityPage, sorted[1].Severity)
	assert.Equal(t, types.SeverityTicket, sorted[2].Severity)

	// Input untouched
	assert.Equal(t, types.SeverityTicket, shuffled[0].Severity)
}

// TestCooldownKey pins the marker format
func TestCooldownKey(t *testing.T) {
	dim := types.Dimension{Provider: "anthropic", Model: "claude-sonnet", Client: "cli"}
	key := CooldownKey(types.SeverityPage, types.AlertTypeErrorRate, dim)
	assert.Equal(t, "alert:cooldown:page:error_rate:anthropic:claude-sonnet:cli", key)
}
