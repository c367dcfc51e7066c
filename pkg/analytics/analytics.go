package analytics

import (
	"context"

	"github.com/cuemby/foundry/pkg/types"
)

// Dataset names in the analytics store
const (
	DatasetAPIMetrics     = "api_metrics"
	DatasetSessionMetrics = "session_metrics"
)

// Writer appends telemetry data points
type Writer interface {
	WriteAPIMetric(ctx context.Context, m *types.APIMetric) error
	WriteSessionMetrics(ctx context.Context, m *types.SessionMetrics) error
}

// ErrorRateRow is one (provider, model, client) aggregate of weighted
// request and error counts over a window. Weights correct for
// upstream sampling.
type ErrorRateRow struct {
	Dimension   types.Dimension
	TotalWeight float64
	BadWeight   float64
}

// TTFBRow is one dimension's aggregate of successful requests and how
// many of them exceeded the TTFB threshold
type TTFBRow struct {
	Dimension   types.Dimension
	TotalWeight float64
	SlowWeight  float64
}

// Querier runs the evaluator's aggregate queries
type Querier interface {
	// ErrorRateAggregates groups weighted totals and errors by
	// dimension over the trailing window
	ErrorRateAggregates(ctx context.Context, windowMinutes int) ([]ErrorRateRow, error)
	// TTFBAggregates measures, per dimension, the weighted fraction
	// of successful requests whose TTFB exceeded thresholdMs,
	// restricted to the given models (all sharing that threshold)
	TTFBAggregates(ctx context.Context, windowMinutes int, thresholdMs int64, models []string) ([]TTFBRow, error)
}

// Store is the full analytics backend surface
type Store interface {
	Writer
	Querier
}
