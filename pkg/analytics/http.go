package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds analytics backend connection settings
type Config struct {
	BaseURL string
	Token   string
}

// HTTPStore talks to the analytics backend: data points go to the
// write endpoint per dataset, aggregates come back from its SQL
// endpoint
type HTTPStore struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPStore creates the analytics client
func NewHTTPStore(cfg Config) *HTTPStore {
	return &HTTPStore{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: log.WithComponent("analytics"),
	}
}

// dataPoint is the write-side wire format. Column positions are a
// stable contract with the dashboards and the evaluator's queries.
type dataPoint struct {
	Indexes []string  `json:"indexes,omitempty"`
	Blobs   []string  `json:"blobs"`
	Doubles []float64 `json:"doubles"`
}

// WriteAPIMetric writes one per-request data point:
// blob1=provider, blob2=resolvedModel, blob3=clientName,
// blob4=error flag ("1" when statusCode≥400), blob5=inferenceProvider;
// double1=ttfbMs, double2=completeRequestMs, double3=statusCode
func (s *HTTPStore) WriteAPIMetric(ctx context.Context, m *types.APIMetric) error {
	errorFlag := "0"
	if m.StatusCode >= 400 {
		errorFlag = "1"
	}
	point := dataPoint{
		Blobs:   []string{m.Provider, m.ResolvedModel, m.ClientName, errorFlag, m.InferenceProvider},
		Doubles: []float64{m.TTFBMs, m.CompleteRequestMs, float64(m.StatusCode)},
	}
	return s.write(ctx, DatasetAPIMetrics, point)
}

// WriteSessionMetrics writes one per-session data point:
// index1=platform; blob1=terminationReason, blob2=platform,
// blob3=organizationId, blob4=kiloUserId, blob5=model;
// double1=sessionDurationMs, double2=timeToFirstResponseMs (−1 when
// unknown), double3=totalTurns, double4=totalSteps,
// double5=totalErrors, double6=total tokens, double7=totalCost,
// double8=compactionCount, double9=stuckToolCallCount,
// double10=autoCompactionCount, double11=ingestVersion
func (s *HTTPStore) WriteSessionMetrics(ctx context.Context, m *types.SessionMetrics) error {
	ttfr := float64(-1)
	if m.TimeToFirstResponseMs != nil {
		ttfr = *m.TimeToFirstResponseMs
	}
	point := dataPoint{
		Indexes: []string{m.Platform},
		Blobs:   []string{m.TerminationReason, m.Platform, m.OrganizationID, m.KiloUserID, m.Model},
		Doubles: []float64{
			m.SessionDurationMs,
			ttfr,
			float64(m.TotalTurns),
			float64(m.TotalSteps),
			float64(m.TotalErrors),
			float64(m.TotalTokens()),
			m.TotalCost,
			float64(m.CompactionCount),
			float64(m.StuckToolCallCount),
			float64(m.AutoCompactionCount),
			float64(m.IngestVersion),
		},
	}
	return s.write(ctx, DatasetSessionMetrics, point)
}

func (s *HTTPStore) write(ctx context.Context, dataset string, point dataPoint) error {
	body, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("failed to encode data point: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/datasets/"+dataset, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build write request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("analytics write failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("analytics write returned status %d", resp.StatusCode)
	}
	return nil
}

// ErrorRateAggregates sums sampling-corrected request and error
// weights per dimension over the trailing window
func (s *HTTPStore) ErrorRateAggregates(ctx context.Context, windowMinutes int) ([]ErrorRateRow, error) {
	sql := fmt.Sprintf(`
SELECT
  blob1 AS provider,
  blob2 AS model,
  blob3 AS client,
  sum(_sample_interval) AS total_weight,
  sum(if(blob4 = '1', _sample_interval, 0)) AS bad_weight
FROM %s
WHERE timestamp > now() - INTERVAL '%d' MINUTE
GROUP BY provider, model, client`, DatasetAPIMetrics, windowMinutes)

	var rows []struct {
		Provider    string  `json:"provider"`
		Model       string  `json:"model"`
		Client      string  `json:"client"`
		TotalWeight float64 `json:"total_weight"`
		BadWeight   float64 `json:"bad_weight"`
	}
	if err := s.query(ctx, sql, &rows); err != nil {
		return nil, err
	}

	out := make([]ErrorRateRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, ErrorRateRow{
			Dimension:   types.Dimension{Provider: r.Provider, Model: r.Model, Client: r.Client},
			TotalWeight: r.TotalWeight,
			BadWeight:   r.BadWeight,
		})
	}
	return out, nil
}

// TTFBAggregates measures the weighted slow fraction of successful
// requests per dimension, for the models sharing one threshold
func (s *HTTPStore) TTFBAggregates(ctx context.Context, windowMinutes int, thresholdMs int64, models []string) ([]TTFBRow, error) {
	quoted := make([]string, len(models))
	for i, m := range models {
		quoted[i] = "'" + strings.ReplaceAll(m, "'", "''") + "'"
	}

	sql := fmt.Sprintf(`
SELECT
  blob1 AS provider,
  blob2 AS model,
  blob3 AS client,
  sum(_sample_interval) AS total_weight,
  sum(if(double1 > %d, _sample_interval, 0)) AS slow_weight
FROM %s
WHERE timestamp > now() - INTERVAL '%d' MINUTE
  AND blob4 = '0'
  AND blob2 IN (%s)
GROUP BY provider, model, client`,
		thresholdMs, DatasetAPIMetrics, windowMinutes, strings.Join(quoted, ", "))

	var rows []struct {
		Provider    string  `json:"provider"`
		Model       string  `json:"model"`
		Client      string  `json:"client"`
		TotalWeight float64 `json:"total_weight"`
		SlowWeight  float64 `json:"slow_weight"`
	}
	if err := s.query(ctx, sql, &rows); err != nil {
		return nil, err
	}

	out := make([]TTFBRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, TTFBRow{
			Dimension:   types.Dimension{Provider: r.Provider, Model: r.Model, Client: r.Client},
			TotalWeight: r.TotalWeight,
			SlowWeight:  r.SlowWeight,
		})
	}
	return out, nil
}

// query posts SQL to the analytics endpoint and decodes the row set
func (s *HTTPStore) query(ctx context.Context, sql string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/query", strings.NewReader(sql))
	if err != nil {
		return fmt.Errorf("failed to build query request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("analytics query failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read query response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("analytics query returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("failed to decode query response: %w", err)
	}
	if err := json.Unmarshal(body.Data, out); err != nil {
		return fmt.Errorf("failed to decode query rows: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
