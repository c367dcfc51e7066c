package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cuemby/foundry/pkg/analytics"
	"github.com/cuemby/foundry/pkg/events"
	"github.com/cuemby/foundry/pkg/health"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/session"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// TelemetrySink is the observability service's ingestion core: every
// accepted record is written to the analytics store and forwarded to
// the in-process stream. It is also the session aggregators' Emitter.
type TelemetrySink struct {
	analytics analytics.Writer
	stream    *events.Stream
}

// NewTelemetrySink creates the sink
func NewTelemetrySink(writer analytics.Writer, stream *events.Stream) *TelemetrySink {
	return &TelemetrySink{analytics: writer, stream: stream}
}

// IngestAPIMetric records one per-request data point
func (t *TelemetrySink) IngestAPIMetric(ctx context.Context, m *types.APIMetric) error {
	if err := t.analytics.WriteAPIMetric(ctx, m); err != nil {
		return err
	}
	t.stream.Publish(&events.StreamEvent{Kind: "api_metric", Metric: m})
	metrics.APIMetricsIngestedTotal.Inc()
	return nil
}

// IngestSessionMetrics records one emitted session summary
func (t *TelemetrySink) IngestSessionMetrics(ctx context.Context, m *types.SessionMetrics) error {
	if err := t.analytics.WriteSessionMetrics(ctx, m); err != nil {
		return err
	}
	t.stream.Publish(&events.StreamEvent{Kind: "session_metrics", Session: m})
	return nil
}

// ObservabilityConfig configures the observability ingress
type ObservabilityConfig struct {
	AdminToken string
}

// ObservabilityHandler serves the telemetry ingest API
type ObservabilityHandler struct {
	cfg      ObservabilityConfig
	sink     *TelemetrySink
	sessions *session.Aggregators
	configs  AlertConfigStore
	health   *health.Registry
	logger   zerolog.Logger
}

// NewObservabilityHandler creates the observability service handler
func NewObservabilityHandler(cfg ObservabilityConfig, sink *TelemetrySink, sessions *session.Aggregators, configs AlertConfigStore, healthReg *health.Registry) *ObservabilityHandler {
	return &ObservabilityHandler{
		cfg:      cfg,
		sink:     sink,
		sessions: sessions,
		configs:  configs,
		health:   healthReg,
		logger:   log.WithComponent("api"),
	}
}

// Router builds the observability route tree
func (h *ObservabilityHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	r.Get("/healthz", h.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(h.cfg.AdminToken))
		r.Post("/ingest/api-metrics", h.handleAPIMetrics)
		r.Post("/ingest/session", h.handleSessionIngest)
		h.mountAlertConfigRoutes(r)
	})

	return r
}

func (h *ObservabilityHandler) handleAPIMetrics(w http.ResponseWriter, r *http.Request) {
	var m types.APIMetric
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if m.Provider == "" || m.ResolvedModel == "" || m.ClientName == "" {
		writeError(w, http.StatusBadRequest, "provider, resolvedModel and clientName are required")
		return
	}
	if m.StatusCode <= 0 {
		writeError(w, http.StatusBadRequest, "statusCode is required")
		return
	}

	if err := h.sink.IngestAPIMetric(r.Context(), &m); err != nil {
		h.logger.Error().Err(err).Msg("Failed to ingest API metric")
		writeError(w, http.StatusInternalServerError, "failed to ingest metric")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ObservabilityHandler) handleSessionIngest(w http.ResponseWriter, r *http.Request) {
	var batch types.IngestBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if batch.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	agg, err := h.sessions.GetOrCreate(batch.SessionID)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", batch.SessionID).Msg("Failed to resolve aggregator")
		writeError(w, http.StatusInternalServerError, "failed to ingest session items")
		return
	}

	// Oversized items are dropped, the rest forwarded in order
	split := session.SplitIngestBatch(batch.Items, 0, 0)
	if split.Dropped > 0 {
		h.logger.Warn().Int("dropped", split.Dropped).Str("session_id", batch.SessionID).Msg("Dropped oversized session items")
	}
	for _, chunk := range split.Chunks {
		err := agg.Ingest(&types.IngestBatch{
			SessionID:     batch.SessionID,
			KiloUserID:    batch.KiloUserID,
			IngestVersion: batch.IngestVersion,
			Items:         chunk,
		})
		if err != nil {
			h.logger.Error().Err(err).Str("session_id", batch.SessionID).Msg("Failed to ingest session items")
			writeError(w, http.StatusInternalServerError, "failed to ingest session items")
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ObservabilityHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	handleHealthz(w, r, h.health)
}
