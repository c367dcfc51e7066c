package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
	"github.com/go-chi/chi/v5"
)

// Alert configuration has a single writer per mutation: every PUT
// replaces the model's whole config document.

type errorRateConfigRequest struct {
	Enabled              bool    `json:"enabled"`
	ErrorRateSLO         float64 `json:"errorRateSlo"`
	MinRequestsPerWindow int64   `json:"minRequestsPerWindow"`
}

type ttfbConfigRequest struct {
	Enabled              bool    `json:"enabled"`
	TTFBThresholdMs      int64   `json:"ttfbThresholdMs"`
	TTFBSLO              float64 `json:"ttfbSlo"`
	MinRequestsPerWindow int64   `json:"minRequestsPerWindow"`
}

// mountAlertConfigRoutes adds the admin alert-config surface
func (h *ObservabilityHandler) mountAlertConfigRoutes(r chi.Router) {
	r.Get("/alerts/error-rate", h.handleListErrorRateConfigs)
	r.Put("/alerts/error-rate/{model}", h.handlePutErrorRateConfig)
	r.Get("/alerts/ttfb", h.handleListTTFBConfigs)
	r.Put("/alerts/ttfb/{model}", h.handlePutTTFBConfig)
}

func (h *ObservabilityHandler) handleListErrorRateConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.configs.ListErrorRateConfigs()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list error-rate configs")
		writeError(w, http.StatusInternalServerError, "failed to list configs")
		return
	}
	if configs == nil {
		configs = []*types.ErrorRateAlertConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

func (h *ObservabilityHandler) handlePutErrorRateConfig(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	if model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	var req errorRateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ErrorRateSLO <= 0 || req.ErrorRateSLO >= 1 {
		writeError(w, http.StatusBadRequest, "errorRateSlo must be in (0,1)")
		return
	}
	if req.MinRequestsPerWindow < 1 {
		writeError(w, http.StatusBadRequest, "minRequestsPerWindow must be at least 1")
		return
	}

	cfg := &types.ErrorRateAlertConfig{
		Model:                model,
		Enabled:              req.Enabled,
		ErrorRateSLO:         req.ErrorRateSLO,
		MinRequestsPerWindow: req.MinRequestsPerWindow,
		UpdatedAt:            time.Now().UTC(),
	}
	if err := h.configs.SaveErrorRateConfig(cfg); err != nil {
		h.logger.Error().Err(err).Str("model", model).Msg("Failed to save error-rate config")
		writeError(w, http.StatusInternalServerError, "failed to save config")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *ObservabilityHandler) handleListTTFBConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.configs.ListTTFBConfigs()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list TTFB configs")
		writeError(w, http.StatusInternalServerError, "failed to list configs")
		return
	}
	if configs == nil {
		configs = []*types.TTFBAlertConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

func (h *ObservabilityHandler) handlePutTTFBConfig(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	if model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	var req ttfbConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TTFBThresholdMs < 1 {
		writeError(w, http.StatusBadRequest, "ttfbThresholdMs must be at least 1")
		return
	}
	if req.TTFBSLO <= 0 || req.TTFBSLO >= 1 {
		writeError(w, http.StatusBadRequest, "ttfbSlo must be in (0,1)")
		return
	}
	if req.MinRequestsPerWindow < 1 {
		writeError(w, http.StatusBadRequest, "minRequestsPerWindow must be at least 1")
		return
	}

	cfg := &types.TTFBAlertConfig{
		Model:                model,
		Enabled:              req.Enabled,
		TTFBThresholdMs:      req.TTFBThresholdMs,
		TTFBSLO:              req.TTFBSLO,
		MinRequestsPerWindow: req.MinRequestsPerWindow,
		UpdatedAt:            time.Now().UTC(),
	}
	if err := h.configs.SaveTTFBConfig(cfg); err != nil {
		h.logger.Error().Err(err).Str("model", model).Msg("Failed to save TTFB config")
		writeError(w, http.StatusInternalServerError, "failed to save config")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// AlertConfigStore is the slice of storage the config surface needs
type AlertConfigStore interface {
	SaveErrorRateConfig(cfg *types.ErrorRateAlertConfig) error
	ListErrorRateConfigs() ([]*types.ErrorRateAlertConfig, error)
	SaveTTFBConfig(cfg *types.TTFBAlertConfig) error
	ListTTFBConfigs() ([]*types.TTFBAlertConfig, error)
}

var _ AlertConfigStore = (storage.Store)(nil)
